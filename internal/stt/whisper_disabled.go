//go:build !whisper

package stt

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-voicegw/internal/config"
)

// WhisperTranscriber is unavailable without the whisper build tag.
type WhisperTranscriber struct{}

func NewWhisperTranscriber(config.STTConfig) (*WhisperTranscriber, error) {
	return nil, errors.New("stt mode whisper requires a build with -tags whisper")
}

func (w *WhisperTranscriber) Transcribe(context.Context, []byte, int, int, bool) (TranscriptResult, error) {
	return TranscriptResult{}, errors.New("whisper support not compiled in")
}

func (w *WhisperTranscriber) Close() error { return nil }
