//go:build whisper

package stt

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/loqalabs/loqa-voicegw/internal/config"
)

// WhisperTranscriber runs whisper.cpp in-process.
type WhisperTranscriber struct {
	model    whisper.Model
	language string
	mu       sync.Mutex
}

func NewWhisperTranscriber(cfg config.STTConfig) (*WhisperTranscriber, error) {
	model, err := whisper.New(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load whisper model %s: %w", cfg.ModelPath, err)
	}
	return &WhisperTranscriber{model: model, language: cfg.Language}, nil
}

func (w *WhisperTranscriber) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, _ bool) (TranscriptResult, error) {
	if sampleRate != whisper.SampleRate || channels != 1 {
		return TranscriptResult{}, fmt.Errorf("whisper needs mono %d Hz audio, got %d Hz x%d", whisper.SampleRate, sampleRate, channels)
	}
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	wctx, err := w.model.NewContext()
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("whisper context: %w", err)
	}
	if w.language != "" {
		if err := wctx.SetLanguage(w.language); err != nil {
			return TranscriptResult{}, fmt.Errorf("whisper language: %w", err)
		}
	}

	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return TranscriptResult{}, fmt.Errorf("whisper process: %w", err)
	}

	var text strings.Builder
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return TranscriptResult{}, fmt.Errorf("whisper segment: %w", err)
		}
		text.WriteString(segment.Text)
	}
	return TranscriptResult{Text: strings.TrimSpace(text.String())}, nil
}

func (w *WhisperTranscriber) Close() error {
	return w.model.Close()
}
