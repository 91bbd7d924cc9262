package stt

import (
	"context"
	"fmt"
)

// TranscriptResult captures batch transcriber output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Transcriber turns a buffer of PCM into text. Engines call it with the audio
// of one utterance.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error)
}

type mockTranscriber struct{}

func NewMockTranscriber() Transcriber {
	return &mockTranscriber{}
}

func (m *mockTranscriber) Transcribe(_ context.Context, pcm []byte, _ int, _ int, final bool) (TranscriptResult, error) {
	mode := "partial"
	if final {
		mode = "final"
	}
	return TranscriptResult{
		Text:       fmt.Sprintf("[%s transcript length=%d]", mode, len(pcm)),
		Confidence: 0,
	}, nil
}

// Utterance is per-utterance transcriber state. Each call passes the audio of
// the utterance so far, which extends the audio of the previous call.
type Utterance interface {
	Transcribe(ctx context.Context, pcm []byte, final bool) (TranscriptResult, error)
	Close() error
}

// UtteranceTranscriber is implemented by transcribers that reuse work across
// the partial and final passes of one utterance.
type UtteranceTranscriber interface {
	Transcriber
	NewUtterance(sampleRate, channels int) (Utterance, error)
}
