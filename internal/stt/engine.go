package stt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-voicegw/internal/config"
)

// Result is a recognizer hypothesis.
type Result struct {
	Text string `json:"text"`
}

// Engine is a streaming recognizer bound to a single session. It consumes
// little-endian 16-bit mono PCM at the rate it was created with and must not be
// driven from more than one goroutine.
type Engine interface {
	// AcceptWaveform feeds audio and reports whether an utterance completed.
	AcceptWaveform(ctx context.Context, pcm []byte) (bool, error)
	// PartialResult returns the provisional hypothesis of the current utterance.
	PartialResult(ctx context.Context) (Result, error)
	// Result returns the hypothesis of the utterance that just completed.
	Result(ctx context.Context) (Result, error)
	// FinalResult flushes whatever audio is buffered.
	FinalResult(ctx context.Context) (Result, error)
	Close() error
}

// EngineFactory creates one Engine per listening period.
type EngineFactory interface {
	NewEngine(sampleRate int) (Engine, error)
}

// EngineFactoryFunc adapts a function to EngineFactory.
type EngineFactoryFunc func(sampleRate int) (Engine, error)

func (f EngineFactoryFunc) NewEngine(sampleRate int) (Engine, error) {
	return f(sampleRate)
}

// NewFactory builds the engine factory selected by cfg.Mode. The returned
// closer releases transcriber resources shared by all engines.
func NewFactory(cfg config.STTConfig, logger *slog.Logger) (EngineFactory, func() error, error) {
	var (
		transcriber Transcriber
		closer      = func() error { return nil }
	)
	switch cfg.Mode {
	case "mock":
		transcriber = NewMockTranscriber()
	case "exec":
		t, err := NewExecTranscriber(cfg)
		if err != nil {
			return nil, nil, err
		}
		transcriber = t
	case "whisper":
		t, err := NewWhisperTranscriber(cfg)
		if err != nil {
			return nil, nil, err
		}
		transcriber = t
		closer = t.Close
	default:
		return nil, nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
	logger.Info("speech recognition ready", slog.String("mode", cfg.Mode))

	opts := SegmenterOptions{
		SilenceThreshold: cfg.SilenceThreshold,
		EndpointSilence:  cfg.EndpointSilenceMS,
		PartialEvery:     cfg.PartialEveryMS,
		Preroll:          cfg.PrerollMS,
	}
	factory := EngineFactoryFunc(func(sampleRate int) (Engine, error) {
		return NewSegmentingEngine(transcriber, sampleRate, opts), nil
	})
	return factory, closer, nil
}
