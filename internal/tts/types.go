package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-voicegw/internal/config"
)

// Request describes one synthesis call. Zero SampleRate or ChunkMS fall back
// to the configured defaults.
type Request struct {
	Text       string
	Voice      string
	SampleRate int
	ChunkMS    int
}

// ChunkStream yields raw PCM16LE mono chunks in engine order. Next returns
// iterator.Done once the engine finished cleanly. Close releases the engine
// and may be called at any time, more than once.
type ChunkStream interface {
	Next() ([]byte, error)
	Close() error
}

// Synthesizer turns text into audio.
type Synthesizer interface {
	Stream(ctx context.Context, req Request) (ChunkStream, error)
	SynthesizeWAV(ctx context.Context, req Request) ([]byte, error)
}

var (
	ErrModelNotFound = errors.New("voice model not found")
	ErrStreamClosed  = errors.New("stream closed")
)

// ModelError reports the model path that could not be found.
type ModelError struct {
	Path string
}

func (e *ModelError) Error() string { return fmt.Sprintf("%s: %s", ErrModelNotFound, e.Path) }

func (e *ModelError) Unwrap() error { return ErrModelNotFound }

// SpawnError is returned when the engine process cannot be started.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string { return "start piper: " + e.Err.Error() }

func (e *SpawnError) Unwrap() error { return e.Err }

// ExitError is returned when the engine exits with a non-zero status.
type ExitError struct {
	Code   int
	Stdout string
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stdout != "" {
		return fmt.Sprintf("piper failed (exit %d)\nstdout:\n%s\nstderr:\n%s", e.Code, e.Stdout, e.Stderr)
	}
	return fmt.Sprintf("piper failed (exit %d): %s", e.Code, e.Stderr)
}

// ChunkBytes returns the size of a PCM16 mono chunk of chunkMS at sampleRate.
func ChunkBytes(sampleRate, chunkMS int) int {
	return sampleRate * chunkMS / 1000 * 2
}

// New builds the synthesizer selected by cfg.Mode.
func New(cfg config.TTSConfig, logger *slog.Logger) (Synthesizer, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockSynth(cfg), nil
	case "piper":
		return NewPiper(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
