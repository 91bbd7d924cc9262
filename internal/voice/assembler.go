// Package voice turns an agent reply into synthesized speech.
package voice

import (
	"context"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-voicegw/internal/agent"
	"github.com/loqalabs/loqa-voicegw/internal/tts"
)

// Request is one reply-to-speech call.
type Request struct {
	Text   string
	System string
	Voice  string
}

// AgentError reports a failure of the reply agent.
type AgentError struct {
	Err error
}

func (e *AgentError) Error() string { return "agent: " + e.Err.Error() }
func (e *AgentError) Unwrap() error { return e.Err }

// SynthesisError reports a failure of the voice engine.
type SynthesisError struct {
	Err error
}

func (e *SynthesisError) Error() string { return "synthesis: " + e.Err.Error() }
func (e *SynthesisError) Unwrap() error { return e.Err }

// Assembler asks the agent for a reply and speaks it.
type Assembler struct {
	agent  agent.Agent
	synth  tts.Synthesizer
	logger *slog.Logger
}

func NewAssembler(a agent.Agent, synth tts.Synthesizer, logger *slog.Logger) *Assembler {
	return &Assembler{
		agent:  a,
		synth:  synth,
		logger: logger.With(slog.String("component", "assembler")),
	}
}

// Reply returns the trimmed agent reply.
func (a *Assembler) Reply(ctx context.Context, req Request) (string, error) {
	reply, err := a.agent.Reply(ctx, req.Text, req.System)
	if err != nil {
		a.logger.Warn("agent reply failed", slog.String("error", err.Error()))
		return "", &AgentError{Err: err}
	}
	return strings.TrimSpace(reply), nil
}

// ReplyWAV speaks the reply as a WAV file. An empty reply yields an empty
// buffer and no error.
func (a *Assembler) ReplyWAV(ctx context.Context, req Request) ([]byte, string, error) {
	reply, err := a.Reply(ctx, req)
	if err != nil || reply == "" {
		return nil, reply, err
	}
	data, err := a.synth.SynthesizeWAV(ctx, tts.Request{Text: reply, Voice: req.Voice})
	if err != nil {
		return nil, reply, &SynthesisError{Err: err}
	}
	return data, reply, nil
}

// ReplyStream speaks the reply as a PCM chunk stream. An empty reply yields a
// nil stream and no error. Errors surfacing from the stream's Next are the
// engine's own; callers treat them as synthesis failures.
func (a *Assembler) ReplyStream(ctx context.Context, req Request, sampleRate, chunkMS int) (tts.ChunkStream, string, error) {
	reply, err := a.Reply(ctx, req)
	if err != nil || reply == "" {
		return nil, reply, err
	}
	stream, err := a.synth.Stream(ctx, tts.Request{Text: reply, Voice: req.Voice, SampleRate: sampleRate, ChunkMS: chunkMS})
	if err != nil {
		return nil, reply, &SynthesisError{Err: err}
	}
	return stream, reply, nil
}
