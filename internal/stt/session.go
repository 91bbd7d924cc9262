package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-voicegw/internal/protocol"
)

// State is the recognition state of a Session.
type State int

const (
	StateIdle State = iota
	StateListening
)

func (s State) String() string {
	if s == StateListening {
		return "listening"
	}
	return "idle"
}

// Restart policies applied when start arrives while already listening.
const (
	RestartDiscard  = "discard"
	RestartFinalize = "finalize"
)

var (
	// ErrTooManyMalformed is returned once a client exceeds the malformed control limit.
	ErrTooManyMalformed = errors.New("too many malformed control messages")
	// ErrEmit wraps failures to deliver a result to the client.
	ErrEmit = errors.New("emit result")
)

// Emitter delivers a result frame to the client.
type Emitter func(protocol.ResultMessage) error

type SessionOptions struct {
	DefaultSampleRate int
	RestartPolicy     string
	// MaxMalformed closes the session after that many malformed control
	// frames. Zero ignores them forever.
	MaxMalformed int
}

// SessionStats counts frames seen by a session.
type SessionStats struct {
	AudioFrames   int
	AudioBytes    int64
	DroppedFrames int
	Malformed     int
	Partials      int
	Finals        int
}

// Session is the per-connection recognition state machine. All methods must be
// called from the connection's read loop; nothing here is locked.
type Session struct {
	id      string
	factory EngineFactory
	opts    SessionOptions
	emit    Emitter
	logger  *slog.Logger

	state       State
	engine      Engine
	sampleRate  int
	lastPartial string
	stats       SessionStats
}

func NewSession(id string, factory EngineFactory, opts SessionOptions, emit Emitter, logger *slog.Logger) *Session {
	if opts.DefaultSampleRate <= 0 {
		opts.DefaultSampleRate = 16000
	}
	if opts.RestartPolicy == "" {
		opts.RestartPolicy = RestartDiscard
	}
	return &Session{
		id:      id,
		factory: factory,
		opts:    opts,
		emit:    emit,
		logger:  logger.With(slog.String("session_id", id)),
	}
}

func (s *Session) ID() string          { return s.id }
func (s *Session) State() State        { return s.state }
func (s *Session) SampleRate() int     { return s.sampleRate }
func (s *Session) Stats() SessionStats { return s.stats }

// HandleText interprets a control frame. Malformed JSON is logged and ignored
// unless the malformed limit is reached.
func (s *Session) HandleText(ctx context.Context, data []byte) error {
	msg, err := protocol.ParseControl(data)
	if err != nil {
		s.stats.Malformed++
		s.logger.Warn("invalid control message", slogError(err), slog.Int("malformed", s.stats.Malformed))
		if s.opts.MaxMalformed > 0 && s.stats.Malformed >= s.opts.MaxMalformed {
			return ErrTooManyMalformed
		}
		return nil
	}

	switch msg.Type {
	case protocol.ControlStart:
		return s.start(ctx, msg.SampleRateOr(s.opts.DefaultSampleRate))
	case protocol.ControlStop:
		return s.stop(ctx)
	default:
		s.logger.Debug("ignoring control message", slog.String("type", msg.Type))
		return nil
	}
}

// HandleAudio feeds a binary frame to the engine. Frames received while idle
// are dropped.
func (s *Session) HandleAudio(ctx context.Context, pcm []byte) error {
	if s.engine == nil {
		s.stats.DroppedFrames++
		s.logger.Debug("dropping audio frame while idle", slog.Int("bytes", len(pcm)))
		return nil
	}
	s.stats.AudioFrames++
	s.stats.AudioBytes += int64(len(pcm))

	complete, err := s.engine.AcceptWaveform(ctx, pcm)
	if err != nil {
		return fmt.Errorf("accept waveform: %w", err)
	}
	if complete {
		res, err := s.engine.Result(ctx)
		// A stale partial must not suppress the first partial of the next utterance.
		s.lastPartial = ""
		if err != nil {
			return fmt.Errorf("utterance result: %w", err)
		}
		return s.emitFinal(res.Text)
	}

	res, err := s.engine.PartialResult(ctx)
	if err != nil {
		return fmt.Errorf("partial result: %w", err)
	}
	text := strings.TrimSpace(res.Text)
	if text == "" || text == s.lastPartial {
		return nil
	}
	s.lastPartial = text
	s.stats.Partials++
	return s.send(protocol.Partial(text))
}

// Close discards the engine without requesting a final result.
func (s *Session) Close() {
	s.discard()
}

func (s *Session) start(ctx context.Context, sampleRate int) error {
	if s.engine != nil {
		switch s.opts.RestartPolicy {
		case RestartFinalize:
			if err := s.finalize(ctx); err != nil {
				return err
			}
		default:
			s.logger.Debug("restart discards active engine")
			s.discard()
		}
	}

	engine, err := s.factory.NewEngine(sampleRate)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	s.engine = engine
	s.sampleRate = sampleRate
	s.lastPartial = ""
	s.state = StateListening
	s.logger.Info("asr start", slog.Int("sample_rate", sampleRate))
	return s.send(protocol.Ack(sampleRate))
}

func (s *Session) stop(ctx context.Context) error {
	if s.engine == nil {
		return nil
	}
	err := s.finalize(ctx)
	s.logger.Info("asr stop")
	return err
}

func (s *Session) finalize(ctx context.Context) error {
	res, err := s.engine.FinalResult(ctx)
	s.discard()
	if err != nil {
		return fmt.Errorf("final result: %w", err)
	}
	return s.emitFinal(res.Text)
}

func (s *Session) emitFinal(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	s.stats.Finals++
	return s.send(protocol.Final(text))
}

func (s *Session) discard() {
	if s.engine != nil {
		if err := s.engine.Close(); err != nil {
			s.logger.Warn("engine close failed", slogError(err))
		}
	}
	s.engine = nil
	s.lastPartial = ""
	s.state = StateIdle
}

func (s *Session) send(msg protocol.ResultMessage) error {
	if err := s.emit(msg); err != nil {
		return fmt.Errorf("%w: %w", ErrEmit, err)
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
