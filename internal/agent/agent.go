package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voicegw/internal/bus"
	"github.com/loqalabs/loqa-voicegw/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Agent produces a complete reply for a user utterance.
type Agent interface {
	Reply(ctx context.Context, text, system string) (string, error)
}

// Func adapts a function to Agent.
type Func func(ctx context.Context, text, system string) (string, error)

func (f Func) Reply(ctx context.Context, text, system string) (string, error) {
	return f(ctx, text, system)
}

var tracer = otel.Tracer("github.com/loqalabs/loqa-voicegw/internal/agent")

// New builds the agent selected by cfg.Kind. busClient is only needed for the
// nats kind.
func New(cfg config.AgentConfig, busClient *bus.Client, logger *slog.Logger) (Agent, error) {
	var (
		a   Agent
		err error
	)
	switch cfg.Kind {
	case "mock":
		a = NewMock()
	case "openai":
		a, err = NewOpenAI(cfg)
	case "ollama":
		a = NewOllama(cfg)
	case "exec":
		a, err = NewExec(cfg)
	case "nats":
		if busClient == nil {
			return nil, errors.New("agent kind nats requires the bus")
		}
		a = NewNATS(busClient, cfg.Subject)
	default:
		return nil, fmt.Errorf("unknown agent kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("agent ready", slog.String("kind", cfg.Kind))
	return Traced(WithTimeout(a, cfg.Timeout), cfg.Kind), nil
}

// WithTimeout bounds every Reply with d. A zero d leaves the context as is.
func WithTimeout(a Agent, d time.Duration) Agent {
	if d <= 0 {
		return a
	}
	return Func(func(ctx context.Context, text, system string) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return a.Reply(ctx, text, system)
	})
}

// Traced wraps each Reply in an agent.reply span.
func Traced(a Agent, kind string) Agent {
	return Func(func(ctx context.Context, text, system string) (string, error) {
		ctx, span := tracer.Start(ctx, "agent.reply", trace.WithAttributes(
			attribute.String("agent.kind", kind),
			attribute.Int("agent.input_chars", len(text)),
		))
		defer span.End()
		reply, err := a.Reply(ctx, text, system)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return reply, err
	})
}
