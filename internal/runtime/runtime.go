// Package runtime assembles the gateway process: telemetry, the optional bus,
// the call log, the agent and engines, and the HTTP server.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voicegw/internal/agent"
	"github.com/loqalabs/loqa-voicegw/internal/bus"
	"github.com/loqalabs/loqa-voicegw/internal/calllog"
	"github.com/loqalabs/loqa-voicegw/internal/config"
	"github.com/loqalabs/loqa-voicegw/internal/gateway"
	"github.com/loqalabs/loqa-voicegw/internal/natsserver"
	"github.com/loqalabs/loqa-voicegw/internal/stt"
	"github.com/loqalabs/loqa-voicegw/internal/tts"
	"github.com/loqalabs/loqa-voicegw/internal/voice"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Hour
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool
	addr   atomic.Value // string
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Ready reports whether the HTTP listener is accepting requests.
func (r *Runtime) Ready() bool { return r.ready.Load() }

// Addr is the bound listener address, empty until ready.
func (r *Runtime) Addr() string {
	addr, _ := r.addr.Load().(string)
	return addr
}

// Start runs until ctx is cancelled or a component fails, then shuts
// everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	busClient, stopBus, err := r.startBus(ctx)
	if err != nil {
		return err
	}
	defer stopBus()

	calls, err := calllog.Open(ctx, r.cfg.CallLog, r.logger.With(slog.String("component", "calllog")))
	if err != nil {
		return fmt.Errorf("open call log: %w", err)
	}
	defer calls.Close()

	replier, err := agent.New(r.cfg.Agent, busClient, r.logger.With(slog.String("component", "agent")))
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	synth, err := tts.New(r.cfg.TTS, r.logger.With(slog.String("component", "tts")))
	if err != nil {
		return fmt.Errorf("create synthesizer: %w", err)
	}
	factory, closeSTT, err := stt.NewFactory(r.cfg.STT, r.logger.With(slog.String("component", "stt")))
	if err != nil {
		return fmt.Errorf("create speech recognizer: %w", err)
	}
	defer func() {
		if err := closeSTT(); err != nil {
			r.logger.Warn("stt close failed", slog.String("error", err.Error()))
		}
	}()

	gw, err := gateway.New(gateway.Deps{
		Config:    r.cfg,
		Synth:     synth,
		Assembler: voice.NewAssembler(replier, synth, r.logger.With(slog.String("component", "voice"))),
		STT:       factory,
		Bus:       busClient,
		Calls:     calls,
		Metrics:   metricsHandler,
		Ready:     r.Ready,
		Logger:    r.logger,
	})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	httpServer := &http.Server{
		Handler:           gw.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		r.pruneLoop(gctx, calls)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	r.addr.Store(ln.Addr().String())
	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", ln.Addr().String()),
		slog.String("stt", r.cfg.STT.Mode),
		slog.String("tts", r.cfg.TTS.Mode),
		slog.String("agent", r.cfg.Agent.Kind))

	return g.Wait()
}

// startBus brings up the embedded server and the client when the bus is
// enabled or the agent needs it. The returned stop func is always non-nil.
func (r *Runtime) startBus(ctx context.Context) (*bus.Client, func(), error) {
	if !r.cfg.Bus.Enabled && r.cfg.Agent.Kind != "nats" {
		return nil, func() {}, nil
	}
	busCfg := r.cfg.Bus
	logger := r.logger.With(slog.String("component", "bus"))

	embedded, err := natsserver.Start(busCfg, logger)
	if err != nil {
		return nil, nil, err
	}
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, logger)
	if err != nil {
		embedded.Shutdown()
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return client, func() {
		client.Close()
		embedded.Shutdown()
	}, nil
}

func (r *Runtime) pruneLoop(ctx context.Context, calls *calllog.Store) {
	if !calls.Enabled() {
		return
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := calls.Prune(ctx); err != nil {
				r.logger.Warn("call log prune failed", slog.String("error", err.Error()))
			}
		}
	}
}
