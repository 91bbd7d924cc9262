// Package gateway exposes speech recognition and synthesis over HTTP and
// WebSocket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voicegw/internal/bus"
	"github.com/loqalabs/loqa-voicegw/internal/calllog"
	"github.com/loqalabs/loqa-voicegw/internal/config"
	"github.com/loqalabs/loqa-voicegw/internal/stt"
	"github.com/loqalabs/loqa-voicegw/internal/tts"
	"github.com/loqalabs/loqa-voicegw/internal/voice"
	"go.opentelemetry.io/otel/metric"
)

// Deps are the collaborators a Server is built from. Bus, Calls, Metrics,
// Meters and Ready are optional; Meters defaults to the global provider.
type Deps struct {
	Config    config.Config
	Synth     tts.Synthesizer
	Assembler *voice.Assembler
	STT       stt.EngineFactory
	Bus       *bus.Client
	Calls     *calllog.Store
	Metrics   http.Handler
	Meters    metric.MeterProvider
	Ready     func() bool
	Logger    *slog.Logger
}

type Server struct {
	cfg       config.Config
	synth     tts.Synthesizer
	assembler *voice.Assembler
	stt       stt.EngineFactory
	bus       *bus.Client
	calls     *calllog.Store
	promHTTP  http.Handler
	ready     func() bool
	metrics   *metrics
	upgrader  websocket.Upgrader
	logger    *slog.Logger
}

func New(d Deps) (*Server, error) {
	if d.Synth == nil || d.Assembler == nil || d.STT == nil {
		return nil, errors.New("gateway requires a synthesizer, an assembler and an stt factory")
	}
	m, err := newMetrics(d.Meters)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}
	ready := d.Ready
	if ready == nil {
		ready = func() bool { return true }
	}
	s := &Server{
		cfg:       d.Config,
		synth:     d.Synth,
		assembler: d.Assembler,
		stt:       d.STT,
		bus:       d.Bus,
		calls:     d.Calls,
		promHTTP:  d.Metrics,
		ready:     ready,
		metrics:   m,
		logger:    d.Logger.With(slog.String("component", "gateway")),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s, nil
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.HTTP.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/calls", s.handleCalls)
	if s.promHTTP != nil {
		r.Handle("/metrics", s.promHTTP)
	}

	r.Get("/ws/echo", s.handleEcho)
	r.Get("/ws/asr", s.handleASR)

	r.Post("/tts", s.handleTTS)
	r.Post("/tts/stream", s.handleTTSStream)
	r.Post("/agent/reply", s.handleAgentReply)
	r.Post("/agent/tts", s.handleAgentTTS)
	r.Post("/agent/tts/stream", s.handleAgentTTSStream)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if s.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.HTTP.CORSOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// record writes a call log entry. It outlives request cancellation so that
// calls abandoned by the client are still logged.
func (s *Server) record(ctx context.Context, entry calllog.Entry) {
	if !s.calls.Enabled() {
		return
	}
	if err := s.calls.Record(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Warn("call log write failed", slogError(err))
	}
}

// decode reads a JSON body bounded by http.max_body_bytes.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.HTTP.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, detail("request body too large"))
			return false
		}
		writeJSON(w, http.StatusBadRequest, detail("invalid request body"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

func since(start time.Time) time.Duration {
	return time.Since(start).Round(time.Millisecond)
}
