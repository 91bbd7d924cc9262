// Package natsserver runs an in-process NATS server so a single gateway can
// publish transcripts and serve the nats agent without external
// infrastructure.
package natsserver

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voicegw/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const (
	serverName   = "loqa-voicegw"
	readyTimeout = 5 * time.Second
)

// Embedded is a loopback-only NATS server. It accepts the same credentials the
// gateway's bus client presents, so agent workers on the host must use them
// too.
type Embedded struct {
	ns  *server.Server
	log *slog.Logger
}

// Start returns nil when the bus is not configured as embedded. Port -1 picks
// a free port; ClientURL reports the one chosen.
func Start(cfg config.BusConfig, log *slog.Logger) (*Embedded, error) {
	if !cfg.Embedded {
		return nil, nil
	}

	opts, err := options(cfg)
	if err != nil {
		return nil, err
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready after %s", readyTimeout)
	}

	log.Info("embedded NATS server started",
		slog.String("url", ns.ClientURL()),
		slog.String("auth", authMode(opts)))
	return &Embedded{ns: ns, log: log}, nil
}

// options maps the bus section onto server options. A token takes precedence
// over a username, mirroring the client.
func options(cfg config.BusConfig) (*server.Options, error) {
	opts := &server.Options{
		ServerName: serverName,
		Host:       "127.0.0.1",
		Port:       cfg.Port,
		NoLog:      true,
		NoSigs:     true,
	}
	switch {
	case cfg.Token != "":
		opts.Authorization = cfg.Token
	case cfg.Username != "":
		opts.Username = cfg.Username
		opts.Password = cfg.Password
	case cfg.Password != "":
		return nil, errors.New("bus.password set without bus.username")
	}
	return opts, nil
}

func authMode(opts *server.Options) string {
	switch {
	case opts.Authorization != "":
		return "token"
	case opts.Username != "":
		return "user"
	default:
		return "none"
	}
}

func (e *Embedded) ClientURL() string {
	return e.ns.ClientURL()
}

// Shutdown is safe on a nil server.
func (e *Embedded) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
