package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voicegw/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const waitDelay = 2 * time.Second

var tracer = otel.Tracer("github.com/loqalabs/loqa-voicegw/internal/tts")

// Piper drives the piper executable, one process per call.
type Piper struct {
	cfg          config.TTSConfig
	installDir   string
	executable   string
	defaultModel string
	logger       *slog.Logger
}

// NewPiper checks that the executable and the default voice exist.
func NewPiper(cfg config.TTSConfig, logger *slog.Logger) (*Piper, error) {
	installDir, err := filepath.Abs(cfg.InstallDir)
	if err != nil {
		return nil, fmt.Errorf("resolve piper directory: %w", err)
	}
	executable := cfg.Executable
	if !strings.ContainsAny(executable, `/\`) {
		executable = filepath.Join(installDir, executable)
	}
	if _, err := os.Stat(executable); err != nil {
		return nil, fmt.Errorf("piper executable not found: %s", executable)
	}

	p := &Piper{
		cfg:        cfg,
		installDir: installDir,
		executable: executable,
		logger:     logger.With(slog.String("component", "piper")),
	}
	model, err := p.ResolveModel("")
	if err != nil {
		return nil, err
	}
	p.defaultModel = model
	p.logger.Info("piper ready", slog.String("executable", executable), slog.String("voice", model))
	return p, nil
}

// ResolveModel maps a voice to a model file. An empty voice selects the
// default, a bare file name is looked up in the install directory and a path
// is used as given.
func (p *Piper) ResolveModel(voice string) (string, error) {
	var path string
	switch {
	case voice == "":
		if p.defaultModel != "" {
			return p.defaultModel, nil
		}
		path = filepath.Join(p.installDir, p.cfg.DefaultVoice)
	case filepath.IsAbs(voice) || strings.ContainsAny(voice, `/\`):
		path = voice
	default:
		path = filepath.Join(p.installDir, voice)
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", &ModelError{Path: path}
	}
	return path, nil
}

func (p *Piper) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, p.executable, args...)
	cmd.Dir = p.installDir
	// Later entries win, so the prepended PATH replaces the inherited one.
	cmd.Env = append(os.Environ(), "PATH="+p.installDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	cmd.WaitDelay = waitDelay
	return cmd
}

func (p *Piper) params(req Request) (sampleRate, chunkMS int) {
	sampleRate, chunkMS = req.SampleRate, req.ChunkMS
	if sampleRate <= 0 {
		sampleRate = p.cfg.SampleRate
	}
	if chunkMS <= 0 {
		chunkMS = p.cfg.ChunkDurationMS
	}
	return sampleRate, chunkMS
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Stream starts piper in raw output mode and returns its chunked stdout.
func (p *Piper) Stream(ctx context.Context, req Request) (ChunkStream, error) {
	model, err := p.ResolveModel(req.Voice)
	if err != nil {
		return nil, err
	}
	sampleRate, chunkMS := p.params(req)
	chunkBytes := ChunkBytes(sampleRate, chunkMS)
	if chunkBytes <= 0 {
		return nil, fmt.Errorf("invalid chunk size for %d Hz and %d ms", sampleRate, chunkMS)
	}

	ctx, span := tracer.Start(ctx, "tts.stream", trace.WithAttributes(
		attribute.String("tts.model", filepath.Base(model)),
		attribute.Int("tts.sample_rate", sampleRate),
		attribute.Int("tts.chunk_bytes", chunkBytes),
	))
	cmd := p.command(ctx,
		"-m", model,
		"-f", strconv.Itoa(sampleRate),
		"--output-raw",
		"--sentence_silence", formatFloat(p.cfg.SentenceSilence),
		"--length_scale", formatFloat(p.cfg.LengthScale),
	)
	s, err := startStream(ctx, cmd, req.Text, chunkBytes, p.cfg.StreamBuffer, p.cfg.StderrLimit, p.logger)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}
	started := time.Now()
	s.onClose = func(err error) {
		p.logger.Debug("piper stream finished",
			slog.String("state", s.State().String()),
			slog.Duration("elapsed", time.Since(started)))
		endSpan(span, err)
	}
	return s, nil
}

// SynthesizeWAV runs piper in file output mode and returns the WAV it wrote.
func (p *Piper) SynthesizeWAV(ctx context.Context, req Request) ([]byte, error) {
	model, err := p.ResolveModel(req.Voice)
	if err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "tts.wav", trace.WithAttributes(
		attribute.String("tts.model", filepath.Base(model)),
	))
	data, err := p.synthesizeWAV(ctx, model, req.Text)
	endSpan(span, err)
	return data, err
}

func (p *Piper) synthesizeWAV(ctx context.Context, model, text string) ([]byte, error) {
	tmp, err := os.CreateTemp("", "voicegw_tts_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	tmpName := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpName)

	cmd := p.command(ctx, "-m", model, "-f", tmpName, "--length_scale", formatFloat(p.cfg.LengthScale))
	cmd.Stdin = strings.NewReader(text)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &ExitError{
				Code:   exitErr.ExitCode(),
				Stdout: strings.TrimSpace(stdout.String()),
				Stderr: strings.TrimSpace(stderr.String()),
			}
		}
		return nil, &SpawnError{Err: err}
	}

	data, err := os.ReadFile(tmpName)
	if err != nil {
		return nil, fmt.Errorf("read piper output: %w", err)
	}
	return data, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
