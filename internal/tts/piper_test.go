package tts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voicegw/internal/config"
	"google.golang.org/api/iterator"
)

const fakePiper = `#!/bin/sh
out=""
raw=0
while [ $# -gt 0 ]; do
  case "$1" in
    -f) out="$2"; shift ;;
    --output-raw) raw=1 ;;
  esac
  shift
done
case "$FAKE_PIPER_MODE" in
  fail)
    cat >/dev/null
    printf 'abcd'
    echo "boom: voice exploded" >&2
    exit 2 ;;
  noisy)
    cat >/dev/null
    head -c 2000 /dev/zero | tr '\0' x >&2
    exit 1 ;;
  hang)
    exec sleep 30 ;;
  env)
    cat >/dev/null
    printf '%s\n%s' "$(pwd -P)" "$PATH"
    exit 0 ;;
esac
if [ "$raw" = 1 ]; then
  exec cat
fi
cat > "$out"
`

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFakePiper(t *testing.T) (*Piper, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake engine is a shell script")
	}
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "piper"), []byte(fakePiper), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"en_US-amy-medium.onnx", "other.onnx"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("model"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	cfg := config.Default().TTS
	cfg.Mode = "piper"
	cfg.InstallDir = dir
	p, err := NewPiper(cfg, newTestLogger())
	if err != nil {
		t.Fatalf("new piper: %v", err)
	}
	return p, dir
}

func drain(t *testing.T, s ChunkStream) ([][]byte, error) {
	t.Helper()
	var chunks [][]byte
	for {
		chunk, err := s.Next()
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
}

func TestStreamChunksReconstructOutput(t *testing.T) {
	p, _ := newFakePiper(t)
	text := strings.Repeat("0123456789", 200)

	s, err := p.Stream(context.Background(), Request{Text: text, SampleRate: 16000, ChunkMS: 20})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer s.Close()

	chunks, err := drain(t, s)
	if !errors.Is(err, iterator.Done) {
		t.Fatalf("expected iterator.Done, got %v", err)
	}
	var joined []byte
	for i, chunk := range chunks {
		if i < len(chunks)-1 && len(chunk) != 640 {
			t.Fatalf("chunk %d has %d bytes, want 640", i, len(chunk))
		}
		joined = append(joined, chunk...)
	}
	if string(joined) != text {
		t.Fatalf("reassembled output differs: got %d bytes, want %d", len(joined), len(text))
	}
	if len(chunks) != 4 || len(chunks[3]) != 80 {
		t.Fatalf("expected 3 full chunks and an 80 byte tail, got %d chunks", len(chunks))
	}
	if _, err := s.Next(); !errors.Is(err, iterator.Done) {
		t.Fatalf("exhausted stream should keep returning iterator.Done, got %v", err)
	}
	if got := s.(*Stream).State(); got != StateExited {
		t.Fatalf("expected exited state, got %s", got)
	}
}

func TestStreamNonZeroExitKeepsChunks(t *testing.T) {
	p, _ := newFakePiper(t)
	t.Setenv("FAKE_PIPER_MODE", "fail")

	s, err := p.Stream(context.Background(), Request{Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	chunks, err := drain(t, s)
	if len(chunks) != 1 || string(chunks[0]) != "abcd" {
		t.Fatalf("expected the partial output before failure, got %q", chunks)
	}
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exitErr.Code != 2 || !strings.Contains(exitErr.Stderr, "boom: voice exploded") {
		t.Fatalf("unexpected exit error %+v", exitErr)
	}
}

func TestStreamStderrIsBounded(t *testing.T) {
	p, _ := newFakePiper(t)
	t.Setenv("FAKE_PIPER_MODE", "noisy")

	s, err := p.Stream(context.Background(), Request{Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	_, err = drain(t, s)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if len(exitErr.Stderr) != 800 {
		t.Fatalf("expected stderr truncated to 800 bytes, got %d", len(exitErr.Stderr))
	}
}

func TestStreamCloseKillsProcess(t *testing.T) {
	p, _ := newFakePiper(t)
	t.Setenv("FAKE_PIPER_MODE", "hang")

	cs, err := p.Stream(context.Background(), Request{Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	s := cs.(*Stream)
	start := time.Now()
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("close did not terminate the engine promptly")
	}
	if s.State() != StateKilled {
		t.Fatalf("expected killed state, got %s", s.State())
	}
	if s.cmd.ProcessState == nil {
		t.Fatal("expected process to be reaped")
	}
	if _, err := s.Next(); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed after close, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestStreamContextCancelKillsProcess(t *testing.T) {
	p, _ := newFakePiper(t)
	t.Setenv("FAKE_PIPER_MODE", "hang")

	ctx, cancel := context.WithCancel(context.Background())
	cs, err := p.Stream(ctx, Request{Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	defer cs.Close()
	cancel()

	if _, err := cs.Next(); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if cs.(*Stream).cmd.ProcessState == nil {
		t.Fatal("expected process to be reaped after cancellation")
	}
}

func TestStreamRunsInInstallDir(t *testing.T) {
	p, dir := newFakePiper(t)
	t.Setenv("FAKE_PIPER_MODE", "env")

	s, err := p.Stream(context.Background(), Request{Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	chunks, err := drain(t, s)
	if !errors.Is(err, iterator.Done) {
		t.Fatalf("unexpected error %v", err)
	}
	lines := strings.SplitN(string(bytes.Join(chunks, nil)), "\n", 2)
	if len(lines) != 2 {
		t.Fatalf("unexpected output %q", lines)
	}
	wantDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatal(err)
	}
	if lines[0] != wantDir {
		t.Fatalf("expected cwd %s, got %s", wantDir, lines[0])
	}
	if !strings.HasPrefix(lines[1], p.installDir+string(os.PathListSeparator)) {
		t.Fatalf("expected install dir first in PATH, got %s", lines[1])
	}
}

func TestResolveModel(t *testing.T) {
	p, dir := newFakePiper(t)

	got, err := p.ResolveModel("")
	if err != nil || got != filepath.Join(p.installDir, "en_US-amy-medium.onnx") {
		t.Fatalf("default voice: %s %v", got, err)
	}
	got, err = p.ResolveModel("other.onnx")
	if err != nil || got != filepath.Join(p.installDir, "other.onnx") {
		t.Fatalf("bare name: %s %v", got, err)
	}
	abs := filepath.Join(dir, "other.onnx")
	if got, err = p.ResolveModel(abs); err != nil || got != abs {
		t.Fatalf("absolute path: %s %v", got, err)
	}
	for _, voice := range []string{"doesnotexist.onnx", filepath.Join(dir, "nope.onnx")} {
		if _, err := p.ResolveModel(voice); !errors.Is(err, ErrModelNotFound) {
			t.Fatalf("%s: expected ErrModelNotFound, got %v", voice, err)
		}
	}
}

func TestMissingModelDoesNotSpawn(t *testing.T) {
	p, _ := newFakePiper(t)
	p.executable = filepath.Join(t.TempDir(), "not-there")

	if _, err := p.Stream(context.Background(), Request{Text: "hi", Voice: "doesnotexist.onnx"}); !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound, got %v", err)
	}
	if _, err := p.SynthesizeWAV(context.Background(), Request{Text: "hi", Voice: "doesnotexist.onnx"}); !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound, got %v", err)
	}
}

func TestSpawnFailure(t *testing.T) {
	p, _ := newFakePiper(t)
	p.executable = filepath.Join(t.TempDir(), "not-there")

	_, err := p.Stream(context.Background(), Request{Text: "hi"})
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected SpawnError, got %v", err)
	}
}

func TestNewPiperValidatesInstall(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake engine is a shell script")
	}
	dir := t.TempDir()
	cfg := config.Default().TTS
	cfg.InstallDir = dir
	if _, err := NewPiper(cfg, newTestLogger()); err == nil {
		t.Fatal("expected error for missing executable")
	}
	if err := os.WriteFile(filepath.Join(dir, "piper"), []byte(fakePiper), 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := NewPiper(cfg, newTestLogger()); !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound for missing default voice, got %v", err)
	}
}

func TestSynthesizeWAVRemovesTempFile(t *testing.T) {
	p, _ := newFakePiper(t)
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	data, err := p.SynthesizeWAV(context.Background(), Request{Text: "RIFF-ish payload"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if string(data) != "RIFF-ish payload" {
		t.Fatalf("unexpected wav bytes %q", data)
	}
	entries, err := os.ReadDir(tmp)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected temp dir to be empty, found %d entries", len(entries))
	}
}

func TestSynthesizeWAVFailure(t *testing.T) {
	p, _ := newFakePiper(t)
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)
	t.Setenv("FAKE_PIPER_MODE", "fail")

	_, err := p.SynthesizeWAV(context.Background(), Request{Text: "hi"})
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exitErr.Stdout != "abcd" || !strings.Contains(exitErr.Error(), "stderr:\nboom") {
		t.Fatalf("expected stdout and stderr detail, got %q", exitErr.Error())
	}
	if entries, _ := os.ReadDir(tmp); len(entries) != 0 {
		t.Fatal("temp file left behind after failure")
	}
}
