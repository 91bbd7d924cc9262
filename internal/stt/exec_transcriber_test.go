package stt

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-voicegw/internal/config"
)

func pcm16(samples ...int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return pcm
}

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script recognizer")
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

// snapshotRecognizer copies each WAV it is given into $SNAP_DIR/<n>.wav and
// logs the path it was handed.
const snapshotRecognizer = `audio=""
while [ $# -gt 0 ]; do
  case "$1" in
    --audio) audio="$2"; shift ;;
  esac
  shift
done
n=$(ls "$SNAP_DIR" | grep -c wav)
cp "$audio" "$SNAP_DIR/$n.wav"
echo "$audio" >> "$SNAP_DIR/paths"
echo '{"text":"ok"}'
`

func decodeSamples(t *testing.T, path string) []int {
	t.Helper()
	in, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer in.Close()
	dec := wav.NewDecoder(in)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	if dec.SampleRate != 16000 || dec.NumChans != 1 || dec.BitDepth != 16 {
		t.Fatalf("unexpected header rate=%d chans=%d depth=%d", dec.SampleRate, dec.NumChans, dec.BitDepth)
	}
	return buf.Data
}

func expectSamples(t *testing.T, got []int, want ...int) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d samples %v, got %d %v", len(want), want, len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func TestExecUtteranceExtendsOneFile(t *testing.T) {
	snapDir := t.TempDir()
	t.Setenv("SNAP_DIR", snapDir)
	script := writeScript(t, "recognize.sh", snapshotRecognizer)

	tr, err := NewExecTranscriber(config.STTConfig{Command: script})
	if err != nil {
		t.Fatal(err)
	}
	u, err := tr.NewUtterance(16000, 1)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	audio := pcm16(0, 1000, -1000, 32767)
	if _, err := u.Transcribe(ctx, audio[:4], false); err != nil {
		t.Fatalf("first partial: %v", err)
	}
	if _, err := u.Transcribe(ctx, audio, true); err != nil {
		t.Fatalf("final: %v", err)
	}

	expectSamples(t, decodeSamples(t, filepath.Join(snapDir, "0.wav")), 0, 1000)
	expectSamples(t, decodeSamples(t, filepath.Join(snapDir, "1.wav")), 0, 1000, -1000, 32767)

	paths, err := os.ReadFile(filepath.Join(snapDir, "paths"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Fields(string(paths))
	if len(lines) != 2 || lines[0] != lines[1] {
		t.Fatalf("expected both passes on the same file, got %v", lines)
	}

	if err := u.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(lines[0]); !os.IsNotExist(err) {
		t.Fatalf("expected utterance file removed, stat err=%v", err)
	}
}

func TestExecUtteranceRestartsOnShorterAudio(t *testing.T) {
	snapDir := t.TempDir()
	t.Setenv("SNAP_DIR", snapDir)
	script := writeScript(t, "recognize.sh", snapshotRecognizer)

	tr, err := NewExecTranscriber(config.STTConfig{Command: script})
	if err != nil {
		t.Fatal(err)
	}
	u, err := tr.NewUtterance(16000, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer u.Close()

	ctx := context.Background()
	if _, err := u.Transcribe(ctx, pcm16(1, 2, 3), false); err != nil {
		t.Fatal(err)
	}
	if _, err := u.Transcribe(ctx, pcm16(7), true); err != nil {
		t.Fatal(err)
	}
	expectSamples(t, decodeSamples(t, filepath.Join(snapDir, "1.wav")), 7)
}

func TestExecUtteranceRejectsOddLength(t *testing.T) {
	tr, err := NewExecTranscriber(config.STTConfig{Command: "/bin/false"})
	if err != nil {
		t.Fatal(err)
	}
	u, err := tr.NewUtterance(16000, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer u.Close()
	if _, err := u.Transcribe(context.Background(), []byte{1, 2, 3}, true); !errors.Is(err, errUnalignedPCM) {
		t.Fatalf("expected unaligned pcm error, got %v", err)
	}
}

func TestExecTranscriberRunsCommand(t *testing.T) {
	script := writeScript(t, "recognize.sh",
		"case \"$*\" in\n"+
			"  *--partial*) echo '{\"text\":\"partial words\",\"confidence\":0.4}' ;;\n"+
			"  *) echo '{\"text\":\"final words\",\"confidence\":0.9}' ;;\n"+
			"esac\n")

	tr, err := NewExecTranscriber(config.STTConfig{Command: script, Language: "en"})
	if err != nil {
		t.Fatal(err)
	}
	pcm := make([]byte, 320)
	res, err := tr.Transcribe(context.Background(), pcm, 16000, 1, false)
	if err != nil || res.Text != "partial words" {
		t.Fatalf("partial: %+v err=%v", res, err)
	}
	res, err = tr.Transcribe(context.Background(), pcm, 16000, 1, true)
	if err != nil || res.Text != "final words" || res.Confidence != 0.9 {
		t.Fatalf("final: %+v err=%v", res, err)
	}
}

func TestExecTranscriberPassesModelAndLanguage(t *testing.T) {
	script := writeScript(t, "recognize.sh", "printf '{\"text\":\"%s\"}' \"$*\"\n")
	tr, err := NewExecTranscriber(config.STTConfig{Command: script + " --beam 5", ModelPath: "/models/en", Language: "de"})
	if err != nil {
		t.Fatal(err)
	}
	res, err := tr.Transcribe(context.Background(), make([]byte, 4), 16000, 1, true)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"--beam 5 --audio ", "--model /models/en", "--language de"} {
		if !strings.Contains(res.Text, want) {
			t.Fatalf("expected %q in argv %q", want, res.Text)
		}
	}
	if strings.Contains(res.Text, "--partial") {
		t.Fatalf("final pass must not be marked partial: %q", res.Text)
	}
}

func TestExecTranscriberSurfacesStderr(t *testing.T) {
	script := writeScript(t, "fail.sh", "echo 'model missing' >&2\nexit 3\n")
	tr, err := NewExecTranscriber(config.STTConfig{Command: script})
	if err != nil {
		t.Fatal(err)
	}
	_, err = tr.Transcribe(context.Background(), make([]byte, 4), 16000, 1, true)
	if err == nil || !strings.Contains(err.Error(), "model missing") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}
