package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-voicegw/internal/config"
	"github.com/mattn/go-shellwords"
)

// wavHeaderBytes is the size of the header go-audio/wav writes without
// metadata. The data chunk size sits in its last four bytes.
const wavHeaderBytes = 44

var errUnalignedPCM = errors.New("pcm payload not aligned")

// ExecTranscriber runs an external recognizer. The command is invoked as
//
//	<stt.command> --audio <file.wav> [--model <stt.model_path>] [--language <stt.language>] [--partial]
//
// where the file is mono PCM16 WAV at the session sample rate holding the
// utterance so far, and --partial marks an interim pass. Within one utterance
// the same file is extended between passes. The command prints
// {"text": "...", "confidence": 0.0} on stdout and exits 0; any other exit
// fails the pass with the command's stderr attached.
type ExecTranscriber struct {
	argv []string
	cfg  config.STTConfig
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecTranscriber(cfg config.STTConfig) (*ExecTranscriber, error) {
	argv, err := shellwords.NewParser().Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("stt command is empty")
	}
	return &ExecTranscriber{argv: argv, cfg: cfg}, nil
}

// Transcribe recognizes a standalone buffer through a throwaway utterance.
func (t *ExecTranscriber) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	u, err := t.NewUtterance(sampleRate, channels)
	if err != nil {
		return TranscriptResult{}, err
	}
	defer u.Close()
	return u.Transcribe(ctx, pcm, final)
}

// NewUtterance opens the WAV file that backs one utterance.
func (t *ExecTranscriber) NewUtterance(sampleRate, channels int) (Utterance, error) {
	file, err := os.CreateTemp("", "voicegw_stt_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	return &execUtterance{t: t, file: file, sampleRate: sampleRate, channels: channels}, nil
}

func (t *ExecTranscriber) args(audioPath string, final bool) []string {
	args := append([]string{}, t.argv[1:]...)
	args = append(args, "--audio", audioPath)
	if t.cfg.ModelPath != "" {
		args = append(args, "--model", t.cfg.ModelPath)
	}
	if t.cfg.Language != "" {
		args = append(args, "--language", t.cfg.Language)
	}
	if !final {
		args = append(args, "--partial")
	}
	return args
}

func (t *ExecTranscriber) run(ctx context.Context, audioPath string, final bool) (TranscriptResult, error) {
	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, t.argv[0], t.args(audioPath, final)...)
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return TranscriptResult{}, fmt.Errorf("stt command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return TranscriptResult{Text: resp.Text, Confidence: resp.Confidence}, nil
}

// execUtterance appends only the audio added since the previous pass and
// patches the header sizes, so a long utterance is encoded once.
type execUtterance struct {
	t          *ExecTranscriber
	file       *os.File
	enc        *wav.Encoder
	sampleRate int
	channels   int
	written    int
}

func (u *execUtterance) Transcribe(ctx context.Context, pcm []byte, final bool) (TranscriptResult, error) {
	if len(pcm)%2 != 0 {
		return TranscriptResult{}, errUnalignedPCM
	}
	// A shorter buffer is not an extension; start the file over.
	if u.enc == nil || len(pcm) < u.written {
		if err := u.rewind(); err != nil {
			return TranscriptResult{}, err
		}
	}
	if len(pcm) > u.written || u.written == 0 {
		if err := u.append(pcm[u.written:]); err != nil {
			return TranscriptResult{}, err
		}
	}
	return u.t.run(ctx, u.file.Name(), final)
}

func (u *execUtterance) Close() error {
	err := u.file.Close()
	if rmErr := os.Remove(u.file.Name()); rmErr != nil && !os.IsNotExist(rmErr) {
		err = errors.Join(err, rmErr)
	}
	return err
}

func (u *execUtterance) rewind() error {
	if err := u.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate wav: %w", err)
	}
	if _, err := u.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind wav: %w", err)
	}
	u.enc = wav.NewEncoder(u.file, u.sampleRate, 16, u.channels, 1)
	u.written = 0
	return nil
}

func (u *execUtterance) append(pcm []byte) error {
	if err := u.enc.Write(pcmBuffer(pcm, u.sampleRate, u.channels)); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	u.written += len(pcm)
	return patchWavSizes(u.file, u.enc.WrittenBytes)
}

func pcmBuffer(pcm []byte, sampleRate, channels int) *audio.IntBuffer {
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return &audio.IntBuffer{
		Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:   samples,
	}
}

// patchWavSizes rewrites the RIFF and data chunk sizes for a file of total
// bytes without moving the write offset.
func patchWavSizes(f *os.File, total int) error {
	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(total-8))
	if _, err := f.WriteAt(size[:], 4); err != nil {
		return fmt.Errorf("patch riff size: %w", err)
	}
	binary.LittleEndian.PutUint32(size[:], uint32(total-wavHeaderBytes))
	if _, err := f.WriteAt(size[:], wavHeaderBytes-4); err != nil {
		return fmt.Errorf("patch data size: %w", err)
	}
	return nil
}
