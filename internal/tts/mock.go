package tts

import (
	"context"
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-voicegw/internal/config"
	"google.golang.org/api/iterator"
)

// mockMSPerRune sets how much silence the mock produces per character.
const mockMSPerRune = 10

type mockSynth struct {
	cfg config.TTSConfig
}

// NewMockSynth returns a synthesizer that renders silence sized to the text.
func NewMockSynth(cfg config.TTSConfig) Synthesizer {
	return &mockSynth{cfg: cfg}
}

func (m *mockSynth) params(req Request) (int, int) {
	sampleRate, chunkMS := req.SampleRate, req.ChunkMS
	if sampleRate <= 0 {
		sampleRate = m.cfg.SampleRate
	}
	if chunkMS <= 0 {
		chunkMS = m.cfg.ChunkDurationMS
	}
	return sampleRate, chunkMS
}

func (m *mockSynth) silence(text string, sampleRate int) []byte {
	ms := len([]rune(text)) * mockMSPerRune
	return make([]byte, sampleRate*ms/1000*2)
}

func (m *mockSynth) Stream(ctx context.Context, req Request) (ChunkStream, error) {
	sampleRate, chunkMS := m.params(req)
	chunkBytes := ChunkBytes(sampleRate, chunkMS)
	if chunkBytes <= 0 {
		return nil, fmt.Errorf("invalid chunk size for %d Hz and %d ms", sampleRate, chunkMS)
	}
	return &mockStream{ctx: ctx, pcm: m.silence(req.Text, sampleRate), size: chunkBytes}, nil
}

func (m *mockSynth) SynthesizeWAV(ctx context.Context, req Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sampleRate, _ := m.params(req)
	samples := make([]int, len(m.silence(req.Text, sampleRate))/2)

	tmp, err := os.CreateTemp("", "voicegw_mock_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	enc := wav.NewEncoder(tmp, sampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{Format: &audio.Format{NumChannels: 1, SampleRate: sampleRate}, Data: samples, SourceBitDepth: 16}
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return os.ReadFile(tmp.Name())
}

type mockStream struct {
	ctx    context.Context
	pcm    []byte
	size   int
	closed bool
}

func (s *mockStream) Next() ([]byte, error) {
	if s.closed {
		return nil, ErrStreamClosed
	}
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.pcm) == 0 {
		return nil, iterator.Done
	}
	n := min(s.size, len(s.pcm))
	chunk := s.pcm[:n]
	s.pcm = s.pcm[n:]
	return chunk, nil
}

func (s *mockStream) Close() error {
	s.closed = true
	return nil
}
