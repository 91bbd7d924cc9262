package stt

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"strings"
)

// SegmenterOptions tune utterance detection. Durations are in milliseconds.
// Preroll is how much silence is kept ahead of speech onset.
type SegmenterOptions struct {
	SilenceThreshold float64
	EndpointSilence  int
	PartialEvery     int
	Preroll          int
}

// SegmentingEngine adapts a batch Transcriber to the streaming Engine contract.
// It buffers audio, marks an utterance complete after EndpointSilence of
// trailing low-energy audio following speech, and re-transcribes the buffer for
// partial hypotheses at most every PartialEvery of new audio. Buffers that never
// rose above the silence threshold are not transcribed, and only the last
// Preroll of leading silence is retained.
type SegmentingEngine struct {
	transcriber   Transcriber
	sampleRate    int
	threshold     float64
	endpointBytes int
	partialBytes  int
	prerollBytes  int

	buf          []byte
	scanned      int
	voiced       bool
	silence      int
	sincePartial int
	partial      Result
	utterance    []byte

	// open belongs to the buffer being collected; closing to the
	// endpointed utterance awaiting Result.
	open    Utterance
	closing Utterance
}

func NewSegmentingEngine(transcriber Transcriber, sampleRate int, opts SegmenterOptions) *SegmentingEngine {
	return &SegmentingEngine{
		transcriber:   transcriber,
		sampleRate:    sampleRate,
		threshold:     opts.SilenceThreshold,
		endpointBytes: durationBytes(sampleRate, opts.EndpointSilence),
		partialBytes:  durationBytes(sampleRate, opts.PartialEvery),
		prerollBytes:  durationBytes(sampleRate, opts.Preroll),
	}
}

func durationBytes(sampleRate, ms int) int {
	return sampleRate * ms / 1000 * 2
}

func (e *SegmentingEngine) AcceptWaveform(_ context.Context, pcm []byte) (bool, error) {
	if len(pcm) == 0 {
		return false, nil
	}
	e.buf = append(e.buf, pcm...)
	e.sincePartial += len(pcm)

	// Frames may split a sample; only whole samples are measured.
	aligned := len(e.buf) &^ 1
	if aligned > e.scanned {
		if rms(e.buf[e.scanned:aligned]) >= e.threshold {
			e.voiced = true
			e.silence = 0
		} else if e.voiced {
			e.silence += aligned - e.scanned
		}
		e.scanned = aligned
	}

	if !e.voiced {
		e.trimSilence()
		return false, nil
	}
	if e.silence >= e.endpointBytes {
		e.utterance = e.buf[:aligned]
		e.closing, e.open = e.open, nil
		e.reset(e.buf[aligned:])
		return true, nil
	}
	return false, nil
}

// trimSilence drops leading silence beyond the preroll window.
func (e *SegmentingEngine) trimSilence() {
	excess := (len(e.buf) - e.prerollBytes) &^ 1
	if excess <= 0 {
		return
	}
	n := copy(e.buf, e.buf[excess:])
	e.buf = e.buf[:n]
	e.scanned -= excess
	if e.scanned < 0 {
		e.scanned = 0
	}
	e.sincePartial = min(e.sincePartial, len(e.buf))
}

func (e *SegmentingEngine) PartialResult(ctx context.Context) (Result, error) {
	if !e.voiced {
		return Result{}, nil
	}
	if e.partial.Text != "" && e.sincePartial < e.partialBytes {
		return e.partial, nil
	}
	res, err := e.transcribe(ctx, &e.open, e.buf, false)
	if err != nil {
		return Result{}, err
	}
	e.partial = res
	e.sincePartial = 0
	return res, nil
}

func (e *SegmentingEngine) Result(ctx context.Context) (Result, error) {
	if e.utterance == nil {
		return Result{}, nil
	}
	pcm := e.utterance
	e.utterance = nil
	res, err := e.transcribe(ctx, &e.closing, pcm, true)
	release(&e.closing)
	return res, err
}

func (e *SegmentingEngine) FinalResult(ctx context.Context) (Result, error) {
	if e.utterance != nil {
		return e.Result(ctx)
	}
	if !e.voiced {
		release(&e.open)
		e.reset(nil)
		return Result{}, nil
	}
	pcm := e.buf
	e.reset(nil)
	res, err := e.transcribe(ctx, &e.open, pcm, true)
	release(&e.open)
	return res, err
}

func (e *SegmentingEngine) Close() error {
	e.reset(nil)
	e.utterance = nil
	return errors.Join(release(&e.open), release(&e.closing))
}

func (e *SegmentingEngine) reset(carry []byte) {
	e.buf = append([]byte(nil), carry...)
	e.scanned = 0
	e.voiced = false
	e.silence = 0
	e.sincePartial = 0
	e.partial = Result{}
}

func (e *SegmentingEngine) transcribe(ctx context.Context, slot *Utterance, pcm []byte, final bool) (Result, error) {
	pcm = pcm[:len(pcm)&^1]
	if len(pcm) == 0 {
		return Result{}, nil
	}
	var (
		res TranscriptResult
		err error
	)
	if ut, ok := e.transcriber.(UtteranceTranscriber); ok {
		if *slot == nil {
			if *slot, err = ut.NewUtterance(e.sampleRate, 1); err != nil {
				return Result{}, err
			}
		}
		res, err = (*slot).Transcribe(ctx, pcm, final)
	} else {
		res, err = e.transcriber.Transcribe(ctx, pcm, e.sampleRate, 1, final)
	}
	if err != nil {
		return Result{}, err
	}
	return Result{Text: strings.TrimSpace(res.Text)}, nil
}

func release(slot *Utterance) error {
	if *slot == nil {
		return nil
	}
	err := (*slot).Close()
	*slot = nil
	return err
}

// rms returns the normalized root-mean-square level of PCM16LE samples.
func rms(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(samples))
}
