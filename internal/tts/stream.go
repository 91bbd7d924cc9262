package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"google.golang.org/api/iterator"
)

// StreamState tracks the engine process behind a Stream.
type StreamState int32

const (
	StateSpawned StreamState = iota
	StateWriting
	StateStreaming
	StateExited
	StateKilled
)

func (s StreamState) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateWriting:
		return "writing"
	case StateStreaming:
		return "streaming"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type chunkResult struct {
	data []byte
	err  error
}

// Stream is a single engine run exposed as a pull iterator. Input is written
// by one goroutine while another reads fixed-size chunks from stdout, so the
// engine may emit audio before it has consumed all text. Next and Close belong
// to the consumer; the stream is not restartable.
type Stream struct {
	ctx    context.Context
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *cappedBuffer
	chunks chan chunkResult
	done   chan struct{}
	logger *slog.Logger

	state     atomic.Int32
	err       error
	closeOnce sync.Once
	waitOnce  sync.Once
	waitErr   error
	onClose   func(error)
}

func startStream(ctx context.Context, cmd *exec.Cmd, text string, chunkBytes, buffer, stderrLimit int, logger *slog.Logger) (*Stream, error) {
	if chunkBytes <= 0 {
		return nil, fmt.Errorf("invalid chunk size %d", chunkBytes)
	}
	if buffer < 1 {
		buffer = 1
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Err: err}
	}
	stderr := newCappedBuffer(stderrLimit)
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Err: err}
	}

	s := &Stream{
		ctx:    ctx,
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		chunks: make(chan chunkResult, buffer),
		done:   make(chan struct{}),
		logger: logger.With(slog.Int("pid", cmd.Process.Pid)),
	}
	go s.write(stdin, text)
	go s.read(chunkBytes)
	return s, nil
}

// State reports the process state.
func (s *Stream) State() StreamState {
	return StreamState(s.state.Load())
}

// advance moves the state forward unless the process already terminated.
func (s *Stream) advance(next StreamState) {
	for {
		cur := s.state.Load()
		if cur >= int32(next) || cur >= int32(StateExited) {
			return
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

func (s *Stream) write(stdin io.WriteCloser, text string) {
	s.advance(StateWriting)
	if _, err := io.WriteString(stdin, text); err != nil {
		// The exit status reports whatever made the engine stop reading.
		s.logger.Debug("piper stdin write failed", slogError(err))
	}
	if err := stdin.Close(); err != nil {
		s.logger.Debug("piper stdin close failed", slogError(err))
	}
}

func (s *Stream) read(chunkBytes int) {
	defer close(s.chunks)
	for {
		buf := make([]byte, chunkBytes)
		n, err := io.ReadFull(s.stdout, buf)
		if n > 0 {
			s.advance(StateStreaming)
			select {
			case s.chunks <- chunkResult{data: buf[:n]}:
			case <-s.done:
				return
			}
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			select {
			case s.chunks <- chunkResult{err: fmt.Errorf("read piper output: %w", err)}:
			case <-s.done:
			}
		}
		return
	}
}

// Next returns the next chunk. Every chunk but the last has exactly the
// configured chunk size. After the final chunk Next returns iterator.Done, or
// the error that ended the run.
func (s *Stream) Next() ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	var (
		res chunkResult
		ok  bool
	)
	select {
	case res, ok = <-s.chunks:
	case <-s.ctx.Done():
		s.finish(s.ctx.Err())
		return nil, s.err
	}
	if ok && res.err == nil {
		return res.data, nil
	}
	if ok {
		s.finish(res.err)
		return nil, s.err
	}

	if err := s.wait(); err != nil {
		s.finish(err)
		return nil, s.err
	}
	s.finish(iterator.Done)
	return nil, s.err
}

func (s *Stream) finish(err error) {
	s.err = err
	s.Close()
}

// Close kills the engine if it is still running and reaps it.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.State() != StateExited {
			if err := s.cmd.Process.Kill(); err == nil {
				s.state.Store(int32(StateKilled))
				s.logger.Debug("piper process killed")
			}
		}
		waitErr := s.wait()
		if s.err == nil {
			s.err = ErrStreamClosed
		}
		if s.onClose != nil {
			result := s.err
			if errors.Is(result, iterator.Done) {
				result = nil
			} else if errors.Is(result, ErrStreamClosed) {
				result = waitErr
			}
			s.onClose(result)
		}
	})
	return nil
}

func (s *Stream) wait() error {
	s.waitOnce.Do(func() {
		err := s.cmd.Wait()
		if s.State() != StateKilled {
			s.state.Store(int32(StateExited))
		}
		switch {
		case err == nil:
		case s.ctx.Err() != nil:
			s.waitErr = s.ctx.Err()
		case s.State() == StateKilled:
			s.waitErr = nil
		default:
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				s.waitErr = &ExitError{Code: exitErr.ExitCode(), Stderr: s.stderr.String()}
			} else {
				s.waitErr = fmt.Errorf("wait piper: %w", err)
			}
		}
	})
	return s.waitErr
}

// cappedBuffer keeps the first limit bytes written and discards the rest.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if room := c.limit - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.TrimSpace(strings.ToValidUTF8(c.buf.String(), ""))
}
