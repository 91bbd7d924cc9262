package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voicegw/internal/calllog"
	"github.com/loqalabs/loqa-voicegw/internal/protocol"
	"github.com/loqalabs/loqa-voicegw/internal/tts"
	"github.com/loqalabs/loqa-voicegw/internal/voice"
	"google.golang.org/api/iterator"
)

const (
	wavContentType  = "audio/wav"
	agentErrPrefix  = "Agent error: "
	synthErrPrefix  = "TTS error: "
	agentReplyError = "[agent error] "
)

func detail(msg string) protocol.ErrorResponse {
	return protocol.ErrorResponse{Detail: msg}
}

func pcmContentType(sampleRate int) string {
	return fmt.Sprintf("audio/L16; rate=%d; channels=1", sampleRate)
}

func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	var req protocol.SynthRequest
	if !s.decode(w, r, &req) {
		return
	}
	text, voiceName := strings.TrimSpace(req.Text), strings.TrimSpace(req.Voice)
	if text == "" {
		w.Header().Set("Content-Type", wavContentType)
		w.WriteHeader(http.StatusOK)
		return
	}

	started := time.Now()
	data, err := s.synth.SynthesizeWAV(r.Context(), tts.Request{Text: text, Voice: voiceName})
	if err != nil {
		s.logger.Warn("tts failed", slogError(err))
		s.metrics.tts(r.Context(), "wav", "error")
		s.record(r.Context(), calllog.Entry{Kind: calllog.KindTTS, Status: calllog.StatusTTSError, Duration: since(started), Detail: err.Error()})
		writeText(w, http.StatusInternalServerError, synthErrPrefix+err.Error())
		return
	}
	s.metrics.tts(r.Context(), "wav", "ok")
	s.record(r.Context(), calllog.Entry{Kind: calllog.KindTTS, Status: calllog.StatusOK, Duration: since(started), Bytes: int64(len(data))})
	w.Header().Set("Content-Type", wavContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleTTSStream(w http.ResponseWriter, r *http.Request) {
	var req protocol.SynthRequest
	if !s.decode(w, r, &req) {
		return
	}
	sampleRate := s.cfg.TTS.SampleRate
	text, voiceName := strings.TrimSpace(req.Text), strings.TrimSpace(req.Voice)
	if text == "" {
		w.Header().Set("Content-Type", pcmContentType(sampleRate))
		w.WriteHeader(http.StatusOK)
		return
	}

	started := time.Now()
	stream, err := s.synth.Stream(r.Context(), tts.Request{
		Text:       text,
		Voice:      voiceName,
		SampleRate: sampleRate,
		ChunkMS:    s.cfg.TTS.ChunkDurationMS,
	})
	if err != nil {
		s.logger.Warn("tts stream failed to start", slogError(err))
		s.metrics.tts(r.Context(), "stream", "error")
		s.record(r.Context(), calllog.Entry{Kind: calllog.KindTTSStream, Status: calllog.StatusTTSError, Duration: since(started), Detail: err.Error()})
		writeJSON(w, http.StatusInternalServerError, detail(err.Error()))
		return
	}
	s.streamPCM(w, r, stream, sampleRate, "", calllog.KindTTSStream, started)
}

func (s *Server) handleAgentReply(w http.ResponseWriter, r *http.Request) {
	var req protocol.ReplyRequest
	if !s.decode(w, r, &req) {
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		writeJSON(w, http.StatusOK, protocol.ReplyResponse{Reply: ""})
		return
	}

	started := time.Now()
	reply, err := s.assembler.Reply(r.Context(), voice.Request{Text: text, System: strings.TrimSpace(req.System)})
	if err != nil {
		s.metrics.agent(r.Context(), "error")
		s.record(r.Context(), calllog.Entry{Kind: calllog.KindAgent, Status: calllog.StatusAgentError, Duration: since(started), Detail: err.Error()})
		// Agent failures are reported inline so clients always get a reply.
		writeJSON(w, http.StatusOK, protocol.ReplyResponse{Reply: agentReplyError + agentCause(err)})
		return
	}
	s.metrics.agent(r.Context(), "ok")
	s.record(r.Context(), calllog.Entry{Kind: calllog.KindAgent, Status: calllog.StatusOK, Duration: since(started)})
	writeJSON(w, http.StatusOK, protocol.ReplyResponse{Reply: reply})
}

func (s *Server) handleAgentTTS(w http.ResponseWriter, r *http.Request) {
	var req protocol.ReplyRequest
	if !s.decode(w, r, &req) {
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		w.Header().Set("Content-Type", wavContentType)
		w.WriteHeader(http.StatusOK)
		return
	}

	started := time.Now()
	data, _, err := s.assembler.ReplyWAV(r.Context(), voice.Request{
		Text:   text,
		System: strings.TrimSpace(req.System),
		Voice:  strings.TrimSpace(req.Voice),
	})
	if err != nil {
		msg, status := s.classify(r, err, "wav")
		s.record(r.Context(), calllog.Entry{Kind: calllog.KindAgentTTS, Status: status, Duration: since(started), Detail: err.Error()})
		writeText(w, http.StatusInternalServerError, msg)
		return
	}
	s.metrics.agent(r.Context(), "ok")
	status := calllog.StatusOK
	if len(data) == 0 {
		status = calllog.StatusEmpty
	} else {
		s.metrics.tts(r.Context(), "wav", "ok")
	}
	s.record(r.Context(), calllog.Entry{Kind: calllog.KindAgentTTS, Status: status, Duration: since(started), Bytes: int64(len(data))})
	w.Header().Set("Content-Type", wavContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleAgentTTSStream(w http.ResponseWriter, r *http.Request) {
	var req protocol.ReplyRequest
	if !s.decode(w, r, &req) {
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		writeJSON(w, http.StatusBadRequest, detail("empty text"))
		return
	}

	started := time.Now()
	sampleRate := s.cfg.TTS.SampleRate
	stream, _, err := s.assembler.ReplyStream(r.Context(), voice.Request{
		Text:   text,
		System: strings.TrimSpace(req.System),
		Voice:  strings.TrimSpace(req.Voice),
	}, sampleRate, s.cfg.TTS.ChunkDurationMS)
	if err != nil {
		msg, status := s.classify(r, err, "stream")
		s.record(r.Context(), calllog.Entry{Kind: calllog.KindAgentTTSStream, Status: status, Duration: since(started), Detail: err.Error()})
		writeJSON(w, http.StatusInternalServerError, detail(msg))
		return
	}
	s.metrics.agent(r.Context(), "ok")
	if stream == nil {
		s.record(r.Context(), calllog.Entry{Kind: calllog.KindAgentTTSStream, Status: calllog.StatusEmpty, Duration: since(started)})
		w.Header().Set("Content-Type", pcmContentType(sampleRate))
		w.WriteHeader(http.StatusOK)
		return
	}
	s.streamPCM(w, r, stream, sampleRate, synthErrPrefix, calllog.KindAgentTTSStream, started)
}

// classify maps an assembler failure to its client message and call status,
// and counts it.
func (s *Server) classify(r *http.Request, err error, mode string) (string, string) {
	var agentErr *voice.AgentError
	if errors.As(err, &agentErr) {
		s.metrics.agent(r.Context(), "error")
		return agentErrPrefix + agentErr.Err.Error(), calllog.StatusAgentError
	}
	s.metrics.agent(r.Context(), "ok")
	s.metrics.tts(r.Context(), mode, "error")
	s.logger.Warn("agent synthesis failed", slogError(err))
	var synthErr *voice.SynthesisError
	if errors.As(err, &synthErr) {
		return synthErrPrefix + synthErr.Err.Error(), calllog.StatusTTSError
	}
	return synthErrPrefix + err.Error(), calllog.StatusTTSError
}

func agentCause(err error) string {
	var agentErr *voice.AgentError
	if errors.As(err, &agentErr) {
		return agentErr.Err.Error()
	}
	return err.Error()
}

// streamPCM relays chunks as a chunked response. The first chunk is pulled
// before any header is written so an engine that fails immediately still gets
// a structured 500. Later failures can only abort the response.
func (s *Server) streamPCM(w http.ResponseWriter, r *http.Request, stream tts.ChunkStream, sampleRate int, errPrefix, kind string, started time.Time) {
	defer stream.Close()
	ctx := r.Context()

	var written int64
	finish := func(status string, err error) {
		outcome := "ok"
		entry := calllog.Entry{Kind: kind, Status: status, Duration: since(started), Bytes: written}
		if err != nil {
			outcome = "error"
			entry.Detail = err.Error()
		}
		s.metrics.tts(ctx, "stream", outcome)
		s.record(ctx, entry)
	}

	chunk, err := stream.Next()
	if err != nil && !errors.Is(err, iterator.Done) {
		s.logger.Warn("tts stream failed", slogError(err))
		finish(calllog.StatusTTSError, err)
		writeJSON(w, http.StatusInternalServerError, detail(errPrefix+err.Error()))
		return
	}

	w.Header().Set("Content-Type", pcmContentType(sampleRate))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if err != nil {
		finish(calllog.StatusEmpty, nil)
		return
	}

	rc := http.NewResponseController(w)
	for {
		if _, werr := w.Write(chunk); werr != nil {
			s.logger.Debug("tts client went away", slogError(werr))
			finish(calllog.StatusClientGone, nil)
			return
		}
		written += int64(len(chunk))
		_ = rc.Flush()

		chunk, err = stream.Next()
		if errors.Is(err, iterator.Done) {
			finish(calllog.StatusOK, nil)
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				finish(calllog.StatusClientGone, nil)
				return
			}
			s.logger.Warn("tts stream failed mid-response", slogError(err), slog.Int64("bytes", written))
			finish(calllog.StatusTTSError, err)
			// Headers are gone; abort so the client sees a truncated body.
			panic(http.ErrAbortHandler)
		}
	}
}
