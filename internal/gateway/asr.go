package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voicegw/internal/calllog"
	"github.com/loqalabs/loqa-voicegw/internal/protocol"
	"github.com/loqalabs/loqa-voicegw/internal/stt"
)

const writeWait = 10 * time.Second

// handleASR runs one recognition session per socket. The read loop is the
// only goroutine touching the session and its engine.
func (s *Server) handleASR(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("asr upgrade failed", slogError(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.cfg.STT.MaxFrameBytes)

	ctx := r.Context()
	id := uuid.NewString()
	logger := s.logger.With(slog.String("session_id", id))
	started := time.Now()

	emit := func(msg protocol.ResultMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
		s.metrics.result(ctx, msg.Type)
		s.publishTranscript(id, msg, logger)
		return nil
	}
	session := stt.NewSession(id, s.stt, stt.SessionOptions{
		DefaultSampleRate: s.cfg.STT.DefaultSampleRate,
		RestartPolicy:     s.cfg.STT.RestartPolicy,
		MaxMalformed:      s.cfg.STT.MaxMalformedControl,
	}, emit, logger)

	s.metrics.asrSessions.Add(ctx, 1)
	logger.Info("asr connected", slog.String("remote", r.RemoteAddr))
	status := calllog.StatusClosed
	defer func() {
		session.Close()
		stats := session.Stats()
		s.metrics.asrSessions.Add(ctx, -1)
		if stats.DroppedFrames > 0 {
			s.metrics.droppedFrames.Add(ctx, int64(stats.DroppedFrames))
		}
		if stats.Malformed > 0 {
			s.metrics.malformedFrames.Add(ctx, int64(stats.Malformed))
		}
		logger.Info("asr closed",
			slog.String("status", status),
			slog.Int("frames", stats.AudioFrames),
			slog.Int64("audio_bytes", stats.AudioBytes),
			slog.Int("dropped", stats.DroppedFrames),
			slog.Int("malformed", stats.Malformed),
			slog.Int("partials", stats.Partials),
			slog.Int("finals", stats.Finals))
		s.record(ctx, calllog.Entry{
			ID:       id,
			Kind:     calllog.KindASR,
			Status:   status,
			Duration: since(started),
			Bytes:    stats.AudioBytes,
		})
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Debug("asr read ended", slogError(err))
				status = calllog.StatusClientGone
			}
			return
		}

		switch mt {
		case websocket.TextMessage:
			err = session.HandleText(ctx, data)
		case websocket.BinaryMessage:
			err = session.HandleAudio(ctx, data)
		default:
			continue
		}
		if err == nil {
			continue
		}

		switch {
		case errors.Is(err, stt.ErrTooManyMalformed):
			logger.Warn("closing asr socket", slogError(err))
			msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			status = calllog.StatusBadRequest
			return
		case errors.Is(err, stt.ErrEmit):
			logger.Debug("asr client unreachable", slogError(err))
			status = calllog.StatusClientGone
			return
		default:
			// Recognition failures affect only the current frame.
			logger.Warn("asr frame failed", slogError(err))
		}
	}
}

// publishTranscript forwards finals, and partials when bus.publish_partials
// is set, to the bus.
func (s *Server) publishTranscript(sessionID string, msg protocol.ResultMessage, logger *slog.Logger) {
	if s.bus == nil || !s.cfg.Bus.PublishTranscripts {
		return
	}
	var subject string
	switch {
	case msg.Type == protocol.ResultFinal:
		subject = protocol.SubjectTranscriptFinal
	case msg.Type == protocol.ResultPartial && s.cfg.Bus.PublishPartials:
		subject = protocol.SubjectTranscriptPartial
	default:
		return
	}
	transcript := protocol.Transcript{
		SessionID: sessionID,
		Text:      msg.Text,
		Partial:   msg.Type == protocol.ResultPartial,
		Timestamp: time.Now().UTC(),
	}
	if err := s.bus.PublishJSON(subject, transcript); err != nil {
		logger.Warn("failed to publish transcript", slogError(err))
	}
}

func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("echo upgrade failed", slogError(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.cfg.STT.MaxFrameBytes)

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, append([]byte("echo: "), data...)); err != nil {
			return
		}
	}
}
