package gateway

import (
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-voicegw/internal/protocol"
)

const (
	defaultCallsLimit = 100
	maxCallsLimit     = 1000
)

// handleCalls lists recent call log entries, newest first.
func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	if !s.calls.Enabled() {
		writeJSON(w, http.StatusNotFound, detail("call log disabled"))
		return
	}
	limit := defaultCallsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, detail("limit must be a positive integer"))
			return
		}
		limit = min(n, maxCallsLimit)
	}

	entries, err := s.calls.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Warn("call log read failed", slogError(err))
		writeJSON(w, http.StatusInternalServerError, detail("call log unavailable"))
		return
	}
	records := make([]protocol.CallRecord, 0, len(entries))
	for _, e := range entries {
		records = append(records, protocol.CallRecord{
			ID:         e.ID,
			Kind:       e.Kind,
			Status:     e.Status,
			DurationMS: e.Duration.Milliseconds(),
			Bytes:      e.Bytes,
			Detail:     e.Detail,
			CreatedAt:  e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, records)
}
