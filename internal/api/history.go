package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/gray-logic-xmv/internal/history"
)

// HistoryResponse is returned by GET /channels/{id}/history.
type HistoryResponse struct {
	ChannelID int             `json:"channel_id"`
	Entries   []history.Entry `json:"entries"`
	Count     int             `json:"count"`
}

// handleChannelHistory lists recorded changes for one channel, newest first.
//
// Query parameters:
//   - limit: maximum entries (default 50, max 200)
//   - since: RFC 3339 lower bound on recorded_at
func (s *Server) handleChannelHistory(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.lookupChannel(w, r)
	if !ok {
		return
	}
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "channel history is disabled")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	filter := history.ForChannel(ch.ID, limit)
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeBadRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = since
	}

	entries, err := s.history.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing channel history", "channel", ch.ID, "error", err)
		writeInternalError(w, "failed to list channel history")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}

	writeJSON(w, http.StatusOK, HistoryResponse{
		ChannelID: ch.ID,
		Entries:   entries,
		Count:     len(entries),
	})
}
