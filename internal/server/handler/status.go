package handler

import (
	"net/http"
	"time"
)

// FeedState reports whether the transport has a live session.
type FeedState interface {
	Connected() bool
}

// StatusHandler serves the engine status for dashboards.
type StatusHandler struct {
	mode      string
	startedAt time.Time
	feed      FeedState
	book      BookEngine
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode string, startedAt time.Time, feed FeedState, book BookEngine) *StatusHandler {
	return &StatusHandler{mode: mode, startedAt: startedAt, feed: feed, book: book}
}

// GetStatus reports mode, uptime, feed connectivity, the selected instrument
// and any displayed condition.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"mode":           h.mode,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"feed_connected": h.feed.Connected(),
		"instrument":     h.book.Instrument(),
		"increment":      h.book.CurrentAggregation(),
	}
	if cond := h.book.CurrentError(); cond != nil {
		resp["condition"] = cond
		resp["error"] = cond.Text()
	}
	writeJSON(w, http.StatusOK, resp)
}
