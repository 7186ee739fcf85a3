package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/depthbook/internal/domain"
)

// InstrumentLister is the part of service.InstrumentService the API uses.
type InstrumentLister interface {
	List(ctx context.Context) []string
	Known(ctx context.Context, id string) bool
}

// InstrumentHandler lists instruments and switches the selected one.
type InstrumentHandler struct {
	instruments InstrumentLister
	book        BookEngine
	selections  domain.SelectionStore
	logger      *slog.Logger
}

// NewInstrumentHandler creates an InstrumentHandler. selections may be nil.
func NewInstrumentHandler(instruments InstrumentLister, book BookEngine, selections domain.SelectionStore, logger *slog.Logger) *InstrumentHandler {
	return &InstrumentHandler{
		instruments: instruments,
		book:        book,
		selections:  selections,
		logger:      logger,
	}
}

// ListInstruments returns the sorted instrument ids and the current
// selection. The list is empty when the exchange could not be reached.
// GET /api/instruments
func (h *InstrumentHandler) ListInstruments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"instruments": h.instruments.List(r.Context()),
		"selected":    h.book.Instrument(),
	})
}

type selectInstrumentRequest struct {
	ID string `json:"id"`
}

// SelectInstrument switches the engine to another instrument.
// PUT /api/instrument {"id":"ETH-USD"}
func (h *InstrumentHandler) SelectInstrument(w http.ResponseWriter, r *http.Request) {
	var req selectInstrumentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := strings.ToUpper(strings.TrimSpace(req.ID))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing instrument id")
		return
	}
	if !h.instruments.Known(r.Context(), id) {
		writeError(w, http.StatusNotFound, "unknown instrument "+id)
		return
	}

	if err := h.book.SelectInstrument(r.Context(), id); err != nil {
		h.logger.ErrorContext(r.Context(), "handler: select instrument failed",
			slog.String("instrument", id),
			slog.String("error", err.Error()),
		)
		writeError(w, statusFor(err), "failed to select instrument")
		return
	}
	saveSelection(r.Context(), h.selections, h.book, h.logger)

	writeJSON(w, http.StatusOK, map[string]string{"selected": id})
}
