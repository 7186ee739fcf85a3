package handler

import (
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/depthbook/internal/domain"
)

// AggregationHandler reads and changes the active price increment.
type AggregationHandler struct {
	book       BookEngine
	selections domain.SelectionStore
	logger     *slog.Logger
}

// NewAggregationHandler creates an AggregationHandler. selections may be nil.
func NewAggregationHandler(book BookEngine, selections domain.SelectionStore, logger *slog.Logger) *AggregationHandler {
	return &AggregationHandler{book: book, selections: selections, logger: logger}
}

type aggregationResponse struct {
	Value   decimal.Decimal   `json:"value"`
	Options []decimal.Decimal `json:"options"`
}

func (h *AggregationHandler) current() aggregationResponse {
	return aggregationResponse{
		Value:   h.book.CurrentAggregation(),
		Options: h.book.AggregationOptions(),
	}
}

// GetAggregation returns the active increment and the offered options.
// GET /api/aggregation
func (h *AggregationHandler) GetAggregation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.current())
}

// setAggregationRequest carries either an explicit value or a step
// direction, not both.
type setAggregationRequest struct {
	Value *decimal.Decimal `json:"value,omitempty"`
	Step  string           `json:"step,omitempty"`
}

// SetAggregation sets the increment explicitly or steps it up or down the
// canonical ladder.
// PUT /api/aggregation {"value":"0.05"} | {"step":"up"|"down"}
func (h *AggregationHandler) SetAggregation(w http.ResponseWriter, r *http.Request) {
	var req setAggregationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch {
	case req.Value != nil && req.Step != "":
		writeError(w, http.StatusBadRequest, "set either value or step")
		return
	case req.Value != nil:
		if err := h.book.SetAggregationIncrement(*req.Value); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
	case req.Step == "up" || req.Step == "down":
		h.book.StepIncrement(req.Step == "up")
	default:
		writeError(w, http.StatusBadRequest, `step must be "up" or "down"`)
		return
	}

	h.logger.DebugContext(r.Context(), "handler: aggregation changed",
		slog.String("value", h.book.CurrentAggregation().String()),
	)
	saveSelection(r.Context(), h.selections, h.book, h.logger)
	writeJSON(w, http.StatusOK, h.current())
}
