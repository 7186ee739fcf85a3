package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/depthbook/internal/domain"
)

// BookEngine is the part of service.BookService the HTTP API reads and
// mutates. It is declared here so the handler package does not depend on
// the concrete service.
type BookEngine interface {
	Instrument() string
	SelectInstrument(ctx context.Context, id string) error

	CurrentBook(side domain.Side) []domain.DepthRow
	CurrentBookSpread() (domain.BookSpread, bool)
	CurrentTopOfBook() (domain.TopOfBook, bool)
	CurrentError() *domain.Condition

	CurrentAggregation() decimal.Decimal
	AggregationOptions() []decimal.Decimal
	SetAggregationIncrement(v decimal.Decimal) error
	StepIncrement(up bool) decimal.Decimal
}

// BookHandler serves the depth table, spread and top-of-book endpoints.
type BookHandler struct {
	book   BookEngine
	logger *slog.Logger
}

// NewBookHandler creates a BookHandler.
func NewBookHandler(book BookEngine, logger *slog.Logger) *BookHandler {
	return &BookHandler{book: book, logger: logger}
}

type bookResponse struct {
	Instrument string             `json:"instrument"`
	Increment  decimal.Decimal    `json:"increment"`
	Bids       *[]domain.DepthRow `json:"bids,omitempty"`
	Asks       *[]domain.DepthRow `json:"asks,omitempty"`
	Condition  *domain.Condition  `json:"condition,omitempty"`
}

// depthRows marks a requested side for encoding. An empty side encodes as
// [] and an unrequested one is omitted.
func depthRows(rows []domain.DepthRow) *[]domain.DepthRow {
	if rows == nil {
		rows = []domain.DepthRow{}
	}
	return &rows
}

// GetBook returns the aggregated depth for one side or both.
// GET /api/book?side=bid|ask
func (h *BookHandler) GetBook(w http.ResponseWriter, r *http.Request) {
	resp := bookResponse{
		Instrument: h.book.Instrument(),
		Increment:  h.book.CurrentAggregation(),
		Condition:  h.book.CurrentError(),
	}

	switch side := strings.ToLower(r.URL.Query().Get("side")); side {
	case "":
		resp.Bids = depthRows(h.book.CurrentBook(domain.SideBid))
		resp.Asks = depthRows(h.book.CurrentBook(domain.SideAsk))
	default:
		s, ok := domain.ParseSide(side)
		if !ok {
			writeError(w, http.StatusBadRequest, "side must be bid or ask")
			return
		}
		if s == domain.SideBid {
			resp.Bids = depthRows(h.book.CurrentBook(s))
		} else {
			resp.Asks = depthRows(h.book.CurrentBook(s))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetSpread returns the spread derived from the raw book, or 404 while
// either side is empty.
// GET /api/book/spread
func (h *BookHandler) GetSpread(w http.ResponseWriter, r *http.Request) {
	sp, ok := h.book.CurrentBookSpread()
	if !ok {
		writeError(w, http.StatusNotFound, "spread unavailable")
		return
	}
	writeJSON(w, http.StatusOK, sp)
}

// GetTopOfBook returns the last valid ticker summary, or 404 before one has
// been received.
// GET /api/top-of-book
func (h *BookHandler) GetTopOfBook(w http.ResponseWriter, r *http.Request) {
	tob, ok := h.book.CurrentTopOfBook()
	if !ok {
		writeError(w, http.StatusNotFound, "no ticker received yet")
		return
	}
	writeJSON(w, http.StatusOK, tob)
}
