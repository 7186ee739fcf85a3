package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/depthbook/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeBook struct {
	instrument string
	increment  decimal.Decimal
	spread     *domain.BookSpread
	tob        *domain.TopOfBook
	cond       *domain.Condition
	selectErr  error
	empty      bool
}

func (f *fakeBook) Instrument() string { return f.instrument }
func (f *fakeBook) SelectInstrument(_ context.Context, id string) error {
	if f.selectErr != nil {
		return f.selectErr
	}
	f.instrument = id
	return nil
}
func (f *fakeBook) CurrentBook(side domain.Side) []domain.DepthRow {
	if f.empty {
		return nil
	}
	if side == domain.SideBid {
		return []domain.DepthRow{{Price: dec("100"), Size: dec("1"), Cumulative: dec("1")}}
	}
	return []domain.DepthRow{{Price: dec("101"), Size: dec("2"), Cumulative: dec("2")}}
}
func (f *fakeBook) CurrentBookSpread() (domain.BookSpread, bool) {
	if f.spread == nil {
		return domain.BookSpread{}, false
	}
	return *f.spread, true
}
func (f *fakeBook) CurrentTopOfBook() (domain.TopOfBook, bool) {
	if f.tob == nil {
		return domain.TopOfBook{}, false
	}
	return *f.tob, true
}
func (f *fakeBook) CurrentError() *domain.Condition       { return f.cond }
func (f *fakeBook) CurrentAggregation() decimal.Decimal   { return f.increment }
func (f *fakeBook) AggregationOptions() []decimal.Decimal { return []decimal.Decimal{dec("0"), dec("0.01")} }
func (f *fakeBook) SetAggregationIncrement(v decimal.Decimal) error {
	if v.IsNegative() {
		return fmt.Errorf("book_service: %w", domain.ErrInvalidIncrement)
	}
	f.increment = v
	return nil
}
func (f *fakeBook) StepIncrement(up bool) decimal.Decimal {
	if up {
		f.increment = dec("0.01")
	} else {
		f.increment = dec("0")
	}
	return f.increment
}

type fakeInstruments struct{ ids []string }

func (f fakeInstruments) List(context.Context) []string { return f.ids }
func (f fakeInstruments) Known(_ context.Context, id string) bool {
	for _, x := range f.ids {
		if x == id {
			return true
		}
	}
	return false
}

type memSelections struct {
	saved []domain.Selection
}

func (m *memSelections) Save(_ context.Context, s domain.Selection) error {
	m.saved = append(m.saved, s)
	return nil
}
func (m *memSelections) Last(context.Context) (domain.Selection, error) {
	if len(m.saved) == 0 {
		return domain.Selection{}, domain.ErrNotFound
	}
	return m.saved[len(m.saved)-1], nil
}

func do(t *testing.T, h http.HandlerFunc, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(method, target, r))
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return m
}

func TestGetBookSides(t *testing.T) {
	h := NewBookHandler(&fakeBook{instrument: "BTC-USD"}, testLogger())

	m := decodeBody(t, do(t, h.GetBook, http.MethodGet, "/api/book", ""))
	if m["bids"] == nil || m["asks"] == nil {
		t.Fatalf("expected both sides, got %v", m)
	}

	m = decodeBody(t, do(t, h.GetBook, http.MethodGet, "/api/book?side=ask", ""))
	if m["bids"] != nil || m["asks"] == nil {
		t.Fatalf("expected asks only, got %v", m)
	}

	if rec := do(t, h.GetBook, http.MethodGet, "/api/book?side=middle", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad side status = %d", rec.Code)
	}
}

func TestGetBookEmptySidesAreArrays(t *testing.T) {
	h := NewBookHandler(&fakeBook{instrument: "BTC-USD", empty: true}, testLogger())

	rec := do(t, h.GetBook, http.MethodGet, "/api/book", "")
	if !strings.Contains(rec.Body.String(), `"bids":[]`) || !strings.Contains(rec.Body.String(), `"asks":[]`) {
		t.Fatalf("expected empty arrays, got %s", rec.Body.String())
	}

	rec = do(t, h.GetBook, http.MethodGet, "/api/book?side=bid", "")
	if !strings.Contains(rec.Body.String(), `"bids":[]`) || strings.Contains(rec.Body.String(), `"asks"`) {
		t.Fatalf("expected bids only, got %s", rec.Body.String())
	}
}

func TestSpreadAndTopOfBookAbsent(t *testing.T) {
	book := &fakeBook{}
	h := NewBookHandler(book, testLogger())
	if rec := do(t, h.GetSpread, http.MethodGet, "/api/book/spread", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("spread status = %d", rec.Code)
	}
	if rec := do(t, h.GetTopOfBook, http.MethodGet, "/api/top-of-book", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("top-of-book status = %d", rec.Code)
	}

	book.spread = &domain.BookSpread{Spread: dec("1"), Percentage: dec("0.99")}
	rec := do(t, h.GetSpread, http.MethodGet, "/api/book/spread", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"1.00"`) {
		t.Fatalf("spread = %d %s", rec.Code, rec.Body.String())
	}
}

func TestSelectInstrument(t *testing.T) {
	book := &fakeBook{increment: dec("0.05")}
	sel := &memSelections{}
	h := NewInstrumentHandler(fakeInstruments{ids: []string{"BTC-USD", "ETH-USD"}}, book, sel, testLogger())

	rec := do(t, h.SelectInstrument, http.MethodPut, "/api/instrument", `{"id":"eth-usd"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if book.instrument != "ETH-USD" {
		t.Fatalf("instrument = %q", book.instrument)
	}
	if len(sel.saved) != 1 || sel.saved[0].Instrument != "ETH-USD" || !sel.saved[0].Increment.Equal(dec("0.05")) {
		t.Fatalf("saved = %+v", sel.saved)
	}

	tests := []struct {
		body string
		want int
	}{
		{`{"id":""}`, http.StatusBadRequest},
		{`{"id":"DOGE-USD"}`, http.StatusNotFound},
		{`{"instrument":"BTC-USD"}`, http.StatusBadRequest},
		{`not json`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		if rec := do(t, h.SelectInstrument, http.MethodPut, "/api/instrument", tt.body); rec.Code != tt.want {
			t.Fatalf("body %s: status = %d, want %d", tt.body, rec.Code, tt.want)
		}
	}
}

func TestSelectInstrumentFeedClosed(t *testing.T) {
	book := &fakeBook{selectErr: fmt.Errorf("feed: %w", domain.ErrClosed)}
	h := NewInstrumentHandler(fakeInstruments{ids: []string{"BTC-USD"}}, book, nil, testLogger())
	if rec := do(t, h.SelectInstrument, http.MethodPut, "/", `{"id":"BTC-USD"}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestListInstruments(t *testing.T) {
	h := NewInstrumentHandler(fakeInstruments{ids: []string{}}, &fakeBook{}, nil, testLogger())
	rec := do(t, h.ListInstruments, http.MethodGet, "/api/instruments", "")
	if !strings.Contains(rec.Body.String(), `"instruments":[]`) {
		t.Fatalf("empty list should encode as [], got %s", rec.Body.String())
	}
}

func TestSetAggregation(t *testing.T) {
	book := &fakeBook{increment: dec("0")}
	h := NewAggregationHandler(book, nil, testLogger())

	rec := do(t, h.SetAggregation, http.MethodPut, "/api/aggregation", `{"value":"0.25"}`)
	if rec.Code != http.StatusOK || !book.increment.Equal(dec("0.25")) {
		t.Fatalf("value: status=%d increment=%s", rec.Code, book.increment)
	}

	rec = do(t, h.SetAggregation, http.MethodPut, "/api/aggregation", `{"step":"down"}`)
	if rec.Code != http.StatusOK || !book.increment.IsZero() {
		t.Fatalf("step: status=%d increment=%s", rec.Code, book.increment)
	}

	tests := []struct {
		body string
		want int
	}{
		{`{"value":"-1"}`, http.StatusBadRequest},
		{`{"step":"sideways"}`, http.StatusBadRequest},
		{`{"value":"1","step":"up"}`, http.StatusBadRequest},
		{`{}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		if rec := do(t, h.SetAggregation, http.MethodPut, "/api/aggregation", tt.body); rec.Code != tt.want {
			t.Fatalf("body %s: status = %d, want %d", tt.body, rec.Code, tt.want)
		}
	}
}

type fakeAudit struct {
	opts domain.ListOpts
	err  error
}

func (f *fakeAudit) Log(context.Context, string, map[string]any) error { return nil }
func (f *fakeAudit) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	f.opts = opts
	return []domain.AuditEntry{{ID: 1, Event: domain.AuditFeedError}}, f.err
}

func TestListAudit(t *testing.T) {
	audit := &fakeAudit{}
	h := NewAuditHandler(audit, testLogger())

	rec := do(t, h.ListAudit, http.MethodGet, "/api/audit?event=feed_error&limit=900&since=2024-01-01T00:00:00Z", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if audit.opts.Event != "feed_error" || audit.opts.Limit != 500 || audit.opts.Since == nil {
		t.Fatalf("opts = %+v", audit.opts)
	}

	if rec := do(t, h.ListAudit, http.MethodGet, "/api/audit?since=yesterday", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad since status = %d", rec.Code)
	}

	audit.err = errors.New("db down")
	if rec := do(t, h.ListAudit, http.MethodGet, "/api/audit", ""); rec.Code != http.StatusInternalServerError {
		t.Fatalf("store error status = %d", rec.Code)
	}

	disabled := NewAuditHandler(nil, testLogger())
	if rec := do(t, disabled.ListAudit, http.MethodGet, "/api/audit", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("disabled status = %d", rec.Code)
	}
}

type fakeFeed bool

func (f fakeFeed) Connected() bool { return bool(f) }

func TestStatusAndHealth(t *testing.T) {
	book := &fakeBook{
		instrument: "BTC-USD",
		cond:       &domain.Condition{Kind: domain.ConditionFeed, Message: "Bad", Since: time.Now()},
	}
	st := NewStatusHandler("full", time.Now(), fakeFeed(true), book)
	m := decodeBody(t, do(t, st.GetStatus, http.MethodGet, "/api/status", ""))
	if m["feed_connected"] != true || m["instrument"] != "BTC-USD" || m["error"] != "Bad - No reason provided" {
		t.Fatalf("status body %v", m)
	}

	healthy := NewHealthHandler(map[string]Check{"redis": func(context.Context) error { return nil }}, testLogger())
	if rec := do(t, healthy.HealthCheck, http.MethodGet, "/api/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthy status = %d", rec.Code)
	}
	sick := NewHealthHandler(map[string]Check{"postgres": func(context.Context) error { return errors.New("down") }}, testLogger())
	if rec := do(t, sick.HealthCheck, http.MethodGet, "/api/health", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("sick status = %d", rec.Code)
	}
}
