package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/depthbook/internal/domain"
)

// fakeFeed hands out channel-backed subscriptions and closes the previous
// one on every Open.
type fakeFeed struct {
	mu      sync.Mutex
	subs    []*fakeSub
	openErr error
}

func (f *fakeFeed) Open(_ context.Context, instrument string) (domain.FeedSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	if n := len(f.subs); n > 0 {
		_ = f.subs[n-1].Close()
	}
	sub := &fakeSub{
		id:         instrument + "-sub",
		instrument: instrument,
		ch:         make(chan domain.FeedMessage, 16),
		done:       make(chan struct{}),
	}
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeFeed) sub(i int) *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[i]
}

type fakeSub struct {
	id, instrument string
	ch             chan domain.FeedMessage
	done           chan struct{}
	once           sync.Once
}

func (s *fakeSub) ID() string         { return s.id }
func (s *fakeSub) Instrument() string { return s.instrument }
func (s *fakeSub) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *fakeSub) Messages() iter.Seq[domain.FeedMessage] {
	return func(yield func(domain.FeedMessage) bool) {
		for {
			select {
			case <-s.done:
				return
			case m := <-s.ch:
				if !yield(m) {
					return
				}
			}
		}
	}
}

// push delivers msg even after the subscription was closed, the way a late
// frame from the wire would arrive.
func (s *fakeSub) push(msg domain.FeedMessage) {
	s.ch <- msg
}

type recordingAudit struct {
	mu     sync.Mutex
	events []string
}

func (a *recordingAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *recordingAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (a *recordingAudit) has(event string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e == event {
			return true
		}
	}
	return false
}

type recordingAlerts struct {
	mu       sync.Mutex
	messages []string
}

func (r *recordingAlerts) Notify(_ context.Context, _, _, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
	return nil
}

func (r *recordingAlerts) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

type recordingBus struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (b *recordingBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.payloads = append(b.payloads, payload)
	return nil
}

func (b *recordingBus) Subscribe(ctx context.Context, _ string) (<-chan []byte, error) {
	return nil, errors.New("not implemented")
}

func (b *recordingBus) last() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.payloads) == 0 {
		return nil
	}
	return b.payloads[len(b.payloads)-1]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func snapshotMsg(instrument string) domain.FeedMessage {
	return domain.FeedMessage{
		Kind:       domain.KindSnapshot,
		Instrument: instrument,
		Bids: []domain.Change{
			{Side: "buy", Price: "101", Size: "2"},
			{Side: "buy", Price: "100", Size: "3"},
			{Side: "buy", Price: "99", Size: "1"},
		},
		Asks: []domain.Change{
			{Side: "sell", Price: "102", Size: "1"},
			{Side: "sell", Price: "103", Size: "4"},
		},
	}
}

func tickerMsg(instrument, bid, ask string) domain.FeedMessage {
	return domain.FeedMessage{
		Kind:       domain.KindTicker,
		Instrument: instrument,
		Ticker: domain.Ticker{
			BestBid: bid, BestAsk: ask, BestBidSize: "2", BestAskSize: "1", Volume24h: "1000",
		},
	}
}

func newTestService(t *testing.T, deps BookDeps) (*BookService, *fakeFeed) {
	t.Helper()
	feed := &fakeFeed{}
	return NewBookService(feed, BookConfig{}, deps, discardLogger()), feed
}

func TestTopOfBookSpreadFromTicker(t *testing.T) {
	svc, feed := newTestService(t, BookDeps{})
	if err := svc.SelectInstrument(context.Background(), "BTC-USD"); err != nil {
		t.Fatalf("SelectInstrument: %v", err)
	}
	sub := feed.sub(0)
	sub.push(snapshotMsg("BTC-USD"))
	sub.push(tickerMsg("BTC-USD", "101", "102"))

	eventually(t, "top of book", func() bool {
		_, ok := svc.CurrentTopOfBook()
		return ok
	})
	tob, _ := svc.CurrentTopOfBook()
	if tob.Spread.StringFixed(2) != "1.00" {
		t.Fatalf("spread = %s, want 1.00", tob.Spread.StringFixed(2))
	}

	bids := svc.CurrentBook(domain.SideBid)
	if len(bids) != 3 || !bids[0].Price.Equal(dec("101")) || !bids[2].Cumulative.Equal(dec("6")) {
		t.Fatalf("unexpected bids %+v", bids)
	}
	if sp, ok := svc.CurrentBookSpread(); !ok || !sp.Spread.Equal(dec("1")) {
		t.Fatalf("unexpected book spread %+v", sp)
	}
}

func TestSwitchingInstrumentDiscardsState(t *testing.T) {
	svc, feed := newTestService(t, BookDeps{})
	ctx := context.Background()

	_ = svc.SelectInstrument(ctx, "BTC-USD")
	btc := feed.sub(0)
	btc.push(snapshotMsg("BTC-USD"))
	btc.push(tickerMsg("BTC-USD", "101", "102"))
	eventually(t, "BTC state", func() bool {
		_, ok := svc.CurrentTopOfBook()
		return ok && len(svc.CurrentBook(domain.SideAsk)) == 2
	})

	if err := svc.SelectInstrument(ctx, "ETH-USD"); err != nil {
		t.Fatalf("SelectInstrument: %v", err)
	}
	if len(svc.CurrentBook(domain.SideBid)) != 0 || len(svc.CurrentBook(domain.SideAsk)) != 0 {
		t.Fatalf("book not cleared on switch")
	}
	if _, ok := svc.CurrentTopOfBook(); ok {
		t.Fatalf("top of book not cleared on switch")
	}

	// A late frame for the old subscription must not leak into the new state.
	btc.ch <- domain.FeedMessage{Kind: domain.KindUpdate, Instrument: "BTC-USD",
		Changes: []domain.Change{{Side: "buy", Price: "50000", Size: "1"}}}

	eth := feed.sub(1)
	eth.push(domain.FeedMessage{Kind: domain.KindUpdate, Instrument: "ETH-USD",
		Changes: []domain.Change{{Side: "buy", Price: "3000", Size: "4"}}})

	eventually(t, "ETH update", func() bool {
		return len(svc.CurrentBook(domain.SideBid)) == 1
	})
	bids := svc.CurrentBook(domain.SideBid)
	if !bids[0].Price.Equal(dec("3000")) || !bids[0].Size.Equal(dec("4")) {
		t.Fatalf("first ETH update not applied to an empty store: %+v", bids)
	}
	if svc.Instrument() != "ETH-USD" {
		t.Fatalf("instrument = %s", svc.Instrument())
	}
}

func TestMalformedTickerRaisesValidationCondition(t *testing.T) {
	audit := &recordingAudit{}
	svc, feed := newTestService(t, BookDeps{Audit: audit})
	_ = svc.SelectInstrument(context.Background(), "BTC-USD")
	sub := feed.sub(0)

	sub.push(tickerMsg("BTC-USD", "101", "102"))
	eventually(t, "first ticker", func() bool {
		_, ok := svc.CurrentTopOfBook()
		return ok
	})
	before, _ := svc.CurrentTopOfBook()

	sub.push(tickerMsg("BTC-USD", "abc", "150"))
	eventually(t, "validation condition", func() bool {
		c := svc.CurrentError()
		return c != nil && c.Kind == domain.ConditionValidation
	})

	after, _ := svc.CurrentTopOfBook()
	if !after.BestAsk.Equal(before.BestAsk) || !after.Spread.Equal(before.Spread) {
		t.Fatalf("top of book changed: before=%+v after=%+v", before, after)
	}
	eventually(t, "audit entry", func() bool { return audit.has(domain.AuditInvalidTicker) })
}

func TestFeedErrorSurfacedVerbatimAndClearedByUpdate(t *testing.T) {
	svc, feed := newTestService(t, BookDeps{})
	_ = svc.SelectInstrument(context.Background(), "BTC-USD")
	sub := feed.sub(0)

	sub.push(domain.FeedMessage{Kind: domain.KindError, Error: domain.FeedError{Message: "Failed to subscribe"}})
	eventually(t, "feed error", func() bool { return svc.CurrentError() != nil })
	if got := svc.CurrentError().Text(); got != "Failed to subscribe - No reason provided" {
		t.Fatalf("error text = %q", got)
	}

	sub.push(domain.FeedMessage{Kind: domain.KindUpdate, Instrument: "BTC-USD",
		Changes: []domain.Change{{Side: "buy", Price: "1", Size: "1"}}})
	eventually(t, "error cleared", func() bool { return svc.CurrentError() == nil })
}

func TestResetAndUnavailable(t *testing.T) {
	alerts := &recordingAlerts{}
	audit := &recordingAudit{}
	svc, feed := newTestService(t, BookDeps{Alerts: alerts, Audit: audit})
	_ = svc.SelectInstrument(context.Background(), "BTC-USD")
	sub := feed.sub(0)

	sub.push(snapshotMsg("BTC-USD"))
	eventually(t, "snapshot", func() bool { return len(svc.CurrentBook(domain.SideBid)) == 3 })

	sub.push(domain.FeedMessage{Kind: domain.KindUnavailable, Instrument: "BTC-USD",
		Error: domain.FeedError{Message: "Feed unavailable", Reason: "dial tcp: refused"}})
	eventually(t, "unavailable", func() bool {
		c := svc.CurrentError()
		return c != nil && c.Kind == domain.ConditionUnavailable
	})
	if len(svc.CurrentBook(domain.SideBid)) != 0 {
		t.Fatalf("book should be empty while unavailable")
	}
	eventually(t, "alert", func() bool { return alerts.count() == 1 })

	sub.push(domain.FeedMessage{Kind: domain.KindReset, Instrument: "BTC-USD"})
	eventually(t, "recovered", func() bool { return svc.CurrentError() == nil })
	eventually(t, "recovery audit", func() bool { return audit.has(domain.AuditFeedRecovered) })
}

func TestAggregationControls(t *testing.T) {
	svc, feed := newTestService(t, BookDeps{})
	_ = svc.SelectInstrument(context.Background(), "BTC-USD")
	feed.sub(0).push(domain.FeedMessage{Kind: domain.KindUpdate, Instrument: "BTC-USD", Changes: []domain.Change{
		{Side: "buy", Price: "100.01", Size: "1"},
		{Side: "buy", Price: "100.04", Size: "2"},
	}})
	eventually(t, "update", func() bool { return len(svc.CurrentBook(domain.SideBid)) == 2 })

	if err := svc.SetAggregationIncrement(dec("0.05")); err != nil {
		t.Fatalf("SetAggregationIncrement: %v", err)
	}
	bids := svc.CurrentBook(domain.SideBid)
	if len(bids) != 1 || !bids[0].Size.Equal(dec("3")) {
		t.Fatalf("expected one 0.05 bucket holding 3, got %+v", bids)
	}

	if err := svc.SetAggregationIncrement(dec("-1")); !errors.Is(err, domain.ErrInvalidIncrement) {
		t.Fatalf("expected ErrInvalidIncrement, got %v", err)
	}
	if !svc.CurrentAggregation().Equal(dec("0.05")) {
		t.Fatalf("rejected increment changed state")
	}

	if got := svc.StepIncrement(true); !got.Equal(dec("0.10")) {
		t.Fatalf("step up = %s", got)
	}
	if got := svc.StepIncrement(false); !got.Equal(dec("0.05")) {
		t.Fatalf("step down = %s", got)
	}

	_ = svc.SetAggregationIncrement(dec("0.02"))
	found := false
	for _, o := range svc.AggregationOptions() {
		if o.Equal(dec("0.02")) {
			found = true
		}
	}
	if !found {
		t.Fatalf("active increment missing from options")
	}
}

func TestSelectInstrumentErrors(t *testing.T) {
	svc, feed := newTestService(t, BookDeps{})
	if err := svc.SelectInstrument(context.Background(), ""); !errors.Is(err, domain.ErrUnknownInstrument) {
		t.Fatalf("expected ErrUnknownInstrument, got %v", err)
	}
	feed.openErr = errors.New("boom")
	if err := svc.SelectInstrument(context.Background(), "BTC-USD"); err == nil {
		t.Fatalf("expected open error")
	}
}

func TestRunPublishesViews(t *testing.T) {
	bus := &recordingBus{}
	svc, feed := newTestService(t, BookDeps{Bus: bus})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Run(ctx)
	}()

	_ = svc.SelectInstrument(ctx, "BTC-USD")
	feed.sub(0).push(snapshotMsg("BTC-USD"))

	eventually(t, "published view with bids", func() bool {
		raw := bus.last()
		if raw == nil {
			return false
		}
		var view struct {
			Instrument string            `json:"instrument"`
			Bids       []json.RawMessage `json:"bids"`
		}
		if err := json.Unmarshal(raw, &view); err != nil {
			return false
		}
		return view.Instrument == "BTC-USD" && len(view.Bids) == 3
	})

	cancel()
	<-done

	select {
	case <-feed.sub(0).done:
	default:
		t.Fatalf("Run did not close the active subscription on shutdown")
	}
}
