// Package topofbook tracks the ticker-derived best bid/ask summary.
package topofbook

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/depthbook/internal/domain"
	"github.com/alanyoungcy/depthbook/internal/metrics"
)

// Tracker keeps the most recent valid ticker. Invalid tickers never
// overwrite it.
type Tracker struct {
	mu      sync.RWMutex
	current domain.TopOfBook
	ok      bool
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{}
}

// ApplyTicker parses every field of tk. If any field is not a finite number
// the ticker is rejected with an error wrapping domain.ErrInvalidTicker and
// the previous state is kept.
func (t *Tracker) ApplyTicker(tk domain.Ticker) error {
	var bid, ask, bidSize, askSize, volume decimal.Decimal
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"best_bid", tk.BestBid, &bid},
		{"best_ask", tk.BestAsk, &ask},
		{"best_bid_size", tk.BestBidSize, &bidSize},
		{"best_ask_size", tk.BestAskSize, &askSize},
		{"volume_24h", tk.Volume24h, &volume},
	}
	for _, f := range fields {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			metrics.RejectedTickersTotal.Inc()
			return fmt.Errorf("topofbook: %s %q: %w", f.name, f.raw, domain.ErrInvalidTicker)
		}
		*f.dst = d
	}

	next := domain.TopOfBook{
		BestBid:     bid.Round(domain.DisplayPlaces),
		BestAsk:     ask.Round(domain.DisplayPlaces),
		BestBidSize: bidSize.Round(domain.DisplayPlaces),
		BestAskSize: askSize.Round(domain.DisplayPlaces),
		Spread:      ask.Sub(bid).Round(domain.DisplayPlaces),
		Volume24h:   volume.Round(domain.DisplayPlaces),
	}

	t.mu.Lock()
	t.current = next
	t.ok = true
	t.mu.Unlock()
	return nil
}

// Current returns the last accepted summary. The second value is false
// until a valid ticker has been applied.
func (t *Tracker) Current() (domain.TopOfBook, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current, t.ok
}

// Reset forgets the stored summary.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.current = domain.TopOfBook{}
	t.ok = false
	t.mu.Unlock()
}
