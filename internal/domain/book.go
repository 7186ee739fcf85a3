package domain

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// Side identifies one half of an L2 book.
type Side int

const (
	SideBid Side = iota
	SideAsk
)

// String returns the lower-case side name used in API payloads.
func (s Side) String() string {
	switch s {
	case SideBid:
		return "bid"
	case SideAsk:
		return "ask"
	default:
		return "unknown"
	}
}

// ParseSide maps feed and API spellings ("buy"/"bid", "sell"/"ask"/"offer")
// to a Side. The second return value is false for anything else.
func ParseSide(s string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "bid", "bids":
		return SideBid, true
	case "sell", "ask", "asks", "offer":
		return SideAsk, true
	default:
		return 0, false
	}
}

// PriceLevel is a single price with its outstanding aggregate size.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Change is one [side, price, size] entry of an incremental update, kept in
// its wire form. Parsing happens when the change is applied so a single bad
// entry can be skipped without rejecting the rest of the batch.
type Change struct {
	Side  string
	Price string
	Size  string
}

// DepthRow is one line of the top-N view of a side.
type DepthRow struct {
	Price      decimal.Decimal `json:"price"`
	Size       decimal.Decimal `json:"size"`
	Cumulative decimal.Decimal `json:"cumulative"`
}

// BookSpread is the spread computed from the raw book rather than the ticker.
type BookSpread struct {
	Spread     decimal.Decimal `json:"spread"`
	Percentage decimal.Decimal `json:"percentage"`
}

// TopOfBook is the ticker-derived summary. All fields are rounded to
// DisplayPlaces before being exposed.
type TopOfBook struct {
	BestBid     decimal.Decimal `json:"best_bid"`
	BestAsk     decimal.Decimal `json:"best_ask"`
	BestBidSize decimal.Decimal `json:"best_bid_size"`
	BestAskSize decimal.Decimal `json:"best_ask_size"`
	Spread      decimal.Decimal `json:"spread"`
	Volume24h   decimal.Decimal `json:"volume_24h"`
}

// DisplayPlaces is the fixed precision of every consumer-facing ticker figure.
const DisplayPlaces = 2

// MarshalJSON renders every figure with exactly DisplayPlaces decimals.
func (t TopOfBook) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"best_bid":      t.BestBid.StringFixed(DisplayPlaces),
		"best_ask":      t.BestAsk.StringFixed(DisplayPlaces),
		"best_bid_size": t.BestBidSize.StringFixed(DisplayPlaces),
		"best_ask_size": t.BestAskSize.StringFixed(DisplayPlaces),
		"spread":        t.Spread.StringFixed(DisplayPlaces),
		"volume_24h":    t.Volume24h.StringFixed(DisplayPlaces),
	})
}

// MarshalJSON renders both figures with exactly DisplayPlaces decimals.
func (b BookSpread) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"spread":     b.Spread.StringFixed(DisplayPlaces),
		"percentage": b.Percentage.StringFixed(DisplayPlaces),
	})
}
