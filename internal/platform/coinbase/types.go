// Package coinbase speaks the Coinbase Exchange market-data protocols: the
// level2/ticker WebSocket feed and the public products REST endpoint.
package coinbase

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/depthbook/internal/domain"
)

// Default channel set for a book subscription.
var DefaultChannels = []string{"level2_batch", "ticker"}

// --------------------------------------------------------------------------
// Outbound
// --------------------------------------------------------------------------

// Command is the JSON payload sent to subscribe or unsubscribe.
type Command struct {
	Type       string   `json:"type"` // "subscribe" or "unsubscribe"
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

// --------------------------------------------------------------------------
// Inbound
// --------------------------------------------------------------------------

type envelope struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
}

// SnapshotMessage is the full book sent right after subscribing to level2.
type SnapshotMessage struct {
	Type      string     `json:"type"`
	ProductID string     `json:"product_id"`
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
}

// L2UpdateMessage carries [side, price, size] changes.
type L2UpdateMessage struct {
	Type      string     `json:"type"`
	ProductID string     `json:"product_id"`
	Time      string     `json:"time"`
	Changes   [][]string `json:"changes"`
}

// TickerMessage carries best-of-book and rolling volume.
type TickerMessage struct {
	Type        string `json:"type"`
	ProductID   string `json:"product_id"`
	Time        string `json:"time"`
	BestBid     string `json:"best_bid"`
	BestAsk     string `json:"best_ask"`
	BestBidSize string `json:"best_bid_size"`
	BestAskSize string `json:"best_ask_size"`
	Volume24h   string `json:"volume_24h"`
}

// ErrorMessage is a server-reported error.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// SubscriptionsMessage acknowledges the active channel set.
type SubscriptionsMessage struct {
	Type     string `json:"type"`
	Channels []struct {
		Name       string   `json:"name"`
		ProductIDs []string `json:"product_ids"`
	} `json:"channels"`
}

// Product is one entry of GET /products.
type Product struct {
	ID            string `json:"id"`
	BaseCurrency  string `json:"base_currency"`
	QuoteCurrency string `json:"quote_currency"`
	Status        string `json:"status"`
}

// --------------------------------------------------------------------------
// Decoding
// --------------------------------------------------------------------------

// DecodeFrame turns one text frame into a domain message. It returns an error
// wrapping domain.ErrMalformedFrame when the frame is not valid JSON for its
// declared type and domain.ErrUnknownMessage for types the engine ignores
// (heartbeat, status, match, ...).
func DecodeFrame(raw []byte) (domain.FeedMessage, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return domain.FeedMessage{}, fmt.Errorf("coinbase: decode envelope: %w: %v", domain.ErrMalformedFrame, err)
	}

	switch env.Type {
	case "snapshot":
		var m SnapshotMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return malformed("snapshot", err)
		}
		return domain.FeedMessage{
			Kind:       domain.KindSnapshot,
			Instrument: m.ProductID,
			Bids:       pairsToChanges("buy", m.Bids),
			Asks:       pairsToChanges("sell", m.Asks),
		}, nil

	case "l2update", "update":
		var m L2UpdateMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return malformed("l2update", err)
		}
		return domain.FeedMessage{
			Kind:       domain.KindUpdate,
			Instrument: m.ProductID,
			Time:       parseTime(m.Time),
			Changes:    triplesToChanges(m.Changes),
		}, nil

	case "ticker":
		var m TickerMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return malformed("ticker", err)
		}
		return domain.FeedMessage{
			Kind:       domain.KindTicker,
			Instrument: m.ProductID,
			Time:       parseTime(m.Time),
			Ticker: domain.Ticker{
				BestBid:     m.BestBid,
				BestAsk:     m.BestAsk,
				BestBidSize: m.BestBidSize,
				BestAskSize: m.BestAskSize,
				Volume24h:   m.Volume24h,
			},
		}, nil

	case "error":
		var m ErrorMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return malformed("error", err)
		}
		return domain.FeedMessage{
			Kind:  domain.KindError,
			Error: domain.FeedError{Message: m.Message, Reason: m.Reason},
		}, nil

	case "subscriptions":
		var m SubscriptionsMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return malformed("subscriptions", err)
		}
		return domain.FeedMessage{Kind: domain.KindSubscriptionAck}, nil

	case "":
		return domain.FeedMessage{}, fmt.Errorf("coinbase: missing type: %w", domain.ErrMalformedFrame)

	default:
		return domain.FeedMessage{}, fmt.Errorf("coinbase: type %q: %w", env.Type, domain.ErrUnknownMessage)
	}
}

func malformed(kind string, err error) (domain.FeedMessage, error) {
	return domain.FeedMessage{}, fmt.Errorf("coinbase: decode %s: %w: %v", kind, domain.ErrMalformedFrame, err)
}

// triplesToChanges keeps short entries as empty fields so the store can skip
// them individually.
func triplesToChanges(rows [][]string) []domain.Change {
	out := make([]domain.Change, 0, len(rows))
	for _, r := range rows {
		var c domain.Change
		if len(r) == 3 {
			c = domain.Change{Side: r[0], Price: r[1], Size: r[2]}
		}
		out = append(out, c)
	}
	return out
}

func pairsToChanges(side string, rows [][]string) []domain.Change {
	out := make([]domain.Change, 0, len(rows))
	for _, r := range rows {
		c := domain.Change{Side: side}
		if len(r) >= 2 {
			c.Price, c.Size = r[0], r[1]
		}
		out = append(out, c)
	}
	return out
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
