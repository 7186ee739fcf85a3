package domain

import (
	"context"
	"iter"
	"time"
)

// MessageKind discriminates decoded feed messages.
type MessageKind int

const (
	// KindSnapshot carries the initial full book for an instrument.
	KindSnapshot MessageKind = iota + 1
	// KindUpdate carries an incremental change list.
	KindUpdate
	// KindTicker carries best-of-book fields.
	KindTicker
	// KindError is a feed-reported error, passed through verbatim.
	KindError
	// KindSubscriptionAck confirms the active channel set.
	KindSubscriptionAck
	// KindReset is emitted by the connection after a reconnect. Consumers
	// must discard all derived state, exactly as for a fresh Open.
	KindReset
	// KindUnavailable is emitted when reconnecting keeps failing.
	KindUnavailable
)

var kindNames = map[MessageKind]string{
	KindSnapshot:        "snapshot",
	KindUpdate:          "update",
	KindTicker:          "ticker",
	KindError:           "error",
	KindSubscriptionAck: "subscriptions",
	KindReset:           "reset",
	KindUnavailable:     "unavailable",
}

func (k MessageKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Ticker holds the string-encoded fields of a ticker message.
type Ticker struct {
	BestBid     string
	BestAsk     string
	BestBidSize string
	BestAskSize string
	Volume24h   string
}

// FeedError is a server-reported error.
type FeedError struct {
	Message string
	Reason  string
}

// FeedMessage is a decoded inbound frame. Only the fields relevant to Kind
// are populated.
type FeedMessage struct {
	Kind       MessageKind
	Instrument string
	Time       time.Time

	// KindSnapshot
	Bids []Change
	Asks []Change
	// KindUpdate
	Changes []Change
	// KindTicker
	Ticker Ticker
	// KindError and KindUnavailable
	Error FeedError
}

// FeedSubscription is a handle on the message stream of one instrument.
// After Close returns, Messages yields nothing further.
type FeedSubscription interface {
	ID() string
	Instrument() string
	Messages() iter.Seq[FeedMessage]
	Close() error
}

// Feed opens subscriptions on a shared transport. Opening a new subscription
// closes the previous one first.
type Feed interface {
	Open(ctx context.Context, instrument string) (FeedSubscription, error)
}

// InstrumentSource lists tradable instrument identifiers.
type InstrumentSource interface {
	ListProductIDs(ctx context.Context) ([]string, error)
}
