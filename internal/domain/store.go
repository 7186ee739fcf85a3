package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
	// Event restricts audit listings to one event name.
	Event string
}

// AuditEntry is one row of the engine's audit log.
type AuditEntry struct {
	ID         int64          `json:"id"`
	Event      string         `json:"event"`
	Instrument string         `json:"instrument,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// AuditStore persists engine conditions (feed errors, outages, switches).
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// Audit event names.
const (
	AuditInstrumentSwitch = "instrument_switch"
	AuditFeedError        = "feed_error"
	AuditInvalidTicker    = "invalid_ticker"
	AuditFeedUnavailable  = "feed_unavailable"
	AuditFeedRecovered    = "feed_recovered"
)

// Selection is the consumer's last instrument and increment choice.
type Selection struct {
	Instrument string
	Increment  decimal.Decimal
	UpdatedAt  time.Time
}

// SelectionStore remembers the last Selection across restarts.
type SelectionStore interface {
	Save(ctx context.Context, sel Selection) error
	// Last returns ErrNotFound when nothing has been saved yet.
	Last(ctx context.Context) (Selection, error)
}
