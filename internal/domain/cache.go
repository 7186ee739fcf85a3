package domain

import (
	"context"
	"time"
)

// BookCache stores the latest derived view per instrument so that readers
// outside this process can serve it.
type BookCache interface {
	SetView(ctx context.Context, view BookView) error
	GetView(ctx context.Context, instrument string) (BookView, error)
	Clear(ctx context.Context, instrument string) error
}

// InstrumentCache keeps the instrument list between REST fetches.
type InstrumentCache interface {
	SetInstruments(ctx context.Context, ids []string, ttl time.Duration) error
	GetInstruments(ctx context.Context) ([]string, error)
}

// SignalBus provides pub/sub for derived views.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// ViewChannel is the bus channel carrying serialized BookView updates.
const ViewChannel = "book:view"

// RateLimiter counts requests per key in a time window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
