package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/depthbook/internal/domain"
)

// InstrumentCache implements domain.InstrumentCache as a Redis list.
//
// Key schema:
//
//	instruments - list of instrument ids in sorted order
type InstrumentCache struct {
	c *Client
}

// NewInstrumentCache creates an InstrumentCache backed by the given Client.
func NewInstrumentCache(c *Client) *InstrumentCache {
	return &InstrumentCache{c: c}
}

// SetInstruments replaces the cached list. A zero ttl keeps it forever.
func (ic *InstrumentCache) SetInstruments(ctx context.Context, ids []string, ttl time.Duration) error {
	key := ic.c.key("instruments")

	pipe := ic.c.rdb.TxPipeline()
	pipe.Del(ctx, key)
	if len(ids) > 0 {
		vals := make([]interface{}, len(ids))
		for i, id := range ids {
			vals[i] = id
		}
		pipe.RPush(ctx, key, vals...)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set instruments: %w", err)
	}
	return nil
}

// GetInstruments returns the cached list; an empty slice means nothing is
// cached.
func (ic *InstrumentCache) GetInstruments(ctx context.Context) ([]string, error) {
	ids, err := ic.c.rdb.LRange(ctx, ic.c.key("instruments"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get instruments: %w", err)
	}
	return ids, nil
}

// Compile-time interface check.
var _ domain.InstrumentCache = (*InstrumentCache)(nil)
