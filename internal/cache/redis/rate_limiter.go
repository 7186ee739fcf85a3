package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/depthbook/internal/domain"
)

// RateLimiter implements domain.RateLimiter with fixed windows: one counter
// per key and window start, expiring with the window.
type RateLimiter struct {
	c   *Client
	now func() time.Time
}

// NewRateLimiter creates a RateLimiter backed by the given Client.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{c: c, now: time.Now}
}

// Allow counts the request against key and reports whether it is within
// limit for the current window.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	ms := window.Milliseconds()
	if limit <= 0 || ms <= 0 {
		return true, nil
	}
	slot := rl.now().UnixMilli() / ms
	k := rl.c.key("ratelimit", key, strconv.FormatInt(slot, 10))

	pipe := rl.c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis: rate limit %s: %w", key, err)
	}
	return incr.Val() <= int64(limit), nil
}

// Compile-time interface check.
var _ domain.RateLimiter = (*RateLimiter)(nil)
