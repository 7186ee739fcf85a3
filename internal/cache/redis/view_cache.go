package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/depthbook/internal/domain"
)

// ViewCache implements domain.BookCache. The full view is stored as JSON and
// the displayed depth is mirrored into sorted sets so other processes can
// range over it without decoding the view.
//
// Key schema:
//
//	view:{instrument}            - hash with fields "data" (JSON) and "ts"
//	view:{instrument}:bids       - sorted set of displayed bid prices (score = price)
//	view:{instrument}:asks       - sorted set of displayed ask prices (score = price)
//	view:{instrument}:bid:size   - hash mapping price -> size for bids
//	view:{instrument}:ask:size   - hash mapping price -> size for asks
type ViewCache struct {
	c   *Client
	ttl time.Duration
}

// NewViewCache creates a ViewCache. Keys expire after ttl without updates;
// a zero ttl keeps them forever.
func NewViewCache(c *Client, ttl time.Duration) *ViewCache {
	return &ViewCache{c: c, ttl: ttl}
}

func (vc *ViewCache) viewKey(inst string) string { return vc.c.key("view", inst) }
func (vc *ViewCache) sideKey(inst string, side domain.Side) string {
	return vc.c.key("view", inst, side.String()+"s")
}
func (vc *ViewCache) sizeKey(inst string, side domain.Side) string {
	return vc.c.key("view", inst, side.String(), "size")
}

func (vc *ViewCache) keys(inst string) []string {
	return []string{
		vc.viewKey(inst),
		vc.sideKey(inst, domain.SideBid),
		vc.sideKey(inst, domain.SideAsk),
		vc.sizeKey(inst, domain.SideBid),
		vc.sizeKey(inst, domain.SideAsk),
	}
}

// SetView atomically replaces the cached view for view.Instrument.
func (vc *ViewCache) SetView(ctx context.Context, view domain.BookView) error {
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("redis: marshal view %s: %w", view.Instrument, err)
	}

	inst := view.Instrument
	pipe := vc.c.rdb.TxPipeline()
	pipe.Del(ctx, vc.keys(inst)...)
	pipe.HSet(ctx, vc.viewKey(inst), "data", data, "ts", view.UpdatedAt.UnixNano())

	mirror := func(side domain.Side, rows []domain.DepthRow) {
		for _, r := range rows {
			price := r.Price.String()
			pipe.ZAdd(ctx, vc.sideKey(inst, side), redis.Z{Score: r.Price.InexactFloat64(), Member: price})
			pipe.HSet(ctx, vc.sizeKey(inst, side), price, r.Size.String())
		}
	}
	mirror(domain.SideBid, view.Bids)
	mirror(domain.SideAsk, view.Asks)

	if vc.ttl > 0 {
		for _, k := range vc.keys(inst) {
			pipe.Expire(ctx, k, vc.ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set view %s: %w", inst, err)
	}
	return nil
}

// GetView returns the cached view, or domain.ErrNotFound.
func (vc *ViewCache) GetView(ctx context.Context, instrument string) (domain.BookView, error) {
	data, err := vc.c.rdb.HGet(ctx, vc.viewKey(instrument), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.BookView{}, domain.ErrNotFound
		}
		return domain.BookView{}, fmt.Errorf("redis: get view %s: %w", instrument, err)
	}

	var view domain.BookView
	if err := json.Unmarshal(data, &view); err != nil {
		return domain.BookView{}, fmt.Errorf("redis: unmarshal view %s: %w", instrument, err)
	}
	return view, nil
}

// Clear removes every key for instrument.
func (vc *ViewCache) Clear(ctx context.Context, instrument string) error {
	if err := vc.c.rdb.Del(ctx, vc.keys(instrument)...).Err(); err != nil {
		return fmt.Errorf("redis: clear view %s: %w", instrument, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.BookCache = (*ViewCache)(nil)
