// Package orderbook maintains the raw L2 book for one instrument and derives
// the aggregated and top-N views from immutable snapshots of it.
package orderbook

import (
	"sync"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/depthbook/internal/domain"
	"github.com/alanyoungcy/depthbook/internal/metrics"
)

// btreeDegree is the fan-out of the per-side price-level trees.
const btreeDegree = 32

func lessByPrice(a, b domain.PriceLevel) bool {
	return a.Price.LessThan(b.Price)
}

func newSideTree() *btree.BTreeG[domain.PriceLevel] {
	return btree.NewG(btreeDegree, lessByPrice)
}

// Store holds the bid and ask sides of one instrument's book. Every level it
// stores has a strictly positive size.
type Store struct {
	mu   sync.Mutex
	bids *btree.BTreeG[domain.PriceLevel]
	asks *btree.BTreeG[domain.PriceLevel]
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		bids: newSideTree(),
		asks: newSideTree(),
	}
}

// ApplyUpdate applies changes in order. A zero size removes the level (a
// no-op when it is absent); any other size inserts or overwrites it. Entries
// with an unknown side, a non-positive or non-numeric price, or a negative or
// non-numeric size are skipped without affecting the rest of the batch.
func (s *Store) ApplyUpdate(changes []domain.Change) (applied, skipped int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range changes {
		side, ok := domain.ParseSide(c.Side)
		if !ok {
			skipped++
			continue
		}
		lvl, ok := parseLevel(c.Price, c.Size)
		if !ok {
			skipped++
			continue
		}
		s.applyLocked(side, lvl)
		applied++
	}
	if skipped > 0 {
		metrics.SkippedEntriesTotal.Add(float64(skipped))
	}
	return applied, skipped
}

// ApplySnapshot replaces the whole book with the given levels. The Side field
// of each change is ignored; bids and asks are taken from their slices.
func (s *Store) ApplySnapshot(bids, asks []domain.Change) (applied, skipped int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bids.Clear(false)
	s.asks.Clear(false)

	load := func(side domain.Side, entries []domain.Change) {
		for _, c := range entries {
			lvl, ok := parseLevel(c.Price, c.Size)
			if !ok {
				skipped++
				continue
			}
			s.applyLocked(side, lvl)
			applied++
		}
	}
	load(domain.SideBid, bids)
	load(domain.SideAsk, asks)

	if skipped > 0 {
		metrics.SkippedEntriesTotal.Add(float64(skipped))
	}
	return applied, skipped
}

// Reset clears both sides.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bids.Clear(false)
	s.asks.Clear(false)
}

// Snapshot returns a copy-on-write view of the current book. The returned
// state is never affected by later updates and is safe for concurrent reads.
func (s *Store) Snapshot() BookState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return BookState{
		bids: s.bids.Clone(),
		asks: s.asks.Clone(),
	}
}

func (s *Store) applyLocked(side domain.Side, lvl domain.PriceLevel) {
	tree := s.bids
	if side == domain.SideAsk {
		tree = s.asks
	}
	if lvl.Size.IsZero() {
		tree.Delete(lvl)
		return
	}
	tree.ReplaceOrInsert(lvl)
}

// parseLevel accepts a positive price and a non-negative size.
func parseLevel(price, size string) (domain.PriceLevel, bool) {
	p, err := decimal.NewFromString(price)
	if err != nil || !p.IsPositive() {
		return domain.PriceLevel{}, false
	}
	sz, err := decimal.NewFromString(size)
	if err != nil || sz.IsNegative() {
		return domain.PriceLevel{}, false
	}
	return domain.PriceLevel{Price: p, Size: sz}, true
}
