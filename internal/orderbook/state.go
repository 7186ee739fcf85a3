package orderbook

import (
	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/depthbook/internal/domain"
)

// BookState is an immutable snapshot of both sides. The zero value is an
// empty book.
type BookState struct {
	bids *btree.BTreeG[domain.PriceLevel]
	asks *btree.BTreeG[domain.PriceLevel]
}

func (b BookState) tree(side domain.Side) *btree.BTreeG[domain.PriceLevel] {
	if side == domain.SideAsk {
		return b.asks
	}
	return b.bids
}

// Len returns the number of levels on side.
func (b BookState) Len(side domain.Side) int {
	t := b.tree(side)
	if t == nil {
		return 0
	}
	return t.Len()
}

// Size returns the size stored at price, if any.
func (b BookState) Size(side domain.Side, price decimal.Decimal) (decimal.Decimal, bool) {
	t := b.tree(side)
	if t == nil {
		return decimal.Zero, false
	}
	lvl, ok := t.Get(domain.PriceLevel{Price: price})
	return lvl.Size, ok
}

// Best returns the highest bid or the lowest ask.
func (b BookState) Best(side domain.Side) (domain.PriceLevel, bool) {
	t := b.tree(side)
	if t == nil {
		return domain.PriceLevel{}, false
	}
	if side == domain.SideBid {
		return t.Max()
	}
	return t.Min()
}

// Walk visits the levels of side best-first (bids descending, asks
// ascending) until fn returns false.
func (b BookState) Walk(side domain.Side, fn func(domain.PriceLevel) bool) {
	t := b.tree(side)
	if t == nil {
		return
	}
	if side == domain.SideBid {
		t.Descend(fn)
		return
	}
	t.Ascend(fn)
}

// Levels returns the levels of side best-first.
func (b BookState) Levels(side domain.Side) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, b.Len(side))
	b.Walk(side, func(lvl domain.PriceLevel) bool {
		out = append(out, lvl)
		return true
	})
	return out
}

// TotalSize sums the sizes of every level on side.
func (b BookState) TotalSize(side domain.Side) decimal.Decimal {
	total := decimal.Zero
	b.Walk(side, func(lvl domain.PriceLevel) bool {
		total = total.Add(lvl.Size)
		return true
	})
	return total
}
