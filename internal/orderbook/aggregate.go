package orderbook

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/depthbook/internal/domain"
)

// BucketedBook is a projection of a BookState at one increment. Bids are
// ordered descending and asks ascending, best first on both sides.
type BucketedBook struct {
	Increment decimal.Decimal
	Bids      []domain.PriceLevel
	Asks      []domain.PriceLevel
}

// Side returns the levels of side.
func (b BucketedBook) Side(side domain.Side) []domain.PriceLevel {
	if side == domain.SideAsk {
		return b.Asks
	}
	return b.Bids
}

// Bucket floors price to a multiple of increment. A non-positive increment
// returns price unchanged.
func Bucket(price, increment decimal.Decimal) decimal.Decimal {
	if !increment.IsPositive() {
		return price
	}
	q, _ := price.QuoRem(increment, 0)
	return q.Mul(increment)
}

// Project groups every level of state into buckets of width increment and
// sums their sizes. An increment of zero is the identity projection. The
// state is read only, so Project is safe to call from many goroutines.
func Project(state BookState, increment decimal.Decimal) BucketedBook {
	return BucketedBook{
		Increment: increment,
		Bids:      projectSide(state, domain.SideBid, increment),
		Asks:      projectSide(state, domain.SideAsk, increment),
	}
}

func projectSide(state BookState, side domain.Side, increment decimal.Decimal) []domain.PriceLevel {
	if !increment.IsPositive() {
		return state.Levels(side)
	}

	// Flooring is monotonic and Walk is best-first, so equal buckets arrive
	// consecutively and the output stays sorted.
	var out []domain.PriceLevel
	state.Walk(side, func(lvl domain.PriceLevel) bool {
		b := Bucket(lvl.Price, increment)
		if n := len(out); n > 0 && out[n-1].Price.Equal(b) {
			out[n-1].Size = out[n-1].Size.Add(lvl.Size)
			return true
		}
		out = append(out, domain.PriceLevel{Price: b, Size: lvl.Size})
		return true
	})
	return out
}
