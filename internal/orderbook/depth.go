package orderbook

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/depthbook/internal/domain"
)

// DefaultDepth is the number of rows shown per side.
const DefaultDepth = 20

// Depth returns the first n rows of side with a running cumulative size.
// Both sides are ordered by price descending before truncation, so each side
// keeps its n highest-priced levels. The cumulative total covers only the
// returned rows.
func Depth(book BucketedBook, side domain.Side, n int) []domain.DepthRow {
	levels := book.Side(side)
	if n > len(levels) {
		n = len(levels)
	}
	if n <= 0 {
		return []domain.DepthRow{}
	}
	rows := make([]domain.DepthRow, n)
	cum := decimal.Zero
	for i := 0; i < n; i++ {
		lvl := levels[i]
		if side == domain.SideAsk {
			// Asks are held ascending.
			lvl = levels[len(levels)-1-i]
		}
		cum = cum.Add(lvl.Size)
		rows[i] = domain.DepthRow{
			Price:      lvl.Price,
			Size:       lvl.Size,
			Cumulative: cum,
		}
	}
	return rows
}

var hundred = decimal.NewFromInt(100)

// Spread computes lowest ask minus highest bid from the raw book, with the
// percentage taken against the lowest ask. It reports false until both sides
// have at least one level.
func Spread(state BookState) (domain.BookSpread, bool) {
	bid, ok := state.Best(domain.SideBid)
	if !ok {
		return domain.BookSpread{}, false
	}
	ask, ok := state.Best(domain.SideAsk)
	if !ok {
		return domain.BookSpread{}, false
	}
	spread := ask.Price.Sub(bid.Price)
	return domain.BookSpread{
		Spread:     spread.Round(domain.DisplayPlaces),
		Percentage: spread.Div(ask.Price).Mul(hundred).Round(domain.DisplayPlaces),
	}, true
}
