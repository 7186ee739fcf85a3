package orderbook

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/depthbook/internal/domain"
)

// DefaultIncrements is the canonical increment ladder offered to consumers.
var DefaultIncrements = []string{"0", "0.01", "0.05", "0.10", "0.50"}

// Increments is an ordered ladder of canonical aggregation increments. It
// always contains zero.
type Increments struct {
	canonical []decimal.Decimal
}

// ParseIncrements builds a ladder from decimal strings.
func ParseIncrements(values []string) (*Increments, error) {
	ds := make([]decimal.Decimal, 0, len(values))
	for _, v := range values {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("orderbook: parse increment %q: %w", v, domain.ErrInvalidIncrement)
		}
		ds = append(ds, d)
	}
	return NewIncrements(ds)
}

// NewIncrements sorts and de-duplicates values and adds zero when missing.
func NewIncrements(values []decimal.Decimal) (*Increments, error) {
	for _, v := range values {
		if v.IsNegative() {
			return nil, fmt.Errorf("orderbook: increment %s: %w", v, domain.ErrInvalidIncrement)
		}
	}
	return &Increments{canonical: sortedUnique(append([]decimal.Decimal{decimal.Zero}, values...))}, nil
}

// Canonical returns a copy of the ladder.
func (in *Increments) Canonical() []decimal.Decimal {
	return append([]decimal.Decimal(nil), in.canonical...)
}

// Max returns the largest canonical increment.
func (in *Increments) Max() decimal.Decimal {
	return in.canonical[len(in.canonical)-1]
}

// Validate rejects negative increments. Non-canonical values are accepted.
func (in *Increments) Validate(v decimal.Decimal) error {
	if v.IsNegative() {
		return fmt.Errorf("orderbook: increment %s: %w", v, domain.ErrInvalidIncrement)
	}
	return nil
}

// Options returns the canonical ladder plus active, sorted ascending with no
// duplicates.
func (in *Increments) Options(active decimal.Decimal) []decimal.Decimal {
	return sortedUnique(append(in.Canonical(), active))
}

// StepUp returns the next canonical value above current, clamped to Max.
func (in *Increments) StepUp(current decimal.Decimal) decimal.Decimal {
	for _, c := range in.canonical {
		if c.GreaterThan(current) {
			return c
		}
	}
	return in.Max()
}

// StepDown returns the next canonical value below current, clamped to zero.
func (in *Increments) StepDown(current decimal.Decimal) decimal.Decimal {
	for i := len(in.canonical) - 1; i >= 0; i-- {
		if in.canonical[i].LessThan(current) {
			return in.canonical[i]
		}
	}
	return decimal.Zero
}

func sortedUnique(values []decimal.Decimal) []decimal.Decimal {
	sort.Slice(values, func(i, j int) bool { return values[i].LessThan(values[j]) })
	out := values[:0]
	for i, v := range values {
		if i > 0 && v.Equal(out[len(out)-1]) {
			continue
		}
		out = append(out, v)
	}
	return out
}
