package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/depthbook/internal/domain"
)

// SelectionStore implements domain.SelectionStore as a single-row table.
type SelectionStore struct {
	pool *pgxpool.Pool
}

// NewSelectionStore creates a SelectionStore backed by the given pool.
func NewSelectionStore(pool *pgxpool.Pool) *SelectionStore {
	return &SelectionStore{pool: pool}
}

// Save upserts the selection.
func (s *SelectionStore) Save(ctx context.Context, sel domain.Selection) error {
	const query = `
		INSERT INTO selection (id, instrument, increment, updated_at)
		VALUES (1, $1, $2::numeric, NOW())
		ON CONFLICT (id) DO UPDATE
		SET instrument = EXCLUDED.instrument,
		    increment  = EXCLUDED.increment,
		    updated_at = EXCLUDED.updated_at`
	if _, err := s.pool.Exec(ctx, query, sel.Instrument, sel.Increment.String()); err != nil {
		return fmt.Errorf("postgres: save selection %s: %w", sel.Instrument, err)
	}
	return nil
}

// Last returns the saved selection or domain.ErrNotFound.
func (s *SelectionStore) Last(ctx context.Context) (domain.Selection, error) {
	var (
		sel domain.Selection
		inc string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT instrument, increment::text, updated_at FROM selection WHERE id = 1`,
	).Scan(&sel.Instrument, &inc, &sel.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Selection{}, domain.ErrNotFound
		}
		return domain.Selection{}, fmt.Errorf("postgres: load selection: %w", err)
	}

	sel.Increment, err = decimal.NewFromString(inc)
	if err != nil {
		return domain.Selection{}, fmt.Errorf("postgres: parse stored increment %q: %w", inc, err)
	}
	return sel, nil
}

// Compile-time interface check.
var _ domain.SelectionStore = (*SelectionStore)(nil)
