package service

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/depthbook/internal/domain"
)

// InstrumentService lists the instruments a consumer may select. Listing
// never fails: any error from the source yields an empty list.
type InstrumentService struct {
	source domain.InstrumentSource
	cache  domain.InstrumentCache
	ttl    time.Duration
	logger *slog.Logger
}

// NewInstrumentService creates an InstrumentService. cache may be nil.
func NewInstrumentService(source domain.InstrumentSource, cache domain.InstrumentCache, ttl time.Duration, logger *slog.Logger) *InstrumentService {
	return &InstrumentService{
		source: source,
		cache:  cache,
		ttl:    ttl,
		logger: logger,
	}
}

// List returns instrument identifiers sorted lexicographically, served from
// the cache when it holds a list.
func (s *InstrumentService) List(ctx context.Context) []string {
	if s.cache != nil {
		ids, err := s.cache.GetInstruments(ctx)
		if err == nil && len(ids) > 0 {
			return ids
		}
	}
	return s.Refresh(ctx)
}

// Refresh bypasses the cache and fetches the list from the source.
func (s *InstrumentService) Refresh(ctx context.Context) []string {
	ids, err := s.source.ListProductIDs(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "instrument_service: list instruments failed",
			slog.String("error", err.Error()),
		)
		return []string{}
	}

	ids = append([]string(nil), ids...)
	sort.Strings(ids)

	if s.cache != nil && len(ids) > 0 {
		if err := s.cache.SetInstruments(ctx, ids, s.ttl); err != nil {
			s.logger.WarnContext(ctx, "instrument_service: cache instruments failed",
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.InfoContext(ctx, "instrument_service: refreshed instruments", slog.Int("count", len(ids)))
	return ids
}

// Known reports whether id may be selected. An empty list (the source is
// down) accepts every identifier.
func (s *InstrumentService) Known(ctx context.Context, id string) bool {
	ids := s.List(ctx)
	if len(ids) == 0 {
		return true
	}
	i := sort.SearchStrings(ids, id)
	return i < len(ids) && ids[i] == id
}
