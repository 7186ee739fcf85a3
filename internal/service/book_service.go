package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/depthbook/internal/domain"
	"github.com/alanyoungcy/depthbook/internal/metrics"
	"github.com/alanyoungcy/depthbook/internal/orderbook"
	"github.com/alanyoungcy/depthbook/internal/topofbook"
)

// auditTimeout bounds side-effect writes made from the dispatch goroutine.
const auditTimeout = 5 * time.Second

// Alerter delivers operator notifications. notify.Notifier implements it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// BookConfig holds the book engine parameters.
type BookConfig struct {
	Depth            int
	Increments       *orderbook.Increments
	DefaultIncrement decimal.Decimal
	// PublishInterval is the minimum gap between two published views.
	PublishInterval time.Duration
}

// BookDeps are the optional collaborators of BookService. Any of them may be
// nil when the corresponding backend is disabled.
type BookDeps struct {
	Cache  domain.BookCache
	Bus    domain.SignalBus
	Audit  domain.AuditStore
	Alerts Alerter
}

// BookService is the engine behind the read API. It owns the order book
// store and the top-of-book tracker for the selected instrument and applies
// the feed's messages to them from a single dispatch goroutine per
// subscription.
type BookService struct {
	feed    domain.Feed
	store   *orderbook.Store
	tracker *topofbook.Tracker
	cfg     BookConfig
	deps    BookDeps
	logger  *slog.Logger

	// switchMu serializes instrument switches.
	switchMu sync.Mutex

	mu         sync.RWMutex
	instrument string
	increment  decimal.Decimal
	condition  *domain.Condition
	generation uint64
	sub        domain.FeedSubscription
	updatedAt  time.Time

	changed chan struct{}
}

// NewBookService creates a BookService. Nothing is subscribed until
// SelectInstrument is called.
func NewBookService(feed domain.Feed, cfg BookConfig, deps BookDeps, logger *slog.Logger) *BookService {
	if cfg.Depth <= 0 {
		cfg.Depth = orderbook.DefaultDepth
	}
	if cfg.Increments == nil {
		cfg.Increments, _ = orderbook.ParseIncrements(orderbook.DefaultIncrements)
	}
	if cfg.DefaultIncrement.IsNegative() {
		cfg.DefaultIncrement = decimal.Zero
	}
	return &BookService{
		feed:      feed,
		store:     orderbook.NewStore(),
		tracker:   topofbook.New(),
		cfg:       cfg,
		deps:      deps,
		logger:    logger,
		increment: cfg.DefaultIncrement,
		changed:   make(chan struct{}, 1),
	}
}

// --------------------------------------------------------------------------
// Mutators
// --------------------------------------------------------------------------

// SelectInstrument discards all state for the current instrument and opens
// a subscription for id. Messages still in flight for the previous
// subscription are never applied to the new state.
func (s *BookService) SelectInstrument(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("book_service: select: %w", domain.ErrUnknownInstrument)
	}

	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	s.mu.Lock()
	previous := s.instrument
	s.generation++
	gen := s.generation
	s.sub = nil
	s.instrument = id
	s.condition = nil
	s.store.Reset()
	s.tracker.Reset()
	s.updatedAt = time.Now().UTC()
	s.mu.Unlock()

	sub, err := s.feed.Open(ctx, id)
	if err != nil {
		return fmt.Errorf("book_service: select %s: %w", id, err)
	}

	s.mu.Lock()
	if s.generation == gen {
		s.sub = sub
	}
	s.mu.Unlock()

	go s.consume(gen, sub)

	s.logger.InfoContext(ctx, "book_service: instrument selected",
		slog.String("instrument", id),
		slog.String("previous", previous),
		slog.String("subscription", sub.ID()),
	)
	s.auditLog(domain.AuditInstrumentSwitch, map[string]any{
		"instrument": id,
		"previous":   previous,
	})
	s.notifyChanged()
	return nil
}

// SetAggregationIncrement changes the active increment. Negative values are
// rejected; values outside the canonical ladder are accepted and appear in
// AggregationOptions.
func (s *BookService) SetAggregationIncrement(v decimal.Decimal) error {
	if err := s.cfg.Increments.Validate(v); err != nil {
		return fmt.Errorf("book_service: %w", err)
	}
	s.mu.Lock()
	s.increment = v
	s.mu.Unlock()
	s.notifyChanged()
	return nil
}

// StepIncrement moves the active increment to the adjacent canonical value
// and returns the new value.
func (s *BookService) StepIncrement(up bool) decimal.Decimal {
	s.mu.Lock()
	if up {
		s.increment = s.cfg.Increments.StepUp(s.increment)
	} else {
		s.increment = s.cfg.Increments.StepDown(s.increment)
	}
	v := s.increment
	s.mu.Unlock()
	s.notifyChanged()
	return v
}

// --------------------------------------------------------------------------
// Read API
// --------------------------------------------------------------------------

// Instrument returns the selected instrument, or "" before the first
// selection.
func (s *BookService) Instrument() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.instrument
}

// CurrentAggregation returns the active increment.
func (s *BookService) CurrentAggregation() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.increment
}

// AggregationOptions returns the canonical increments plus the active one.
func (s *BookService) AggregationOptions() []decimal.Decimal {
	return s.cfg.Increments.Options(s.CurrentAggregation())
}

// CurrentBook returns the top rows of side at the active increment, highest
// price first, with cumulative sizes.
func (s *BookService) CurrentBook(side domain.Side) []domain.DepthRow {
	book := orderbook.Project(s.store.Snapshot(), s.CurrentAggregation())
	return orderbook.Depth(book, side, s.cfg.Depth)
}

// CurrentTopOfBook returns the ticker summary, if a valid ticker has been
// received for the selected instrument.
func (s *BookService) CurrentTopOfBook() (domain.TopOfBook, bool) {
	return s.tracker.Current()
}

// CurrentBookSpread returns the spread computed from the raw book.
func (s *BookService) CurrentBookSpread() (domain.BookSpread, bool) {
	return orderbook.Spread(s.store.Snapshot())
}

// CurrentError returns the displayed condition, or nil.
func (s *BookService) CurrentError() *domain.Condition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.condition == nil {
		return nil
	}
	c := *s.condition
	return &c
}

// View assembles every derived figure into one consistent value.
func (s *BookService) View() domain.BookView {
	s.mu.RLock()
	instrument := s.instrument
	inc := s.increment
	var cond *domain.Condition
	if s.condition != nil {
		c := *s.condition
		cond = &c
	}
	updatedAt := s.updatedAt
	s.mu.RUnlock()

	state := s.store.Snapshot()
	book := orderbook.Project(state, inc)
	view := domain.BookView{
		Instrument: instrument,
		Increment:  inc,
		Bids:       orderbook.Depth(book, domain.SideBid, s.cfg.Depth),
		Asks:       orderbook.Depth(book, domain.SideAsk, s.cfg.Depth),
		Condition:  cond,
		UpdatedAt:  updatedAt,
	}
	if sp, ok := orderbook.Spread(state); ok {
		view.Spread = &sp
	}
	if tob, ok := s.tracker.Current(); ok {
		view.TopOfBook = &tob
	}
	return view
}

// --------------------------------------------------------------------------
// Publishing
// --------------------------------------------------------------------------

// Run publishes views to the cache and signal bus whenever state changes,
// coalescing bursts, until ctx is cancelled. On exit it closes the active
// subscription.
func (s *BookService) Run(ctx context.Context) error {
	defer s.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.changed:
			s.publish(ctx)
			if s.cfg.PublishInterval > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(s.cfg.PublishInterval):
				}
			}
		}
	}
}

func (s *BookService) shutdown() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.generation++
	s.mu.Unlock()

	if sub != nil {
		if err := sub.Close(); err != nil {
			s.logger.Warn("book_service: close subscription failed", slog.String("error", err.Error()))
		}
	}
}

func (s *BookService) publish(ctx context.Context) {
	view := s.View()
	if view.Instrument == "" {
		return
	}

	metrics.BookLevels.WithLabelValues(domain.SideBid.String()).Set(float64(len(view.Bids)))
	metrics.BookLevels.WithLabelValues(domain.SideAsk.String()).Set(float64(len(view.Asks)))

	if s.deps.Cache != nil {
		if err := s.deps.Cache.SetView(ctx, view); err != nil {
			s.logger.WarnContext(ctx, "book_service: cache view failed",
				slog.String("instrument", view.Instrument),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.deps.Bus != nil {
		payload, err := json.Marshal(view)
		if err != nil {
			s.logger.ErrorContext(ctx, "book_service: marshal view", slog.String("error", err.Error()))
			return
		}
		if err := s.deps.Bus.Publish(ctx, domain.ViewChannel, payload); err != nil {
			s.logger.WarnContext(ctx, "book_service: publish view failed",
				slog.String("instrument", view.Instrument),
				slog.String("error", err.Error()),
			)
		}
	}
	metrics.ViewsPublishedTotal.Inc()
}

func (s *BookService) notifyChanged() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// --------------------------------------------------------------------------
// Dispatch
// --------------------------------------------------------------------------

func (s *BookService) consume(gen uint64, sub domain.FeedSubscription) {
	for msg := range sub.Messages() {
		if !s.handle(gen, msg) {
			return
		}
	}
}

// sideEffect is an audit entry and optional alert recorded while applying a
// message and emitted after the state lock is released.
type sideEffect struct {
	event  string
	detail map[string]any
	alert  string
}

// handle applies msg if gen is still current. It reports false once the
// subscription has been superseded.
func (s *BookService) handle(gen uint64, msg domain.FeedMessage) bool {
	var effect *sideEffect

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return false
	}
	now := time.Now().UTC()

	switch msg.Kind {
	case domain.KindSnapshot:
		applied, skipped := s.store.ApplySnapshot(msg.Bids, msg.Asks)
		s.clearConditionLocked(domain.ConditionFeed, domain.ConditionUnavailable, domain.ConditionValidation)
		s.logger.Debug("book_service: snapshot applied",
			slog.String("instrument", msg.Instrument),
			slog.Int("applied", applied),
			slog.Int("skipped", skipped),
		)

	case domain.KindUpdate:
		if _, skipped := s.store.ApplyUpdate(msg.Changes); skipped > 0 {
			s.logger.Debug("book_service: skipped malformed entries",
				slog.String("instrument", msg.Instrument),
				slog.Int("skipped", skipped),
			)
		}
		s.clearConditionLocked(domain.ConditionFeed, domain.ConditionUnavailable, domain.ConditionValidation)

	case domain.KindTicker:
		if err := s.tracker.ApplyTicker(msg.Ticker); err != nil {
			s.condition = &domain.Condition{
				Kind:    domain.ConditionValidation,
				Message: "Invalid ticker data",
				Reason:  err.Error(),
				Since:   now,
			}
			effect = &sideEffect{
				event:  domain.AuditInvalidTicker,
				detail: map[string]any{"instrument": s.instrument, "error": err.Error()},
			}
		} else {
			s.clearConditionLocked(domain.ConditionValidation)
		}

	case domain.KindError:
		s.condition = &domain.Condition{
			Kind:    domain.ConditionFeed,
			Message: msg.Error.Message,
			Reason:  msg.Error.Reason,
			Since:   now,
		}
		effect = &sideEffect{
			event:  domain.AuditFeedError,
			detail: map[string]any{"instrument": s.instrument, "message": msg.Error.Message, "reason": msg.Error.Reason},
		}

	case domain.KindReset:
		s.store.Reset()
		s.tracker.Reset()
		if s.condition != nil && s.condition.Kind == domain.ConditionUnavailable {
			effect = &sideEffect{
				event:  domain.AuditFeedRecovered,
				detail: map[string]any{"instrument": s.instrument},
				alert:  fmt.Sprintf("Feed for %s recovered", s.instrument),
			}
		}
		s.clearConditionLocked(domain.ConditionUnavailable)

	case domain.KindUnavailable:
		s.store.Reset()
		s.tracker.Reset()
		s.condition = &domain.Condition{
			Kind:    domain.ConditionUnavailable,
			Message: msg.Error.Message,
			Reason:  msg.Error.Reason,
			Since:   now,
		}
		effect = &sideEffect{
			event:  domain.AuditFeedUnavailable,
			detail: map[string]any{"instrument": s.instrument, "reason": msg.Error.Reason},
			alert:  s.condition.Text(),
		}

	case domain.KindSubscriptionAck:
		s.logger.Debug("book_service: subscription acknowledged", slog.String("instrument", s.instrument))
	}

	s.updatedAt = now
	s.mu.Unlock()

	if effect != nil {
		s.emit(effect)
	}
	s.notifyChanged()
	return true
}

func (s *BookService) clearConditionLocked(kinds ...domain.ConditionKind) {
	if s.condition == nil {
		return
	}
	for _, k := range kinds {
		if s.condition.Kind == k {
			s.condition = nil
			return
		}
	}
}

func (s *BookService) emit(e *sideEffect) {
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()

	s.logger.WarnContext(ctx, "book_service: condition raised",
		slog.String("event", e.event),
		slog.Any("detail", e.detail),
	)
	s.auditLogCtx(ctx, e.event, e.detail)

	if e.alert != "" && s.deps.Alerts != nil {
		if err := s.deps.Alerts.Notify(ctx, e.event, "depthbook: "+e.event, e.alert); err != nil {
			s.logger.WarnContext(ctx, "book_service: alert failed", slog.String("error", err.Error()))
		}
	}
}

func (s *BookService) auditLog(event string, detail map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	s.auditLogCtx(ctx, event, detail)
}

func (s *BookService) auditLogCtx(ctx context.Context, event string, detail map[string]any) {
	if s.deps.Audit == nil {
		return
	}
	if err := s.deps.Audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "book_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
