package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/depthbook/internal/domain"
	"github.com/alanyoungcy/depthbook/internal/feed"
	"github.com/alanyoungcy/depthbook/internal/metrics"
	"github.com/alanyoungcy/depthbook/internal/orderbook"
	"github.com/alanyoungcy/depthbook/internal/platform/coinbase"
	"github.com/alanyoungcy/depthbook/internal/server"
	"github.com/alanyoungcy/depthbook/internal/server/handler"
	"github.com/alanyoungcy/depthbook/internal/server/ws"
	"github.com/alanyoungcy/depthbook/internal/service"
)

const (
	pruneInterval   = time.Hour
	shutdownTimeout = 10 * time.Second
)

// engine is everything both modes run.
type engine struct {
	feed        *feed.Connection
	book        *service.BookService
	instruments *service.InstrumentService
}

// HeadlessMode runs the feed and book engine and publishes derived views to
// the cache and signal bus without serving HTTP.
func (a *App) HeadlessMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting headless mode")

	g, ctx := errgroup.WithContext(ctx)
	if _, err := a.startEngine(ctx, g, deps); err != nil {
		return fmt.Errorf("headless mode: %w", err)
	}
	return g.Wait()
}

// FullMode runs the engine plus the HTTP API and websocket hub.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	eng, err := a.startEngine(ctx, g, deps)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, eng)
	}
	return g.Wait()
}

// startEngine builds the feed connection and services, restores the last
// selection and adds their loops to g.
func (a *App) startEngine(ctx context.Context, g *errgroup.Group, deps *Dependencies) (*engine, error) {
	increments, err := orderbook.ParseIncrements(a.cfg.Book.Increments)
	if err != nil {
		return nil, fmt.Errorf("book increments: %w", err)
	}
	defaultInc, err := decimal.NewFromString(a.cfg.Book.DefaultIncrement)
	if err != nil {
		return nil, fmt.Errorf("book default_increment: %w", err)
	}

	conn := feed.NewConnection(feed.Config{
		WSURL:             a.cfg.Coinbase.WSURL,
		Channels:          a.cfg.Coinbase.Channels,
		ReconnectDelay:    a.cfg.Feed.ReconnectDelay.Duration,
		MaxReconnectDelay: a.cfg.Feed.MaxReconnectDelay.Duration,
		UnavailableAfter:  a.cfg.Feed.UnavailableAfter,
		BufferSize:        a.cfg.Feed.BufferSize,
	}, a.logger)

	bookDeps := service.BookDeps{
		Cache: deps.BookCache,
		Bus:   deps.SignalBus,
		Audit: deps.AuditStore,
	}
	if deps.Notifier != nil && deps.Notifier.Enabled() {
		bookDeps.Alerts = deps.Notifier
	}
	book := service.NewBookService(conn, service.BookConfig{
		Depth:            a.cfg.Book.Depth,
		Increments:       increments,
		DefaultIncrement: defaultInc,
		PublishInterval:  a.cfg.Book.PublishInterval.Duration,
	}, bookDeps, a.logger)

	instruments := service.NewInstrumentService(
		coinbase.NewProductsClient(a.cfg.Coinbase.RESTURL),
		deps.InstrumentCache,
		a.cfg.Coinbase.InstrumentTTL.Duration,
		a.logger,
	)

	// Open may precede Run; the subscription is sent once connected.
	instrument, inc := a.initialSelection(ctx, deps.SelectionStore, defaultInc)
	if !inc.Equal(defaultInc) {
		if err := book.SetAggregationIncrement(inc); err != nil {
			a.logger.WarnContext(ctx, "saved increment rejected", slog.String("error", err.Error()))
		}
	}
	if err := book.SelectInstrument(ctx, instrument); err != nil {
		return nil, fmt.Errorf("select %s: %w", instrument, err)
	}

	g.Go(func() error {
		defer conn.Close()
		return conn.Run(ctx)
	})
	g.Go(func() error {
		return book.Run(ctx)
	})

	if ttl := a.cfg.Coinbase.InstrumentTTL.Duration; ttl > 0 {
		g.Go(func() error {
			a.refreshLoop(ctx, instruments, ttl)
			return nil
		})
	}
	if deps.AuditPruner != nil && a.cfg.Postgres.AuditRetention.Duration > 0 {
		g.Go(func() error {
			a.pruneLoop(ctx, deps.AuditPruner, a.cfg.Postgres.AuditRetention.Duration)
			return nil
		})
	}

	return &engine{feed: conn, book: book, instruments: instruments}, nil
}

// initialSelection returns the saved selection when there is one, otherwise
// the configured default instrument and increment.
func (a *App) initialSelection(ctx context.Context, store domain.SelectionStore, defaultInc decimal.Decimal) (string, decimal.Decimal) {
	instrument := strings.ToUpper(a.cfg.Coinbase.DefaultInstrument)
	if store == nil {
		return instrument, defaultInc
	}
	sel, err := store.Last(ctx)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return instrument, defaultInc
	case err != nil:
		a.logger.WarnContext(ctx, "load saved selection failed", slog.String("error", err.Error()))
		return instrument, defaultInc
	}
	a.logger.InfoContext(ctx, "restoring saved selection",
		slog.String("instrument", sel.Instrument),
		slog.String("increment", sel.Increment.String()),
	)
	return sel.Instrument, sel.Increment
}

// refreshLoop keeps the instrument cache warm.
func (a *App) refreshLoop(ctx context.Context, instruments *service.InstrumentService, every time.Duration) {
	instruments.Refresh(ctx)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			instruments.Refresh(ctx)
		}
	}
}

// pruneLoop deletes audit entries older than retention once an hour.
func (a *App) pruneLoop(ctx context.Context, pruner AuditPruner, retention time.Duration) {
	t := time.NewTicker(pruneInterval)
	defer t.Stop()
	for {
		n, err := pruner.Prune(ctx, time.Now().Add(-retention))
		if err != nil && ctx.Err() == nil {
			a.logger.WarnContext(ctx, "audit prune failed", slog.String("error", err.Error()))
		} else if n > 0 {
			a.logger.InfoContext(ctx, "audit log pruned", slog.Int64("deleted", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// startHTTPServer adds the websocket hub and HTTP server to g. The server is
// shut down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, eng *engine) {
	hub := ws.NewHub(deps.SignalBus, eng.book, nil, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health:      handler.NewHealthHandler(deps.Checks, a.logger),
		Status:      handler.NewStatusHandler(a.cfg.Mode, time.Now(), eng.feed, eng.book),
		Instruments: handler.NewInstrumentHandler(eng.instruments, eng.book, deps.SelectionStore, a.logger),
		Book:        handler.NewBookHandler(eng.book, a.logger),
		Aggregation: handler.NewAggregationHandler(eng.book, deps.SelectionStore, a.logger),
		Audit:       handler.NewAuditHandler(deps.AuditStore, a.logger),
		Metrics:     metrics.Handler(),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
