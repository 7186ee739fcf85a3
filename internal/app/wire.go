package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/depthbook/internal/cache/memory"
	"github.com/alanyoungcy/depthbook/internal/cache/redis"
	"github.com/alanyoungcy/depthbook/internal/config"
	"github.com/alanyoungcy/depthbook/internal/domain"
	"github.com/alanyoungcy/depthbook/internal/notify"
	"github.com/alanyoungcy/depthbook/internal/server/handler"
	"github.com/alanyoungcy/depthbook/internal/store/postgres"
)

// AuditPruner deletes audit entries older than a cutoff.
type AuditPruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Dependencies bundles the backends the run modes need. Optional backends
// are nil interfaces when disabled.
type Dependencies struct {
	// Postgres
	AuditStore     domain.AuditStore
	AuditPruner    AuditPruner
	SelectionStore domain.SelectionStore

	// Redis, or the in-process bus when Redis is disabled
	BookCache       domain.BookCache
	InstrumentCache domain.InstrumentCache
	RateLimiter     domain.RateLimiter
	SignalBus       domain.SignalBus

	// Notifications
	Notifier *notify.Notifier

	// Checks are the backend probes served by /api/health.
	Checks map[string]handler.Check
}

// Wire constructs the enabled backends and returns them together with a
// cleanup function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Checks: map[string]handler.Check{}}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		audit := postgres.NewAuditStore(pgClient.Pool())
		deps.AuditStore = audit
		deps.AuditPruner = audit
		deps.SelectionStore = postgres.NewSelectionStore(pgClient.Pool())
		deps.Checks["postgres"] = pgClient.Ping
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.BookCache = redis.NewViewCache(redisClient, cfg.Redis.ViewTTL.Duration)
		deps.InstrumentCache = redis.NewInstrumentCache(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Checks["redis"] = redisClient.Ping
	} else {
		logger.Info("wire: redis disabled, using in-process signal bus")
		deps.SignalBus = memory.NewBus()
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if cfg.Notify.WebhookURL != "" {
		senders = append(senders, notify.NewWebhookSender(cfg.Notify.WebhookURL, cfg.Notify.WebhookSlack))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.Cooldown.Duration, logger)

	return deps, cleanup, nil
}
