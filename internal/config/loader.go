package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies DEPTHBOOK_* environment variable overrides, and
// returns the final Config. An empty path uses defaults and environment
// only. The returned Config has NOT been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides overwrites Config fields whose DEPTHBOOK_* variable is
// set and non-empty.
func applyEnvOverrides(cfg *Config) {
	// ── Coinbase ──
	setStr(&cfg.Coinbase.WSURL, "DEPTHBOOK_COINBASE_WS_URL")
	setStr(&cfg.Coinbase.RESTURL, "DEPTHBOOK_COINBASE_REST_URL")
	setStringSlice(&cfg.Coinbase.Channels, "DEPTHBOOK_COINBASE_CHANNELS")
	setStr(&cfg.Coinbase.DefaultInstrument, "DEPTHBOOK_COINBASE_DEFAULT_INSTRUMENT")
	setDuration(&cfg.Coinbase.InstrumentTTL, "DEPTHBOOK_COINBASE_INSTRUMENT_TTL")

	// ── Feed ──
	setDuration(&cfg.Feed.ReconnectDelay, "DEPTHBOOK_FEED_RECONNECT_DELAY")
	setDuration(&cfg.Feed.MaxReconnectDelay, "DEPTHBOOK_FEED_MAX_RECONNECT_DELAY")
	setInt(&cfg.Feed.UnavailableAfter, "DEPTHBOOK_FEED_UNAVAILABLE_AFTER")
	setInt(&cfg.Feed.BufferSize, "DEPTHBOOK_FEED_BUFFER_SIZE")

	// ── Book ──
	setInt(&cfg.Book.Depth, "DEPTHBOOK_BOOK_DEPTH")
	setStringSlice(&cfg.Book.Increments, "DEPTHBOOK_BOOK_INCREMENTS")
	setStr(&cfg.Book.DefaultIncrement, "DEPTHBOOK_BOOK_DEFAULT_INCREMENT")
	setDuration(&cfg.Book.PublishInterval, "DEPTHBOOK_BOOK_PUBLISH_INTERVAL")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "DEPTHBOOK_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "DEPTHBOOK_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "DEPTHBOOK_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "DEPTHBOOK_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "DEPTHBOOK_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "DEPTHBOOK_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "DEPTHBOOK_REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.ViewTTL, "DEPTHBOOK_REDIS_VIEW_TTL")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "DEPTHBOOK_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "DEPTHBOOK_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "DEPTHBOOK_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "DEPTHBOOK_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "DEPTHBOOK_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "DEPTHBOOK_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "DEPTHBOOK_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "DEPTHBOOK_POSTGRES_SSL_MODE")
	setBool(&cfg.Postgres.RunMigrations, "DEPTHBOOK_POSTGRES_RUN_MIGRATIONS")
	setDuration(&cfg.Postgres.AuditRetention, "DEPTHBOOK_POSTGRES_AUDIT_RETENTION")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "DEPTHBOOK_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "DEPTHBOOK_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "DEPTHBOOK_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "DEPTHBOOK_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "DEPTHBOOK_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "DEPTHBOOK_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "DEPTHBOOK_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "DEPTHBOOK_NOTIFY_DISCORD_WEBHOOK_URL")
	setStr(&cfg.Notify.WebhookURL, "DEPTHBOOK_NOTIFY_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "DEPTHBOOK_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "DEPTHBOOK_MODE")
	setStr(&cfg.LogLevel, "DEPTHBOOK_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
