// Package config defines the depthbook configuration and its validation.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by DEPTHBOOK_* environment variables.
type Config struct {
	Coinbase CoinbaseConfig `toml:"coinbase"`
	Feed     FeedConfig     `toml:"feed"`
	Book     BookConfig     `toml:"book"`
	Redis    RedisConfig    `toml:"redis"`
	Postgres PostgresConfig `toml:"postgres"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// CoinbaseConfig holds the exchange endpoints.
type CoinbaseConfig struct {
	WSURL             string   `toml:"ws_url"`
	RESTURL           string   `toml:"rest_url"`
	Channels          []string `toml:"channels"`
	DefaultInstrument string   `toml:"default_instrument"`
	// InstrumentTTL is how long the product list is cached.
	InstrumentTTL duration `toml:"instrument_ttl"`
}

// FeedConfig tunes the reconnecting transport.
type FeedConfig struct {
	ReconnectDelay    duration `toml:"reconnect_delay"`
	MaxReconnectDelay duration `toml:"max_reconnect_delay"`
	// UnavailableAfter is the number of consecutive failed dials before the
	// feed reports itself unavailable.
	UnavailableAfter int `toml:"unavailable_after"`
	BufferSize       int `toml:"buffer_size"`
}

// BookConfig holds the depth table and aggregation settings.
type BookConfig struct {
	Depth            int      `toml:"depth"`
	Increments       []string `toml:"increments"`
	DefaultIncrement string   `toml:"default_increment"`
	PublishInterval  duration `toml:"publish_interval"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	KeyPrefix  string   `toml:"key_prefix"`
	ViewTTL    duration `toml:"view_ttl"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled        bool     `toml:"enabled"`
	DSN            string   `toml:"dsn"`
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	Database       string   `toml:"database"`
	User           string   `toml:"user"`
	Password       string   `toml:"password"`
	SSLMode        string   `toml:"ssl_mode"`
	PoolMaxConns   int      `toml:"pool_max_conns"`
	PoolMinConns   int      `toml:"pool_min_conns"`
	RunMigrations  bool     `toml:"run_migrations"`
	AuditRetention duration `toml:"audit_retention"`
}

// ServerConfig holds HTTP/WebSocket server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds alert channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	WebhookURL        string   `toml:"webhook_url"`
	WebhookSlack      bool     `toml:"webhook_slack"`
	Events            []string `toml:"events"`
	Cooldown          duration `toml:"cooldown"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Coinbase: CoinbaseConfig{
			WSURL:             "wss://ws-feed.exchange.coinbase.com",
			RESTURL:           "https://api.exchange.coinbase.com",
			Channels:          []string{"level2_batch", "ticker"},
			DefaultInstrument: "BTC-USD",
			InstrumentTTL:     duration{time.Hour},
		},
		Feed: FeedConfig{
			ReconnectDelay:    duration{2 * time.Second},
			MaxReconnectDelay: duration{time.Minute},
			UnavailableAfter:  5,
			BufferSize:        256,
		},
		Book: BookConfig{
			Depth:            20,
			Increments:       []string{"0", "0.01", "0.05", "0.10", "0.50"},
			DefaultIncrement: "0",
			PublishInterval:  duration{100 * time.Millisecond},
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			PoolSize:   10,
			MaxRetries: 3,
			KeyPrefix:  "depthbook",
			ViewTTL:    duration{5 * time.Minute},
		},
		Postgres: PostgresConfig{
			Enabled:        false,
			Host:           "localhost",
			Port:           5432,
			Database:       "depthbook",
			User:           "postgres",
			SSLMode:        "disable",
			PoolMaxConns:   4,
			PoolMinConns:   1,
			RunMigrations:  true,
			AuditRetention: duration{30 * 24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   30,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events:   []string{"feed_unavailable"},
			Cooldown: duration{10 * time.Minute},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// Run modes.
const (
	// ModeFull runs the engine with the HTTP and websocket API.
	ModeFull = "full"
	// ModeHeadless runs the engine and publishes views to the cache and bus
	// only.
	ModeHeadless = "headless"
)

var validModes = map[string]bool{
	ModeFull:     true,
	ModeHeadless: true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: full, headless)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	// Coinbase
	if u, err := url.Parse(c.Coinbase.WSURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		add("coinbase: ws_url must be a ws:// or wss:// URL, got %q", c.Coinbase.WSURL)
	}
	if u, err := url.Parse(c.Coinbase.RESTURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		add("coinbase: rest_url must be an http(s) URL, got %q", c.Coinbase.RESTURL)
	}
	if len(c.Coinbase.Channels) == 0 {
		add("coinbase: channels must not be empty")
	}

	// Feed
	if c.Feed.ReconnectDelay.Duration <= 0 {
		add("feed: reconnect_delay must be > 0")
	}
	if c.Feed.MaxReconnectDelay.Duration < c.Feed.ReconnectDelay.Duration {
		add("feed: max_reconnect_delay must be >= reconnect_delay")
	}
	if c.Feed.UnavailableAfter < 1 {
		add("feed: unavailable_after must be >= 1")
	}
	if c.Feed.BufferSize < 1 {
		add("feed: buffer_size must be >= 1")
	}

	// Book
	if c.Book.Depth < 1 {
		add("book: depth must be >= 1")
	}
	for _, s := range c.Book.Increments {
		if d, err := decimal.NewFromString(s); err != nil || d.IsNegative() {
			add("book: increment %q must be a non-negative decimal", s)
		}
	}
	if d, err := decimal.NewFromString(c.Book.DefaultIncrement); err != nil || d.IsNegative() {
		add("book: default_increment %q must be a non-negative decimal", c.Book.DefaultIncrement)
	}
	if c.Book.PublishInterval.Duration < 0 {
		add("book: publish_interval must be >= 0")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
			if c.Postgres.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Server
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		add("server: port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
		add("server: rate_window must be > 0 when rate_limit is set")
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		add("notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
