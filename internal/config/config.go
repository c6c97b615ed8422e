// Package config defines the top-level configuration for the tidebot
// connector core and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by TIDEBOT_* environment
// variables.
type Config struct {
	Exchange Exchange `toml:"exchange"`
	Book     Book     `toml:"book"`
	Tracking Tracking `toml:"tracking"`
	Polling  Polling  `toml:"polling"`
	Postgres Postgres `toml:"postgres"`
	Redis    Redis    `toml:"redis"`
	LogLevel string   `toml:"log_level"`
}

// Exchange holds the endpoints and markets of the exchange being traded.
type Exchange struct {
	Name         string   `toml:"name"`
	RestURL      string   `toml:"rest_url"`
	BookWsURL    string   `toml:"book_ws_url"`
	UserWsURL    string   `toml:"user_ws_url"`
	ApiKey       string   `toml:"api_key"`
	ApiSecret    string   `toml:"api_secret"`
	TradingPairs []string `toml:"trading_pairs"`
}

// Book tunes the order book synchronization engine.
type Book struct {
	SaveBufferSize   int      `toml:"save_buffer_size"`
	PastDiffWindow   int      `toml:"past_diff_window"`
	RetrySeconds     float64  `toml:"retry_seconds"`
	SnapshotSeconds  float64  `toml:"snapshot_seconds"`
	PublishTopOfBook bool     `toml:"publish_top_of_book"`
}

// Tracking tunes the order lifecycle tracker.
type Tracking struct {
	LostOrderCountLimit int  `toml:"lost_order_count_limit"`
	Persist             bool `toml:"persist"`
}

// Polling tunes the REST polling backstop.
type Polling struct {
	IntervalSeconds    float64 `toml:"interval_seconds"`
	MinOrderAgeSeconds float64 `toml:"min_order_age_seconds"`
	RateLimited        bool    `toml:"rate_limited"`
}

// Postgres holds PostgreSQL connection parameters.
type Postgres struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// Redis holds Redis connection parameters.
type Redis struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// Defaults returns a Config with sensible defaults for everything that has
// one. Endpoints and credentials have no default.
func Defaults() Config {
	return Config{
		Book: Book{
			SaveBufferSize:  1000,
			PastDiffWindow:  32,
			RetrySeconds:    5,
			SnapshotSeconds: 3600,
		},
		Tracking: Tracking{
			LostOrderCountLimit: 3,
		},
		Polling: Polling{
			IntervalSeconds:    10,
			MinOrderAgeSeconds: 10,
		},
		Postgres: Postgres{
			Port:    5432,
			SSLMode: "disable",
		},
		Redis: Redis{
			Addr: "localhost:6379",
		},
		LogLevel: "info",
	}
}

// PollInterval returns the polling interval as a duration.
func (p Polling) PollInterval() time.Duration {
	return time.Duration(p.IntervalSeconds * float64(time.Second))
}

// MinOrderAge returns the minimum order age before status polls include it.
func (p Polling) MinOrderAge() time.Duration {
	return time.Duration(p.MinOrderAgeSeconds * float64(time.Second))
}

// RetryInterval returns the tracking loop retry sleep as a duration.
func (b Book) RetryInterval() time.Duration {
	return time.Duration(b.RetrySeconds * float64(time.Second))
}

// SnapshotInterval returns the snapshot poll cadence as a duration. Zero
// disables periodic snapshot polling.
func (b Book) SnapshotInterval() time.Duration {
	return time.Duration(b.SnapshotSeconds * float64(time.Second))
}

// Validate checks that the configuration is internally consistent and that
// every required field is set.
func (c *Config) Validate() error {
	var problems []string

	if c.Exchange.Name == "" {
		problems = append(problems, "exchange.name is required")
	}
	if c.Exchange.RestURL == "" {
		problems = append(problems, "exchange.rest_url is required")
	}
	if c.Exchange.BookWsURL == "" {
		problems = append(problems, "exchange.book_ws_url is required")
	}
	if len(c.Exchange.TradingPairs) == 0 {
		problems = append(problems, "exchange.trading_pairs must list at least one pair")
	}
	for _, pair := range c.Exchange.TradingPairs {
		if !strings.Contains(pair, "-") {
			problems = append(problems, fmt.Sprintf("trading pair %q is not BASE-QUOTE formatted", pair))
		}
	}
	if c.Book.SaveBufferSize < 0 {
		problems = append(problems, "book.save_buffer_size must not be negative")
	}
	if c.Polling.IntervalSeconds <= 0 {
		problems = append(problems, "polling.interval_seconds must be positive")
	}
	if c.Tracking.LostOrderCountLimit <= 0 {
		problems = append(problems, "tracking.lost_order_count_limit must be positive")
	}
	if c.Tracking.Persist && c.Postgres.DSN == "" && c.Postgres.Host == "" {
		problems = append(problems, "tracking.persist requires postgres connection parameters")
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("unknown log_level %q", c.LogLevel))
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}
