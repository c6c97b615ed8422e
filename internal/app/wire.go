package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kortella/tidebot/internal/cache/redis"
	"github.com/kortella/tidebot/internal/config"
	"github.com/kortella/tidebot/internal/domain"
	"github.com/kortella/tidebot/internal/store/postgres"
)

// Dependencies bundles the optional infrastructure behind the connector
// core. Nil fields disable the corresponding feature.
type Dependencies struct {
	BookCache     domain.BookCache
	RateLimiter   domain.RateLimiter
	TrackingStore domain.TrackingStore
}

// Wire constructs concrete infrastructure implementations from the given
// configuration and returns them together with a cleanup function to call on
// shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	deps := &Dependencies{}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Book.PublishTopOfBook || cfg.Polling.RateLimited {
		client, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("app: connect redis: %w", err)
		}
		closers = append(closers, func() { _ = client.Close() })
		if cfg.Book.PublishTopOfBook {
			deps.BookCache = redis.NewBookCache(client)
		}
		if cfg.Polling.RateLimited {
			deps.RateLimiter = redis.NewRateLimiter(client)
		}
		logger.Info("redis connected", slog.String("addr", cfg.Redis.Addr))
	}

	if cfg.Tracking.Persist {
		client, err := postgres.New(ctx, postgres.ClientConfig{
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
			return nil, nil, fmt.Errorf("app: connect postgres: %w", err)
		}
		closers = append(closers, client.Close)
		if cfg.Postgres.RunMigrations {
			if err := client.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("app: run migrations: %w", err)
			}
		}
		deps.TrackingStore = postgres.NewTrackingStore(client.Pool())
		logger.Info("postgres connected")
	}

	return deps, cleanup, nil
}
