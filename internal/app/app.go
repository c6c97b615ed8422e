// Package app provides the top-level application lifecycle for the tidebot
// connector core: it wires infrastructure, builds the exchange connector,
// restores persisted order state, and runs everything until shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kortella/tidebot/internal/booksync"
	"github.com/kortella/tidebot/internal/config"
	"github.com/kortella/tidebot/internal/connector"
)

// App is the root application object. It owns the configuration, logger, and
// a list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires dependencies, builds the configured exchange's connector, and
// blocks until the context is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("exchange", a.cfg.Exchange.Name),
		slog.Int("trading_pairs", len(a.cfg.Exchange.TradingPairs)),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	factory, err := connector.Lookup(a.cfg.Exchange.Name)
	if err != nil {
		return err
	}
	adapter, err := factory(a.cfg.Exchange, a.logger)
	if err != nil {
		return fmt.Errorf("app: build %s adapter: %w", a.cfg.Exchange.Name, err)
	}

	conn := connector.New(adapter, connector.Options{
		TradingPairs: a.cfg.Exchange.TradingPairs,
		Sync: booksync.Options{
			SaveBufferSize:   a.cfg.Book.SaveBufferSize,
			PastDiffWindow:   a.cfg.Book.PastDiffWindow,
			RetryInterval:    a.cfg.Book.RetryInterval(),
			SnapshotInterval: a.cfg.Book.SnapshotInterval(),
		},
		LostOrderCountLimit: a.cfg.Tracking.LostOrderCountLimit,
		PollInterval:        a.cfg.Polling.PollInterval(),
		MinOrderAge:         a.cfg.Polling.MinOrderAge(),
	}, a.logger)

	if deps.BookCache != nil {
		conn.WithBookCache(deps.BookCache)
	}
	if deps.RateLimiter != nil {
		conn.WithRateLimiter(deps.RateLimiter)
	}
	if deps.TrackingStore != nil {
		conn.WithTrackingStore(deps.TrackingStore)
		states, err := deps.TrackingStore.LoadAll(ctx)
		if err != nil {
			return fmt.Errorf("app: load tracking states: %w", err)
		}
		conn.RestoreTrackingStates(ctx, states)
		a.logger.Info("tracking states restored", slog.Int("count", len(states)))
	}

	return conn.Run(ctx)
}

// Close tears down all resources in reverse registration order. It is safe
// to call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
