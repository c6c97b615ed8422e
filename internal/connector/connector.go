// Package connector assembles the order book synchronization engine, the
// order lifecycle tracker and the polling backstop into the surface that
// strategies consume. Everything exchange-specific arrives through an
// Adapter; the connector itself is exchange-agnostic.
package connector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/kortella/tidebot/internal/book"
	"github.com/kortella/tidebot/internal/booksync"
	"github.com/kortella/tidebot/internal/domain"
	"github.com/kortella/tidebot/internal/events"
	"github.com/kortella/tidebot/internal/feed"
	"github.com/kortella/tidebot/internal/orders"
	"github.com/kortella/tidebot/internal/polling"
)

// tickInterval drives the polling coordinator's clock when no external
// strategy clock is attached.
const tickInterval = time.Second

// Adapter bundles everything a specific exchange contributes: the REST
// client, the row normalization, and the WebSocket endpoints with their
// frame decoders.
type Adapter struct {
	Client    domain.ExchangeClient
	Snapshots domain.SnapshotFetcher
	Rows      domain.RowConverter

	BookWsURL     string
	SubscribeBook feed.SubscribeFunc
	DecodeBook    feed.DecodeBookFunc

	UserWsURL     string
	SubscribeUser feed.SubscribeFunc
	DecodeUser    feed.DecodeUserFunc
}

// Options carries the tunables threaded through to the engines.
type Options struct {
	TradingPairs        []string
	Sync                booksync.Options
	LostOrderCountLimit int
	PollInterval        time.Duration
	MinOrderAge         time.Duration
}

// Connector owns the per-exchange engine stack. One Connector exists per
// exchange account.
type Connector struct {
	adapter Adapter
	opts    Options

	sync        *booksync.Synchronizer
	tracker     *orders.Tracker
	coordinator *polling.Coordinator
	bus         *events.Bus
	logger      *slog.Logger
}

// New builds a Connector from an adapter. Optional infrastructure (book
// cache, rate limiter, tracking store) is attached via the WithX methods
// before Run.
func New(adapter Adapter, opts Options, logger *slog.Logger) *Connector {
	log := logger.With(slog.String("component", "connector"))
	bus := events.NewBus(logger)
	tracker := orders.NewTracker(bus, logger).
		WithLostOrderCountLimit(opts.LostOrderCountLimit)
	coordinator := polling.New(adapter.Client, tracker, logger).
		WithInterval(opts.PollInterval).
		WithMinOrderAge(opts.MinOrderAge)
	sync := booksync.New(adapter.Rows, logger, opts.Sync).
		WithSnapshotFetcher(adapter.Snapshots)

	return &Connector{
		adapter:     adapter,
		opts:        opts,
		sync:        sync,
		tracker:     tracker,
		coordinator: coordinator,
		bus:         bus,
		logger:      log,
	}
}

// WithBookCache publishes top-of-book updates to the given cache.
func (c *Connector) WithBookCache(cache domain.BookCache) *Connector {
	c.sync.WithBookCache(cache)
	return c
}

// WithRateLimiter gates the polling loop's REST calls.
func (c *Connector) WithRateLimiter(l domain.RateLimiter) *Connector {
	c.coordinator.WithRateLimiter(l)
	return c
}

// WithTrackingStore persists in-flight orders across restarts.
func (c *Connector) WithTrackingStore(store domain.TrackingStore) *Connector {
	c.tracker.WithStore(store)
	return c
}

// RestoreTrackingStates rehydrates non-terminal orders persisted by a prior
// run. Call before Run.
func (c *Connector) RestoreTrackingStates(ctx context.Context, states map[string][]byte) {
	c.tracker.RestoreTrackingStates(ctx, states)
}

// Run starts every engine goroutine and blocks until ctx is cancelled or a
// feed fails fatally.
func (c *Connector) Run(ctx context.Context) error {
	c.sync.Start(ctx)
	defer c.sync.Stop()
	for _, pair := range c.opts.TradingPairs {
		c.sync.TrackPair(pair)
	}

	g, gctx := errgroup.WithContext(ctx)

	if c.adapter.BookWsURL != "" {
		bookFeed := feed.NewBookFeed(c.adapter.BookWsURL, c.adapter.SubscribeBook, c.adapter.DecodeBook, c.sync, c.logger)
		g.Go(func() error { return bookFeed.Run(gctx) })
	}

	if c.adapter.UserWsURL != "" {
		userFeed := feed.NewUserFeed(
			c.adapter.UserWsURL,
			c.adapter.SubscribeUser,
			c.adapter.DecodeUser,
			func(ctx context.Context, u domain.OrderUpdate) { c.tracker.ProcessOrderUpdate(ctx, u) },
			func(ctx context.Context, t domain.TradeUpdate) { c.tracker.ProcessTradeUpdate(ctx, t) },
			nil,
			c.logger,
		)
		g.Go(func() error { return userFeed.Run(gctx) })
	}

	g.Go(func() error { return c.coordinator.Run(gctx) })
	g.Go(func() error { return c.tickLoop(gctx) })

	err := g.Wait()
	c.bus.Close()
	return err
}

// tickLoop stands in for the strategy clock, advancing the polling
// coordinator once per second.
func (c *Connector) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			c.coordinator.Tick(float64(now.UnixNano()) / 1e9)
		}
	}
}

// Buy submits a buy order and returns its client order ID immediately; the
// create request completes asynchronously.
func (c *Connector) Buy(ctx context.Context, tradingPair string, orderType domain.OrderType, price, amount decimal.Decimal) (string, error) {
	return c.createOrder(ctx, domain.OrderSideBuy, tradingPair, orderType, price, amount)
}

// Sell submits a sell order and returns its client order ID immediately.
func (c *Connector) Sell(ctx context.Context, tradingPair string, orderType domain.OrderType, price, amount decimal.Decimal) (string, error) {
	return c.createOrder(ctx, domain.OrderSideSell, tradingPair, orderType, price, amount)
}

func (c *Connector) createOrder(ctx context.Context, side domain.OrderSide, tradingPair string, orderType domain.OrderType, price, amount decimal.Decimal) (string, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return "", domain.ErrInvalidOrder
	}
	if rule, ok := c.coordinator.TradingRule(tradingPair); ok && amount.LessThan(rule.MinOrderSize) {
		return "", fmt.Errorf("amount below exchange minimum %s: %w", rule.MinOrderSize, domain.ErrInvalidOrder)
	}

	clientOrderID := domain.GenerateClientOrderID(side, tradingPair)
	now := float64(time.Now().UnixNano()) / 1e9
	order := orders.NewInFlightOrder(clientOrderID, tradingPair, side, orderType, price, amount, now)
	if err := c.tracker.StartTracking(ctx, order); err != nil {
		return "", err
	}

	// The create request runs off the caller's goroutine; its result lands
	// through the same update entry points as everything else.
	go func() {
		exchangeID, err := c.adapter.Client.SubmitOrder(context.Background(), tradingPair, side, orderType, price, amount, clientOrderID)
		ts := float64(time.Now().UnixNano()) / 1e9
		if err != nil {
			c.logger.Warn("order submission failed",
				slog.String("client_order_id", clientOrderID),
				slog.String("error", err.Error()),
			)
			c.tracker.ProcessOrderUpdate(context.Background(), domain.OrderUpdate{
				ClientOrderID:   clientOrderID,
				TradingPair:     tradingPair,
				NewState:        domain.OrderStateFailed,
				UpdateTimestamp: ts,
			})
			return
		}
		c.tracker.ProcessOrderUpdate(context.Background(), domain.OrderUpdate{
			ClientOrderID:   clientOrderID,
			ExchangeOrderID: exchangeID,
			TradingPair:     tradingPair,
			NewState:        domain.OrderStateOpen,
			UpdateTimestamp: ts,
		})
	}()

	return clientOrderID, nil
}

// Cancel requests cancellation of a tracked order. Confirmation arrives
// later through the update paths.
func (c *Connector) Cancel(ctx context.Context, clientOrderID string) error {
	order, ok := c.tracker.Fetch(clientOrderID)
	if !ok {
		return domain.ErrNotFound
	}
	if order.IsDone() {
		return nil
	}

	c.tracker.ProcessOrderUpdate(ctx, domain.OrderUpdate{
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: order.ExchangeOrderID(),
		TradingPair:     order.TradingPair(),
		NewState:        domain.OrderStatePendingCancel,
		UpdateTimestamp: float64(time.Now().UnixNano()) / 1e9,
	})

	if err := c.adapter.Client.CancelOrder(ctx, order.TradingPair(), clientOrderID, order.ExchangeOrderID()); err != nil {
		return fmt.Errorf("connector: cancel %s: %w", clientOrderID, err)
	}
	return nil
}

// OrderBook returns the live book of a tracked pair.
func (c *Connector) OrderBook(tradingPair string) (*book.OrderBook, error) {
	return c.sync.OrderBook(tradingPair)
}

// InFlightOrders returns a copy of the active order map.
func (c *Connector) InFlightOrders() map[string]*orders.InFlightOrder {
	return c.tracker.ActiveOrders()
}

// TrackingStates serializes the active orders for persistence.
func (c *Connector) TrackingStates() (map[string][]byte, error) {
	return c.tracker.TrackingStates()
}

// Events returns a subscription to order lifecycle events.
func (c *Connector) Events() <-chan domain.OrderEvent {
	return c.bus.Subscribe()
}

// Balances returns the last polled total balances.
func (c *Connector) Balances() map[string]decimal.Decimal {
	return c.coordinator.Balances()
}

// SyncStats exposes the synchronizer's event counters.
func (c *Connector) SyncStats() booksync.Stats {
	return c.sync.Stats()
}
