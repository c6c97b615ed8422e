// Package polling implements the REST backstop to the push update path:
// a fixed-interval loop that refreshes balances, trading rules and order
// status, feeding results through the same idempotent tracker entry points
// the push stream uses.
package polling

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kortella/tidebot/internal/domain"
	"github.com/kortella/tidebot/internal/orders"
)

const (
	defaultInterval      = 10 * time.Second
	defaultRulesInterval = 30 * time.Minute
	// defaultMinOrderAge keeps freshly created orders out of status polls
	// until the exchange has had time to register them.
	defaultMinOrderAge = 10 * time.Second
	// errorBackoff is the sleep after a failed poll cycle.
	errorBackoff = 5 * time.Second
)

// Coordinator periodically pulls account state over REST. Polls happen at
// most once per interval and only when a strategy tick has crossed an
// interval boundary since the last poll (the "dirty" gate), so idle
// deployments do not hammer the exchange.
type Coordinator struct {
	client  domain.ExchangeClient
	tracker *orders.Tracker
	limiter domain.RateLimiter // optional
	logger  *slog.Logger

	interval      time.Duration
	rulesInterval time.Duration
	minOrderAge   time.Duration

	dirty    chan struct{}
	tickMu   sync.Mutex
	lastTick float64

	mu        sync.RWMutex
	totals    map[string]decimal.Decimal
	available map[string]decimal.Decimal
	rules     map[string]domain.TradingRule
	lastRules time.Time
}

// New creates a Coordinator polling through client on the default intervals.
func New(client domain.ExchangeClient, tracker *orders.Tracker, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		client:        client,
		tracker:       tracker,
		logger:        logger.With(slog.String("component", "polling_coordinator")),
		interval:      defaultInterval,
		rulesInterval: defaultRulesInterval,
		minOrderAge:   defaultMinOrderAge,
		dirty:         make(chan struct{}, 1),
		totals:        make(map[string]decimal.Decimal),
		available:     make(map[string]decimal.Decimal),
		rules:         make(map[string]domain.TradingRule),
	}
}

// WithRateLimiter gates each REST route through the given limiter.
func (c *Coordinator) WithRateLimiter(l domain.RateLimiter) *Coordinator {
	c.limiter = l
	return c
}

// WithInterval overrides the poll interval.
func (c *Coordinator) WithInterval(d time.Duration) *Coordinator {
	if d > 0 {
		c.interval = d
	}
	return c
}

// WithMinOrderAge overrides how old an order must be before status polling
// includes it.
func (c *Coordinator) WithMinOrderAge(d time.Duration) *Coordinator {
	if d >= 0 {
		c.minOrderAge = d
	}
	return c
}

// Tick notifies the coordinator of strategy clock progress. The poll loop is
// woken only when the tick crosses an interval boundary, not on every tick.
func (c *Coordinator) Tick(timestamp float64) {
	c.tickMu.Lock()
	interval := c.interval.Seconds()
	crossed := math.Floor(timestamp/interval) > math.Floor(c.lastTick/interval)
	c.lastTick = timestamp
	c.tickMu.Unlock()
	if !crossed {
		return
	}
	select {
	case c.dirty <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled, executing one poll cycle per dirty
// signal. A failed cycle is logged and retried after a fixed backoff; the
// loop itself never exits on an error.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.dirty:
		}

		if err := c.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("poll cycle failed, backing off",
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(errorBackoff):
			}
		}
	}
}

func (c *Coordinator) poll(ctx context.Context) error {
	if err := c.updateBalances(ctx); err != nil {
		return err
	}
	if err := c.updateTradingRules(ctx); err != nil {
		return err
	}
	c.updateOrderStatus(ctx)
	c.tracker.Cleanup()
	return nil
}

func (c *Coordinator) allow(ctx context.Context, route string) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx, route)
}

func (c *Coordinator) updateBalances(ctx context.Context) error {
	if err := c.allow(ctx, "rest:balances"); err != nil {
		return err
	}
	balances, err := c.client.FetchBalances(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.totals = make(map[string]decimal.Decimal, len(balances))
	c.available = make(map[string]decimal.Decimal, len(balances))
	for _, b := range balances {
		c.totals[b.Asset] = b.Total
		c.available[b.Asset] = b.Available
	}
	c.mu.Unlock()
	return nil
}

// updateTradingRules refreshes sizing rules on a much longer cadence than the
// poll interval; rules rarely change.
func (c *Coordinator) updateTradingRules(ctx context.Context) error {
	c.mu.RLock()
	fresh := time.Since(c.lastRules) < c.rulesInterval
	c.mu.RUnlock()
	if fresh {
		return nil
	}
	if err := c.allow(ctx, "rest:trading_rules"); err != nil {
		return err
	}
	rules, err := c.client.FetchTradingRules(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.rules = make(map[string]domain.TradingRule, len(rules))
	for _, r := range rules {
		c.rules[r.TradingPair] = r
	}
	c.lastRules = time.Now()
	c.mu.Unlock()
	return nil
}

// updateOrderStatus polls every sufficiently old active order. Per-order
// failures are logged and skipped so one bad order cannot starve the rest of
// the cycle.
func (c *Coordinator) updateOrderStatus(ctx context.Context) {
	now := float64(time.Now().UnixNano()) / 1e9
	for id, order := range c.tracker.ActiveOrders() {
		if now-order.CreationTimestamp() < c.minOrderAge.Seconds() {
			continue
		}

		if err := c.allow(ctx, "rest:order_status"); err != nil {
			return
		}
		fills, err := c.client.FetchOrderFills(ctx, order.TradingPair(), id, order.ExchangeOrderID())
		if err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
			c.logger.Warn("fetch order fills failed",
				slog.String("client_order_id", id),
				slog.String("error", err.Error()),
			)
		}
		for _, fill := range fills {
			c.tracker.ProcessTradeUpdate(ctx, fill)
		}

		update, err := c.client.FetchOrderStatus(ctx, order.TradingPair(), id, order.ExchangeOrderID())
		switch {
		case errors.Is(err, domain.ErrOrderNotFound):
			if err := c.tracker.ProcessOrderNotFound(ctx, id); err != nil {
				c.logger.Debug("order not found for untracked order",
					slog.String("client_order_id", id),
				)
			}
		case err != nil:
			c.logger.Warn("fetch order status failed",
				slog.String("client_order_id", id),
				slog.String("error", err.Error()),
			)
		default:
			c.tracker.ProcessOrderUpdate(ctx, update)
		}
	}
}

// Balances returns a copy of the last fetched total balances.
func (c *Coordinator) Balances() map[string]decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(c.totals))
	for asset, amt := range c.totals {
		out[asset] = amt
	}
	return out
}

// AvailableBalance returns the last fetched available balance of one asset.
func (c *Coordinator) AvailableBalance(asset string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	amt, ok := c.available[asset]
	return amt, ok
}

// TradingRule returns the last fetched sizing rule for one pair.
func (c *Coordinator) TradingRule(tradingPair string) (domain.TradingRule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rule, ok := c.rules[tradingPair]
	return rule, ok
}
