package polling

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kortella/tidebot/internal/domain"
	"github.com/kortella/tidebot/internal/events"
	"github.com/kortella/tidebot/internal/orders"
)

// fakeClient scripts the REST surface and counts calls per route.
type fakeClient struct {
	mu sync.Mutex

	balances []domain.BalanceUpdate
	rules    []domain.TradingRule
	status   map[string]domain.OrderUpdate // keyed by client order ID
	fills    map[string][]domain.TradeUpdate
	notFound map[string]bool

	balanceCalls atomic.Int64
	rulesCalls   atomic.Int64
	statusCalls  atomic.Int64
}

func (f *fakeClient) SubmitOrder(context.Context, string, domain.OrderSide, domain.OrderType, decimal.Decimal, decimal.Decimal, string) (string, error) {
	return "", nil
}

func (f *fakeClient) CancelOrder(context.Context, string, string, string) error { return nil }

func (f *fakeClient) FetchOrderStatus(_ context.Context, _, clientOrderID, _ string) (domain.OrderUpdate, error) {
	f.statusCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notFound[clientOrderID] {
		return domain.OrderUpdate{}, domain.ErrOrderNotFound
	}
	return f.status[clientOrderID], nil
}

func (f *fakeClient) FetchOrderFills(_ context.Context, _, clientOrderID, _ string) ([]domain.TradeUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fills[clientOrderID], nil
}

func (f *fakeClient) FetchBalances(context.Context) ([]domain.BalanceUpdate, error) {
	f.balanceCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances, nil
}

func (f *fakeClient) FetchTradingRules(context.Context) ([]domain.TradingRule, error) {
	f.rulesCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rules, nil
}

var _ domain.ExchangeClient = (*fakeClient)(nil)

func newTestCoordinator(t *testing.T, client *fakeClient) (*Coordinator, *orders.Tracker) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus(logger)
	t.Cleanup(bus.Close)
	tracker := orders.NewTracker(bus, logger)
	return New(client, tracker, logger).WithMinOrderAge(0), tracker
}

func trackedOrder(t *testing.T, tracker *orders.Tracker, clientOrderID string) *orders.InFlightOrder {
	t.Helper()
	order := orders.NewInFlightOrder(clientOrderID, "BTC-USDT",
		domain.OrderSideBuy, domain.OrderTypeLimit,
		decimal.RequireFromString("100"), decimal.RequireFromString("10"),
		float64(time.Now().Add(-time.Minute).UnixNano())/1e9)
	require.NoError(t, tracker.StartTracking(context.Background(), order))
	return order
}

func TestTickWakesOnlyOnIntervalBoundary(t *testing.T) {
	c, _ := newTestCoordinator(t, &fakeClient{})
	c.WithInterval(10 * time.Second)

	c.Tick(101) // establish last tick
	drainDirty(c)

	c.Tick(103) // same 10s bucket
	c.Tick(109)
	assert.False(t, dirtySignalled(c), "ticks inside one interval must not wake the poller")

	c.Tick(110.5) // crosses the boundary
	assert.True(t, dirtySignalled(c))
}

func drainDirty(c *Coordinator) {
	select {
	case <-c.dirty:
	default:
	}
}

func dirtySignalled(c *Coordinator) bool {
	select {
	case <-c.dirty:
		return true
	default:
		return false
	}
}

func TestPollCycleRefreshesAccountState(t *testing.T) {
	client := &fakeClient{
		balances: []domain.BalanceUpdate{
			{Asset: "BTC", Total: decimal.RequireFromString("2"), Available: decimal.RequireFromString("1.5")},
		},
		rules: []domain.TradingRule{
			{TradingPair: "BTC-USDT", MinOrderSize: decimal.RequireFromString("0.001")},
		},
	}
	c, _ := newTestCoordinator(t, client)

	require.NoError(t, c.poll(context.Background()))

	total, ok := c.Balances()["BTC"]
	require.True(t, ok)
	assert.Equal(t, "2", total.String())
	avail, ok := c.AvailableBalance("BTC")
	require.True(t, ok)
	assert.Equal(t, "1.5", avail.String())
	rule, ok := c.TradingRule("BTC-USDT")
	require.True(t, ok)
	assert.Equal(t, "0.001", rule.MinOrderSize.String())
}

func TestTradingRulesFetchedOnLongCadence(t *testing.T) {
	client := &fakeClient{}
	c, _ := newTestCoordinator(t, client)

	require.NoError(t, c.poll(context.Background()))
	require.NoError(t, c.poll(context.Background()))

	assert.Equal(t, int64(2), client.balanceCalls.Load())
	assert.Equal(t, int64(1), client.rulesCalls.Load(), "rules are fresh for 30 minutes after a fetch")
}

func TestPolledStatusAndFillsFlowIntoTracker(t *testing.T) {
	client := &fakeClient{
		status: map[string]domain.OrderUpdate{},
		fills:  map[string][]domain.TradeUpdate{},
	}
	c, tracker := newTestCoordinator(t, client)
	order := trackedOrder(t, tracker, "poll-1")

	client.mu.Lock()
	client.status["poll-1"] = domain.OrderUpdate{
		ClientOrderID:   "poll-1",
		ExchangeOrderID: "EX-1",
		NewState:        domain.OrderStateOpen,
		UpdateTimestamp: 2000,
	}
	client.fills["poll-1"] = []domain.TradeUpdate{{
		TradeID:        "t1",
		ClientOrderID:  "poll-1",
		FillPrice:      decimal.RequireFromString("100"),
		FillBaseAmount: decimal.RequireFromString("4"),
		FillTimestamp:  2001,
	}}
	client.mu.Unlock()

	require.NoError(t, c.poll(context.Background()))

	assert.Equal(t, "EX-1", order.ExchangeOrderID())
	assert.Equal(t, "4", order.FilledBaseAmount().String())
	assert.Equal(t, domain.OrderStatePartialFill, order.State())

	// Polling again replays the same fill; the dedup keeps it a no-op.
	require.NoError(t, c.poll(context.Background()))
	assert.Equal(t, "4", order.FilledBaseAmount().String())
}

func TestRepeatedNotFoundFailsOrder(t *testing.T) {
	client := &fakeClient{notFound: map[string]bool{"lost-1": true}}
	c, tracker := newTestCoordinator(t, client)
	order := trackedOrder(t, tracker, "lost-1")

	ctx := context.Background()
	require.NoError(t, c.poll(ctx))
	require.NoError(t, c.poll(ctx))
	assert.Len(t, tracker.ActiveOrders(), 1, "two misses are within the debounce limit")

	require.NoError(t, c.poll(ctx))
	assert.True(t, order.IsFailure())
	assert.Empty(t, tracker.ActiveOrders())
}

func TestFreshOrdersSkippedByStatusPoll(t *testing.T) {
	client := &fakeClient{notFound: map[string]bool{"fresh-1": true}}
	c, tracker := newTestCoordinator(t, client)
	c.WithMinOrderAge(time.Hour)

	order := orders.NewInFlightOrder("fresh-1", "BTC-USDT",
		domain.OrderSideBuy, domain.OrderTypeLimit,
		decimal.RequireFromString("100"), decimal.RequireFromString("10"),
		float64(time.Now().UnixNano())/1e9)
	require.NoError(t, tracker.StartTracking(context.Background(), order))

	require.NoError(t, c.poll(context.Background()))

	assert.Equal(t, int64(0), client.statusCalls.Load())
	assert.Len(t, tracker.ActiveOrders(), 1)
}

func TestRunExecutesPollOnDirtySignal(t *testing.T) {
	client := &fakeClient{}
	c, _ := newTestCoordinator(t, client)
	c.WithInterval(10 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	c.Tick(9)
	c.Tick(11)

	assert.Eventually(t, func() bool {
		return client.balanceCalls.Load() == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
}
