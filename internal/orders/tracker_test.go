package orders

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kortella/tidebot/internal/domain"
	"github.com/kortella/tidebot/internal/events"
)

func newTestTracker(t *testing.T) (*Tracker, <-chan domain.OrderEvent) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus(logger)
	t.Cleanup(bus.Close)
	return NewTracker(bus, logger), bus.Subscribe()
}

// drainEvents returns every event currently buffered on the channel.
func drainEvents(ch <-chan domain.OrderEvent) []domain.OrderEvent {
	var out []domain.OrderEvent
	for {
		select {
		case evt := <-ch:
			out = append(out, evt)
		default:
			return out
		}
	}
}

func countKind(evts []domain.OrderEvent, kind domain.EventKind) int {
	n := 0
	for _, e := range evts {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func TestStartTrackingRejectsDuplicate(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.StartTracking(ctx, newTestOrder("10")))
	err := tr.StartTracking(ctx, newTestOrder("10"))
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestOrderUpdateAttachesExchangeID(t *testing.T) {
	tr, evts := newTestTracker(t)
	ctx := context.Background()
	order := newTestOrder("10")
	require.NoError(t, tr.StartTracking(ctx, order))

	tr.ProcessOrderUpdate(ctx, domain.OrderUpdate{
		ClientOrderID:   order.ClientOrderID(),
		ExchangeOrderID: "EX-1",
		NewState:        domain.OrderStateOpen,
		UpdateTimestamp: 1001,
	})

	assert.Equal(t, "EX-1", order.ExchangeOrderID())
	got := drainEvents(evts)
	require.Len(t, got, 1)
	assert.Equal(t, domain.EventOrderCreated, got[0].Kind)
	assert.Equal(t, "EX-1", got[0].ExchangeOrderID)
}

func TestUpdateForUnknownOrderIsDropped(t *testing.T) {
	tr, evts := newTestTracker(t)
	ctx := context.Background()

	tr.ProcessOrderUpdate(ctx, domain.OrderUpdate{ClientOrderID: "nope", NewState: domain.OrderStateOpen})
	tr.ProcessTradeUpdate(ctx, domain.TradeUpdate{ClientOrderID: "nope", TradeID: "x"})

	assert.Empty(t, drainEvents(evts))
	assert.Empty(t, tr.ActiveOrders())
}

// The same fill arriving over the push stream and the polling loop must
// produce exactly one fill event and exactly one completion event.
func TestTradeDedupAcrossUpdateSources(t *testing.T) {
	tr, evts := newTestTracker(t)
	ctx := context.Background()
	order := newTestOrder("10")
	require.NoError(t, tr.StartTracking(ctx, order))

	tr.ProcessTradeUpdate(ctx, trade("a", "6")) // push stream
	tr.ProcessTradeUpdate(ctx, trade("a", "6")) // polled fills, same trade
	tr.ProcessTradeUpdate(ctx, trade("b", "4"))

	assert.Equal(t, "10", order.FilledBaseAmount().String())
	assert.True(t, order.IsFilled())

	got := drainEvents(evts)
	assert.Equal(t, 2, countKind(got, domain.EventOrderFilled))
	assert.Equal(t, 1, countKind(got, domain.EventOrderCompleted))
}

func TestCompletedOrderLeavesActiveSetButStaysFetchable(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()
	order := newTestOrder("10")
	require.NoError(t, tr.StartTracking(ctx, order))

	tr.ProcessTradeUpdate(ctx, trade("a", "10"))

	assert.Empty(t, tr.ActiveOrders())
	cached, ok := tr.Fetch(order.ClientOrderID())
	require.True(t, ok)
	assert.True(t, cached.IsFilled())

	// A trailing duplicate against the cached order is still a no-op.
	tr.ProcessTradeUpdate(ctx, trade("a", "10"))
	assert.Equal(t, "10", cached.FilledBaseAmount().String())
}

func TestStatusFilledAfterFillCompletionIsSingleEvent(t *testing.T) {
	tr, evts := newTestTracker(t)
	ctx := context.Background()
	order := newTestOrder("10")
	require.NoError(t, tr.StartTracking(ctx, order))

	// Fill accounting completes the order first, then the polled status
	// asserts FILLED for the same order.
	tr.ProcessTradeUpdate(ctx, trade("a", "10"))
	tr.ProcessOrderUpdate(ctx, domain.OrderUpdate{
		ClientOrderID:   order.ClientOrderID(),
		NewState:        domain.OrderStateFilled,
		UpdateTimestamp: 1002,
	})

	got := drainEvents(evts)
	assert.Equal(t, 1, countKind(got, domain.EventOrderCompleted))
}

func TestPolledOpenDoesNotReopenPendingCancel(t *testing.T) {
	tr, evts := newTestTracker(t)
	ctx := context.Background()
	order := newTestOrder("10")
	require.NoError(t, tr.StartTracking(ctx, order))

	tr.ProcessOrderUpdate(ctx, domain.OrderUpdate{
		ClientOrderID:   order.ClientOrderID(),
		NewState:        domain.OrderStateOpen,
		UpdateTimestamp: 1001,
	})
	tr.ProcessOrderUpdate(ctx, domain.OrderUpdate{
		ClientOrderID:   order.ClientOrderID(),
		NewState:        domain.OrderStatePendingCancel,
		UpdateTimestamp: 1002,
	})

	// A routine polled "open" status while the cancel is in flight.
	tr.ProcessOrderUpdate(ctx, domain.OrderUpdate{
		ClientOrderID:   order.ClientOrderID(),
		NewState:        domain.OrderStateOpen,
		UpdateTimestamp: 1003,
	})

	assert.Equal(t, domain.OrderStatePendingCancel, order.State())
	got := drainEvents(evts)
	assert.Equal(t, 1, countKind(got, domain.EventOrderCreated))
}

func TestOrderNotFoundDebounce(t *testing.T) {
	tr, evts := newTestTracker(t)
	ctx := context.Background()
	order := newTestOrder("10")
	require.NoError(t, tr.StartTracking(ctx, order))

	// Two misses are tolerated.
	require.NoError(t, tr.ProcessOrderNotFound(ctx, order.ClientOrderID()))
	require.NoError(t, tr.ProcessOrderNotFound(ctx, order.ClientOrderID()))
	assert.Len(t, tr.ActiveOrders(), 1)
	assert.Empty(t, drainEvents(evts))

	// The third miss crosses the limit.
	require.NoError(t, tr.ProcessOrderNotFound(ctx, order.ClientOrderID()))
	assert.True(t, order.IsFailure())
	assert.Empty(t, tr.ActiveOrders())
	got := drainEvents(evts)
	assert.Equal(t, 1, countKind(got, domain.EventOrderFailed))
}

func TestOrderNotFoundCounterResetsOnProgress(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()
	order := newTestOrder("10")
	require.NoError(t, tr.StartTracking(ctx, order))

	require.NoError(t, tr.ProcessOrderNotFound(ctx, order.ClientOrderID()))
	require.NoError(t, tr.ProcessOrderNotFound(ctx, order.ClientOrderID()))

	// A real update arrives in between, so the count starts over.
	tr.ProcessOrderUpdate(ctx, domain.OrderUpdate{
		ClientOrderID:   order.ClientOrderID(),
		NewState:        domain.OrderStateOpen,
		UpdateTimestamp: 1001,
	})

	require.NoError(t, tr.ProcessOrderNotFound(ctx, order.ClientOrderID()))
	require.NoError(t, tr.ProcessOrderNotFound(ctx, order.ClientOrderID()))
	assert.Len(t, tr.ActiveOrders(), 1, "order must survive two misses after a progress report")
}

func TestOrderNotFoundForUntrackedOrder(t *testing.T) {
	tr, _ := newTestTracker(t)
	err := tr.ProcessOrderNotFound(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestStopTrackingKeepsOrderForDedup(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()
	order := newTestOrder("10")
	require.NoError(t, tr.StartTracking(ctx, order))

	tr.StopTracking(ctx, order.ClientOrderID())

	assert.Empty(t, tr.ActiveOrders())
	_, ok := tr.Fetch(order.ClientOrderID())
	assert.True(t, ok)
}

func TestTrackingStatesExcludeTerminalOrders(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	open := newTestOrder("10")
	require.NoError(t, tr.StartTracking(ctx, open))
	tr.ProcessOrderUpdate(ctx, domain.OrderUpdate{
		ClientOrderID:   open.ClientOrderID(),
		NewState:        domain.OrderStateOpen,
		UpdateTimestamp: 1001,
	})

	filled := NewInFlightOrder("tbot-sell-BTCUSDT-2", "BTC-USDT",
		domain.OrderSideSell, domain.OrderTypeLimit,
		open.Price(), open.Amount(), 1000)
	require.NoError(t, tr.StartTracking(ctx, filled))
	tr.ProcessTradeUpdate(ctx, domain.TradeUpdate{
		TradeID:        "t1",
		ClientOrderID:  filled.ClientOrderID(),
		FillPrice:      filled.Price(),
		FillBaseAmount: filled.Amount(),
		FillTimestamp:  1002,
	})

	states, err := tr.TrackingStates()
	require.NoError(t, err)
	assert.Contains(t, states, open.ClientOrderID())
	assert.NotContains(t, states, filled.ClientOrderID())
}

func TestRestoreTrackingStates(t *testing.T) {
	ctx := context.Background()

	open := newTestOrder("10")
	open.applyOrderUpdate(domain.OrderUpdate{NewState: domain.OrderStateOpen, UpdateTimestamp: 1001})
	openBlob, err := open.TrackingState()
	require.NoError(t, err)

	done := NewInFlightOrder("tbot-sell-BTCUSDT-2", "BTC-USDT",
		domain.OrderSideSell, domain.OrderTypeLimit,
		open.Price(), open.Amount(), 1000)
	done.applyOrderUpdate(domain.OrderUpdate{NewState: domain.OrderStateCanceled, UpdateTimestamp: 1002})
	doneBlob, err := done.TrackingState()
	require.NoError(t, err)

	restored, _ := newTestTracker(t)
	restored.RestoreTrackingStates(ctx, map[string][]byte{
		open.ClientOrderID(): openBlob,
		done.ClientOrderID(): doneBlob,
		"corrupt":            []byte("{oops"),
	})

	active := restored.ActiveOrders()
	require.Len(t, active, 1)
	assert.Contains(t, active, open.ClientOrderID())
}
