package orders

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kortella/tidebot/internal/domain"
	"github.com/kortella/tidebot/internal/events"
)

const (
	// defaultLostOrderCountLimit is how many consecutive "order not found"
	// signals the polling loop must report before an order is declared
	// failed, tolerating propagation delay on the exchange side.
	defaultLostOrderCountLimit = 3

	// defaultCachedOrderTTL is how long terminal orders stay queryable for
	// trailing-update deduplication.
	defaultCachedOrderTTL = 30 * time.Minute
)

// Tracker owns the set of in-flight orders. Updates from the push stream and
// the polling loop are unioned through ProcessOrderUpdate and
// ProcessTradeUpdate; both entry points are idempotent, so arrival order
// across the two sources never matters.
type Tracker struct {
	mu     sync.Mutex
	active map[string]*InFlightOrder

	cached   *terminalCache
	notFound map[string]int // per-order "order not found" counter

	lostOrderCountLimit int
	bus                 *events.Bus
	store               domain.TrackingStore // optional
	logger              *slog.Logger
}

// NewTracker creates a Tracker that emits lifecycle events on bus.
func NewTracker(bus *events.Bus, logger *slog.Logger) *Tracker {
	return &Tracker{
		active:              make(map[string]*InFlightOrder),
		cached:              newTerminalCache(defaultCachedOrderTTL),
		notFound:            make(map[string]int),
		lostOrderCountLimit: defaultLostOrderCountLimit,
		bus:                 bus,
		logger:              logger.With(slog.String("component", "order_tracker")),
	}
}

// WithStore attaches a persistence backend. Active orders are saved on every
// mutation and deleted when they reach a terminal state.
func (t *Tracker) WithStore(store domain.TrackingStore) *Tracker {
	t.store = store
	return t
}

// WithLostOrderCountLimit overrides the "order not found" debounce threshold.
func (t *Tracker) WithLostOrderCountLimit(limit int) *Tracker {
	if limit > 0 {
		t.lostOrderCountLimit = limit
	}
	return t
}

// StartTracking registers a new in-flight order under its client order ID.
func (t *Tracker) StartTracking(ctx context.Context, order *InFlightOrder) error {
	t.mu.Lock()
	if _, ok := t.active[order.ClientOrderID()]; ok {
		t.mu.Unlock()
		return domain.ErrAlreadyExists
	}
	t.active[order.ClientOrderID()] = order
	t.mu.Unlock()

	t.persist(ctx, order)
	return nil
}

// StopTracking removes an order from the active set without waiting for a
// terminal update. The order stays in the terminal cache so trailing updates
// still deduplicate.
func (t *Tracker) StopTracking(ctx context.Context, clientOrderID string) {
	t.mu.Lock()
	order, ok := t.active[clientOrderID]
	if ok {
		delete(t.active, clientOrderID)
		delete(t.notFound, clientOrderID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	t.cached.put(order)
	t.unpersist(ctx, clientOrderID)
}

// Fetch returns a tracked order by client order ID, consulting the active set
// first and then the terminal cache.
func (t *Tracker) Fetch(clientOrderID string) (*InFlightOrder, bool) {
	t.mu.Lock()
	order, ok := t.active[clientOrderID]
	t.mu.Unlock()
	if ok {
		return order, true
	}
	return t.cached.get(clientOrderID)
}

// ActiveOrders returns a copy of the active order map.
func (t *Tracker) ActiveOrders() map[string]*InFlightOrder {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]*InFlightOrder, len(t.active))
	for id, o := range t.active {
		out[id] = o
	}
	return out
}

// ProcessOrderUpdate applies an order status assertion from either update
// source. Updates naming unknown orders are logged and dropped: the other
// source, or the terminal cache, usually explains them.
func (t *Tracker) ProcessOrderUpdate(ctx context.Context, u domain.OrderUpdate) {
	order, ok := t.Fetch(u.ClientOrderID)
	if !ok {
		t.logger.Debug("order update for untracked order",
			slog.String("client_order_id", u.ClientOrderID),
			slog.String("new_state", string(u.NewState)),
		)
		return
	}

	order.setExchangeOrderID(u.ExchangeOrderID)

	if !order.applyOrderUpdate(u) {
		return
	}

	// A progress report from either source resets the lost-order debounce.
	t.mu.Lock()
	delete(t.notFound, u.ClientOrderID)
	t.mu.Unlock()

	switch order.State() {
	case domain.OrderStateOpen:
		t.publish(order, domain.OrderEvent{Kind: domain.EventOrderCreated, Timestamp: u.UpdateTimestamp})
		t.persist(ctx, order)
	case domain.OrderStateCanceled:
		t.publish(order, domain.OrderEvent{Kind: domain.EventOrderCancelled, Timestamp: u.UpdateTimestamp})
		t.retire(ctx, order)
	case domain.OrderStateFailed:
		t.publish(order, domain.OrderEvent{Kind: domain.EventOrderFailed, Timestamp: u.UpdateTimestamp})
		t.retire(ctx, order)
	case domain.OrderStateFilled:
		t.publish(order, domain.OrderEvent{Kind: domain.EventOrderCompleted, Timestamp: u.UpdateTimestamp})
		t.retire(ctx, order)
	default:
		t.persist(ctx, order)
	}
}

// ProcessTradeUpdate applies one fill from either update source. A repeated
// trade ID is a no-op; this dedup is what lets the two sources overlap
// freely.
func (t *Tracker) ProcessTradeUpdate(ctx context.Context, trade domain.TradeUpdate) {
	order, ok := t.Fetch(trade.ClientOrderID)
	if !ok {
		t.logger.Debug("trade update for untracked order",
			slog.String("client_order_id", trade.ClientOrderID),
			slog.String("trade_id", trade.TradeID),
		)
		return
	}

	order.setExchangeOrderID(trade.ExchangeOrderID)

	applied, completed := order.applyTradeUpdate(trade)
	if !applied {
		return
	}

	t.mu.Lock()
	delete(t.notFound, trade.ClientOrderID)
	t.mu.Unlock()

	t.publish(order, domain.OrderEvent{
		Kind:           domain.EventOrderFilled,
		TradeID:        trade.TradeID,
		FillPrice:      trade.FillPrice,
		FillBaseAmount: trade.FillBaseAmount,
		Fee:            trade.Fee,
		Timestamp:      trade.FillTimestamp,
	})

	if completed {
		t.publish(order, domain.OrderEvent{Kind: domain.EventOrderCompleted, Timestamp: trade.FillTimestamp})
		t.retire(ctx, order)
		return
	}
	t.persist(ctx, order)
}

// ProcessOrderNotFound records one "order not found" signal from the polling
// loop. Only when the per-order counter reaches the configured limit is the
// order declared failed; a single miss is expected while the exchange
// propagates a fresh order.
func (t *Tracker) ProcessOrderNotFound(ctx context.Context, clientOrderID string) error {
	t.mu.Lock()
	order, ok := t.active[clientOrderID]
	if !ok {
		t.mu.Unlock()
		return domain.ErrOrderNotFound
	}
	count := t.notFound[clientOrderID] + 1
	if count < t.lostOrderCountLimit {
		t.notFound[clientOrderID] = count
		t.mu.Unlock()
		t.logger.Debug("order not found, debouncing",
			slog.String("client_order_id", clientOrderID),
			slog.Int("count", count),
			slog.Int("limit", t.lostOrderCountLimit),
		)
		return nil
	}
	t.mu.Unlock()

	t.logger.Warn("order not found limit reached, marking failed",
		slog.String("client_order_id", clientOrderID),
	)
	t.ProcessOrderUpdate(ctx, domain.OrderUpdate{
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: order.ExchangeOrderID(),
		TradingPair:     order.TradingPair(),
		NewState:        domain.OrderStateFailed,
		UpdateTimestamp: float64(time.Now().UnixNano()) / 1e9,
	})
	return nil
}

// TrackingStates serializes every active order for persistence. Terminal
// orders are excluded; they are unrecoverable by definition.
func (t *Tracker) TrackingStates() (map[string][]byte, error) {
	snapshot := t.ActiveOrders()
	out := make(map[string][]byte, len(snapshot))
	for id, order := range snapshot {
		if order.IsDone() {
			continue
		}
		blob, err := order.TrackingState()
		if err != nil {
			return nil, err
		}
		out[id] = blob
	}
	return out, nil
}

// RestoreTrackingStates rehydrates orders from a prior run. Only non-terminal
// orders are restored; blobs that fail to decode are logged and skipped so
// one corrupt row cannot block recovery of the rest.
func (t *Tracker) RestoreTrackingStates(ctx context.Context, states map[string][]byte) {
	for id, blob := range states {
		order, err := FromTrackingState(blob)
		if err != nil {
			t.logger.Warn("skipping unreadable tracking state",
				slog.String("client_order_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		if order.IsDone() {
			continue
		}
		if err := t.StartTracking(ctx, order); err != nil {
			t.logger.Warn("tracking state already restored",
				slog.String("client_order_id", id),
			)
		}
	}
}

// Cleanup evicts expired terminal orders. The polling coordinator calls this
// once per cycle.
func (t *Tracker) Cleanup() {
	t.cached.cleanup()
}

// retire moves an order that reached a terminal state from the active set to
// the terminal cache and deletes its persisted blob.
func (t *Tracker) retire(ctx context.Context, order *InFlightOrder) {
	t.mu.Lock()
	delete(t.active, order.ClientOrderID())
	delete(t.notFound, order.ClientOrderID())
	t.mu.Unlock()
	t.cached.put(order)
	t.unpersist(ctx, order.ClientOrderID())
}

func (t *Tracker) publish(order *InFlightOrder, evt domain.OrderEvent) {
	if t.bus == nil {
		return
	}
	evt.ClientOrderID = order.ClientOrderID()
	evt.ExchangeOrderID = order.ExchangeOrderID()
	evt.TradingPair = order.TradingPair()
	evt.Side = order.Side()
	t.bus.Publish(evt)
}

// persist and unpersist write through to the optional store. Persistence
// failures are logged, never propagated: the tracker state in memory remains
// authoritative and the next mutation retries the write.
func (t *Tracker) persist(ctx context.Context, order *InFlightOrder) {
	if t.store == nil {
		return
	}
	blob, err := order.TrackingState()
	if err != nil {
		t.logger.Error("serialize tracking state failed",
			slog.String("client_order_id", order.ClientOrderID()),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := t.store.Save(ctx, order.ClientOrderID(), order.TradingPair(), blob); err != nil {
		t.logger.Warn("persist tracking state failed",
			slog.String("client_order_id", order.ClientOrderID()),
			slog.String("error", err.Error()),
		)
	}
}

func (t *Tracker) unpersist(ctx context.Context, clientOrderID string) {
	if t.store == nil {
		return
	}
	if err := t.store.Delete(ctx, clientOrderID); err != nil {
		t.logger.Warn("delete tracking state failed",
			slog.String("client_order_id", clientOrderID),
			slog.String("error", err.Error()),
		)
	}
}
