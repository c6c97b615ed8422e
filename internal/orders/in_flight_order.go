// Package orders tracks in-flight orders from submission through fill, cancel
// or failure, reconciling the push stream and the REST polling loop into one
// authoritative state per order.
package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/kortella/tidebot/internal/domain"
)

// Fill is one deduplicated trade execution applied to an order.
type Fill struct {
	TradeID     string          `json:"trade_id"`
	Price       decimal.Decimal `json:"price"`
	BaseAmount  decimal.Decimal `json:"base_amount"`
	QuoteAmount decimal.Decimal `json:"quote_amount"`
	Fee         domain.TradeFee `json:"fee"`
	Timestamp   float64         `json:"timestamp"`
}

// InFlightOrder is the mutable record of one order's lifecycle. All mutation
// goes through the Tracker; reads are safe from any goroutine.
type InFlightOrder struct {
	mu sync.RWMutex

	clientOrderID   string
	exchangeOrderID string
	tradingPair     string
	side            domain.OrderSide
	orderType       domain.OrderType
	price           decimal.Decimal
	amount          decimal.Decimal

	state           domain.OrderState
	filledBase      decimal.Decimal
	filledQuote     decimal.Decimal
	fees            map[string]decimal.Decimal // asset -> cumulative fee
	fills           map[string]Fill            // keyed by trade ID
	creationTS      float64
	lastUpdateTS    float64

	exchangeIDReady chan struct{}
}

// NewInFlightOrder creates an order in PENDING_CREATE, before the create
// request has completed.
func NewInFlightOrder(clientOrderID, tradingPair string, side domain.OrderSide, orderType domain.OrderType, price, amount decimal.Decimal, creationTimestamp float64) *InFlightOrder {
	return &InFlightOrder{
		clientOrderID:   clientOrderID,
		tradingPair:     tradingPair,
		side:            side,
		orderType:       orderType,
		price:           price,
		amount:          amount,
		state:           domain.OrderStatePendingCreate,
		filledBase:      decimal.Zero,
		filledQuote:     decimal.Zero,
		fees:            make(map[string]decimal.Decimal),
		fills:           make(map[string]Fill),
		creationTS:      creationTimestamp,
		lastUpdateTS:    creationTimestamp,
		exchangeIDReady: make(chan struct{}),
	}
}

func (o *InFlightOrder) ClientOrderID() string      { return o.clientOrderID }
func (o *InFlightOrder) TradingPair() string        { return o.tradingPair }
func (o *InFlightOrder) Side() domain.OrderSide     { return o.side }
func (o *InFlightOrder) Type() domain.OrderType     { return o.orderType }
func (o *InFlightOrder) Price() decimal.Decimal     { return o.price }
func (o *InFlightOrder) Amount() decimal.Decimal    { return o.amount }
func (o *InFlightOrder) CreationTimestamp() float64 { return o.creationTS }

// ExchangeOrderID returns the exchange-assigned ID, which is empty while the
// create request is still in flight.
func (o *InFlightOrder) ExchangeOrderID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.exchangeOrderID
}

// WaitForExchangeOrderID blocks until the exchange order ID is attached or
// the context is cancelled.
func (o *InFlightOrder) WaitForExchangeOrderID(ctx context.Context) (string, error) {
	select {
	case <-o.exchangeIDReady:
		return o.ExchangeOrderID(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (o *InFlightOrder) State() domain.OrderState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *InFlightOrder) FilledBaseAmount() decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.filledBase
}

func (o *InFlightOrder) FilledQuoteAmount() decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.filledQuote
}

func (o *InFlightOrder) LastUpdateTimestamp() float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastUpdateTS
}

// Fees returns a copy of the cumulative fees per asset.
func (o *InFlightOrder) Fees() map[string]decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(o.fees))
	for asset, amt := range o.fees {
		out[asset] = amt
	}
	return out
}

// Fills returns a copy of the applied fills keyed by trade ID.
func (o *InFlightOrder) Fills() map[string]Fill {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]Fill, len(o.fills))
	for id, f := range o.fills {
		out[id] = f
	}
	return out
}

func (o *InFlightOrder) IsDone() bool      { return o.State().IsTerminal() }
func (o *InFlightOrder) IsFilled() bool    { return o.State() == domain.OrderStateFilled }
func (o *InFlightOrder) IsCancelled() bool { return o.State() == domain.OrderStateCanceled }
func (o *InFlightOrder) IsFailure() bool   { return o.State() == domain.OrderStateFailed }

// setExchangeOrderID attaches the exchange-assigned ID and wakes any waiters.
// Subsequent calls with the same ID are no-ops.
func (o *InFlightOrder) setExchangeOrderID(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if id == "" || o.exchangeOrderID != "" {
		return
	}
	o.exchangeOrderID = id
	close(o.exchangeIDReady)
}

// applyOrderUpdate applies a state assertion from either update source and
// reports whether the state changed. Terminal states are absorbing: updates
// against them are discarded, not errored.
func (o *InFlightOrder) applyOrderUpdate(u domain.OrderUpdate) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state.IsTerminal() {
		return false
	}

	newState := u.NewState
	switch newState {
	case o.state:
		return false
	case domain.OrderStateFilled:
		// FILLED is driven by fill accounting, not status assertions; a
		// status-only FILLED still closes the order but keeps the recorded
		// fill amounts as they are.
	case domain.OrderStateOpen:
		// A plain "open" assertion must not regress an order that is
		// already in the open family: it would erase recorded fills'
		// progress or clear a cancel request in flight.
		if o.state.IsOpen() {
			return false
		}
	case domain.OrderStatePartialFill, domain.OrderStatePendingCancel,
		domain.OrderStateCanceled, domain.OrderStateFailed,
		domain.OrderStatePendingCreate:
	default:
		return false
	}
	if newState == domain.OrderStatePendingCreate {
		return false
	}

	o.state = newState
	if u.UpdateTimestamp > o.lastUpdateTS {
		o.lastUpdateTS = u.UpdateTimestamp
	}
	return true
}

// applyTradeUpdate applies one fill. It reports whether the fill was new
// (trade ID not seen before) and whether it completed the order. The fill
// base amount is clamped so the filled amount never exceeds the order amount,
// tolerating exchanges that report the final fill with rounding slack.
func (o *InFlightOrder) applyTradeUpdate(t domain.TradeUpdate) (applied, completed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, seen := o.fills[t.TradeID]; seen {
		return false, false
	}
	if o.state.IsTerminal() {
		return false, false
	}

	base := t.FillBaseAmount
	quote := t.FillQuoteAmount
	if remaining := o.amount.Sub(o.filledBase); base.GreaterThan(remaining) {
		if base.IsPositive() {
			quote = quote.Mul(remaining).Div(base)
		}
		base = remaining
	}

	o.fills[t.TradeID] = Fill{
		TradeID:     t.TradeID,
		Price:       t.FillPrice,
		BaseAmount:  base,
		QuoteAmount: quote,
		Fee:         t.Fee,
		Timestamp:   t.FillTimestamp,
	}
	o.filledBase = o.filledBase.Add(base)
	o.filledQuote = o.filledQuote.Add(quote)
	if t.Fee.Asset != "" {
		o.fees[t.Fee.Asset] = o.fees[t.Fee.Asset].Add(t.Fee.Amount)
	}
	if t.FillTimestamp > o.lastUpdateTS {
		o.lastUpdateTS = t.FillTimestamp
	}

	if o.filledBase.GreaterThanOrEqual(o.amount) {
		o.state = domain.OrderStateFilled
		return true, true
	}
	o.state = domain.OrderStatePartialFill
	return true, false
}

// trackingState is the JSON shape persisted across restarts.
type trackingState struct {
	ClientOrderID   string                     `json:"client_order_id"`
	ExchangeOrderID string                     `json:"exchange_order_id,omitempty"`
	TradingPair     string                     `json:"trading_pair"`
	Side            domain.OrderSide           `json:"side"`
	OrderType       domain.OrderType           `json:"order_type"`
	Price           decimal.Decimal            `json:"price"`
	Amount          decimal.Decimal            `json:"amount"`
	State           domain.OrderState          `json:"state"`
	FilledBase      decimal.Decimal            `json:"filled_base"`
	FilledQuote     decimal.Decimal            `json:"filled_quote"`
	Fees            map[string]decimal.Decimal `json:"fees,omitempty"`
	Fills           map[string]Fill            `json:"fills,omitempty"`
	CreationTS      float64                    `json:"creation_timestamp"`
	LastUpdateTS    float64                    `json:"last_update_timestamp"`
}

// TrackingState serializes the order for persistence.
func (o *InFlightOrder) TrackingState() ([]byte, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st := trackingState{
		ClientOrderID:   o.clientOrderID,
		ExchangeOrderID: o.exchangeOrderID,
		TradingPair:     o.tradingPair,
		Side:            o.side,
		OrderType:       o.orderType,
		Price:           o.price,
		Amount:          o.amount,
		State:           o.state,
		FilledBase:      o.filledBase,
		FilledQuote:     o.filledQuote,
		Fees:            o.fees,
		Fills:           o.fills,
		CreationTS:      o.creationTS,
		LastUpdateTS:    o.lastUpdateTS,
	}
	blob, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("orders: marshal tracking state %s: %w", o.clientOrderID, err)
	}
	return blob, nil
}

// FromTrackingState rehydrates an order from a persisted blob.
func FromTrackingState(blob []byte) (*InFlightOrder, error) {
	var st trackingState
	if err := json.Unmarshal(blob, &st); err != nil {
		return nil, fmt.Errorf("orders: unmarshal tracking state: %w", err)
	}
	o := NewInFlightOrder(st.ClientOrderID, st.TradingPair, st.Side, st.OrderType, st.Price, st.Amount, st.CreationTS)
	o.state = st.State
	o.filledBase = st.FilledBase
	o.filledQuote = st.FilledQuote
	if st.Fees != nil {
		o.fees = st.Fees
	}
	if st.Fills != nil {
		o.fills = st.Fills
	}
	o.lastUpdateTS = st.LastUpdateTS
	if st.ExchangeOrderID != "" {
		o.exchangeOrderID = st.ExchangeOrderID
		close(o.exchangeIDReady)
	}
	return o, nil
}
