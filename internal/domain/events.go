package domain

import "github.com/shopspring/decimal"

// EventKind identifies a lifecycle event emitted by the tracker.
type EventKind string

const (
	EventOrderCreated   EventKind = "order_created"
	EventOrderFilled    EventKind = "order_filled"
	EventOrderCompleted EventKind = "order_completed"
	EventOrderCancelled EventKind = "order_cancelled"
	EventOrderFailed    EventKind = "order_failed"
)

// OrderEvent is one lifecycle event for strategy consumption. Fill fields are
// populated only for EventOrderFilled.
type OrderEvent struct {
	Kind            EventKind
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	Side            OrderSide
	TradeID         string
	FillPrice       decimal.Decimal
	FillBaseAmount  decimal.Decimal
	Fee             TradeFee
	Timestamp       float64
}
