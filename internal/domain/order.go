package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType indicates the execution policy of an order.
type OrderType string

const (
	OrderTypeLimit      OrderType = "limit"
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimitMaker OrderType = "limit_maker"
)

// OrderState tracks the order lifecycle. FILLED, CANCELED and FAILED are
// terminal; once reached, no further update may change the state.
type OrderState string

const (
	OrderStatePendingCreate OrderState = "pending_create"
	OrderStateOpen          OrderState = "open"
	OrderStatePartialFill   OrderState = "partially_filled"
	OrderStatePendingCancel OrderState = "pending_cancel"
	OrderStateFilled        OrderState = "filled"
	OrderStateCanceled      OrderState = "canceled"
	OrderStateFailed        OrderState = "failed"
)

// IsTerminal reports whether s is an absorbing state.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCanceled, OrderStateFailed:
		return true
	default:
		return false
	}
}

// IsOpen reports whether an order in state s can still receive fills.
func (s OrderState) IsOpen() bool {
	switch s {
	case OrderStateOpen, OrderStatePartialFill, OrderStatePendingCancel:
		return true
	default:
		return false
	}
}

// GenerateClientOrderID produces a locally unique client order ID. The side
// and trading pair are embedded for log readability; uniqueness comes from
// the UUID suffix.
func GenerateClientOrderID(side OrderSide, tradingPair string) string {
	pair := strings.ReplaceAll(tradingPair, "-", "")
	return fmt.Sprintf("tbot-%s-%s-%s", side, pair, uuid.NewString())
}

// TradeFee is the fee charged for a single fill.
type TradeFee struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// OrderUpdate is an immutable order-status fact asserted by either the push
// stream or the polling loop. ExchangeOrderID may be empty when the source
// only knows the client order ID.
type OrderUpdate struct {
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	NewState        OrderState
	UpdateTimestamp float64
}

// TradeUpdate is one fill reported by either update source. TradeID is the
// dedup key: both sources can report the same fill and the second occurrence
// must be a no-op.
type TradeUpdate struct {
	TradeID         string
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	FillPrice       decimal.Decimal
	FillBaseAmount  decimal.Decimal
	FillQuoteAmount decimal.Decimal
	Fee             TradeFee
	FillTimestamp   float64
}

// BalanceUpdate carries the current total and available balance of one asset.
type BalanceUpdate struct {
	Asset     string
	Total     decimal.Decimal
	Available decimal.Decimal
	Timestamp float64
}

// TradingRule describes the exchange's sizing constraints for one pair.
type TradingRule struct {
	TradingPair       string
	MinOrderSize      decimal.Decimal
	MinPriceIncrement decimal.Decimal
	MinBaseIncrement  decimal.Decimal
	MinNotionalSize   decimal.Decimal
}

// UserEvent is one message from the exchange's private stream. Exactly one of
// the pointer fields is set.
type UserEvent struct {
	OrderUpdate   *OrderUpdate
	TradeUpdate   *TradeUpdate
	BalanceUpdate *BalanceUpdate
}
