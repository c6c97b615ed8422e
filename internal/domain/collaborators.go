package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// RowConverter normalizes raw exchange order book messages into price level
// rows. One implementation exists per exchange; the synchronizer depends only
// on this interface.
type RowConverter interface {
	ConvertDiff(msg OrderBookMessage) (bids, asks []OrderBookRow, err error)
	ConvertSnapshot(msg OrderBookMessage) (bids, asks []OrderBookRow, err error)
}

// SnapshotFetcher retrieves a full order book snapshot over REST. Implemented
// by per-exchange REST clients.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, tradingPair string) (OrderBookMessage, error)
}

// ExchangeClient is the REST surface the order lifecycle engine needs from a
// per-exchange client. FetchOrderStatus returns ErrOrderNotFound (possibly
// wrapped) when the exchange does not know the order.
type ExchangeClient interface {
	SubmitOrder(ctx context.Context, tradingPair string, side OrderSide, orderType OrderType, price, amount decimal.Decimal, clientOrderID string) (exchangeOrderID string, err error)
	CancelOrder(ctx context.Context, tradingPair, clientOrderID, exchangeOrderID string) error
	FetchOrderStatus(ctx context.Context, tradingPair, clientOrderID, exchangeOrderID string) (OrderUpdate, error)
	FetchOrderFills(ctx context.Context, tradingPair, clientOrderID, exchangeOrderID string) ([]TradeUpdate, error)
	FetchBalances(ctx context.Context) ([]BalanceUpdate, error)
	FetchTradingRules(ctx context.Context) ([]TradingRule, error)
}

// BookCache receives top-of-book updates for external consumers. Implemented
// by the Redis cache; a nil sink disables publication.
type BookCache interface {
	PublishTop(ctx context.Context, tradingPair string, bestBid, bestAsk decimal.Decimal, updateID uint64) error
}

// RateLimiter gates outbound REST calls.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// TrackingStore persists in-flight order tracking states across restarts.
type TrackingStore interface {
	Save(ctx context.Context, clientOrderID, tradingPair string, blob []byte) error
	Delete(ctx context.Context, clientOrderID string) error
	LoadAll(ctx context.Context) (map[string][]byte, error)
}
