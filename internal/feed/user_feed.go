package feed

import (
	"context"
	"log/slog"

	"github.com/kortella/tidebot/internal/domain"
)

// DecodeUserFunc decodes one raw frame from the private stream into zero or
// more user events. Implemented per exchange.
type DecodeUserFunc func(data []byte) ([]domain.UserEvent, error)

// OrderUpdateHandler receives order status updates from the push path.
type OrderUpdateHandler func(ctx context.Context, u domain.OrderUpdate)

// TradeUpdateHandler receives fills from the push path.
type TradeUpdateHandler func(ctx context.Context, t domain.TradeUpdate)

// BalanceUpdateHandler receives balance changes from the push path.
type BalanceUpdateHandler func(ctx context.Context, b domain.BalanceUpdate)

// UserFeed streams the exchange's private events (order updates, fills,
// balance changes) and dispatches them to the provided handlers. Handlers
// are invoked on the feed goroutine and must not block.
type UserFeed struct {
	runner    *wsRunner
	onOrder   OrderUpdateHandler
	onTrade   TradeUpdateHandler
	onBalance BalanceUpdateHandler
	logger    *slog.Logger
}

// NewUserFeed creates a private-stream feed. Nil handlers skip their event
// kind.
func NewUserFeed(url string, subscribe SubscribeFunc, decode DecodeUserFunc, onOrder OrderUpdateHandler, onTrade TradeUpdateHandler, onBalance BalanceUpdateHandler, logger *slog.Logger) *UserFeed {
	f := &UserFeed{
		onOrder:   onOrder,
		onTrade:   onTrade,
		onBalance: onBalance,
		logger:    logger.With(slog.String("component", "user_feed")),
	}
	f.runner = &wsRunner{
		url:       url,
		subscribe: subscribe,
		logger:    f.logger,
		handle: func(data []byte) error {
			events, err := decode(data)
			if err != nil {
				return err
			}
			for _, evt := range events {
				f.dispatch(evt)
			}
			return nil
		},
	}
	return f
}

func (f *UserFeed) dispatch(evt domain.UserEvent) {
	ctx := context.Background()
	switch {
	case evt.OrderUpdate != nil && f.onOrder != nil:
		f.onOrder(ctx, *evt.OrderUpdate)
	case evt.TradeUpdate != nil && f.onTrade != nil:
		f.onTrade(ctx, *evt.TradeUpdate)
	case evt.BalanceUpdate != nil && f.onBalance != nil:
		f.onBalance(ctx, *evt.BalanceUpdate)
	}
}

// Run blocks until ctx is cancelled, maintaining the subscription across
// disconnects. Missed events during a disconnect are recovered by the
// polling backstop.
func (f *UserFeed) Run(ctx context.Context) error {
	f.logger.Info("user feed starting", slog.String("url", f.runner.url))
	defer f.logger.Info("user feed stopped")
	return f.runner.run(ctx)
}
