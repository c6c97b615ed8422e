package feed

import (
	"context"
	"log/slog"

	"github.com/kortella/tidebot/internal/domain"
)

// DecodeBookFunc decodes one raw frame into zero or more order book
// messages. Implemented per exchange.
type DecodeBookFunc func(data []byte) ([]domain.OrderBookMessage, error)

// BookSink receives decoded order book messages; implemented by the
// synchronizer.
type BookSink interface {
	Submit(msg domain.OrderBookMessage)
}

// BookFeed streams order book diffs and snapshots from an exchange WebSocket
// into the synchronizer. It reconnects on disconnect; the fresh snapshot
// after a reconnect re-synchronizes book state.
type BookFeed struct {
	runner *wsRunner
	sink   BookSink
	logger *slog.Logger
}

// NewBookFeed creates a feed for the given endpoint. subscribe is invoked on
// every (re)connection; decode turns raw frames into normalized messages.
func NewBookFeed(url string, subscribe SubscribeFunc, decode DecodeBookFunc, sink BookSink, logger *slog.Logger) *BookFeed {
	f := &BookFeed{
		sink:   sink,
		logger: logger.With(slog.String("component", "book_feed")),
	}
	f.runner = &wsRunner{
		url:       url,
		subscribe: subscribe,
		logger:    f.logger,
		handle: func(data []byte) error {
			msgs, err := decode(data)
			if err != nil {
				return err
			}
			for _, msg := range msgs {
				f.sink.Submit(msg)
			}
			return nil
		},
	}
	return f
}

// Run blocks until ctx is cancelled, maintaining the subscription across
// disconnects.
func (f *BookFeed) Run(ctx context.Context) error {
	f.logger.Info("book feed starting", slog.String("url", f.runner.url))
	defer f.logger.Info("book feed stopped")
	return f.runner.run(ctx)
}
