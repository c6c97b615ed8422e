package booksync

import "github.com/kortella/tidebot/internal/domain"

// PassthroughConverter is a RowConverter for exchanges whose message parser
// already produces normalized rows: the message's own bid and ask slices are
// returned unchanged.
type PassthroughConverter struct{}

func (PassthroughConverter) ConvertDiff(msg domain.OrderBookMessage) ([]domain.OrderBookRow, []domain.OrderBookRow, error) {
	return msg.Bids, msg.Asks, nil
}

func (PassthroughConverter) ConvertSnapshot(msg domain.OrderBookMessage) ([]domain.OrderBookRow, []domain.OrderBookRow, error) {
	return msg.Bids, msg.Asks, nil
}

var _ domain.RowConverter = PassthroughConverter{}
