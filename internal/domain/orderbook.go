package domain

import "github.com/shopspring/decimal"

// MessageKind discriminates the payload of an OrderBookMessage.
type MessageKind int

const (
	MessageKindSnapshot MessageKind = iota
	MessageKindDiff
	MessageKindTrade
)

// String returns a human-readable name for logging.
func (k MessageKind) String() string {
	switch k {
	case MessageKindSnapshot:
		return "snapshot"
	case MessageKindDiff:
		return "diff"
	case MessageKindTrade:
		return "trade"
	default:
		return "unknown"
	}
}

// OrderBookRow is one price level of an order book side. An Amount of zero
// means "remove this level".
type OrderBookRow struct {
	Price    decimal.Decimal `json:"price"`
	Amount   decimal.Decimal `json:"amount"`
	UpdateID uint64          `json:"update_id"`
}

// OrderBookMessage is an order book event produced by an exchange parser and
// consumed by the synchronizer. UpdateID is the exchange-assigned monotonic
// sequence number scoped to one trading pair; Timestamp is a secondary
// tie-break used only when UpdateID is unavailable.
type OrderBookMessage struct {
	Kind        MessageKind
	TradingPair string
	UpdateID    uint64
	Timestamp   float64 // unix seconds
	Bids        []OrderBookRow
	Asks        []OrderBookRow
}

// After reports whether m is strictly after other in replay order. The
// exchange UpdateID is the ordering key; the wall-clock timestamp is the
// fallback only when neither message carries an UpdateID, since the two
// clocks are not guaranteed consistent.
func (m OrderBookMessage) After(other OrderBookMessage) bool {
	if m.UpdateID != 0 || other.UpdateID != 0 {
		return m.UpdateID > other.UpdateID
	}
	return m.Timestamp > other.Timestamp
}
