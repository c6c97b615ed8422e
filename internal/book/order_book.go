// Package book implements the in-memory bid/ask ledger for one trading pair.
// An OrderBook has exactly one writer (its owning synchronization task) and
// any number of strategy readers.
package book

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/kortella/tidebot/internal/domain"
)

// level is one stored price level. Levels with zero amount are never stored;
// a zero-amount row deletes the level instead.
type level struct {
	price    decimal.Decimal
	amount   decimal.Decimal
	updateID uint64
}

// OrderBook is the authoritative ledger of one trading pair. It is a pure
// in-memory structure with no I/O.
type OrderBook struct {
	mu          sync.RWMutex
	tradingPair string

	bids map[string]level // keyed by canonical price string
	asks map[string]level

	snapshotUpdateID uint64 // update ID of the last applied snapshot
	lastDiffUpdateID uint64 // high-water mark across applied diffs
}

// New creates an empty OrderBook for the given trading pair.
func New(tradingPair string) *OrderBook {
	return &OrderBook{
		tradingPair: tradingPair,
		bids:        make(map[string]level),
		asks:        make(map[string]level),
	}
}

// TradingPair returns the pair this book tracks.
func (b *OrderBook) TradingPair() string { return b.tradingPair }

// SnapshotUpdateID returns the update ID of the last applied snapshot.
func (b *OrderBook) SnapshotUpdateID() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshotUpdateID
}

// LastDiffUpdateID returns the highest update ID seen across applied diffs.
func (b *OrderBook) LastDiffUpdateID() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastDiffUpdateID
}

// ApplySnapshot replaces the entire ledger with the given rows and records
// updateID as the snapshot high-water mark. A snapshot is self-consistent by
// construction, so it is always accepted. Rows with zero amount are omitted,
// never stored.
func (b *OrderBook) ApplySnapshot(bids, asks []domain.OrderBookRow, updateID uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = make(map[string]level, len(bids))
	b.asks = make(map[string]level, len(asks))
	for _, row := range bids {
		if row.Amount.IsZero() {
			continue
		}
		b.bids[row.Price.String()] = level{price: row.Price, amount: row.Amount, updateID: updateID}
	}
	for _, row := range asks {
		if row.Amount.IsZero() {
			continue
		}
		b.asks[row.Price.String()] = level{price: row.Price, amount: row.Amount, updateID: updateID}
	}
	b.snapshotUpdateID = updateID
	if updateID > b.lastDiffUpdateID {
		b.lastDiffUpdateID = updateID
	}
}

// ApplyDiffs upserts the given rows into the ledger. Staleness is rejected
// per price level, not per message: a row older than the level it targets is
// discarded while the rest of the message still applies. This makes diff
// application commutative with respect to update ID ordering.
func (b *OrderBook) ApplyDiffs(bids, asks []domain.OrderBookRow, updateID uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	applySide(b.bids, bids, updateID)
	applySide(b.asks, asks, updateID)
	if updateID > b.lastDiffUpdateID {
		b.lastDiffUpdateID = updateID
	}
}

func applySide(side map[string]level, rows []domain.OrderBookRow, updateID uint64) {
	for _, row := range rows {
		rowID := row.UpdateID
		if rowID == 0 {
			rowID = updateID
		}
		key := row.Price.String()
		if existing, ok := side[key]; ok && rowID < existing.updateID {
			continue // stale row, expected and discarded
		}
		if row.Amount.IsZero() {
			delete(side, key)
			continue
		}
		side[key] = level{price: row.Price, amount: row.Amount, updateID: rowID}
	}
}

// BidEntries returns the bid levels sorted by descending price.
func (b *OrderBook) BidEntries() []domain.OrderBookRow {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entries := collect(b.bids)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Price.GreaterThan(entries[j].Price)
	})
	return entries
}

// AskEntries returns the ask levels sorted by ascending price.
func (b *OrderBook) AskEntries() []domain.OrderBookRow {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entries := collect(b.asks)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Price.LessThan(entries[j].Price)
	})
	return entries
}

func collect(side map[string]level) []domain.OrderBookRow {
	entries := make([]domain.OrderBookRow, 0, len(side))
	for _, lvl := range side {
		entries = append(entries, domain.OrderBookRow{
			Price:    lvl.price,
			Amount:   lvl.amount,
			UpdateID: lvl.updateID,
		})
	}
	return entries
}

// GetPrice returns the best price on the side a taker order would hit: the
// lowest ask for a buy, the highest bid for a sell. It returns ErrNotFound
// when that side is empty.
func (b *OrderBook) GetPrice(isBuy bool) (decimal.Decimal, error) {
	var entries []domain.OrderBookRow
	if isBuy {
		entries = b.AskEntries()
	} else {
		entries = b.BidEntries()
	}
	if len(entries) == 0 {
		return decimal.Zero, domain.ErrNotFound
	}
	return entries[0].Price, nil
}

// MidPrice returns the midpoint between best bid and best ask, or ErrNotFound
// when either side is empty.
func (b *OrderBook) MidPrice() (decimal.Decimal, error) {
	bid, err := b.GetPrice(false)
	if err != nil {
		return decimal.Zero, err
	}
	ask, err := b.GetPrice(true)
	if err != nil {
		return decimal.Zero, err
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2)), nil
}

// VolumeQueryResult is the answer to a volume-weighted price query. When the
// book is too shallow for the requested volume, ResultVolume is the volume
// actually available and ResultPrice the average over it.
type VolumeQueryResult struct {
	QueryVolume  decimal.Decimal
	ResultPrice  decimal.Decimal
	ResultVolume decimal.Decimal
}

// GetPriceForVolume walks the book and returns the volume-weighted average
// price of taking the given base volume from the bids (sell) or asks (buy).
func (b *OrderBook) GetPriceForVolume(isBuy bool, volume decimal.Decimal) VolumeQueryResult {
	var entries []domain.OrderBookRow
	if isBuy {
		entries = b.AskEntries()
	} else {
		entries = b.BidEntries()
	}

	remaining := volume
	filled := decimal.Zero
	notional := decimal.Zero
	for _, e := range entries {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		take := decimal.Min(remaining, e.Amount)
		filled = filled.Add(take)
		notional = notional.Add(take.Mul(e.Price))
		remaining = remaining.Sub(take)
	}

	result := VolumeQueryResult{QueryVolume: volume, ResultVolume: filled}
	if filled.IsPositive() {
		result.ResultPrice = notional.Div(filled)
	}
	return result
}

// GetVolumeForPrice returns the base volume available at or better than the
// given limit price on the side a taker order would hit.
func (b *OrderBook) GetVolumeForPrice(isBuy bool, price decimal.Decimal) VolumeQueryResult {
	var entries []domain.OrderBookRow
	if isBuy {
		entries = b.AskEntries()
	} else {
		entries = b.BidEntries()
	}

	volume := decimal.Zero
	notional := decimal.Zero
	for _, e := range entries {
		if isBuy && e.Price.GreaterThan(price) {
			break
		}
		if !isBuy && e.Price.LessThan(price) {
			break
		}
		volume = volume.Add(e.Amount)
		notional = notional.Add(e.Amount.Mul(e.Price))
	}

	result := VolumeQueryResult{QueryVolume: price, ResultVolume: volume}
	if volume.IsPositive() {
		result.ResultPrice = notional.Div(volume)
	}
	return result
}
