package booksync

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kortella/tidebot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func diffMsg(pair string, updateID uint64, bids, asks []domain.OrderBookRow) domain.OrderBookMessage {
	return domain.OrderBookMessage{
		Kind:        domain.MessageKindDiff,
		TradingPair: pair,
		UpdateID:    updateID,
		Bids:        bids,
		Asks:        asks,
	}
}

func snapMsg(pair string, updateID uint64, bids, asks []domain.OrderBookRow) domain.OrderBookMessage {
	return domain.OrderBookMessage{
		Kind:        domain.MessageKindSnapshot,
		TradingPair: pair,
		UpdateID:    updateID,
		Bids:        bids,
		Asks:        asks,
	}
}

func row(price, amount string) domain.OrderBookRow {
	return domain.OrderBookRow{
		Price:  decimal.RequireFromString(price),
		Amount: decimal.RequireFromString(amount),
	}
}

func bidAmounts(t *testing.T, s *Synchronizer, pair string) map[string]string {
	t.Helper()
	b, err := s.OrderBook(pair)
	require.NoError(t, err)
	out := make(map[string]string)
	for _, e := range b.BidEntries() {
		out[e.Price.String()] = e.Amount.String()
	}
	return out
}

// fakeFetcher serves canned snapshots keyed by trading pair.
type fakeFetcher struct {
	snapshots map[string]domain.OrderBookMessage
}

func (f *fakeFetcher) FetchSnapshot(_ context.Context, pair string) (domain.OrderBookMessage, error) {
	snap, ok := f.snapshots[pair]
	if !ok {
		return domain.OrderBookMessage{}, domain.ErrUnknownPair
	}
	return snap, nil
}

func TestDiffsBeforeTrackPairAreBuffered(t *testing.T) {
	s := New(PassthroughConverter{}, testLogger(), Options{})
	s.Start(context.Background())
	defer s.Stop()

	// Nothing tracks the pair yet; the message must land in the save buffer.
	s.Submit(diffMsg("BTC-USDT", 5, []domain.OrderBookRow{row("100", "2")}, nil))

	s.TrackPair("BTC-USDT")

	assert.Eventually(t, func() bool {
		return s.Stats().DiffsApplied == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, map[string]string{"100": "2"}, bidAmounts(t, s, "BTC-USDT"))
}

func TestSaveBufferDropsOldestWhenFull(t *testing.T) {
	s := New(PassthroughConverter{}, testLogger(), Options{SaveBufferSize: 2})
	s.Start(context.Background())
	defer s.Stop()

	s.Submit(diffMsg("BTC-USDT", 1, []domain.OrderBookRow{row("100", "1")}, nil))
	s.Submit(diffMsg("BTC-USDT", 2, []domain.OrderBookRow{row("101", "1")}, nil))
	s.Submit(diffMsg("BTC-USDT", 3, []domain.OrderBookRow{row("102", "1")}, nil))

	assert.Eventually(t, func() bool {
		return s.Stats().BufferedDropped == 1
	}, time.Second, 5*time.Millisecond)

	s.TrackPair("BTC-USDT")

	assert.Eventually(t, func() bool {
		return s.Stats().DiffsApplied == 2
	}, time.Second, 5*time.Millisecond)
	bids := bidAmounts(t, s, "BTC-USDT")
	assert.NotContains(t, bids, "100", "oldest buffered diff should have been shed")
	assert.Contains(t, bids, "101")
	assert.Contains(t, bids, "102")
}

func TestStaleDiffDiscardedBeforeQueueing(t *testing.T) {
	s := New(PassthroughConverter{}, testLogger(), Options{})
	s.Start(context.Background())
	defer s.Stop()
	s.TrackPair("BTC-USDT")

	s.Submit(snapMsg("BTC-USDT", 10, []domain.OrderBookRow{row("100", "1")}, nil))
	require.Eventually(t, func() bool {
		return s.Stats().SnapshotsApplied == 1
	}, time.Second, 5*time.Millisecond)

	s.Submit(diffMsg("BTC-USDT", 9, []domain.OrderBookRow{row("100", "5")}, nil))

	assert.Eventually(t, func() bool {
		return s.Stats().StaleDiffsDropped == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, map[string]string{"100": "1"}, bidAmounts(t, s, "BTC-USDT"))
}

// A snapshot arriving after diffs were applied must replay every diff at or
// after the snapshot's ordering key, and drop the strictly older ones.
func TestSnapshotReplaysDiffsAtOrAfterKey(t *testing.T) {
	s := New(PassthroughConverter{}, testLogger(), Options{})
	s.Start(context.Background())
	defer s.Stop()
	s.TrackPair("BTC-USDT")

	s.Submit(diffMsg("BTC-USDT", 1, []domain.OrderBookRow{row("99", "1")}, nil))
	s.Submit(diffMsg("BTC-USDT", 2, []domain.OrderBookRow{row("101", "1")}, nil))
	s.Submit(diffMsg("BTC-USDT", 3, []domain.OrderBookRow{row("102", "1")}, nil))
	require.Eventually(t, func() bool {
		return s.Stats().DiffsApplied == 3
	}, time.Second, 5*time.Millisecond)

	// Snapshot keyed at 2: the diffs at 2 and 3 replay on top, the diff at
	// 1 does not.
	s.Submit(snapMsg("BTC-USDT", 2, []domain.OrderBookRow{row("100", "5")}, nil))
	require.Eventually(t, func() bool {
		return s.Stats().SnapshotsApplied == 1
	}, time.Second, 5*time.Millisecond)

	bids := bidAmounts(t, s, "BTC-USDT")
	assert.Equal(t, "5", bids["100"])
	assert.Equal(t, "1", bids["101"])
	assert.Equal(t, "1", bids["102"])
	assert.NotContains(t, bids, "99")
}

// A diff buffered before tracking starts must survive a snapshot that carries
// the same update ID: the snapshot was cut at that ID, so the diff's levels
// belong on top of it.
func TestBufferedDiffWithSnapshotKeyReplayed(t *testing.T) {
	s := New(PassthroughConverter{}, testLogger(), Options{})
	s.Start(context.Background())
	defer s.Stop()

	s.Submit(diffMsg("BTC-USDT", 5, []domain.OrderBookRow{row("101", "1")}, nil))
	s.TrackPair("BTC-USDT")
	require.Eventually(t, func() bool {
		return s.Stats().DiffsApplied == 1
	}, time.Second, 5*time.Millisecond)

	s.Submit(snapMsg("BTC-USDT", 5, []domain.OrderBookRow{row("100", "2")}, nil))
	require.Eventually(t, func() bool {
		return s.Stats().SnapshotsApplied == 1
	}, time.Second, 5*time.Millisecond)

	bids := bidAmounts(t, s, "BTC-USDT")
	assert.Equal(t, "2", bids["100"])
	assert.Equal(t, "1", bids["101"], "equal-key diff must be replayed on top of the snapshot")
}

func TestInitialSnapshotFetchedOverREST(t *testing.T) {
	fetcher := &fakeFetcher{snapshots: map[string]domain.OrderBookMessage{
		"ETH-USDT": snapMsg("ETH-USDT", 7, []domain.OrderBookRow{row("2000", "3")}, nil),
	}}
	s := New(PassthroughConverter{}, testLogger(), Options{}).WithSnapshotFetcher(fetcher)

	// Registering before Start must still get a tracking goroutine.
	s.TrackPair("ETH-USDT")
	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return s.Stats().SnapshotsApplied == 1
	}, time.Second, 5*time.Millisecond)
	b, err := s.OrderBook("ETH-USDT")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), b.SnapshotUpdateID())
	assert.Equal(t, map[string]string{"2000": "3"}, bidAmounts(t, s, "ETH-USDT"))
}

// Submissions racing TrackPair must all land: either in the save buffer that
// TrackPair adopts, or in the live queue, never stranded in between.
func TestSubmitRacingTrackPairLosesNoMessages(t *testing.T) {
	const total = 200
	s := New(PassthroughConverter{}, testLogger(), Options{})
	s.Start(context.Background())
	defer s.Stop()

	go func() {
		for i := 1; i <= total; i++ {
			s.Submit(diffMsg("BTC-USDT", uint64(i), []domain.OrderBookRow{row("100", "1")}, nil))
		}
	}()
	s.TrackPair("BTC-USDT")

	assert.Eventually(t, func() bool {
		return s.Stats().DiffsApplied == total
	}, 2*time.Second, 5*time.Millisecond)
}

func TestOrderBookUnknownPair(t *testing.T) {
	s := New(PassthroughConverter{}, testLogger(), Options{})
	_, err := s.OrderBook("DOGE-USDT")
	assert.ErrorIs(t, err, domain.ErrUnknownPair)
}

func TestUntrackPairDropsBook(t *testing.T) {
	s := New(PassthroughConverter{}, testLogger(), Options{})
	s.Start(context.Background())
	defer s.Stop()

	s.TrackPair("BTC-USDT")
	s.UntrackPair("BTC-USDT")

	_, err := s.OrderBook("BTC-USDT")
	assert.ErrorIs(t, err, domain.ErrUnknownPair)
	assert.Empty(t, s.TrackedPairs())
}

func TestTradeMessagesDoNotTouchTheBook(t *testing.T) {
	s := New(PassthroughConverter{}, testLogger(), Options{})
	s.Start(context.Background())
	defer s.Stop()
	s.TrackPair("BTC-USDT")

	s.Submit(snapMsg("BTC-USDT", 1, []domain.OrderBookRow{row("100", "1")}, nil))
	require.Eventually(t, func() bool {
		return s.Stats().SnapshotsApplied == 1
	}, time.Second, 5*time.Millisecond)

	s.Submit(domain.OrderBookMessage{
		Kind:        domain.MessageKindTrade,
		TradingPair: "BTC-USDT",
		UpdateID:    2,
	})

	// Give the router a beat, then confirm nothing changed.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, map[string]string{"100": "1"}, bidAmounts(t, s, "BTC-USDT"))
	assert.Equal(t, uint64(0), s.Stats().DiffsApplied)
}
