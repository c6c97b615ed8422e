// Package booksync keeps one order book per tracked trading pair eventually
// consistent with the exchange, merging an asynchronous stream of incremental
// diffs with full snapshots that may arrive at any time, out of band.
package booksync

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kortella/tidebot/internal/book"
	"github.com/kortella/tidebot/internal/domain"
)

const (
	defaultSaveBufferSize = 1000
	defaultPastDiffWindow = 32
	defaultInboundSize    = 8192
	defaultPairQueueSize  = 4096
	defaultRetryInterval  = 5 * time.Second
)

// Options tunes queue and window sizes. Zero values select the defaults.
type Options struct {
	// SaveBufferSize caps the per-pair buffer holding diffs that arrive
	// before the pair's tracking task exists. A full buffer drops the oldest
	// message rather than blocking the network listener.
	SaveBufferSize int
	// PastDiffWindow caps the rolling window of recently applied diffs that
	// are replayed on top of an incoming snapshot.
	PastDiffWindow int
	// RetryInterval is the sleep after a transient error in a tracking loop.
	RetryInterval time.Duration
	// SnapshotInterval enables periodic REST snapshot polling per pair when
	// positive and a SnapshotFetcher is attached.
	SnapshotInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.SaveBufferSize <= 0 {
		o.SaveBufferSize = defaultSaveBufferSize
	}
	if o.PastDiffWindow <= 0 {
		o.PastDiffWindow = defaultPastDiffWindow
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = defaultRetryInterval
	}
	return o
}

// Stats counts routine, non-error events for observability.
type Stats struct {
	DiffsApplied      uint64
	SnapshotsApplied  uint64
	StaleDiffsDropped uint64
	BufferedDropped   uint64
	InboundDropped    uint64
}

// pairHandle bundles everything owned by one trading pair. The book is
// written only by the pair's tracking goroutine; saved accumulates messages
// that arrived before that goroutine existed.
type pairHandle struct {
	tradingPair string
	book        *book.OrderBook
	queue       chan domain.OrderBookMessage
	saved       []domain.OrderBookMessage
	pastDiffs   []domain.OrderBookMessage
	cancel      context.CancelFunc
}

// Synchronizer owns one OrderBook per tracked trading pair. External clients
// push raw OrderBookMessages through Submit; a single router goroutine fans
// them in across pairs, and one tracking goroutine per pair applies them.
type Synchronizer struct {
	converter domain.RowConverter
	fetcher   domain.SnapshotFetcher // optional
	cache     domain.BookCache       // optional
	logger    *slog.Logger
	opts      Options

	in chan domain.OrderBookMessage

	mu      sync.Mutex
	pairs   map[string]*pairHandle
	savedMu sync.Mutex
	// saved buffers for pairs that are not tracked yet, keyed by pair
	presaved map[string][]domain.OrderBookMessage

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	diffsApplied     atomic.Uint64
	snapshotsApplied atomic.Uint64
	staleDropped     atomic.Uint64
	bufferedDropped  atomic.Uint64
	inboundDropped   atomic.Uint64
}

// New creates a Synchronizer that normalizes rows through converter.
func New(converter domain.RowConverter, logger *slog.Logger, opts Options) *Synchronizer {
	return &Synchronizer{
		converter: converter,
		logger:    logger.With(slog.String("component", "book_synchronizer")),
		opts:      opts.withDefaults(),
		in:        make(chan domain.OrderBookMessage, defaultInboundSize),
		pairs:     make(map[string]*pairHandle),
		presaved:  make(map[string][]domain.OrderBookMessage),
	}
}

// WithSnapshotFetcher attaches a REST snapshot source. Tracking loops fetch an
// initial snapshot through it and, when Options.SnapshotInterval is set, poll
// it periodically as a backstop to the diff stream.
func (s *Synchronizer) WithSnapshotFetcher(f domain.SnapshotFetcher) *Synchronizer {
	s.fetcher = f
	return s
}

// WithBookCache attaches a top-of-book sink notified after every apply.
func (s *Synchronizer) WithBookCache(c domain.BookCache) *Synchronizer {
	s.cache = c
	return s
}

// Start launches the diff router. Pairs are added with TrackPair.
func (s *Synchronizer) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.wg.Add(1)
	go s.routeLoop()
	// Pairs registered before Start get their goroutines now.
	for _, h := range s.pairs {
		if h.cancel == nil {
			s.startPair(h)
		}
	}
}

// Stop cancels the router and every tracking goroutine and waits for them.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()
	s.wg.Wait()
}

// Submit enqueues a raw message from a network listener. It never blocks: when
// the inbound queue is full the message is dropped and counted, leaving the
// periodic snapshot to repair the gap.
func (s *Synchronizer) Submit(msg domain.OrderBookMessage) {
	select {
	case s.in <- msg:
	default:
		s.inboundDropped.Add(1)
		s.logger.Warn("inbound queue full, dropping message",
			slog.String("trading_pair", msg.TradingPair),
			slog.String("kind", msg.Kind.String()),
		)
	}
}

// TrackPair creates the pair's order book and starts its tracking goroutine.
// Tracking an already-tracked pair is a no-op.
func (s *Synchronizer) TrackPair(tradingPair string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pairs[tradingPair]; ok {
		return
	}

	s.savedMu.Lock()
	saved := s.presaved[tradingPair]
	delete(s.presaved, tradingPair)
	s.savedMu.Unlock()

	h := &pairHandle{
		tradingPair: tradingPair,
		book:        book.New(tradingPair),
		queue:       make(chan domain.OrderBookMessage, defaultPairQueueSize),
		saved:       saved,
	}
	s.pairs[tradingPair] = h

	if !s.started {
		return
	}
	s.startPair(h)
}

func (s *Synchronizer) startPair(h *pairHandle) {
	ctx, cancel := context.WithCancel(s.ctx)
	h.cancel = cancel
	s.wg.Add(1)
	go s.trackLoop(ctx, h)
	if s.fetcher != nil && s.opts.SnapshotInterval > 0 {
		s.wg.Add(1)
		go s.snapshotLoop(ctx, h)
	}
}

// UntrackPair cancels the pair's goroutines and drops its book.
func (s *Synchronizer) UntrackPair(tradingPair string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.pairs[tradingPair]
	if !ok {
		return
	}
	if h.cancel != nil {
		h.cancel()
	}
	delete(s.pairs, tradingPair)
}

// OrderBook returns the live book for a tracked pair.
func (s *Synchronizer) OrderBook(tradingPair string) (*book.OrderBook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.pairs[tradingPair]
	if !ok {
		return nil, domain.ErrUnknownPair
	}
	return h.book, nil
}

// TrackedPairs returns the currently tracked trading pairs.
func (s *Synchronizer) TrackedPairs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	pairs := make([]string, 0, len(s.pairs))
	for p := range s.pairs {
		pairs = append(pairs, p)
	}
	return pairs
}

// Stats returns a point-in-time copy of the event counters.
func (s *Synchronizer) Stats() Stats {
	return Stats{
		DiffsApplied:      s.diffsApplied.Load(),
		SnapshotsApplied:  s.snapshotsApplied.Load(),
		StaleDiffsDropped: s.staleDropped.Load(),
		BufferedDropped:   s.bufferedDropped.Load(),
		InboundDropped:    s.inboundDropped.Load(),
	}
}

// routeLoop is the single fan-in point for all pairs. Messages for untracked
// pairs go to a bounded save buffer instead of being dropped, which is what
// makes pre-snapshot diffs safe. Known-stale diffs are discarded here so they
// never occupy per-pair queue space.
func (s *Synchronizer) routeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.in:
			s.route(msg)
		}
	}
}

func (s *Synchronizer) route(msg domain.OrderBookMessage) {
	// The tracked check and the presaved append must be atomic under s.mu:
	// a TrackPair between them would never see the message. TrackPair takes
	// s.mu before savedMu, so the same order here is deadlock-free.
	s.mu.Lock()
	h, tracked := s.pairs[msg.TradingPair]
	if !tracked {
		s.savedMu.Lock()
		buf := append(s.presaved[msg.TradingPair], msg)
		if len(buf) > s.opts.SaveBufferSize {
			buf = buf[1:] // drop oldest rather than blocking the listener
			s.bufferedDropped.Add(1)
		}
		s.presaved[msg.TradingPair] = buf
		s.savedMu.Unlock()
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if msg.Kind == domain.MessageKindDiff && h.book.SnapshotUpdateID() > msg.UpdateID {
		s.staleDropped.Add(1)
		s.logger.Debug("discarding stale diff",
			slog.String("trading_pair", msg.TradingPair),
			slog.Uint64("update_id", msg.UpdateID),
			slog.Uint64("snapshot_update_id", h.book.SnapshotUpdateID()),
		)
		return
	}

	select {
	case h.queue <- msg:
	default:
		// Shed the oldest queued message to keep the listener unblocked.
		select {
		case <-h.queue:
			s.bufferedDropped.Add(1)
		default:
		}
		select {
		case h.queue <- msg:
		default:
			s.inboundDropped.Add(1)
		}
	}
}

// trackLoop is the sole writer of one pair's book. Any error other than
// cancellation is logged and the loop resumes after a fixed sleep; it never
// exits on a transient failure.
func (s *Synchronizer) trackLoop(ctx context.Context, h *pairHandle) {
	defer s.wg.Done()
	for {
		err := s.runPair(ctx, h)
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("tracking loop error, retrying",
			slog.String("trading_pair", h.tradingPair),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.opts.RetryInterval):
		}
	}
}

func (s *Synchronizer) runPair(ctx context.Context, h *pairHandle) error {
	// Seed the book over REST when no snapshot has been applied yet. Diffs
	// buffered in the meantime replay on top of it below.
	if s.fetcher != nil && h.book.SnapshotUpdateID() == 0 {
		snap, err := s.fetcher.FetchSnapshot(ctx, h.tradingPair)
		if err != nil {
			return err
		}
		if err := s.applySnapshot(ctx, h, snap); err != nil {
			return err
		}
	}

	// Drain buffered pre-snapshot messages FIFO before touching the live
	// queue, so no live message overtakes an earlier buffered one. The slice
	// is consumed destructively so a retry after an error resumes where it
	// stopped.
	for len(h.saved) > 0 {
		msg := h.saved[0]
		h.saved = h.saved[1:]
		if err := s.process(ctx, h, msg); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-h.queue:
			if err := s.process(ctx, h, msg); err != nil {
				return err
			}
		}
	}
}

func (s *Synchronizer) process(ctx context.Context, h *pairHandle, msg domain.OrderBookMessage) error {
	switch msg.Kind {
	case domain.MessageKindDiff:
		return s.applyDiff(ctx, h, msg)
	case domain.MessageKindSnapshot:
		return s.applySnapshot(ctx, h, msg)
	default:
		// Trade prints carry no book state; nothing to apply.
		return nil
	}
}

func (s *Synchronizer) applyDiff(ctx context.Context, h *pairHandle, msg domain.OrderBookMessage) error {
	if h.book.SnapshotUpdateID() > msg.UpdateID {
		s.staleDropped.Add(1)
		return nil
	}
	bids, asks, err := s.converter.ConvertDiff(msg)
	if err != nil {
		return err
	}
	h.book.ApplyDiffs(bids, asks, msg.UpdateID)
	s.diffsApplied.Add(1)

	h.pastDiffs = append(h.pastDiffs, msg)
	if len(h.pastDiffs) > s.opts.PastDiffWindow {
		h.pastDiffs = h.pastDiffs[1:]
	}
	s.publishTop(ctx, h)
	return nil
}

// applySnapshot replaces the book's contents and replays the suffix of
// recently applied diffs at or after the snapshot's ordering key. This
// preserves diff work done concurrently with the snapshot fetch and avoids a
// full-state gap. A diff sharing the snapshot's update ID is included: the
// snapshot was cut at that ID, not after it, and replaying is idempotent.
func (s *Synchronizer) applySnapshot(ctx context.Context, h *pairHandle, msg domain.OrderBookMessage) error {
	bids, asks, err := s.converter.ConvertSnapshot(msg)
	if err != nil {
		return err
	}

	// pastDiffs is append-ordered by application time, so a binary search
	// finds the first diff not strictly before the snapshot.
	replayFrom := sort.Search(len(h.pastDiffs), func(i int) bool {
		return !msg.After(h.pastDiffs[i])
	})

	h.book.ApplySnapshot(bids, asks, msg.UpdateID)
	s.snapshotsApplied.Add(1)

	for _, diff := range h.pastDiffs[replayFrom:] {
		dBids, dAsks, err := s.converter.ConvertDiff(diff)
		if err != nil {
			return err
		}
		h.book.ApplyDiffs(dBids, dAsks, diff.UpdateID)
	}
	s.publishTop(ctx, h)
	return nil
}

func (s *Synchronizer) publishTop(ctx context.Context, h *pairHandle) {
	if s.cache == nil {
		return
	}
	bids := h.book.BidEntries()
	asks := h.book.AskEntries()
	if len(bids) == 0 || len(asks) == 0 {
		return
	}
	if err := s.cache.PublishTop(ctx, h.tradingPair, bids[0].Price, asks[0].Price, h.book.LastDiffUpdateID()); err != nil {
		s.logger.Warn("publish top of book failed",
			slog.String("trading_pair", h.tradingPair),
			slog.String("error", err.Error()),
		)
	}
}

// snapshotLoop periodically pulls a REST snapshot and submits it through the
// normal message path, as a backstop against missed diffs.
func (s *Synchronizer) snapshotLoop(ctx context.Context, h *pairHandle) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := s.fetcher.FetchSnapshot(ctx, h.tradingPair)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("snapshot poll failed",
					slog.String("trading_pair", h.tradingPair),
					slog.String("error", err.Error()),
				)
				continue
			}
			s.Submit(snap)
		}
	}
}
