// Package events provides the in-process fan-out of order lifecycle events
// from the tracker to strategy subscribers.
package events

import (
	"log/slog"
	"sync"

	"github.com/kortella/tidebot/internal/domain"
)

const defaultSubscriberBuffer = 256

// Bus fans order lifecycle events out to subscribers. Publication never
// blocks: a subscriber that falls behind loses events rather than stalling
// the tracker.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan domain.OrderEvent
	closed bool
	logger *slog.Logger
}

// NewBus creates an empty Bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger: logger.With(slog.String("component", "event_bus")),
	}
}

// Subscribe registers a new subscriber and returns its event channel. The
// channel is closed when the bus is closed.
func (b *Bus) Subscribe() <-chan domain.OrderEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan domain.OrderEvent, defaultSubscriberBuffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers evt to every subscriber without blocking.
func (b *Bus) Publish(evt domain.OrderEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.logger.Warn("subscriber lagging, dropping event",
				slog.String("kind", string(evt.Kind)),
				slog.String("client_order_id", evt.ClientOrderID),
			)
		}
	}
}

// Close closes all subscriber channels. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
