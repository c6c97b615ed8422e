package orders

import (
	"sync"
	"time"
)

// terminalCache retains orders that reached a terminal state for a
// time-to-live window, so trailing updates from the slower of the two update
// sources can be recognized and discarded instead of being mistaken for
// unknown orders. It is safe for concurrent use.
type terminalCache struct {
	mu     sync.Mutex
	orders map[string]cachedOrder // clientOrderID -> order + eviction time
	ttl    time.Duration
}

type cachedOrder struct {
	order    *InFlightOrder
	cachedAt time.Time
}

func newTerminalCache(ttl time.Duration) *terminalCache {
	return &terminalCache{
		orders: make(map[string]cachedOrder),
		ttl:    ttl,
	}
}

// put records the order. Re-caching refreshes the eviction time.
func (c *terminalCache) put(order *InFlightOrder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders[order.ClientOrderID()] = cachedOrder{order: order, cachedAt: time.Now()}
}

// get returns the cached order if it has not expired.
func (c *terminalCache) get(clientOrderID string) (*InFlightOrder, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.orders[clientOrderID]
	if !ok {
		return nil, false
	}
	if time.Since(entry.cachedAt) >= c.ttl {
		delete(c.orders, clientOrderID)
		return nil, false
	}
	return entry.order, true
}

// cleanup removes expired entries. Call periodically to bound memory growth.
func (c *terminalCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for id, entry := range c.orders {
		if now.Sub(entry.cachedAt) >= c.ttl {
			delete(c.orders, id)
		}
	}
}
