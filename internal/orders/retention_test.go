package orders

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTerminalCacheExpiry(t *testing.T) {
	c := newTerminalCache(20 * time.Millisecond)
	order := newTestOrder("10")
	c.put(order)

	got, ok := c.get(order.ClientOrderID())
	require.True(t, ok)
	assert.Same(t, order, got)

	time.Sleep(30 * time.Millisecond)
	_, ok = c.get(order.ClientOrderID())
	assert.False(t, ok)
}

func TestTerminalCacheCleanup(t *testing.T) {
	c := newTerminalCache(10 * time.Millisecond)
	c.put(newTestOrder("10"))
	time.Sleep(20 * time.Millisecond)

	c.cleanup()

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.orders)
}
