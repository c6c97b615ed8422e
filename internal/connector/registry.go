package connector

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/kortella/tidebot/internal/config"
)

// Factory builds an exchange Adapter from configuration. Per-exchange
// packages register a Factory in their init function.
type Factory func(cfg config.Exchange, logger *slog.Logger) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a factory under the given exchange name. A duplicate name
// replaces the previous factory.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Lookup returns the factory for an exchange name.
func Lookup(name string) (Factory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("connector: exchange %q: not registered (known: %v)", name, names())
	}
	return f, nil
}

func names() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
