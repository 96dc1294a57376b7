// Package migrate runs each storage backend's schema migrator in a
// deterministic order at startup (the episodic store's tables must
// exist before the vector index can reference them, for instance).
package migrate

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Migrator applies one plugin's schema migration.
type Migrator interface {
	Name() string
	Migrate(ctx context.Context) error
}

// Plugin pairs a Migrator with the order it must run in relative to
// the others.
type Plugin struct {
	Order    int
	Migrator Migrator
}

var (
	mu       sync.Mutex
	plugins  []Plugin
)

// Register adds a migration plugin, typically from an init() in the
// plugin's own package.
func Register(p Plugin) {
	mu.Lock()
	defer mu.Unlock()
	plugins = append(plugins, p)
}

// RunAll runs every registered migrator in ascending Order, stopping
// at the first failure.
func RunAll(ctx context.Context) error {
	mu.Lock()
	ordered := append([]Plugin(nil), plugins...)
	mu.Unlock()

	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	for _, p := range ordered {
		if err := p.Migrator.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate %s: %w", p.Migrator.Name(), err)
		}
	}
	return nil
}
