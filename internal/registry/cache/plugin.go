// Package cache declares the pluggable entries-cache contract used to
// shortcut repeat reads of a conversation's latest entry page. A
// backend (redis, infinispan, or the no-op default) registers itself
// here at init() and is selected by name at startup.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/fieldnote/memoryd/internal/model"
	"github.com/google/uuid"
)

type entriesCacheKey struct{}

// WithEntriesCacheContext attaches the selected cache to ctx so store
// backends constructed later in the same request chain can read it
// back out without threading it through every constructor.
func WithEntriesCacheContext(ctx context.Context, c MemoryEntriesCache) context.Context {
	return context.WithValue(ctx, entriesCacheKey{}, c)
}

// EntriesCacheFromContext retrieves the cache WithEntriesCacheContext
// attached, or nil if none was set.
func EntriesCacheFromContext(ctx context.Context) MemoryEntriesCache {
	c, _ := ctx.Value(entriesCacheKey{}).(MemoryEntriesCache)
	return c
}

// CachedMemoryEntries is the cached value: a page of entries plus the
// conversation epoch they were read at, so a stale epoch can be
// detected on read without a store round trip.
type CachedMemoryEntries struct {
	Entries []model.Entry
	Epoch   *int64
}

// MemoryEntriesCache is the contract a cache backend implements.
type MemoryEntriesCache interface {
	// Available reports whether the backend is actually reachable;
	// callers fall back to a direct store read when it returns false.
	Available() bool
	Get(ctx context.Context, conversationID uuid.UUID, clientID string) (*CachedMemoryEntries, error)
	Set(ctx context.Context, conversationID uuid.UUID, clientID string, entries CachedMemoryEntries, ttl time.Duration) error
	Remove(ctx context.Context, conversationID uuid.UUID, clientID string) error
}

// Loader constructs a MemoryEntriesCache from resolved configuration.
type Loader func(ctx context.Context) (MemoryEntriesCache, error)

// Plugin names one cache backend.
type Plugin struct {
	Name   string
	Loader Loader
}

type registry struct {
	order  []string
	byName map[string]Loader
}

func (r *registry) add(name string, loader Loader) {
	if r.byName == nil {
		r.byName = map[string]Loader{}
	}
	if _, exists := r.byName[name]; !exists {
		r.order = append(r.order, name)
	}
	r.byName[name] = loader
}

var plugins registry

// Register adds a cache plugin, typically from an init() in the
// plugin's own package.
func Register(p Plugin) {
	plugins.add(p.Name, p.Loader)
}

// Names lists every registered cache backend, in registration order.
func Names() []string {
	out := make([]string, len(plugins.order))
	copy(out, plugins.order)
	return out
}

// Select returns the loader registered under name.
func Select(name string) (Loader, error) {
	loader, ok := plugins.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown cache backend %q; valid: %v", name, Names())
	}
	return loader, nil
}
