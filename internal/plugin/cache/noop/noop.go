// Package noop registers the "none" cache backend: a MemoryEntriesCache
// that never caches anything, used when no real cache is configured so
// callers can unconditionally go through the cache interface.
package noop

import (
	"context"
	"time"

	"github.com/fieldnote/memoryd/internal/registry/cache"
	"github.com/google/uuid"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (cache.MemoryEntriesCache, error) {
			return discardCache{}, nil
		},
	})
}

type discardCache struct{}

func (discardCache) Available() bool { return false }

func (discardCache) Get(_ context.Context, _ uuid.UUID, _ string) (*cache.CachedMemoryEntries, error) {
	return nil, nil
}

func (discardCache) Set(_ context.Context, _ uuid.UUID, _ string, _ cache.CachedMemoryEntries, _ time.Duration) error {
	return nil
}

func (discardCache) Remove(_ context.Context, _ uuid.UUID, _ string) error { return nil }

var _ cache.MemoryEntriesCache = discardCache{}
