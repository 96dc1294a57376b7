// Package redis implements the "redis" entries-cache plugin, and
// exposes its client-construction helpers for reuse by the Infinispan
// plugin (which speaks the RESP protocol behind a different wire URL).
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fieldnote/memoryd/internal/config"
	registrycache "github.com/fieldnote/memoryd/internal/registry/cache"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const defaultEntryTTL = 10 * time.Minute

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: loadFromConfig,
	})
}

func loadFromConfig(ctx context.Context) (registrycache.MemoryEntriesCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: MEMORYD_REDIS_URL is required")
	}
	ttl := cfg.CacheEpochTTL
	if ttl <= 0 {
		ttl = defaultEntryTTL
	}
	return LoadFromURLWithTTL(ctx, cfg.RedisURL, ttl)
}

// LoadFromURL creates a MemoryEntriesCache from a Redis-compatible URL,
// using the default entry TTL.
func LoadFromURL(ctx context.Context, redisURL string) (registrycache.MemoryEntriesCache, error) {
	return LoadFromURLWithTTL(ctx, redisURL, defaultEntryTTL)
}

// LoadFromURLWithTTL creates a cache with an explicit memory-entry TTL.
func LoadFromURLWithTTL(ctx context.Context, redisURL string, ttl time.Duration) (registrycache.MemoryEntriesCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	return LoadFromOptionsWithTTL(ctx, opts, ttl)
}

// LoadFromOptions creates a MemoryEntriesCache from go-redis Options,
// letting callers customize connection details (e.g. Protocol for RESP2).
func LoadFromOptions(ctx context.Context, opts *goredis.Options) (registrycache.MemoryEntriesCache, error) {
	return LoadFromOptionsWithTTL(ctx, opts, defaultEntryTTL)
}

// LoadFromOptionsWithTTL is the common constructor every other loader
// in this file funnels through.
func LoadFromOptionsWithTTL(ctx context.Context, opts *goredis.Options, ttl time.Duration) (registrycache.MemoryEntriesCache, error) {
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultEntryTTL
	}
	return &entriesCache{client: client, ttl: ttl}, nil
}

type entriesCache struct {
	client *goredis.Client
	ttl    time.Duration
}

var _ registrycache.MemoryEntriesCache = (*entriesCache)(nil)

func cacheKey(convID uuid.UUID, clientID string) string {
	return fmt.Sprintf("mem-entries:%s:%s", convID.String(), clientID)
}

func (c *entriesCache) Available() bool {
	return true
}

func (c *entriesCache) Get(ctx context.Context, conversationID uuid.UUID, clientID string) (*registrycache.CachedMemoryEntries, error) {
	raw, err := c.client.Get(ctx, cacheKey(conversationID, clientID)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cached registrycache.CachedMemoryEntries
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, err
	}
	return &cached, nil
}

func (c *entriesCache) Set(ctx context.Context, conversationID uuid.UUID, clientID string, entries registrycache.CachedMemoryEntries, ttl time.Duration) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	if ttl == 0 {
		ttl = c.ttl
	}
	return c.client.Set(ctx, cacheKey(conversationID, clientID), raw, ttl).Err()
}

func (c *entriesCache) Remove(ctx context.Context, conversationID uuid.UUID, clientID string) error {
	return c.client.Del(ctx, cacheKey(conversationID, clientID)).Err()
}
