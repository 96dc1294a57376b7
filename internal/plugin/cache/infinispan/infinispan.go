// Package infinispan registers the "infinispan" cache plugin. Infinispan
// exposes a RESP (Redis protocol) endpoint, so this plugin is a thin
// config-translation layer over the redis plugin's connection logic.
package infinispan

import (
	"context"
	"fmt"

	"github.com/fieldnote/memoryd/internal/config"
	"github.com/fieldnote/memoryd/internal/plugin/cache/redis"
	registrycache "github.com/fieldnote/memoryd/internal/registry/cache"
	goredis "github.com/redis/go-redis/v9"
)

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "infinispan",
		Loader: loadFromConfig,
	})
}

func loadFromConfig(ctx context.Context) (registrycache.MemoryEntriesCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.InfinispanHost == "" {
		return nil, fmt.Errorf("infinispan cache: MEMORYD_INFINISPAN_HOST is required")
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.InfinispanStartupTimeout)
	defer cancel()

	return redis.LoadFromOptionsWithTTL(dialCtx, respOptions(cfg), cfg.CacheEpochTTL)
}

// respOptions builds the go-redis options Infinispan's RESP endpoint
// requires. Protocol is pinned to RESP2: Infinispan doesn't answer the
// RESP3 HELLO handshake go-redis sends by default, and the connection
// simply hangs until the dial context expires.
func respOptions(cfg *config.Config) *goredis.Options {
	return &goredis.Options{
		Addr:     cfg.InfinispanHost,
		Username: cfg.InfinispanUsername,
		Password: cfg.InfinispanPassword,
		Protocol: 2,
	}
}
