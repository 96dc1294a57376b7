package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	registrystore "github.com/fieldnote/memoryd/internal/registry/store"
)

// EvictionService hard-deletes conversation groups once they've sat
// soft-deleted past the retention window, queuing a vector-store
// delete task for each group first so orphaned embeddings get cleaned
// up asynchronously rather than blocking the sweep.
type EvictionService struct {
	store     registrystore.MemoryStore
	interval  time.Duration
	retention time.Duration
	batchSize int
	delay     time.Duration
}

// NewEvictionService builds a sweeper with a 1 hour tick and a 30 day
// retention window.
func NewEvictionService(store registrystore.MemoryStore, batchSize int, delayMs int) *EvictionService {
	return &EvictionService{
		store:     store,
		interval:  time.Hour,
		retention: 30 * 24 * time.Hour,
		batchSize: batchSize,
		delay:     time.Duration(delayMs) * time.Millisecond,
	}
}

// Start runs the eviction loop until ctx is cancelled.
func (e *EvictionService) Start(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepOnce(ctx)
		}
	}
}

func (e *EvictionService) sweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-e.retention)
	total, err := e.store.CountEvictableGroups(ctx, cutoff)
	if err != nil {
		log.Error("Eviction: count failed", "err", err)
		return
	}
	if total == 0 {
		return
	}

	log.Info("Eviction: starting", "total", total, "cutoff", cutoff)
	evicted := 0
	for {
		ids, err := e.store.FindEvictableGroupIDs(ctx, cutoff, e.batchSize)
		if err != nil {
			log.Error("Eviction: find IDs failed", "err", err)
			return
		}
		if len(ids) == 0 {
			break
		}

		for _, id := range ids {
			task := map[string]interface{}{"conversationGroupId": id.String()}
			if err := e.store.CreateTask(ctx, "vector_store_delete", task); err != nil {
				log.Error("Eviction: create vector delete task failed", "groupId", id, "err", err)
			}
		}
		if err := e.store.HardDeleteConversationGroups(ctx, ids); err != nil {
			log.Error("Eviction: hard delete failed", "err", err)
		}
		evicted += len(ids)

		if e.delay <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.delay):
		}
	}
	log.Info("Eviction: completed", "evicted", evicted)
}
