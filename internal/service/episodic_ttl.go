package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	registryepisodic "github.com/fieldnote/memoryd/internal/registry/episodic"
)

// EpisodicTTLService periodically retires episodic memory rows in
// four passes: expire anything past its TTL, hard-delete superseded
// updates once their vector entries are confirmed removed, tombstone
// deleted/expired rows (clearing their payload but keeping the event
// history), then purge tombstones past the retention window.
type EpisodicTTLService struct {
	store              registryepisodic.EpisodicStore
	interval           time.Duration
	evictionBatch      int
	tombstoneRetention time.Duration
}

// NewEpisodicTTLService builds a TTL sweeper over store.
func NewEpisodicTTLService(store registryepisodic.EpisodicStore, interval time.Duration, evictionBatch int, tombstoneRetention time.Duration) *EpisodicTTLService {
	return &EpisodicTTLService{
		store:              store,
		interval:           interval,
		evictionBatch:      evictionBatch,
		tombstoneRetention: tombstoneRetention,
	}
}

// Start runs the sweep loop until ctx is cancelled. A nil store or
// non-positive interval disables the loop entirely.
func (s *EpisodicTTLService) Start(ctx context.Context) {
	if s == nil || s.store == nil || s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *EpisodicTTLService) sweepOnce(ctx context.Context) {
	if n, err := s.store.ExpireMemories(ctx); err != nil {
		log.Error("Episodic TTL expiry failed", "err", err)
	} else if n > 0 {
		log.Info("Episodic TTL expiry", "expired", n)
	}

	if n, err := s.store.HardDeleteEvictableUpdates(ctx, s.evictionBatch); err != nil {
		log.Error("Episodic eviction (updates) failed", "err", err)
	} else if n > 0 {
		log.Info("Episodic eviction (updates)", "deleted", n)
	}

	if n, err := s.store.TombstoneDeletedMemories(ctx, s.evictionBatch); err != nil {
		log.Error("Episodic tombstone pass failed", "err", err)
	} else if n > 0 {
		log.Info("Episodic tombstone pass", "tombstoned", n)
	}

	if s.tombstoneRetention <= 0 {
		return
	}
	olderThan := time.Now().Add(-s.tombstoneRetention)
	if n, err := s.store.HardDeleteExpiredTombstones(ctx, olderThan, s.evictionBatch); err != nil {
		log.Error("Episodic tombstone cleanup failed", "err", err)
	} else if n > 0 {
		log.Info("Episodic tombstone cleanup", "deleted", n)
	}
}
