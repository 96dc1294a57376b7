package service

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	registryembed "github.com/fieldnote/memoryd/internal/registry/embed"
	registryepisodic "github.com/fieldnote/memoryd/internal/registry/episodic"
)

// EpisodicIndexer polls for memories with indexed_at IS NULL and:
//   - Active rows (deleted_at IS NULL): generates embeddings and upserts them into the vector store.
//   - Soft-deleted rows (deleted_at IS NOT NULL): removes the corresponding vector entries.
type EpisodicIndexer struct {
	store     registryepisodic.EpisodicStore
	embedder  registryembed.Embedder
	interval  time.Duration
	batchSize int
	mu        sync.Mutex
}

// EpisodicIndexRunStats summarizes a single indexer cycle.
type EpisodicIndexRunStats struct {
	Pending            int `json:"pending"`
	Processed          int `json:"processed"`
	SkippedNoEmbedding int `json:"skipped_no_embedding"`
	Embedded           int `json:"embedded"`
	VectorUpserts      int `json:"vector_upserts"`
	VectorDeletes      int `json:"vector_deletes"`
	Failures           int `json:"failures"`
}

// NewEpisodicIndexer creates a new EpisodicIndexer. If embedder is nil, indexing is skipped
// for active rows but soft-deleted cleanup still runs.
func NewEpisodicIndexer(store registryepisodic.EpisodicStore, embedder registryembed.Embedder, interval time.Duration, batchSize int) *EpisodicIndexer {
	return &EpisodicIndexer{
		store:     store,
		embedder:  embedder,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Start runs the indexer until ctx is cancelled.
func (idx *EpisodicIndexer) Start(ctx context.Context) {
	if idx == nil || idx.store == nil || idx.interval <= 0 {
		return
	}
	ticker := time.NewTicker(idx.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = idx.Trigger(ctx)
		}
	}
}

// Trigger runs one indexing cycle synchronously.
func (idx *EpisodicIndexer) Trigger(ctx context.Context) (EpisodicIndexRunStats, error) {
	if idx == nil || idx.store == nil {
		return EpisodicIndexRunStats{}, nil
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.indexPendingBatch(ctx), nil
}

func (idx *EpisodicIndexer) indexPendingBatch(ctx context.Context) EpisodicIndexRunStats {
	stats := EpisodicIndexRunStats{}
	pending, err := idx.store.FindMemoriesPendingIndexing(ctx, idx.batchSize)
	if err != nil {
		log.Error("episodic indexer: find pending failed", "err", err)
		stats.Failures++
		return stats
	}
	stats.Pending = len(pending)
	for _, memory := range pending {
		stats.Processed++
		if memory.DeletedAt != nil {
			idx.retireVectors(ctx, memory, &stats)
			continue
		}
		idx.indexOne(ctx, memory, &stats)
	}
	return stats
}

func (idx *EpisodicIndexer) retireVectors(ctx context.Context, memory registryepisodic.PendingMemory, stats *EpisodicIndexRunStats) {
	if err := idx.store.DeleteMemoryVectors(ctx, memory.ID); err != nil {
		log.Warn("episodic indexer: delete vectors failed", "id", memory.ID, "err", err)
		stats.Failures++
		return
	}
	stats.VectorDeletes++
	if err := idx.store.SetMemoryIndexedAt(ctx, memory.ID, time.Now()); err != nil {
		log.Error("episodic indexer: set indexed_at failed", "id", memory.ID, "err", err)
		stats.Failures++
	}
}

func (idx *EpisodicIndexer) indexOne(ctx context.Context, memory registryepisodic.PendingMemory, stats *EpisodicIndexRunStats) {
	if memory.IndexDisabled || idx.embedder == nil || len(memory.Value) == 0 {
		stats.SkippedNoEmbedding++
		if err := idx.store.SetMemoryIndexedAt(ctx, memory.ID, time.Now()); err != nil {
			log.Error("episodic indexer: set indexed_at failed", "id", memory.ID, "err", err)
			stats.Failures++
		}
		return
	}

	fields, err := selectIndexableFields(memory.Value, memory.IndexFields)
	if err != nil || len(fields) == 0 {
		_ = idx.store.SetMemoryIndexedAt(ctx, memory.ID, time.Now())
		return
	}

	upserts := idx.embedFields(ctx, memory, fields, stats)
	if len(upserts) > 0 {
		if err := idx.store.UpsertMemoryVectors(ctx, upserts); err != nil {
			log.Warn("episodic indexer: upsert vectors failed", "id", memory.ID, "err", err)
			stats.Failures++
			return
		}
		stats.VectorUpserts += len(upserts)
	}

	if err := idx.store.SetMemoryIndexedAt(ctx, memory.ID, time.Now()); err != nil {
		log.Error("episodic indexer: set indexed_at failed", "id", memory.ID, "err", err)
		stats.Failures++
	}
}

type indexableField struct {
	name string
	text string
}

func (idx *EpisodicIndexer) embedFields(ctx context.Context, memory registryepisodic.PendingMemory, fields map[string]string, stats *EpisodicIndexRunStats) []registryepisodic.MemoryVectorUpsert {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var entries []indexableField
	for _, name := range names {
		if text := fields[name]; text != "" {
			entries = append(entries, indexableField{name: name, text: text})
		}
	}
	if len(entries) == 0 {
		return nil
	}

	texts := make([]string, len(entries))
	for i, entry := range entries {
		texts[i] = entry.text
	}
	embeddings, err := idx.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		log.Warn("episodic indexer: embed failed", "id", memory.ID, "err", err)
		stats.Failures++
		return nil
	}
	stats.Embedded += len(embeddings)

	var upserts []registryepisodic.MemoryVectorUpsert
	for i, entry := range entries {
		if i >= len(embeddings) {
			break
		}
		upserts = append(upserts, registryepisodic.MemoryVectorUpsert{
			MemoryID:         memory.ID,
			FieldName:        entry.name,
			Namespace:        memory.Namespace,
			PolicyAttributes: memory.PolicyAttributes,
			Embedding:        embeddings[i],
		})
	}
	return upserts
}

// selectIndexableFields parses a JSON value and returns the string
// fields selected for indexing. When indexFields is empty, every
// string leaf in the document is selected.
func selectIndexableFields(valueJSON []byte, indexFields []string) (map[string]string, error) {
	if len(valueJSON) == 0 {
		return nil, nil
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(valueJSON, &doc); err != nil {
		return nil, err
	}

	if len(indexFields) > 0 {
		out := make(map[string]string, len(indexFields))
		for _, path := range indexFields {
			if text, ok := resolveFieldPath(doc, path); ok {
				out[path] = text
			}
		}
		return out, nil
	}

	out := make(map[string]string)
	gatherStringLeaves(doc, out)
	return out, nil
}

func gatherStringLeaves(doc map[string]interface{}, out map[string]string) {
	for key, raw := range doc {
		switch v := raw.(type) {
		case string:
			out[key] = v
		case map[string]interface{}:
			gatherStringLeaves(v, out)
		}
	}
}

func resolveFieldPath(doc map[string]interface{}, path string) (string, bool) {
	if doc == nil || path == "" {
		return "", false
	}
	var current interface{} = doc
	parts := strings.Split(path, ".")
	for i, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return "", false
		}
		v, exists := m[part]
		if !exists {
			return "", false
		}
		if i == len(parts)-1 {
			s, ok := v.(string)
			return s, ok
		}
		current = v
	}
	return "", false
}
