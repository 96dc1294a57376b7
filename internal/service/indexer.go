package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fieldnote/memoryd/internal/model"
	registryembed "github.com/fieldnote/memoryd/internal/registry/embed"
	registrystore "github.com/fieldnote/memoryd/internal/registry/store"
	registryvector "github.com/fieldnote/memoryd/internal/registry/vector"
)

// embedCandidate pairs an entry with the text that should be embedded
// for it; entries with no indexable content never reach this stage.
type embedCandidate struct {
	entry model.Entry
	text  string
}

// BackgroundIndexer periodically embeds entries that have not yet been
// pushed to the vector store and records the ones that succeeded.
type BackgroundIndexer struct {
	store    registrystore.MemoryStore
	embedder registryembed.Embedder
	vector   registryvector.VectorStore
	interval time.Duration
	batch    int
}

// NewBackgroundIndexer builds an indexer that polls store for up to
// batchSize pending entries per cycle.
func NewBackgroundIndexer(store registrystore.MemoryStore, embedder registryembed.Embedder, vector registryvector.VectorStore, batchSize int) *BackgroundIndexer {
	return &BackgroundIndexer{
		store:    store,
		embedder: embedder,
		vector:   vector,
		interval: 30 * time.Second,
		batch:    batchSize,
	}
}

// Start runs the polling loop until ctx is cancelled. A nil embedder or
// disabled vector store means there's nothing to index, so Start
// returns immediately rather than ticking forever for no reason.
func (b *BackgroundIndexer) Start(ctx context.Context) {
	if b.embedder == nil || b.vector == nil || !b.vector.IsEnabled() {
		log.Info("Background indexer disabled (no embedder or vector store)")
		return
	}

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.runCycle(ctx)
		}
	}
}

func (b *BackgroundIndexer) runCycle(ctx context.Context) {
	entries, err := b.store.FindEntriesPendingVectorIndexing(ctx, b.batch)
	if err != nil {
		log.Error("Indexer: list unindexed entries failed", "err", err)
		return
	}

	candidates := embeddableCandidates(entries)
	if len(candidates) == 0 {
		return
	}

	embeddings, err := b.embedAll(ctx, candidates)
	if err != nil {
		log.Error("Indexer: batch embed failed", "err", err)
		return
	}

	if err := b.upsertAll(ctx, candidates, embeddings); err != nil {
		log.Error("Indexer: batch vector upsert failed", "err", err)
		return
	}

	indexed := b.markIndexed(ctx, candidates)
	if indexed > 0 {
		log.Info("Indexer: indexed entries", "count", indexed)
	}
}

// embeddableCandidates drops entries that have no extracted content to
// embed; the store's "pending" query can't filter on that itself since
// indexed content is computed at write time, not query time.
func embeddableCandidates(entries []model.Entry) []embedCandidate {
	var candidates []embedCandidate
	for _, e := range entries {
		if e.IndexedContent != nil && *e.IndexedContent != "" {
			candidates = append(candidates, embedCandidate{entry: e, text: *e.IndexedContent})
		}
	}
	return candidates
}

func (b *BackgroundIndexer) embedAll(ctx context.Context, candidates []embedCandidate) ([][]float32, error) {
	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.text
	}
	return b.embedder.EmbedTexts(ctx, texts)
}

func (b *BackgroundIndexer) upsertAll(ctx context.Context, candidates []embedCandidate, embeddings [][]float32) error {
	upserts := make([]registryvector.UpsertRequest, len(candidates))
	for i, c := range candidates {
		upserts[i] = registryvector.UpsertRequest{
			ConversationGroupID: c.entry.ConversationGroupID,
			ConversationID:      c.entry.ConversationID,
			EntryID:             c.entry.ID,
			Embedding:           embeddings[i],
			ModelName:           b.embedder.ModelName(),
		}
	}
	return b.vector.Upsert(ctx, upserts)
}

func (b *BackgroundIndexer) markIndexed(ctx context.Context, candidates []embedCandidate) int {
	now := time.Now()
	count := 0
	for _, c := range candidates {
		if err := b.store.SetIndexedAt(ctx, c.entry.ID, c.entry.ConversationGroupID, now); err != nil {
			log.Error("Indexer: set indexed_at failed", "entryId", c.entry.ID, "err", err)
			continue
		}
		count++
	}
	return count
}
