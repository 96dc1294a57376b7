// Package vector defines the VectorStore interface and its plugin
// registry, so the semantic search backend (pgvector, qdrant,
// sqlite-vec) can be selected by name at startup.
package vector

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// SearchHit is a single ranked result from a vector search.
type SearchHit struct {
	EntryID        uuid.UUID `json:"entryId"`
	ConversationID uuid.UUID `json:"conversationId"`
	Score          float64   `json:"score"`
}

// UpsertRequest is one entry's embedding to write into the index.
type UpsertRequest struct {
	ConversationGroupID uuid.UUID
	ConversationID      uuid.UUID
	EntryID             uuid.UUID
	Embedding           []float32
	ModelName           string
}

// VectorStore is the interface every semantic search backend
// implements.
type VectorStore interface {
	Search(ctx context.Context, embedding []float32, conversationGroupIDs []uuid.UUID, limit int) ([]SearchHit, error)
	Upsert(ctx context.Context, entries []UpsertRequest) error
	DeleteByConversationGroupID(ctx context.Context, conversationGroupID uuid.UUID) error
	// IsEnabled reports whether this backend is configured and ready;
	// when false, search uses full-text only, the background indexer
	// does not start, and vector deletes are skipped.
	IsEnabled() bool
	Name() string
}

// Loader constructs a VectorStore once its backend's configuration has
// been resolved.
type Loader func(ctx context.Context) (VectorStore, error)

// Plugin names one vector store implementation.
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

// Register adds a vector store plugin, typically from an init() in
// the plugin's own package.
func Register(p Plugin) {
	plugins.add(p.Name, p.Loader)
}

// Names lists every registered vector store plugin, in registration
// order.
func Names() []string {
	out := make([]string, len(plugins.order))
	copy(out, plugins.order)
	return out
}

// Select returns the loader registered under name.
func Select(name string) (Loader, error) {
	loader, ok := plugins.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown vector store %q; valid: %v", name, Names())
	}
	return loader, nil
}
