// Package episodic declares EpisodicStore, the data-access contract
// for namespaced key/value memories, and the registry backends
// implement it against (Postgres + pgvector, Mongo + a vector
// sidecar, ...). It is independent of the conversation/entry
// MemoryStore in package store — episodic memory has its own lifecycle,
// its own policy engine, and its own event timeline.
package episodic

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PutMemoryRequest is the input to PutMemory.
type PutMemoryRequest struct {
	Namespace []string               `json:"namespace"`
	Key       string                 `json:"key"`
	Value     map[string]interface{} `json:"value"`
	// Attributes are caller-supplied metadata, encrypted at rest like
	// Value. The OPA attribute extraction policy reads them to derive
	// PolicyAttributes.
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	// TTLSeconds is the time-to-live in seconds; 0 means no expiry.
	TTLSeconds int `json:"ttl_seconds,omitempty"`
	// IndexFields lists the value fields to embed for semantic search.
	// nil means every string leaf field; pass an empty slice with
	// IndexDisabled to opt out entirely.
	IndexFields   []string `json:"index_fields,omitempty"`
	IndexDisabled bool     `json:"index_disabled,omitempty"`
	// PolicyAttributes holds the OPA-extracted plaintext attributes;
	// the route handler sets this before calling the store, so it is
	// never part of the request body's JSON.
	PolicyAttributes map[string]interface{} `json:"-"`
}

// MemoryItem is the external shape of one active memory, as returned
// by a get or a search.
type MemoryItem struct {
	ID         uuid.UUID              `json:"id"`
	Namespace  []string               `json:"namespace"`
	Key        string                 `json:"key"`
	Value      map[string]interface{} `json:"value,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	// Score is nil outside of vector-ranked results.
	Score     *float64   `json:"score,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

// MemoryWriteResult is PutMemory's response. It omits Value
// deliberately — a write acknowledgment shouldn't echo back plaintext
// that may have just been re-encrypted under a different key.
type MemoryWriteResult struct {
	ID         uuid.UUID              `json:"id"`
	Namespace  []string               `json:"namespace"`
	Key        string                 `json:"key"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
	ExpiresAt  *time.Time             `json:"expiresAt"`
}

// SearchRequest is the input to POST /v1/memories/search.
type SearchRequest struct {
	NamespacePrefix []string `json:"namespace_prefix"`
	// Query, if set, triggers vector similarity search instead of a
	// plain attribute-filter scan.
	Query  string          `json:"query,omitempty"`
	Filter json.RawMessage `json:"filter,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	// Offset only applies in attribute-only mode; a vector search
	// ranks by score and has no stable page boundary to offset into.
	Offset int `json:"offset,omitempty"`
}

// ListNamespacesRequest is the input to GET /v1/memories/namespaces.
type ListNamespacesRequest struct {
	Prefix   []string
	Suffix   []string
	MaxDepth int
}

// MemoryVectorUpsert is one field's embedding to write into
// memory_vectors.
type MemoryVectorUpsert struct {
	MemoryID  uuid.UUID
	FieldName string
	Namespace string // RS-encoded
	PolicyAttributes map[string]interface{}
	Embedding        []float32
}

// MemoryVectorSearch is one ranked hit from a memory_vectors ANN
// search.
type MemoryVectorSearch struct {
	MemoryID uuid.UUID
	Score    float64
}

// PendingMemory is a row awaiting indexing, as returned by
// FindMemoriesPendingIndexing. Value has already been decrypted by the
// store.
type PendingMemory struct {
	ID               uuid.UUID
	Namespace        string // RS-encoded
	Value            []byte // nil for a soft-deleted row with nothing left to index
	PolicyAttributes map[string]interface{}
	IndexFields      []string
	IndexDisabled    bool
	DeletedAt        *time.Time
}

// Event kinds recorded in the memory lifecycle timeline.
const (
	EventKindAdd     = "add"
	EventKindUpdate  = "update"
	EventKindDelete  = "delete"
	EventKindExpired = "expired"
)

// EventCursor is the decoded form of ListEventsRequest.AfterCursor.
type EventCursor struct {
	OccurredAt time.Time `json:"t"`
	ID         string    `json:"id"`
}

// ListEventsRequest is the input to GET /v1/memories/events.
type ListEventsRequest struct {
	NamespacePrefix []string
	// Kinds filters to these event kinds; nil/empty means all kinds.
	Kinds       []string
	After       *time.Time
	Before      *time.Time
	AfterCursor string
	Limit       int
}

// MemoryEvent is one entry in the lifecycle timeline: a write, a
// delete, or an expiry.
type MemoryEvent struct {
	ID        uuid.UUID `json:"id"`
	Namespace []string  `json:"namespace"`
	Key       string    `json:"key"`
	Kind      string    `json:"kind"`
	// OccurredAt is created_at for add/update, deleted_at for
	// delete/expired.
	OccurredAt time.Time `json:"occurredAt"`
	// Value and Attributes are nil for delete/expired tombstones —
	// there is nothing left to show once the row has been cleared.
	Value      map[string]interface{} `json:"value,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	ExpiresAt  *time.Time             `json:"expiresAt,omitempty"`
}

// MemoryEventPage is one page of ListMemoryEvents. AfterCursor is
// empty once there are no more pages.
type MemoryEventPage struct {
	Events      []MemoryEvent `json:"events"`
	AfterCursor string        `json:"afterCursor,omitempty"`
}

// EpisodicStore is the data-access contract every episodic memory
// backend implements.
type EpisodicStore interface {
	// PutMemory upserts a memory. On update, the previous active row
	// is soft-deleted rather than overwritten.
	PutMemory(ctx context.Context, req PutMemoryRequest) (*MemoryWriteResult, error)
	// GetMemory returns the active row for (namespace, key), or nil,
	// nil if there isn't one.
	GetMemory(ctx context.Context, namespace []string, key string) (*MemoryItem, error)
	// DeleteMemory soft-deletes the active row; deleting an
	// already-absent key is a no-op, not an error.
	DeleteMemory(ctx context.Context, namespace []string, key string) error
	// SearchMemories runs an attribute-filter-only scan under
	// namespacePrefix. filter may be nil.
	SearchMemories(ctx context.Context, namespacePrefix []string, filter map[string]interface{}, limit, offset int) ([]MemoryItem, error)
	// ListNamespaces returns the distinct active namespaces matching
	// the prefix/suffix constraints.
	ListNamespaces(ctx context.Context, req ListNamespacesRequest) ([][]string, error)

	// FindMemoriesPendingIndexing returns up to limit rows with
	// indexed_at IS NULL, for the background indexer to pick up.
	FindMemoriesPendingIndexing(ctx context.Context, limit int) ([]PendingMemory, error)
	// SetMemoryIndexedAt marks a row indexed.
	SetMemoryIndexedAt(ctx context.Context, memoryID uuid.UUID, indexedAt time.Time) error

	// UpsertMemoryVectors writes embeddings for one or more
	// (memory_id, field_name) pairs.
	UpsertMemoryVectors(ctx context.Context, items []MemoryVectorUpsert) error
	// DeleteMemoryVectors removes every vector row for a memory.
	DeleteMemoryVectors(ctx context.Context, memoryID uuid.UUID) error
	// SearchMemoryVectors runs an ANN search under namespacePrefix,
	// optionally constrained by filter, and returns ranked memory IDs.
	SearchMemoryVectors(ctx context.Context, namespacePrefix string, embedding []float32, filter map[string]interface{}, limit int) ([]MemoryVectorSearch, error)
	// GetMemoriesByIDs resolves and decrypts a batch of active
	// memories by ID, e.g. to hydrate vector search hits.
	GetMemoriesByIDs(ctx context.Context, ids []uuid.UUID) ([]MemoryItem, error)

	// ExpireMemories soft-deletes every row whose expires_at has
	// passed and clears its indexed_at so eviction can pick it up.
	ExpireMemories(ctx context.Context) (int64, error)
	// HardDeleteEvictableUpdates permanently removes rows superseded
	// by a later write (deleted_reason 0) that have already been
	// re-indexed, up to limit rows.
	HardDeleteEvictableUpdates(ctx context.Context, limit int) (int64, error)
	// TombstoneDeletedMemories clears the encrypted payload (but keeps
	// the row) for explicit-delete/expired rows that have already been
	// re-indexed, up to limit rows.
	TombstoneDeletedMemories(ctx context.Context, limit int) (int64, error)
	// HardDeleteExpiredTombstones permanently removes tombstone rows
	// older than olderThan, up to limit rows.
	HardDeleteExpiredTombstones(ctx context.Context, olderThan time.Time, limit int) (int64, error)

	// ListMemoryEvents returns a paginated, time-ordered slice of the
	// lifecycle timeline.
	ListMemoryEvents(ctx context.Context, req ListEventsRequest) (*MemoryEventPage, error)

	// AdminGetMemoryByID returns a row regardless of its soft-delete
	// state.
	AdminGetMemoryByID(ctx context.Context, memoryID uuid.UUID) (*MemoryItem, error)
	// AdminForceDeleteMemory permanently removes a row regardless of
	// state.
	AdminForceDeleteMemory(ctx context.Context, memoryID uuid.UUID) error
	// AdminCountPendingIndexing reports the current indexer backlog.
	AdminCountPendingIndexing(ctx context.Context) (int64, error)
}

// Loader constructs an EpisodicStore once config and the encryption
// service have been resolved from ctx.
type Loader func(ctx context.Context) (EpisodicStore, error)

// Plugin names one episodic store implementation.
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

// Register adds an episodic store plugin, typically from an init() in
// the plugin's own package.
func Register(p Plugin) {
	plugins.add(p.Name, p.Loader)
}

// Names lists every registered episodic store plugin, in registration
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
		return nil, fmt.Errorf("unknown episodic store %q; valid: %v", name, Names())
	}
	return loader, nil
}
