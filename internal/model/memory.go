package model

import (
	"time"

	"github.com/google/uuid"
)

// memoryKind distinguishes a memory row's place in its key's write history:
// the first write for a (namespace, key) pair versus a later one that
// superseded it.
type memoryKind = int16

const (
	MemoryKindAdd    memoryKind = 0
	MemoryKindUpdate memoryKind = 1
)

// memoryDeletedReason explains why a memory row stopped being the active
// row for its key. Nil means the row is still active.
type memoryDeletedReason = int16

const (
	MemoryDeletedSuperseded memoryDeletedReason = 0
	MemoryDeletedExplicit   memoryDeletedReason = 1
	MemoryDeletedExpired    memoryDeletedReason = 2
)

// Memory is one write event for a namespaced key/value memory item. Writes
// are never updated in place: each write inserts a new row, and the
// previous active row for the same (namespace, key) is soft-deleted with
// DeletedReason set to MemoryDeletedSuperseded. The current value of a key
// is therefore always "the row with this namespace and key where DeletedAt
// is null" — at most one such row exists at a time.
type Memory struct {
	ID uuid.UUID `json:"id" gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`

	// Namespace is the path-segment-encoded namespace (percent-encoded
	// segments joined with \x1e); callers work with []string, this is the
	// flattened storage form used for prefix range scans.
	Namespace string `json:"-" gorm:"not null"`
	Key       string `json:"key" gorm:"not null"`

	// ValueEncrypted is the AES-256-GCM ciphertext of the JSON value,
	// decrypted at the store boundary. Nil on tombstone rows.
	ValueEncrypted []byte `json:"-" gorm:"column:value_encrypted"`

	// Attributes is the AES-256-GCM ciphertext of caller-supplied
	// attributes, returned to clients after decryption.
	Attributes []byte `json:"-" gorm:"column:attributes"`

	// PolicyAttributes holds plaintext attributes extracted by the policy
	// engine at write time, used for server-side filtering; never
	// serialized back to a client.
	PolicyAttributes map[string]interface{} `json:"-" gorm:"type:jsonb;serializer:json;column:policy_attributes"`

	// IndexFields restricts which top-level value fields get embedded for
	// semantic search; nil means the whole value is eligible.
	IndexFields   []string `json:"-" gorm:"type:jsonb;serializer:json;column:index_fields"`
	IndexDisabled bool     `json:"-" gorm:"column:index_disabled"`
	IndexedAt     *time.Time `json:"-" gorm:"column:indexed_at"` // nil until the indexer has processed this row

	Kind      memoryKind `json:"-" gorm:"not null;default:0;column:kind"`
	CreatedAt time.Time  `json:"createdAt" gorm:"not null;default:now()"`
	ExpiresAt *time.Time `json:"expiresAt" gorm:"column:expires_at"`

	DeletedAt     *time.Time           `json:"-" gorm:"column:deleted_at"`
	DeletedReason *memoryDeletedReason `json:"-" gorm:"column:deleted_reason"`
}

func (Memory) TableName() string { return "memories" }

// Active reports whether this row is the current value for its key.
func (m Memory) Active() bool { return m.DeletedAt == nil }

// MemoryVector is one embedded field of a Memory: a value can index more
// than one field separately (e.g. "summary" and "body" embedded with
// different vectors), so this is a one-to-many child row rather than a
// column on Memory itself.
type MemoryVector struct {
	MemoryID  uuid.UUID `gorm:"not null;primaryKey;column:memory_id"`
	FieldName string    `gorm:"not null;primaryKey;column:field_name"`

	// Namespace and PolicyAttributes are denormalized from the parent
	// Memory so a KNN search can filter without joining back.
	Namespace        string                  `gorm:"not null;column:namespace"`
	PolicyAttributes map[string]interface{} `gorm:"type:jsonb;serializer:json;column:policy_attributes"`
}

func (MemoryVector) TableName() string { return "memory_vectors" }
