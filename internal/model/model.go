// Package model defines the persisted shapes of the conversation memory
// domain: fork trees of conversations grouped for sharing, their entries,
// membership grants, pending ownership transfers, background tasks, and
// attachment metadata.
package model

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Channel distinguishes the two kinds of entries a conversation can hold:
// the raw agent/user transcript (history) and the curated view an agent
// actually conditions on (memory).
type Channel string

const (
	ChannelHistory Channel = "history"
	ChannelMemory  Channel = "memory"
)

// AccessLevel is a grant a user holds on a conversation group. Levels form a
// total order: owner dominates manager dominates writer dominates reader.
type AccessLevel string

const (
	AccessLevelOwner   AccessLevel = "owner"
	AccessLevelManager AccessLevel = "manager"
	AccessLevelWriter  AccessLevel = "writer"
	AccessLevelReader  AccessLevel = "reader"
)

// accessOrder ranks levels from lowest to highest privilege; index+1 is
// the numeric rank (0 for an unknown level) so dominance checks are a
// slice lookup away.
var accessOrder = []AccessLevel{AccessLevelReader, AccessLevelWriter, AccessLevelManager, AccessLevelOwner}

func accessRank(level AccessLevel) int {
	for i, l := range accessOrder {
		if l == level {
			return i + 1
		}
	}
	return 0
}

// IsAtLeast reports whether a dominates or equals level in the access order.
func (a AccessLevel) IsAtLeast(level AccessLevel) bool {
	return accessRank(a) >= accessRank(level)
}

// ConversationListMode selects which members of a fork tree a listing
// returns.
type ConversationListMode string

const (
	ListModeAll        ConversationListMode = "all"
	ListModeRoots      ConversationListMode = "roots"
	ListModeLatestFork ConversationListMode = "latest-fork"
)

// ConversationGroup is the sharing and access-control unit: every
// conversation reachable by forking from a common root belongs to exactly
// one group, and memberships/ownership transfers are scoped to the group
// rather than to an individual conversation row.
type ConversationGroup struct {
	ID        uuid.UUID  `json:"id"        gorm:"primaryKey;type:uuid"`
	CreatedAt time.Time  `json:"createdAt" gorm:"not null;default:now()"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

func (ConversationGroup) TableName() string { return "conversation_groups" }

// Conversation is one node in a fork tree. ForkedAtEntryID/ForkedAtConversationID
// are both nil for a tree root; a fork records the entry it branched from so
// downstream queries can reconstruct which ancestor entries are visible to it.
type Conversation struct {
	ID                     uuid.UUID              `json:"id" gorm:"primaryKey;type:uuid"`
	ConversationGroupID    uuid.UUID              `json:"-" gorm:"not null;type:uuid"`
	ConversationGroup      *ConversationGroup      `json:"-" gorm:"foreignKey:ConversationGroupID"`
	OwnerUserID            string                 `json:"ownerUserId" gorm:"not null"`
	Title                  []byte                 `json:"-" gorm:"type:bytea"` // ciphertext; decrypted at the store boundary
	Metadata               map[string]interface{} `json:"metadata" gorm:"type:jsonb;serializer:json;not null;default:'{}'"`
	ForkedAtEntryID        *uuid.UUID             `json:"forkedAtEntryId,omitempty" gorm:"type:uuid"`
	ForkedAtConversationID *uuid.UUID             `json:"forkedAtConversationId,omitempty" gorm:"type:uuid"`
	VectorizedAt           *time.Time             `json:"vectorizedAt,omitempty"`
	CreatedAt              time.Time              `json:"createdAt" gorm:"not null;default:now()"`
	UpdatedAt              time.Time              `json:"updatedAt" gorm:"not null;default:now()"`
	DeletedAt              *time.Time             `json:"deletedAt,omitempty"`
}

func (Conversation) TableName() string { return "conversations" }

// IsRoot reports whether this conversation is the root of its fork tree.
func (c Conversation) IsRoot() bool {
	return c.ForkedAtEntryID == nil && c.ForkedAtConversationID == nil
}

// ConversationMembership grants a user an AccessLevel on every conversation
// in a group; the pair (group, user) is the natural key, so re-granting
// access is an upsert rather than a new row.
type ConversationMembership struct {
	ConversationGroupID uuid.UUID   `json:"-" gorm:"primaryKey;type:uuid"`
	UserID              string      `json:"userId" gorm:"primaryKey"`
	AccessLevel         AccessLevel `json:"accessLevel" gorm:"not null"`
	CreatedAt           time.Time   `json:"createdAt" gorm:"not null;default:now()"`
}

func (ConversationMembership) TableName() string { return "conversation_memberships" }

// Entry is a single message or memory record. ConversationGroupID is
// duplicated from the owning conversation (rather than joined at read time)
// so group-scoped queries — eviction, search pre-filtering — avoid a join
// on the hot path. Epoch is only meaningful for Channel == ChannelMemory,
// where it counts how many times the entry-sync protocol has had to
// diverge and rewrite history for this conversation.
type Entry struct {
	ID                  uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	ConversationID      uuid.UUID `json:"conversationId" gorm:"not null;type:uuid"`
	ConversationGroupID uuid.UUID `json:"-" gorm:"primaryKey;type:uuid"`
	Channel             Channel   `json:"channel" gorm:"not null"`
	Epoch               *int64    `json:"epoch,omitempty"`
	UserID              *string   `json:"userId,omitempty"`
	ClientID            *string   `json:"clientId,omitempty"`
	ContentType         string    `json:"contentType" gorm:"not null"`
	Content             []byte    `json:"-" gorm:"type:bytea;not null"` // ciphertext; see MarshalJSON
	IndexedContent      *string   `json:"indexedContent,omitempty"`
	IndexedAt           *time.Time `json:"indexedAt,omitempty"`
	CreatedAt           time.Time `json:"createdAt" gorm:"not null;default:now()"`
}

func (Entry) TableName() string { return "entries" }

// entryWire is the JSON-on-the-wire shape of an Entry: identical field set,
// but Content is a raw JSON value instead of an opaque byte slice. GORM
// never sees this type; it exists purely to round-trip Entry through
// encoding/json for both API responses and the entries cache.
type entryWire struct {
	ID                  uuid.UUID       `json:"id"`
	ConversationID      uuid.UUID       `json:"conversationId"`
	Channel             Channel         `json:"channel"`
	Epoch               *int64          `json:"epoch,omitempty"`
	UserID              *string         `json:"userId,omitempty"`
	ClientID            *string         `json:"clientId,omitempty"`
	ContentType         string          `json:"contentType"`
	Content             json.RawMessage `json:"content"`
	IndexedContent      *string         `json:"indexedContent,omitempty"`
	IndexedAt           *time.Time      `json:"indexedAt,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
}

// MarshalJSON emits Content as a JSON value rather than a quoted byte
// string: stored content is itself JSON (a content-block array or a plain
// object), and re-quoting it would make every API response double-encoded.
// Content that isn't valid JSON (shouldn't happen post-sync, but cheaper to
// handle than to assume away) falls back to a quoted string.
func (e Entry) MarshalJSON() ([]byte, error) {
	w := entryWire{
		ID:             e.ID,
		ConversationID: e.ConversationID,
		Channel:        e.Channel,
		Epoch:          e.Epoch,
		UserID:         e.UserID,
		ClientID:       e.ClientID,
		ContentType:    e.ContentType,
		IndexedContent: e.IndexedContent,
		IndexedAt:      e.IndexedAt,
		CreatedAt:      e.CreatedAt,
	}
	switch {
	case len(e.Content) == 0:
		// leave Content nil -> "null"
	case json.Valid(e.Content):
		w.Content = e.Content
	default:
		quoted, err := json.Marshal(string(e.Content))
		if err != nil {
			return nil, err
		}
		w.Content = quoted
	}
	return json.Marshal(w)
}

// UnmarshalJSON is the inverse of MarshalJSON, used to rehydrate an Entry
// read back out of the entries cache.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var w entryWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Entry{
		ID:                  w.ID,
		ConversationID:      w.ConversationID,
		ConversationGroupID: e.ConversationGroupID, // not part of the wire shape; caller sets it
		Channel:             w.Channel,
		Epoch:               w.Epoch,
		UserID:              w.UserID,
		ClientID:            w.ClientID,
		ContentType:         w.ContentType,
		IndexedContent:      w.IndexedContent,
		IndexedAt:           w.IndexedAt,
		CreatedAt:           w.CreatedAt,
	}
	if len(w.Content) == 0 || bytes.Equal(w.Content, []byte("null")) {
		return nil
	}
	if w.Content[0] == '"' {
		var asString string
		if err := json.Unmarshal(w.Content, &asString); err == nil {
			e.Content = []byte(asString)
			return nil
		}
	}
	e.Content = append([]byte(nil), w.Content...)
	return nil
}

// OwnershipTransfer is a pending handoff of a conversation group's
// ownership from one user to another, accepted or declined out-of-band by
// the recipient.
type OwnershipTransfer struct {
	ID                  uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	ConversationGroupID uuid.UUID `json:"-" gorm:"not null;type:uuid"`
	FromUserID          string    `json:"fromUserId" gorm:"not null"`
	ToUserID            string    `json:"toUserId" gorm:"not null"`
	CreatedAt           time.Time `json:"createdAt" gorm:"not null;default:now()"`
}

func (OwnershipTransfer) TableName() string { return "conversation_ownership_transfers" }

// Task is a durable unit of deferred work — vector-store tombstoning,
// retry-batched indexing, and similar — picked up by the background task
// processor. TaskName, when set, is a uniqueness key that lets a producer
// enqueue a task idempotently (e.g. one cleanup task per deleted group).
type Task struct {
	ID         uuid.UUID              `json:"id" gorm:"primaryKey;type:uuid"`
	TaskType   string                 `json:"taskType" gorm:"not null"`
	TaskName   *string                `json:"taskName,omitempty" gorm:"unique"`
	TaskBody   map[string]interface{} `json:"taskBody" gorm:"type:jsonb;serializer:json;not null"`
	RetryCount int                    `json:"retryCount" gorm:"not null;default:0"`
	RetryAt    time.Time              `json:"retryAt" gorm:"not null;default:now()"`
	LastError  *string                `json:"lastError,omitempty"`
	CreatedAt  time.Time              `json:"createdAt" gorm:"not null;default:now()"`
}

func (Task) TableName() string { return "tasks" }

// Attachment is metadata for a piece of binary content referenced from an
// entry. StorageKey is the content-addressed (SHA-256) key into the
// attachment blob backend; several Attachment rows may share one
// StorageKey, so the blob is only deleted once its reference count drops
// to zero. Status is "ready" once the bytes are stored, "downloading" while
// a source URL is still being fetched, or "failed".
type Attachment struct {
	ID          uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid"`
	EntryID     *uuid.UUID `json:"entryId,omitempty" gorm:"type:uuid"`
	UserID      string     `json:"userId" gorm:"not null"`
	Filename    *string    `json:"filename,omitempty"`
	ContentType string     `json:"contentType" gorm:"not null"`
	Size        *int64     `json:"size,omitempty"`
	SHA256      *string    `json:"sha256,omitempty"`
	StorageKey  *string    `json:"storageKey,omitempty"`
	SourceURL   *string    `json:"sourceUrl,omitempty"`
	Status      string     `json:"status" gorm:"not null;default:'ready'"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt" gorm:"not null;default:now()"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
}

func (Attachment) TableName() string { return "attachments" }
