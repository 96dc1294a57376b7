// Package store declares MemoryStore, the primary data-access
// contract for everything outside the episodic key/value world:
// conversations, their fork trees, entries, memberships, ownership
// transfers, attachments, and the durable task queue. Backends
// (Postgres, Mongo) register an implementation of it here at init().
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fieldnote/memoryd/internal/model"
	"github.com/google/uuid"
)

// --- Conversations ---

// ConversationSummary is the lightweight shape used in conversation
// list responses.
type ConversationSummary struct {
	ID                     uuid.UUID              `json:"id"`
	Title                  string                 `json:"title"`
	OwnerUserID            string                 `json:"ownerUserId"`
	Metadata               map[string]interface{} `json:"metadata"`
	ConversationGroupID    uuid.UUID              `json:"-"`
	ForkedAtEntryID        *uuid.UUID             `json:"forkedAtEntryId,omitempty"`
	ForkedAtConversationID *uuid.UUID             `json:"forkedAtConversationId,omitempty"`
	CreatedAt              time.Time              `json:"createdAt"`
	UpdatedAt              time.Time              `json:"updatedAt"`
	DeletedAt              *time.Time             `json:"deletedAt,omitempty"`
	AccessLevel            model.AccessLevel      `json:"accessLevel"`
}

// ConversationDetail is the full conversation shape returned from a
// single get/create/update.
type ConversationDetail struct {
	ConversationSummary
	HasResponseInProgress bool `json:"hasResponseInProgress,omitempty"`
}

// ConversationForkSummary is one row in a conversation's fork list.
type ConversationForkSummary struct {
	ID                     uuid.UUID  `json:"conversationId"`
	Title                  string     `json:"title"`
	ForkedAtEntryID        *uuid.UUID `json:"forkedAtEntryId,omitempty"`
	ForkedAtConversationID *uuid.UUID `json:"forkedAtConversationId,omitempty"`
	CreatedAt              time.Time  `json:"createdAt"`
}

// --- Entries / sync ---

// CreateEntryRequest is the input to AppendEntries.
type CreateEntryRequest struct {
	Content                json.RawMessage `json:"content"`
	ContentType            string          `json:"contentType"`
	Channel                string          `json:"channel"`
	IndexedContent         *string         `json:"indexedContent,omitempty"`
	Role                   *string         `json:"role,omitempty"`
	UserID                 *string         `json:"userId,omitempty"`
	ForkedAtConversationID *uuid.UUID      `json:"forkedAtConversationId,omitempty"`
	ForkedAtEntryID        *uuid.UUID      `json:"forkedAtEntryId,omitempty"`
}

// SyncResult is the outcome of a SyncAgentEntry call: whether a new
// entry was written, what epoch the conversation is now at, and
// whether that epoch advanced as part of this call.
type SyncResult struct {
	Entry            *model.Entry `json:"entry,omitempty"`
	Epoch            *int64       `json:"epoch"`
	NoOp             bool         `json:"noOp"`
	EpochIncremented bool         `json:"epochIncremented"`
}

// PagedEntries is one page of an entry listing.
type PagedEntries struct {
	Data        []model.Entry `json:"data"`
	AfterCursor *string       `json:"afterCursor,omitempty"`
}

// MemoryEpochFilter selects which epoch(s) of a conversation's memory
// channel a read should return.
type MemoryEpochFilter struct {
	Mode  string // one of the MemoryEpochMode* constants
	Epoch *int64 // set only when Mode == MemoryEpochModeEpoch
}

const (
	MemoryEpochModeLatest = "latest"
	MemoryEpochModeAll    = "all"
	MemoryEpochModeEpoch  = "epoch"
)

// ParseMemoryEpochFilter parses the epoch query parameter accepted by
// the entries API: "" or "latest" for the current epoch, "all" for
// every epoch, or a bare integer for one specific epoch.
func ParseMemoryEpochFilter(raw string) (*MemoryEpochFilter, error) {
	value := strings.TrimSpace(strings.ToLower(raw))
	switch value {
	case "", MemoryEpochModeLatest:
		return &MemoryEpochFilter{Mode: MemoryEpochModeLatest}, nil
	case MemoryEpochModeAll:
		return &MemoryEpochFilter{Mode: MemoryEpochModeAll}, nil
	default:
		epoch, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid epoch filter %q; expected latest, all, or an integer epoch", raw)
		}
		return &MemoryEpochFilter{Mode: MemoryEpochModeEpoch, Epoch: &epoch}, nil
	}
}

// --- Search / indexing ---

// SearchResult is one ranked hit from a full-text or semantic search.
type SearchResult struct {
	EntryID           uuid.UUID    `json:"entryId"`
	ConversationID    uuid.UUID    `json:"conversationId"`
	ConversationTitle *string      `json:"conversationTitle,omitempty"`
	Score             float64      `json:"score"`
	Kind              string       `json:"kind,omitempty"`
	Highlights        *string      `json:"highlights,omitempty"`
	Entry             *model.Entry `json:"entry,omitempty"`
}

// SearchResults is one page of search hits.
type SearchResults struct {
	Data        []SearchResult `json:"data"`
	AfterCursor *string        `json:"afterCursor"`
}

// IndexEntryRequest is one entry to hand to the full-text indexer.
type IndexEntryRequest struct {
	EntryID        uuid.UUID `json:"entryId"`
	ConversationID uuid.UUID `json:"conversationId"`
	IndexedContent string    `json:"indexedContent"`
}

// IndexConversationsResponse reports how many entries a batch index
// call actually indexed.
type IndexConversationsResponse struct {
	Indexed int `json:"indexed"`
}

// --- Admin ---

// AdminConversationQuery is the input to AdminListConversations.
type AdminConversationQuery struct {
	Mode           model.ConversationListMode
	UserID         *string
	IncludeDeleted bool
	OnlyDeleted    bool
	DeletedAfter   *time.Time
	DeletedBefore  *time.Time
	AfterCursor    *string
	Limit          int
}

// AdminMessageQuery is the input to AdminGetEntries.
type AdminMessageQuery struct {
	AfterCursor *string
	Limit       int
	Channel     *model.Channel
	AllForks    bool
}

// AdminSearchQuery is the input to AdminSearchEntries.
type AdminSearchQuery struct {
	Query        string
	UserID       *string
	Limit        int
	IncludeEntry bool
}

// AdminAttachmentQuery is the input to AdminListAttachments.
type AdminAttachmentQuery struct {
	UserID      *string
	EntryID     *uuid.UUID
	Status      string // linked|unlinked|expired|all
	AfterCursor *string
	Limit       int
}

// AdminAttachment adds a reference count onto the stored attachment,
// for the admin UI's "is this safe to hard-delete" question.
type AdminAttachment struct {
	model.Attachment
	RefCount int64 `json:"refCount"`
}

// AttachmentUpdate carries the mutable subset of attachment fields; a
// nil pointer means "leave unchanged".
type AttachmentUpdate struct {
	StorageKey  *string
	Filename    *string
	ContentType *string
	Size        *int64
	SHA256      *string
	Status      *string
	SourceURL   *string
	ExpiresAt   *time.Time
	EntryID     *uuid.UUID
}

// OwnershipTransferDto is the API shape of a pending or resolved
// ownership transfer.
type OwnershipTransferDto struct {
	ID                  uuid.UUID `json:"id"`
	ConversationGroupID uuid.UUID `json:"-"`
	ConversationID      uuid.UUID `json:"conversationId"`
	FromUserID          string    `json:"fromUserId"`
	ToUserID            string    `json:"toUserId"`
	CreatedAt           time.Time `json:"createdAt"`
}

// MemoryStore is the data-access contract every conversation/entry
// storage backend implements.
type MemoryStore interface {
	CreateConversation(ctx context.Context, userID string, title string, metadata map[string]interface{}, forkedAtConversationID *uuid.UUID, forkedAtEntryID *uuid.UUID) (*ConversationDetail, error)
	// CreateConversationWithID lets the gRPC AppendEntry path create the
	// forked-to conversation under a caller-chosen ID, so the new
	// conversation's ID is known before the first entry lands in it.
	CreateConversationWithID(ctx context.Context, userID string, convID uuid.UUID, title string, metadata map[string]interface{}, forkedAtConversationID *uuid.UUID, forkedAtEntryID *uuid.UUID) (*ConversationDetail, error)
	ListConversations(ctx context.Context, userID string, query *string, afterCursor *string, limit int, mode model.ConversationListMode) ([]ConversationSummary, *string, error)
	GetConversation(ctx context.Context, userID string, conversationID uuid.UUID) (*ConversationDetail, error)
	UpdateConversation(ctx context.Context, userID string, conversationID uuid.UUID, title *string, metadata map[string]interface{}) (*ConversationDetail, error)
	DeleteConversation(ctx context.Context, userID string, conversationID uuid.UUID) error

	ListMemberships(ctx context.Context, userID string, conversationID uuid.UUID, afterCursor *string, limit int) ([]model.ConversationMembership, *string, error)
	ShareConversation(ctx context.Context, userID string, conversationID uuid.UUID, targetUserID string, accessLevel model.AccessLevel) (*model.ConversationMembership, error)
	UpdateMembership(ctx context.Context, userID string, conversationID uuid.UUID, memberUserID string, accessLevel model.AccessLevel) (*model.ConversationMembership, error)
	DeleteMembership(ctx context.Context, userID string, conversationID uuid.UUID, memberUserID string) error

	ListForks(ctx context.Context, userID string, conversationID uuid.UUID, afterCursor *string, limit int) ([]ConversationForkSummary, *string, error)

	ListPendingTransfers(ctx context.Context, userID string, role string, afterCursor *string, limit int) ([]OwnershipTransferDto, *string, error)
	GetTransfer(ctx context.Context, userID string, transferID uuid.UUID) (*OwnershipTransferDto, error)
	CreateOwnershipTransfer(ctx context.Context, userID string, conversationID uuid.UUID, toUserID string) (*OwnershipTransferDto, error)
	AcceptTransfer(ctx context.Context, userID string, transferID uuid.UUID) error
	DeleteTransfer(ctx context.Context, userID string, transferID uuid.UUID) error

	GetEntries(ctx context.Context, userID string, conversationID uuid.UUID, afterEntryID *string, limit int, channel *model.Channel, epochFilter *MemoryEpochFilter, clientID *string, allForks bool) (*PagedEntries, error)
	AppendEntries(ctx context.Context, userID string, conversationID uuid.UUID, entries []CreateEntryRequest, clientID *string, epoch *int64) ([]model.Entry, error)
	GetEntryGroupID(ctx context.Context, entryID uuid.UUID) (uuid.UUID, error)
	// SyncAgentEntry reconciles one agent-authored entry against the
	// conversation's current epoch: a stale epoch is rejected as a
	// no-op rather than silently overwriting a newer write.
	SyncAgentEntry(ctx context.Context, userID string, conversationID uuid.UUID, entry CreateEntryRequest, clientID string) (*SyncResult, error)

	IndexEntries(ctx context.Context, entries []IndexEntryRequest) (*IndexConversationsResponse, error)
	ListUnindexedEntries(ctx context.Context, limit int, afterCursor *string) ([]model.Entry, *string, error)
	FindEntriesPendingVectorIndexing(ctx context.Context, limit int) ([]model.Entry, error)
	SetIndexedAt(ctx context.Context, entryID uuid.UUID, conversationGroupID uuid.UUID, indexedAt time.Time) error

	ListConversationGroupIDs(ctx context.Context, userID string) ([]uuid.UUID, error)
	FetchSearchResultDetails(ctx context.Context, userID string, entryIDs []uuid.UUID, includeEntry bool) ([]SearchResult, error)
	SearchEntries(ctx context.Context, userID string, query string, limit int, includeEntry bool) (*SearchResults, error)

	AdminListConversations(ctx context.Context, query AdminConversationQuery) ([]ConversationSummary, *string, error)
	AdminGetConversation(ctx context.Context, conversationID uuid.UUID) (*ConversationDetail, error)
	AdminDeleteConversation(ctx context.Context, conversationID uuid.UUID) error
	AdminRestoreConversation(ctx context.Context, conversationID uuid.UUID) error
	AdminGetEntries(ctx context.Context, conversationID uuid.UUID, query AdminMessageQuery) (*PagedEntries, error)
	AdminListMemberships(ctx context.Context, conversationID uuid.UUID, afterCursor *string, limit int) ([]model.ConversationMembership, *string, error)
	AdminListForks(ctx context.Context, conversationID uuid.UUID, afterCursor *string, limit int) ([]ConversationForkSummary, *string, error)
	AdminSearchEntries(ctx context.Context, query AdminSearchQuery) (*SearchResults, error)
	AdminListAttachments(ctx context.Context, query AdminAttachmentQuery) ([]AdminAttachment, *string, error)
	AdminGetAttachment(ctx context.Context, attachmentID uuid.UUID) (*AdminAttachment, error)
	AdminDeleteAttachment(ctx context.Context, attachmentID uuid.UUID) error
	AdminGetAttachmentByStorageKey(ctx context.Context, storageKey string) (*AdminAttachment, error)

	CreateAttachment(ctx context.Context, userID string, conversationID uuid.UUID, attachment model.Attachment) (*model.Attachment, error)
	UpdateAttachment(ctx context.Context, userID string, attachmentID uuid.UUID, update AttachmentUpdate) (*model.Attachment, error)
	ListAttachments(ctx context.Context, userID string, conversationID uuid.UUID, afterCursor *string, limit int) ([]model.Attachment, *string, error)
	GetAttachment(ctx context.Context, userID string, conversationID uuid.UUID, attachmentID uuid.UUID) (*model.Attachment, error)
	DeleteAttachment(ctx context.Context, userID string, conversationID uuid.UUID, attachmentID uuid.UUID) error

	FindEvictableGroupIDs(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
	CountEvictableGroups(ctx context.Context, cutoff time.Time) (int64, error)
	HardDeleteConversationGroups(ctx context.Context, groupIDs []uuid.UUID) error

	CreateTask(ctx context.Context, taskType string, taskBody map[string]interface{}) error
	ClaimReadyTasks(ctx context.Context, limit int) ([]model.Task, error)
	DeleteTask(ctx context.Context, taskID uuid.UUID) error
	FailTask(ctx context.Context, taskID uuid.UUID, errMsg string, retryDelay time.Duration) error
}

// Loader constructs a MemoryStore once its backend's configuration has
// been resolved.
type Loader func(ctx context.Context) (MemoryStore, error)

// Plugin names one MemoryStore implementation.
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

// Register adds a store plugin, typically from an init() in the
// plugin's own package.
func Register(p Plugin) {
	plugins.add(p.Name, p.Loader)
}

// Names lists every registered store plugin, in registration order.
func Names() []string {
	out := make([]string, len(plugins.order))
	copy(out, plugins.order)
	return out
}

// Select returns the loader registered under name.
func Select(name string) (Loader, error) {
	loader, ok := plugins.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
	}
	return loader, nil
}
