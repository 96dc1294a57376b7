// Package metrics wraps a registrystore.MemoryStore so every method
// call is timed and reported under security.StoreLatency, labeled by
// operation name.
package metrics

import (
	"context"
	"time"

	"github.com/fieldnote/memoryd/internal/model"
	"github.com/fieldnote/memoryd/internal/registry/store"
	"github.com/fieldnote/memoryd/internal/security"
	"github.com/google/uuid"
)

// Wrap returns a MemoryStore that records StoreLatency for every operation.
func Wrap(inner store.MemoryStore) store.MemoryStore {
	return &instrumentedStore{inner: inner}
}

type instrumentedStore struct {
	inner store.MemoryStore
}

func recordLatency(op string, start time.Time) {
	security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// --- conversations ---

func (s *instrumentedStore) CreateConversation(ctx context.Context, userID string, title string, metadata map[string]interface{}, forkedAtConversationID *uuid.UUID, forkedAtEntryID *uuid.UUID) (*store.ConversationDetail, error) {
	defer recordLatency("create_conversation", time.Now())
	return s.inner.CreateConversation(ctx, userID, title, metadata, forkedAtConversationID, forkedAtEntryID)
}

func (s *instrumentedStore) CreateConversationWithID(ctx context.Context, userID string, convID uuid.UUID, title string, metadata map[string]interface{}, forkedAtConversationID *uuid.UUID, forkedAtEntryID *uuid.UUID) (*store.ConversationDetail, error) {
	defer recordLatency("create_conversation", time.Now())
	return s.inner.CreateConversationWithID(ctx, userID, convID, title, metadata, forkedAtConversationID, forkedAtEntryID)
}

func (s *instrumentedStore) ListConversations(ctx context.Context, userID string, query *string, afterCursor *string, limit int, mode model.ConversationListMode) ([]store.ConversationSummary, *string, error) {
	defer recordLatency("list_conversations", time.Now())
	return s.inner.ListConversations(ctx, userID, query, afterCursor, limit, mode)
}

func (s *instrumentedStore) GetConversation(ctx context.Context, userID string, conversationID uuid.UUID) (*store.ConversationDetail, error) {
	defer recordLatency("get_conversation", time.Now())
	return s.inner.GetConversation(ctx, userID, conversationID)
}

func (s *instrumentedStore) UpdateConversation(ctx context.Context, userID string, conversationID uuid.UUID, title *string, metadata map[string]interface{}) (*store.ConversationDetail, error) {
	defer recordLatency("update_conversation", time.Now())
	return s.inner.UpdateConversation(ctx, userID, conversationID, title, metadata)
}

func (s *instrumentedStore) DeleteConversation(ctx context.Context, userID string, conversationID uuid.UUID) error {
	defer recordLatency("delete_conversation", time.Now())
	return s.inner.DeleteConversation(ctx, userID, conversationID)
}

// --- memberships & forks ---

func (s *instrumentedStore) ListMemberships(ctx context.Context, userID string, conversationID uuid.UUID, afterCursor *string, limit int) ([]model.ConversationMembership, *string, error) {
	defer recordLatency("list_memberships", time.Now())
	return s.inner.ListMemberships(ctx, userID, conversationID, afterCursor, limit)
}

func (s *instrumentedStore) ShareConversation(ctx context.Context, userID string, conversationID uuid.UUID, targetUserID string, accessLevel model.AccessLevel) (*model.ConversationMembership, error) {
	defer recordLatency("share_conversation", time.Now())
	return s.inner.ShareConversation(ctx, userID, conversationID, targetUserID, accessLevel)
}

func (s *instrumentedStore) UpdateMembership(ctx context.Context, userID string, conversationID uuid.UUID, memberUserID string, accessLevel model.AccessLevel) (*model.ConversationMembership, error) {
	defer recordLatency("update_membership", time.Now())
	return s.inner.UpdateMembership(ctx, userID, conversationID, memberUserID, accessLevel)
}

func (s *instrumentedStore) DeleteMembership(ctx context.Context, userID string, conversationID uuid.UUID, memberUserID string) error {
	defer recordLatency("delete_membership", time.Now())
	return s.inner.DeleteMembership(ctx, userID, conversationID, memberUserID)
}

func (s *instrumentedStore) ListForks(ctx context.Context, userID string, conversationID uuid.UUID, afterCursor *string, limit int) ([]store.ConversationForkSummary, *string, error) {
	defer recordLatency("list_forks", time.Now())
	return s.inner.ListForks(ctx, userID, conversationID, afterCursor, limit)
}

// --- ownership transfers ---

func (s *instrumentedStore) ListPendingTransfers(ctx context.Context, userID string, role string, afterCursor *string, limit int) ([]store.OwnershipTransferDto, *string, error) {
	defer recordLatency("list_pending_transfers", time.Now())
	return s.inner.ListPendingTransfers(ctx, userID, role, afterCursor, limit)
}

func (s *instrumentedStore) GetTransfer(ctx context.Context, userID string, transferID uuid.UUID) (*store.OwnershipTransferDto, error) {
	defer recordLatency("get_transfer", time.Now())
	return s.inner.GetTransfer(ctx, userID, transferID)
}

func (s *instrumentedStore) CreateOwnershipTransfer(ctx context.Context, userID string, conversationID uuid.UUID, toUserID string) (*store.OwnershipTransferDto, error) {
	defer recordLatency("create_ownership_transfer", time.Now())
	return s.inner.CreateOwnershipTransfer(ctx, userID, conversationID, toUserID)
}

func (s *instrumentedStore) AcceptTransfer(ctx context.Context, userID string, transferID uuid.UUID) error {
	defer recordLatency("accept_transfer", time.Now())
	return s.inner.AcceptTransfer(ctx, userID, transferID)
}

func (s *instrumentedStore) DeleteTransfer(ctx context.Context, userID string, transferID uuid.UUID) error {
	defer recordLatency("delete_transfer", time.Now())
	return s.inner.DeleteTransfer(ctx, userID, transferID)
}

// --- entries & sync ---

func (s *instrumentedStore) GetEntries(ctx context.Context, userID string, conversationID uuid.UUID, afterEntryID *string, limit int, channel *model.Channel, epochFilter *store.MemoryEpochFilter, clientID *string, allForks bool) (*store.PagedEntries, error) {
	defer recordLatency("get_entries", time.Now())
	return s.inner.GetEntries(ctx, userID, conversationID, afterEntryID, limit, channel, epochFilter, clientID, allForks)
}

func (s *instrumentedStore) AppendEntries(ctx context.Context, userID string, conversationID uuid.UUID, entries []store.CreateEntryRequest, clientID *string, epoch *int64) ([]model.Entry, error) {
	defer recordLatency("append_entries", time.Now())
	return s.inner.AppendEntries(ctx, userID, conversationID, entries, clientID, epoch)
}

func (s *instrumentedStore) GetEntryGroupID(ctx context.Context, entryID uuid.UUID) (uuid.UUID, error) {
	defer recordLatency("get_entry_group_id", time.Now())
	return s.inner.GetEntryGroupID(ctx, entryID)
}

func (s *instrumentedStore) SyncAgentEntry(ctx context.Context, userID string, conversationID uuid.UUID, entry store.CreateEntryRequest, clientID string) (*store.SyncResult, error) {
	defer recordLatency("sync_agent_entry", time.Now())
	return s.inner.SyncAgentEntry(ctx, userID, conversationID, entry, clientID)
}

// --- indexing & search ---

func (s *instrumentedStore) IndexEntries(ctx context.Context, entries []store.IndexEntryRequest) (*store.IndexConversationsResponse, error) {
	defer recordLatency("index_entries", time.Now())
	return s.inner.IndexEntries(ctx, entries)
}

func (s *instrumentedStore) ListUnindexedEntries(ctx context.Context, limit int, afterCursor *string) ([]model.Entry, *string, error) {
	defer recordLatency("list_unindexed_entries", time.Now())
	return s.inner.ListUnindexedEntries(ctx, limit, afterCursor)
}

func (s *instrumentedStore) FindEntriesPendingVectorIndexing(ctx context.Context, limit int) ([]model.Entry, error) {
	defer recordLatency("find_entries_pending_vector_indexing", time.Now())
	return s.inner.FindEntriesPendingVectorIndexing(ctx, limit)
}

func (s *instrumentedStore) SetIndexedAt(ctx context.Context, entryID uuid.UUID, conversationGroupID uuid.UUID, indexedAt time.Time) error {
	defer recordLatency("set_indexed_at", time.Now())
	return s.inner.SetIndexedAt(ctx, entryID, conversationGroupID, indexedAt)
}

func (s *instrumentedStore) ListConversationGroupIDs(ctx context.Context, userID string) ([]uuid.UUID, error) {
	defer recordLatency("list_conversation_group_ids", time.Now())
	return s.inner.ListConversationGroupIDs(ctx, userID)
}

func (s *instrumentedStore) FetchSearchResultDetails(ctx context.Context, userID string, entryIDs []uuid.UUID, includeEntry bool) ([]store.SearchResult, error) {
	defer recordLatency("fetch_search_result_details", time.Now())
	return s.inner.FetchSearchResultDetails(ctx, userID, entryIDs, includeEntry)
}

func (s *instrumentedStore) SearchEntries(ctx context.Context, userID string, query string, limit int, includeEntry bool) (*store.SearchResults, error) {
	defer recordLatency("search_entries", time.Now())
	return s.inner.SearchEntries(ctx, userID, query, limit, includeEntry)
}

// --- admin ---

func (s *instrumentedStore) AdminListConversations(ctx context.Context, query store.AdminConversationQuery) ([]store.ConversationSummary, *string, error) {
	defer recordLatency("admin_list_conversations", time.Now())
	return s.inner.AdminListConversations(ctx, query)
}

func (s *instrumentedStore) AdminGetConversation(ctx context.Context, conversationID uuid.UUID) (*store.ConversationDetail, error) {
	defer recordLatency("admin_get_conversation", time.Now())
	return s.inner.AdminGetConversation(ctx, conversationID)
}

func (s *instrumentedStore) AdminDeleteConversation(ctx context.Context, conversationID uuid.UUID) error {
	defer recordLatency("admin_delete_conversation", time.Now())
	return s.inner.AdminDeleteConversation(ctx, conversationID)
}

func (s *instrumentedStore) AdminRestoreConversation(ctx context.Context, conversationID uuid.UUID) error {
	defer recordLatency("admin_restore_conversation", time.Now())
	return s.inner.AdminRestoreConversation(ctx, conversationID)
}

func (s *instrumentedStore) AdminGetEntries(ctx context.Context, conversationID uuid.UUID, query store.AdminMessageQuery) (*store.PagedEntries, error) {
	defer recordLatency("admin_get_entries", time.Now())
	return s.inner.AdminGetEntries(ctx, conversationID, query)
}

func (s *instrumentedStore) AdminListMemberships(ctx context.Context, conversationID uuid.UUID, afterCursor *string, limit int) ([]model.ConversationMembership, *string, error) {
	defer recordLatency("admin_list_memberships", time.Now())
	return s.inner.AdminListMemberships(ctx, conversationID, afterCursor, limit)
}

func (s *instrumentedStore) AdminListForks(ctx context.Context, conversationID uuid.UUID, afterCursor *string, limit int) ([]store.ConversationForkSummary, *string, error) {
	defer recordLatency("admin_list_forks", time.Now())
	return s.inner.AdminListForks(ctx, conversationID, afterCursor, limit)
}

func (s *instrumentedStore) AdminSearchEntries(ctx context.Context, query store.AdminSearchQuery) (*store.SearchResults, error) {
	defer recordLatency("admin_search_entries", time.Now())
	return s.inner.AdminSearchEntries(ctx, query)
}

func (s *instrumentedStore) AdminListAttachments(ctx context.Context, query store.AdminAttachmentQuery) ([]store.AdminAttachment, *string, error) {
	defer recordLatency("admin_list_attachments", time.Now())
	return s.inner.AdminListAttachments(ctx, query)
}

func (s *instrumentedStore) AdminGetAttachment(ctx context.Context, attachmentID uuid.UUID) (*store.AdminAttachment, error) {
	defer recordLatency("admin_get_attachment", time.Now())
	return s.inner.AdminGetAttachment(ctx, attachmentID)
}

func (s *instrumentedStore) AdminDeleteAttachment(ctx context.Context, attachmentID uuid.UUID) error {
	defer recordLatency("admin_delete_attachment", time.Now())
	return s.inner.AdminDeleteAttachment(ctx, attachmentID)
}

func (s *instrumentedStore) AdminGetAttachmentByStorageKey(ctx context.Context, storageKey string) (*store.AdminAttachment, error) {
	defer recordLatency("admin_get_attachment_by_storage_key", time.Now())
	return s.inner.AdminGetAttachmentByStorageKey(ctx, storageKey)
}

// --- attachments ---

func (s *instrumentedStore) CreateAttachment(ctx context.Context, userID string, conversationID uuid.UUID, attachment model.Attachment) (*model.Attachment, error) {
	defer recordLatency("create_attachment", time.Now())
	return s.inner.CreateAttachment(ctx, userID, conversationID, attachment)
}

func (s *instrumentedStore) UpdateAttachment(ctx context.Context, userID string, attachmentID uuid.UUID, update store.AttachmentUpdate) (*model.Attachment, error) {
	defer recordLatency("update_attachment", time.Now())
	return s.inner.UpdateAttachment(ctx, userID, attachmentID, update)
}

func (s *instrumentedStore) ListAttachments(ctx context.Context, userID string, conversationID uuid.UUID, afterCursor *string, limit int) ([]model.Attachment, *string, error) {
	defer recordLatency("list_attachments", time.Now())
	return s.inner.ListAttachments(ctx, userID, conversationID, afterCursor, limit)
}

func (s *instrumentedStore) GetAttachment(ctx context.Context, userID string, conversationID uuid.UUID, attachmentID uuid.UUID) (*model.Attachment, error) {
	defer recordLatency("get_attachment", time.Now())
	return s.inner.GetAttachment(ctx, userID, conversationID, attachmentID)
}

func (s *instrumentedStore) DeleteAttachment(ctx context.Context, userID string, conversationID uuid.UUID, attachmentID uuid.UUID) error {
	defer recordLatency("delete_attachment", time.Now())
	return s.inner.DeleteAttachment(ctx, userID, conversationID, attachmentID)
}

// --- eviction ---

func (s *instrumentedStore) FindEvictableGroupIDs(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	defer recordLatency("find_evictable_group_ids", time.Now())
	return s.inner.FindEvictableGroupIDs(ctx, cutoff, limit)
}

func (s *instrumentedStore) CountEvictableGroups(ctx context.Context, cutoff time.Time) (int64, error) {
	defer recordLatency("count_evictable_groups", time.Now())
	return s.inner.CountEvictableGroups(ctx, cutoff)
}

func (s *instrumentedStore) HardDeleteConversationGroups(ctx context.Context, groupIDs []uuid.UUID) error {
	defer recordLatency("hard_delete_conversation_groups", time.Now())
	return s.inner.HardDeleteConversationGroups(ctx, groupIDs)
}

// --- tasks ---

func (s *instrumentedStore) CreateTask(ctx context.Context, taskType string, taskBody map[string]interface{}) error {
	defer recordLatency("create_task", time.Now())
	return s.inner.CreateTask(ctx, taskType, taskBody)
}

func (s *instrumentedStore) ClaimReadyTasks(ctx context.Context, limit int) ([]model.Task, error) {
	defer recordLatency("claim_ready_tasks", time.Now())
	return s.inner.ClaimReadyTasks(ctx, limit)
}

func (s *instrumentedStore) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	defer recordLatency("delete_task", time.Now())
	return s.inner.DeleteTask(ctx, taskID)
}

func (s *instrumentedStore) FailTask(ctx context.Context, taskID uuid.UUID, errMsg string, retryDelay time.Duration) error {
	defer recordLatency("fail_task", time.Now())
	return s.inner.FailTask(ctx, taskID, errMsg, retryDelay)
}
