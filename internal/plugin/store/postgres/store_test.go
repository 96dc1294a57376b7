package postgres_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/fieldnote/memoryd/internal/config"
	"github.com/fieldnote/memoryd/internal/model"
	"github.com/fieldnote/memoryd/internal/plugin/store/postgres"
	registrymigrate "github.com/fieldnote/memoryd/internal/registry/migrate"
	registrystore "github.com/fieldnote/memoryd/internal/registry/store"
	"github.com/fieldnote/memoryd/internal/testutil/testpg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore boots an ephemeral Postgres instance, runs migrations
// against it, and returns a ready registrystore.MemoryStore.
func newTestStore(t *testing.T) (registrystore.MemoryStore, context.Context) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DBURL = testpg.StartPostgres(t)
	ctx := config.WithContext(context.Background(), &cfg)

	_ = postgres.ForceImport // make sure the postgres store plugin is registered

	require.NoError(t, registrymigrate.RunAll(ctx))

	loader, err := registrystore.Select("postgres")
	require.NoError(t, err)

	store, err := loader(ctx)
	require.NoError(t, err)

	return store, ctx
}

func TestCreateAndGetConversation(t *testing.T) {
	store, ctx := newTestStore(t)

	conv, err := store.CreateConversation(ctx, "user1", "Test Conversation", nil, nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, conv)
	assert.Equal(t, "Test Conversation", conv.Title)
	assert.Equal(t, "user1", conv.OwnerUserID)
	assert.Equal(t, model.AccessLevelOwner, conv.AccessLevel)

	got, err := store.GetConversation(ctx, "user1", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
	assert.Equal(t, "Test Conversation", got.Title)
}

func TestListConversations(t *testing.T) {
	store, ctx := newTestStore(t)

	_, err := store.CreateConversation(ctx, "user2", "Conv A", nil, nil, nil)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond) // force distinct created_at ordering
	_, err = store.CreateConversation(ctx, "user2", "Conv B", nil, nil, nil)
	require.NoError(t, err)

	summaries, cursor, err := store.ListConversations(ctx, "user2", nil, nil, 10, model.ListModeAll)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(summaries), 2)
	_ = cursor
}

func TestDeleteConversation(t *testing.T) {
	store, ctx := newTestStore(t)

	conv, err := store.CreateConversation(ctx, "user3", "To Delete", nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, store.DeleteConversation(ctx, "user3", conv.ID))

	_, err = store.GetConversation(ctx, "user3", conv.ID)
	assert.Error(t, err)
}

func TestConversationAccessControl(t *testing.T) {
	store, ctx := newTestStore(t)

	conv, err := store.CreateConversation(ctx, "owner2", "Private Conv", nil, nil, nil)
	require.NoError(t, err)

	_, err = store.GetConversation(ctx, "stranger", conv.ID)
	assert.Error(t, err)
}

func TestAppendAndGetEntries(t *testing.T) {
	store, ctx := newTestStore(t)

	conv, err := store.CreateConversation(ctx, "user4", "Entry Test", nil, nil, nil)
	require.NoError(t, err)

	entries, err := store.AppendEntries(ctx, "user4", conv.ID, []registrystore.CreateEntryRequest{
		{Content: json.RawMessage(`[{"type":"text","text":"Hello"}]`), ContentType: "application/json", Channel: "history"},
		{Content: json.RawMessage(`[{"type":"text","text":"World"}]`), ContentType: "application/json", Channel: "history"},
	}, nil, nil)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	result, err := store.GetEntries(ctx, "user4", conv.ID, nil, 10, nil, nil, nil, false)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(result.Data), 2)
}

func TestMemberships(t *testing.T) {
	store, ctx := newTestStore(t)

	conv, err := store.CreateConversation(ctx, "owner1", "Shared Conv", nil, nil, nil)
	require.NoError(t, err)

	m, err := store.ShareConversation(ctx, "owner1", conv.ID, "reader1", model.AccessLevelReader)
	require.NoError(t, err)
	assert.Equal(t, "reader1", m.UserID)
	assert.Equal(t, model.AccessLevelReader, m.AccessLevel)

	memberships, _, err := store.ListMemberships(ctx, "owner1", conv.ID, nil, 10)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(memberships), 2) // owner + reader

	_, err = store.GetConversation(ctx, "reader1", conv.ID)
	require.NoError(t, err)

	require.NoError(t, store.DeleteMembership(ctx, "owner1", conv.ID, "reader1"))
}

func TestOwnershipTransfers(t *testing.T) {
	store, ctx := newTestStore(t)

	conv, err := store.CreateConversation(ctx, "from_user", "Transfer Conv", nil, nil, nil)
	require.NoError(t, err)
	_, err = store.ShareConversation(ctx, "from_user", conv.ID, "to_user", model.AccessLevelReader)
	require.NoError(t, err)

	transfer, err := store.CreateOwnershipTransfer(ctx, "from_user", conv.ID, "to_user")
	require.NoError(t, err)
	assert.Equal(t, "from_user", transfer.FromUserID)
	assert.Equal(t, "to_user", transfer.ToUserID)

	got, err := store.GetTransfer(ctx, "from_user", transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, transfer.ID, got.ID)

	require.NoError(t, store.AcceptTransfer(ctx, "to_user", transfer.ID))
}

func TestAdminRestoreConversationConflictAndSuccess(t *testing.T) {
	store, ctx := newTestStore(t)

	conv, err := store.CreateConversation(ctx, "admin-user", "Admin Restore", nil, nil, nil)
	require.NoError(t, err)

	err = store.AdminRestoreConversation(ctx, conv.ID)
	require.Error(t, err)
	var conflict *registrystore.ConflictError
	require.True(t, errors.As(err, &conflict), "expected conflict error, got %T", err)

	require.NoError(t, store.AdminDeleteConversation(ctx, conv.ID))
	require.NoError(t, store.AdminRestoreConversation(ctx, conv.ID))

	restored, err := store.AdminGetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Nil(t, restored.DeletedAt)
}

func TestAdminGetEntriesForkModes(t *testing.T) {
	store, ctx := newTestStore(t)

	root, err := store.CreateConversation(ctx, "owner", "Root", nil, nil, nil)
	require.NoError(t, err)

	rootEntry1, err := store.AppendEntries(ctx, "owner", root.ID, []registrystore.CreateEntryRequest{
		{Content: json.RawMessage(`"root-1"`), ContentType: "text/plain", Channel: "history"},
	}, nil, nil)
	require.NoError(t, err)
	require.Len(t, rootEntry1, 1)

	time.Sleep(5 * time.Millisecond)
	rootEntry2, err := store.AppendEntries(ctx, "owner", root.ID, []registrystore.CreateEntryRequest{
		{Content: json.RawMessage(`"root-2"`), ContentType: "text/plain", Channel: "history"},
	}, nil, nil)
	require.NoError(t, err)
	require.Len(t, rootEntry2, 1)

	fork, err := store.CreateConversation(ctx, "owner", "Fork", nil, &root.ID, &rootEntry1[0].ID)
	require.NoError(t, err)
	forkEntries, err := store.AppendEntries(ctx, "owner", fork.ID, []registrystore.CreateEntryRequest{
		{Content: json.RawMessage(`"fork-1"`), ContentType: "text/plain", Channel: "history"},
	}, nil, nil)
	require.NoError(t, err)
	require.Len(t, forkEntries, 1)

	ancestryOnly, err := store.AdminGetEntries(ctx, fork.ID, registrystore.AdminMessageQuery{
		Limit:    20,
		AllForks: false,
	})
	require.NoError(t, err)
	require.Len(t, ancestryOnly.Data, 2)
	assert.Equal(t, rootEntry1[0].ID, ancestryOnly.Data[0].ID)
	assert.Equal(t, forkEntries[0].ID, ancestryOnly.Data[1].ID)

	allForks, err := store.AdminGetEntries(ctx, fork.ID, registrystore.AdminMessageQuery{
		Limit:    20,
		AllForks: true,
	})
	require.NoError(t, err)
	require.Len(t, allForks.Data, 3)
	assert.Equal(t, rootEntry1[0].ID, allForks.Data[0].ID)
	assert.Equal(t, rootEntry2[0].ID, allForks.Data[1].ID)
	assert.Equal(t, forkEntries[0].ID, allForks.Data[2].ID)
}
