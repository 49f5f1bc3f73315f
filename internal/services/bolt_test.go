package services_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MegaGrindStone/llm-chat/internal/models"
	"github.com/MegaGrindStone/llm-chat/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBoltDB(t *testing.T) services.BoltDB {
	t.Helper()
	db, err := services.NewBoltDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testConversation(id string, createdAt time.Time) models.Conversation {
	return models.Conversation{
		ID:        id,
		Title:     models.NewChatTitle,
		Messages:  []models.Message{},
		Model:     "gpt-4o",
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestBoltDBConversations(t *testing.T) {
	db := newBoltDB(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, db.AddConversation(ctx, testConversation("old", now.Add(-time.Hour))))
	require.NoError(t, db.AddConversation(ctx, testConversation("new", now)))
	// Same creation time as "new", added later, so it sorts first.
	require.NoError(t, db.AddConversation(ctx, testConversation("newest", now)))

	convs, err := db.Conversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 3)
	assert.Equal(t, "newest", convs[0].ID)
	assert.Equal(t, "new", convs[1].ID)
	assert.Equal(t, "old", convs[2].ID)
	assert.Equal(t, models.DefaultFolderID, convs[0].FolderID)

	conv, found, err := db.Conversation(ctx, "old")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "gpt-4o", conv.Model)

	_, found, err = db.Conversation(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.Error(t, db.AddConversation(ctx, testConversation("", now)))
}

func TestBoltDBUpsertConversation(t *testing.T) {
	db := newBoltDB(t)
	ctx := context.Background()
	created := time.Now().Add(-time.Minute)

	require.NoError(t, db.AddConversation(ctx, testConversation("c1", created)))

	msgs := []models.Message{
		{ID: "m1", Role: models.RoleUser, Content: "Hello"},
		{ID: "m2", Role: models.RoleAssistant, Content: "Hi", IsStreaming: true},
	}
	require.NoError(t, db.UpsertConversation(ctx, "c1", models.ConversationUpdate{
		Title:    models.Ptr("Hello"),
		Messages: msgs,
	}))

	conv, found, err := db.Conversation(ctx, "c1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Hello", conv.Title)
	assert.Equal(t, "gpt-4o", conv.Model)
	require.Len(t, conv.Messages, 2)
	assert.True(t, conv.Messages[1].IsStreaming)
	assert.True(t, conv.UpdatedAt.After(created))

	err = db.UpsertConversation(ctx, "missing", models.ConversationUpdate{Title: models.Ptr("x")})
	require.ErrorIs(t, err, models.ErrConversationNotFound)

	require.NoError(t, db.DeleteConversation(ctx, "c1"))
	require.NoError(t, db.DeleteConversation(ctx, "c1"))
	_, found, err = db.Conversation(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBoltDBFolders(t *testing.T) {
	db := newBoltDB(t)
	ctx := context.Background()

	folders, err := db.Folders(ctx)
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, models.DefaultFolderID, folders[0].ID)

	work, err := db.AddFolder(ctx, "  Work ")
	require.NoError(t, err)
	assert.Equal(t, "Work", work.Name)
	unnamed, err := db.AddFolder(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "New Folder", unnamed.Name)

	require.NoError(t, db.RenameFolder(ctx, work.ID, "Projects"))
	require.NoError(t, db.RenameFolder(ctx, work.ID, "   "))
	require.NoError(t, db.RenameFolder(ctx, models.DefaultFolderID, "Renamed"))
	require.ErrorIs(t, db.RenameFolder(ctx, "missing", "x"), models.ErrFolderNotFound)

	require.NoError(t, db.ToggleFolderCollapsed(ctx, models.DefaultFolderID))
	require.NoError(t, db.ToggleFolderCollapsed(ctx, work.ID))

	folders, err = db.Folders(ctx)
	require.NoError(t, err)
	require.Len(t, folders, 3)
	assert.Equal(t, models.DefaultFolderID, folders[0].ID)
	assert.Equal(t, models.DefaultFolderName, folders[0].Name)
	assert.True(t, folders[0].IsCollapsed)
	assert.Equal(t, "Projects", folders[1].Name)
	assert.True(t, folders[1].IsCollapsed)
	assert.Equal(t, unnamed.ID, folders[2].ID)
}

func TestBoltDBDeleteFolder(t *testing.T) {
	db := newBoltDB(t)
	ctx := context.Background()
	now := time.Now()

	work, err := db.AddFolder(ctx, "Work")
	require.NoError(t, err)

	conv := testConversation("c1", now)
	conv.FolderID = work.ID
	require.NoError(t, db.AddConversation(ctx, conv))
	require.NoError(t, db.AddConversation(ctx, testConversation("c2", now)))

	require.ErrorIs(t, db.DeleteFolder(ctx, models.DefaultFolderID), models.ErrDefaultFolder)
	require.NoError(t, db.DeleteFolder(ctx, work.ID))
	require.ErrorIs(t, db.DeleteFolder(ctx, work.ID), models.ErrFolderNotFound)

	moved, _, err := db.Conversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultFolderID, moved.FolderID)

	folders, err := db.Folders(ctx)
	require.NoError(t, err)
	assert.Len(t, folders, 1)
}

func TestBoltDBMoveConversation(t *testing.T) {
	db := newBoltDB(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, db.AddConversation(ctx, testConversation("c1", now)))
	require.NoError(t, db.AddConversation(ctx, testConversation("c2", now)))

	work, err := db.AddFolder(ctx, "Work")
	require.NoError(t, err)

	require.NoError(t, db.MoveConversation(ctx, "c1", work.ID))
	require.ErrorIs(t, db.MoveConversation(ctx, "missing", work.ID), models.ErrConversationNotFound)
	require.ErrorIs(t, db.MoveConversation(ctx, "c2", "unknown"), models.ErrFolderNotFound)

	c1, _, err := db.Conversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, work.ID, c1.FolderID)

	c2, _, err := db.Conversation(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultFolderID, c2.FolderID)

	require.NoError(t, db.MoveConversationsToFolder(ctx, models.DefaultFolderID, "archive"))
	c2, _, err = db.Conversation(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, "archive", c2.FolderID)
	c1, _, err = db.Conversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, work.ID, c1.FolderID)
}

func TestBoltDBSettings(t *testing.T) {
	db := newBoltDB(t)
	ctx := context.Background()

	active, err := db.ActiveConversationID(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	require.NoError(t, db.AddConversation(ctx, testConversation("c1", time.Now())))
	require.NoError(t, db.SetActiveConversationID(ctx, "c1"))
	require.NoError(t, db.SetSelectedModel(ctx, "o3"))

	active, err = db.ActiveConversationID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c1", active)
	model, err := db.SelectedModel(ctx)
	require.NoError(t, err)
	assert.Equal(t, "o3", model)

	require.NoError(t, db.ClearConversations(ctx))
	convs, err := db.Conversations(ctx)
	require.NoError(t, err)
	assert.Empty(t, convs)
	active, err = db.ActiveConversationID(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	model, err = db.SelectedModel(ctx)
	require.NoError(t, err)
	assert.Equal(t, "o3", model)

	require.NoError(t, db.SetActiveConversationID(ctx, "c9"))
	require.NoError(t, db.SetActiveConversationID(ctx, ""))
	active, err = db.ActiveConversationID(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestBoltDBReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	db, err := services.NewBoltDB(path)
	require.NoError(t, err)
	require.NoError(t, db.AddConversation(ctx, testConversation("c1", time.Now())))
	require.NoError(t, db.Close())

	reopened, err := services.NewBoltDB(path)
	require.NoError(t, err)
	defer reopened.Close()

	convs, err := reopened.Conversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "c1", convs[0].ID)
}
