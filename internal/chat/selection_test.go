package chat_test

import (
	"context"
	"testing"

	"github.com/MegaGrindStone/llm-chat/internal/chat"
	"github.com/MegaGrindStone/llm-chat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectionCreate(t *testing.T) {
	store := newTestStore(t)
	session := newTestSession(t, store)
	ctx := context.Background()

	conv, err := session.Selection().Create(ctx, "gpt-4o-mini", "")
	require.NoError(t, err)

	assert.NotEmpty(t, conv.ID)
	assert.Equal(t, models.NewChatTitle, conv.Title)
	assert.Equal(t, models.DefaultFolderID, conv.FolderID)
	assert.Equal(t, "gpt-4o-mini", conv.Model)
	assert.Empty(t, conv.Messages)
	assert.Equal(t, conv.ID, session.Selection().ActiveID())

	persisted, err := store.ActiveConversationID(ctx)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, persisted)

	active, found, err := session.Selection().Active(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, conv.ID, active.ID)

	inFolder, err := session.Selection().Create(ctx, "gpt-4o", "work")
	require.NoError(t, err)
	assert.Equal(t, "work", inFolder.FolderID)

	convs, err := store.Conversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, inFolder.ID, convs[0].ID)
}

func TestSelectionDeleteActive(t *testing.T) {
	store := newTestStore(t)
	session := newTestSession(t, store)
	selection := session.Selection()
	ctx := context.Background()

	first, err := selection.Create(ctx, "gpt-4o", "")
	require.NoError(t, err)
	second, err := selection.Create(ctx, "gpt-4o", "")
	require.NoError(t, err)
	third, err := selection.Create(ctx, "gpt-4o", "")
	require.NoError(t, err)

	// Deleting an inactive conversation keeps the selection.
	require.NoError(t, selection.Delete(ctx, first.ID))
	assert.Equal(t, third.ID, selection.ActiveID())

	require.NoError(t, selection.Delete(ctx, third.ID))
	assert.Equal(t, second.ID, selection.ActiveID())

	require.NoError(t, selection.Delete(ctx, second.ID))
	assert.Empty(t, selection.ActiveID())
	_, found, err := selection.Active(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	persisted, err := store.ActiveConversationID(ctx)
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestSendAfterDeletingActive(t *testing.T) {
	store := newTestStore(t)
	session := newTestSession(t, store)
	ctx := context.Background()

	conv, err := session.Selection().Create(ctx, "gpt-4o", "")
	require.NoError(t, err)
	require.NoError(t, session.Selection().Delete(ctx, conv.ID))

	engine := chat.NewEngine(session, &mockTransport{fragments: []string{"Hi"}}, testLogger())
	require.NoError(t, engine.Send(ctx, "Hello again"))

	active := activeConversation(t, session)
	assert.NotEqual(t, conv.ID, active.ID)
	assert.Equal(t, "Hello again", active.Title)
}

func TestSelectionSelect(t *testing.T) {
	store := newTestStore(t)
	session := newTestSession(t, store)
	selection := session.Selection()
	ctx := context.Background()

	first, err := selection.Create(ctx, "gpt-4o", "")
	require.NoError(t, err)
	_, err = selection.Create(ctx, "gpt-4o", "")
	require.NoError(t, err)

	require.NoError(t, selection.Select(ctx, first.ID))
	assert.Equal(t, first.ID, selection.ActiveID())

	err = selection.Select(ctx, "missing")
	require.ErrorIs(t, err, models.ErrConversationNotFound)
	assert.Equal(t, first.ID, selection.ActiveID())
}

func TestSelectionRestoresActive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session := newTestSession(t, store)
	conv, err := session.Selection().Create(ctx, "gpt-4o", "")
	require.NoError(t, err)

	restored := newTestSession(t, store)
	assert.Equal(t, conv.ID, restored.Selection().ActiveID())

	require.NoError(t, store.DeleteConversation(ctx, conv.ID))
	dangling := newTestSession(t, store)
	assert.Empty(t, dangling.Selection().ActiveID())
}

func TestSelectionClear(t *testing.T) {
	store := newTestStore(t)
	session := newTestSession(t, store)
	ctx := context.Background()

	_, err := session.Selection().Create(ctx, "gpt-4o", "")
	require.NoError(t, err)
	require.NoError(t, session.Selection().Clear(ctx))

	convs, err := store.Conversations(ctx)
	require.NoError(t, err)
	assert.Empty(t, convs)
	assert.Empty(t, session.Selection().ActiveID())
}

func TestSelectionImport(t *testing.T) {
	store := newTestStore(t)
	session := newTestSession(t, store)
	ctx := context.Background()

	conv, err := session.Selection().Import(ctx, []chat.ImportedMessage{
		{Role: "assistant", Content: "Welcome"},
		{Role: "human", Content: "First line\nsecond line"},
		{Role: "assistant", Content: "Answer"},
	}, "gpt-4o", "")
	require.NoError(t, err)

	assert.Equal(t, "First line second line", conv.Title)
	assert.Equal(t, conv.ID, session.Selection().ActiveID())
	require.Len(t, conv.Messages, 3)
	assert.Equal(t, models.RoleAssistant, conv.Messages[0].Role)
	assert.Equal(t, models.RoleUser, conv.Messages[1].Role)
	assert.True(t, conv.Messages[0].CreatedAt.Before(conv.Messages[1].CreatedAt))

	noHuman, err := session.Selection().Import(ctx, []chat.ImportedMessage{
		{Role: "assistant", Content: "Only me"},
	}, "gpt-4o", "work")
	require.NoError(t, err)
	assert.Equal(t, "Imported Chat", noHuman.Title)
	assert.Equal(t, "work", noHuman.FolderID)

	_, err = session.Selection().Import(ctx, []chat.ImportedMessage{{Role: "system", Content: "x"}}, "gpt-4o", "")
	require.Error(t, err)

	_, err = session.Selection().Import(ctx, nil, "gpt-4o", "")
	require.Error(t, err)
}

func TestSessionModel(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session, err := chat.NewSession(ctx, store, "", testLogger())
	require.NoError(t, err)
	assert.Equal(t, models.FallbackModel, session.Model())

	require.NoError(t, session.SetModel(ctx, "o3"))
	restored := newTestSession(t, store)
	assert.Equal(t, "o3", restored.Model())

	model, err := restored.ReconcileModel(ctx, []models.ModelOption{{ID: "gpt-4o-mini"}, {ID: "gpt-4o"}})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", model)
	assert.Equal(t, "gpt-4o", restored.Model())

	require.Error(t, restored.SetModel(ctx, ""))
}
