package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MegaGrindStone/llm-chat/internal/models"
	"github.com/google/uuid"
)

// Selection tracks which conversation is active. Creating, importing and deleting conversations go through
// it so the active id is always updated together with the store.
type Selection struct {
	store Store

	mu       sync.Mutex
	activeID string

	now    func() time.Time
	logger *slog.Logger
}

// ImportedMessage is one entry of an imported transcript. Role is either "human" or "assistant".
type ImportedMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewSelection restores the persisted active conversation. A persisted id whose conversation no longer
// exists is dropped.
func NewSelection(ctx context.Context, store Store, logger *slog.Logger) (*Selection, error) {
	id, err := store.ActiveConversationID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load active conversation: %w", err)
	}
	if id != "" {
		_, found, err := store.Conversation(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load active conversation: %w", err)
		}
		if !found {
			id = ""
		}
	}

	return &Selection{
		store:    store,
		activeID: id,
		now:      time.Now,
		logger:   logger.With(slog.String("module", "selection")),
	}, nil
}

// ActiveID returns the id of the active conversation, or an empty string if none is active.
func (s *Selection) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// Active resolves the active conversation from the store. The boolean is false when no conversation is
// active.
func (s *Selection) Active(ctx context.Context) (models.Conversation, bool, error) {
	id := s.ActiveID()
	if id == "" {
		return models.Conversation{}, false, nil
	}
	return s.store.Conversation(ctx, id)
}

// Create stores a new empty conversation and makes it active before returning, so its id can be used right
// away. An empty folderID places it in the default folder.
func (s *Selection) Create(ctx context.Context, model, folderID string) (models.Conversation, error) {
	if folderID == "" {
		folderID = models.DefaultFolderID
	}
	now := s.now()
	conv := models.Conversation{
		ID:        uuid.New().String(),
		Title:     models.NewChatTitle,
		Messages:  []models.Message{},
		Model:     model,
		FolderID:  folderID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.AddConversation(ctx, conv); err != nil {
		return models.Conversation{}, fmt.Errorf("failed to add conversation: %w", err)
	}
	if err := s.activate(ctx, conv.ID); err != nil {
		return models.Conversation{}, err
	}

	s.logger.Debug("Conversation created",
		slog.String("conversationID", conv.ID),
		slog.String("model", model),
		slog.String("folderID", folderID))
	return conv, nil
}

// Select makes an existing conversation active.
func (s *Selection) Select(ctx context.Context, id string) error {
	_, found, err := s.store.Conversation(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get conversation: %w", err)
	}
	if !found {
		return fmt.Errorf("%w: %s", models.ErrConversationNotFound, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activate(ctx, id)
}

// Delete removes a conversation. When it was the active one, the most recently created remaining
// conversation becomes active, or none if nothing remains.
func (s *Selection) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.DeleteConversation(ctx, id); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if s.activeID != id {
		return nil
	}

	convs, err := s.store.Conversations(ctx)
	if err != nil {
		return fmt.Errorf("failed to list conversations: %w", err)
	}
	next := ""
	if len(convs) > 0 {
		next = convs[0].ID
	}
	return s.activate(ctx, next)
}

// Clear removes every conversation and leaves none active.
func (s *Selection) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.ClearConversations(ctx); err != nil {
		return fmt.Errorf("failed to clear conversations: %w", err)
	}
	return s.activate(ctx, "")
}

// Import builds a conversation from an external transcript and makes it active. Human entries become user
// messages.
func (s *Selection) Import(
	ctx context.Context,
	imported []ImportedMessage,
	model, folderID string,
) (models.Conversation, error) {
	if len(imported) == 0 {
		return models.Conversation{}, errors.New("the transcript is empty")
	}
	if folderID == "" {
		folderID = models.DefaultFolderID
	}

	now := s.now()
	title := "Imported Chat"
	titleSet := false
	msgs := make([]models.Message, len(imported))
	for i, im := range imported {
		var role models.Role
		switch im.Role {
		case "human":
			role = models.RoleUser
			if !titleSet {
				title = models.ImportedTitle(im.Content)
				titleSet = true
			}
		case "assistant":
			role = models.RoleAssistant
		default:
			return models.Conversation{}, fmt.Errorf(`item %d: "role" must be "human" or "assistant"`, i)
		}
		msgs[i] = models.Message{
			ID:      uuid.New().String(),
			Role:    role,
			Content: im.Content,
			// Offsets keep the imported order when messages are sorted by time.
			CreatedAt: now.Add(time.Duration(i) * time.Millisecond),
		}
	}

	conv := models.Conversation{
		ID:        uuid.New().String(),
		Title:     title,
		Messages:  msgs,
		Model:     model,
		FolderID:  folderID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.AddConversation(ctx, conv); err != nil {
		return models.Conversation{}, fmt.Errorf("failed to add conversation: %w", err)
	}
	if err := s.activate(ctx, conv.ID); err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// activate must be called with s.mu held.
func (s *Selection) activate(ctx context.Context, id string) error {
	if err := s.store.SetActiveConversationID(ctx, id); err != nil {
		return fmt.Errorf("failed to persist active conversation: %w", err)
	}
	s.activeID = id
	return nil
}
