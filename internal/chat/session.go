package chat

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/MegaGrindStone/llm-chat/internal/models"
)

// Store defines the persistence the chat core relies on. Writes are expected to be durable when the method
// returns, which keeps the order of streamed updates intact.
type Store interface {
	Conversations(ctx context.Context) ([]models.Conversation, error)
	Conversation(ctx context.Context, id string) (models.Conversation, bool, error)
	AddConversation(ctx context.Context, conv models.Conversation) error
	UpsertConversation(ctx context.Context, id string, update models.ConversationUpdate) error
	DeleteConversation(ctx context.Context, id string) error
	ClearConversations(ctx context.Context) error

	ActiveConversationID(ctx context.Context) (string, error)
	SetActiveConversationID(ctx context.Context, id string) error
	SelectedModel(ctx context.Context) (string, error)
	SetSelectedModel(ctx context.Context, model string) error
}

// Transport streams a model response. The returned sequence yields text fragments and ends when the response
// is complete. A failure is yielded as the last element, and cancelling ctx must end the sequence with the
// context's error.
type Transport interface {
	StreamChat(ctx context.Context, model string, messages []models.ChatMessage) iter.Seq2[string, error]
}

// Session is the state owned by one user of the chat client: the store, which conversation is active and
// which model new conversations use.
type Session struct {
	store     Store
	selection *Selection

	mu    sync.RWMutex
	model string

	logger *slog.Logger
}

// NewSession loads the persisted selection state. defaultModel is used when no model was ever selected; if it
// is empty models.FallbackModel is used.
func NewSession(ctx context.Context, store Store, defaultModel string, logger *slog.Logger) (*Session, error) {
	selection, err := NewSelection(ctx, store, logger)
	if err != nil {
		return nil, err
	}

	model, err := store.SelectedModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load selected model: %w", err)
	}
	if model == "" {
		model = defaultModel
	}
	if model == "" {
		model = models.FallbackModel
	}

	return &Session{
		store:     store,
		selection: selection,
		model:     model,
		logger:    logger.With(slog.String("module", "session")),
	}, nil
}

// Store returns the session's store.
func (s *Session) Store() Store {
	return s.store
}

// Selection returns the session's conversation selection.
func (s *Session) Selection() *Selection {
	return s.selection
}

// Model returns the currently selected model.
func (s *Session) Model() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model
}

// SetModel selects and persists the model used by new conversations.
func (s *Session) SetModel(ctx context.Context, model string) error {
	if model == "" {
		return fmt.Errorf("model is required")
	}
	if err := s.store.SetSelectedModel(ctx, model); err != nil {
		return fmt.Errorf("failed to persist selected model: %w", err)
	}

	s.mu.Lock()
	s.model = model
	s.mu.Unlock()

	s.logger.Debug("Model selected", slog.String("model", model))
	return nil
}

// ReconcileModel replaces the selected model with models.ResolveModel's choice when the offered list no
// longer contains it.
func (s *Session) ReconcileModel(ctx context.Context, options []models.ModelOption) (string, error) {
	current := s.Model()
	resolved := models.ResolveModel(current, options)
	if resolved == current {
		return current, nil
	}
	if err := s.SetModel(ctx, resolved); err != nil {
		return current, err
	}
	return resolved, nil
}
