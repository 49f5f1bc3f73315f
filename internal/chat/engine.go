package chat

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/llm-chat/internal/models"
	"github.com/google/uuid"
)

// Notifier is told about every persisted change of an assistant placeholder.
type Notifier interface {
	MessageUpdated(conversationID string, message models.Message)
}

// Engine runs the send and receive cycle of a session: it appends the user message, creates the assistant
// placeholder, applies streamed fragments to it and settles it on a terminal state. Only one send runs at a
// time; a Send while another is in flight does nothing.
type Engine struct {
	session   *Session
	transport Transport
	notifier  Notifier

	mu              sync.Mutex
	state           State
	outcome         State
	lastError       string
	conversationID  string
	cancel          context.CancelFunc
	cancelRequested bool

	// latest is the message list of the target conversation as last written by the running send. Every
	// mutation is derived from it and replaces it, so no step works on a list captured earlier. Only the
	// goroutine running Send touches it.
	latest []models.Message

	now    func() time.Time
	logger *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithNotifier registers n to receive placeholder updates.
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) {
		e.notifier = n
	}
}

const errLoggerKey = "err"

// NewEngine creates an engine that sends through transport on behalf of session.
func NewEngine(session *Session, transport Transport, logger *slog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		session:   session,
		transport: transport,
		now:       time.Now,
		logger:    logger.With(slog.String("module", "engine")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Status returns a snapshot of the engine.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		State:          e.state,
		Outcome:        e.outcome,
		IsLoading:      e.state == StateSending,
		IsStreaming:    e.state == StateStreaming,
		LastError:      e.lastError,
		ConversationID: e.conversationID,
	}
}

// ClearError forgets the error of the last failed send.
func (e *Engine) ClearError() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastError = ""
}

// Cancel asks the in-flight send to stop. The placeholder keeps the fragments applied so far. It does
// nothing when no send is in flight.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.Busy() {
		return
	}
	e.cancelRequested = true
	if e.cancel != nil {
		e.cancel()
	}
	e.logger.Debug("Cancel requested", slog.String("conversationID", e.conversationID))
}

// Send sends content to the active conversation, creating one with the session's model if none is active,
// and blocks until the response settles. Blank content and calls made while another send is in flight are
// ignored. A transport failure is recorded on the placeholder and returned as a *SendError; cancellation is
// not an error.
func (e *Engine) Send(ctx context.Context, content string) error {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil
	}

	streamCtx, ok := e.begin(ctx)
	if !ok {
		e.logger.Debug("Send ignored, another send is in flight")
		return nil
	}
	defer e.finish()

	// Writes after this point must land even if ctx is cancelled, or the placeholder would stay streaming.
	writeCtx := context.WithoutCancel(ctx)

	conv, err := e.targetConversation(writeCtx)
	if err != nil {
		e.fail(err.Error())
		return err
	}
	e.mu.Lock()
	e.conversationID = conv.ID
	e.mu.Unlock()

	logger := e.logger.With(slog.String("conversationID", conv.ID))

	userMsg := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleUser,
		Content:   trimmed,
		CreatedAt: e.now(),
	}
	history := append(settleInterrupted(conv.Messages), userMsg)
	update := models.ConversationUpdate{Messages: history}
	if len(conv.Messages) == 0 {
		update.Title = models.Ptr(models.TruncateTitle(trimmed))
	}
	e.latest = history
	e.persist(writeCtx, logger, conv.ID, update)

	placeholder := models.Message{
		ID:          uuid.New().String(),
		Role:        models.RoleAssistant,
		CreatedAt:   e.now(),
		IsStreaming: true,
	}
	e.latest = append(slices.Clone(e.latest), placeholder)
	e.persist(writeCtx, logger, conv.ID, models.ConversationUpdate{Messages: e.latest})
	e.notify(conv.ID, placeholder)

	model := conv.Model
	if model == "" {
		model = e.session.Model()
	}

	var (
		accumulated strings.Builder
		streamErr   error
		stopped     bool
	)
	for fragment, err := range e.transport.StreamChat(streamCtx, model, models.ChatMessages(history)) {
		if err != nil {
			streamErr = err
			break
		}
		if fragment == "" {
			continue
		}
		if e.cancelled(ctx) {
			// Fragments arriving after a cancel request are dropped, the placeholder keeps what was shown.
			stopped = true
			break
		}
		accumulated.WriteString(fragment)
		text := accumulated.String()
		e.updatePlaceholder(writeCtx, logger, conv.ID, placeholder.ID, func(m *models.Message) {
			m.Content = text
		})
		e.transition(StateStreaming)
	}

	switch {
	case streamErr != nil && e.cancelled(ctx), stopped:
		e.transition(StateCancelled)
		e.updatePlaceholder(writeCtx, logger, conv.ID, placeholder.ID, func(m *models.Message) {
			m.IsStreaming = false
		})
		logger.Info("Send cancelled", slog.Int("contentLength", accumulated.Len()))
		return nil
	case streamErr != nil:
		sendErr := newSendError(streamErr)
		e.transition(StateFailed)
		e.updatePlaceholder(writeCtx, logger, conv.ID, placeholder.ID, func(m *models.Message) {
			m.Content = ""
			m.IsStreaming = false
			m.Error = sendErr.Message
		})
		e.fail(sendErr.Message)
		logger.Error("Send failed",
			slog.String("kind", string(sendErr.Err.Kind)),
			slog.String(errLoggerKey, streamErr.Error()))
		return sendErr
	default:
		e.transition(StateCompleted)
		text := accumulated.String()
		e.updatePlaceholder(writeCtx, logger, conv.ID, placeholder.ID, func(m *models.Message) {
			m.Content = text
			m.IsStreaming = false
		})
		logger.Info("Send completed", slog.Int("contentLength", len(text)))
		return nil
	}
}

func (e *Engine) begin(ctx context.Context) (context.Context, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateIdle {
		return nil, false
	}
	streamCtx, cancel := context.WithCancel(ctx)
	e.state = StateSending
	e.lastError = ""
	e.cancelRequested = false
	e.conversationID = ""
	e.cancel = cancel
	return streamCtx, true
}

// finish returns the engine to Idle whatever happened during the send.
func (e *Engine) finish() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Terminal() {
		e.outcome = e.state
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.state = StateIdle
	e.cancel = nil
	e.cancelRequested = false
	e.conversationID = ""
	e.latest = nil
}

func (e *Engine) transition(to State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == to {
		return
	}
	e.state = to
}

func (e *Engine) fail(msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastError = msg
	if !e.state.Terminal() {
		e.state = StateFailed
	}
}

// cancelled reports whether the caller asked to stop, either through Cancel or by cancelling the context
// given to Send. Transport errors are never taken as a sign of cancellation on their own.
func (e *Engine) cancelled(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelRequested || ctx.Err() != nil
}

func (e *Engine) targetConversation(ctx context.Context) (models.Conversation, error) {
	selection := e.session.Selection()
	conv, found, err := selection.Active(ctx)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to get active conversation: %w", err)
	}
	if found {
		return conv, nil
	}
	conv, err = selection.Create(ctx, e.session.Model(), models.DefaultFolderID)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

func (e *Engine) updatePlaceholder(
	ctx context.Context,
	logger *slog.Logger,
	conversationID, placeholderID string,
	mutate func(*models.Message),
) {
	next := slices.Clone(e.latest)
	idx := slices.IndexFunc(next, func(m models.Message) bool { return m.ID == placeholderID })
	if idx == -1 {
		logger.Warn("Placeholder missing from latest messages", slog.String("messageID", placeholderID))
		return
	}
	mutate(&next[idx])
	e.latest = next
	e.persist(ctx, logger, conversationID, models.ConversationUpdate{Messages: next})
	e.notify(conversationID, next[idx])
}

func (e *Engine) persist(ctx context.Context, logger *slog.Logger, conversationID string, update models.ConversationUpdate) {
	if err := e.session.Store().UpsertConversation(ctx, conversationID, update); err != nil {
		logger.Warn("Failed to persist conversation", slog.String(errLoggerKey, err.Error()))
	}
}

func (e *Engine) notify(conversationID string, msg models.Message) {
	if e.notifier != nil {
		e.notifier.MessageUpdated(conversationID, msg)
	}
}

// settleInterrupted returns a copy of messages where placeholders left streaming by an interrupted process are
// marked as done. No send is in flight when it runs, so none of them can still receive fragments.
func settleInterrupted(messages []models.Message) []models.Message {
	res := slices.Clone(messages)
	for i := range res {
		res[i].IsStreaming = false
	}
	return res
}
