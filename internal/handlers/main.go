package handlers

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"strings"
	"time"

	llmchat "github.com/MegaGrindStone/llm-chat"
	"github.com/MegaGrindStone/llm-chat/internal/chat"
	"github.com/MegaGrindStone/llm-chat/internal/models"
	"github.com/MegaGrindStone/llm-chat/internal/services"
	"github.com/MegaGrindStone/llm-chat/internal/usage"
	"github.com/tmaxmax/go-sse"
)

// FolderStore manages the folders conversations are grouped into.
type FolderStore interface {
	Folders(ctx context.Context) ([]models.Folder, error)
	AddFolder(ctx context.Context, name string) (models.Folder, error)
	RenameFolder(ctx context.Context, id, name string) error
	DeleteFolder(ctx context.Context, id string) error
	ToggleFolderCollapsed(ctx context.Context, id string) error
	MoveConversation(ctx context.Context, id, folderID string) error
}

// ModelCatalog lists the models the user can pick from.
type ModelCatalog interface {
	Models(ctx context.Context) ([]models.ModelOption, error)
	Refresh(ctx context.Context) ([]models.ModelOption, error)
}

// BalanceReader reads the remaining credit of the account. It returns nil without error when the balance is
// not available to the account.
type BalanceReader interface {
	CreditBalance(ctx context.Context) (*services.CreditBalance, error)
}

// Main handles the core functionality of the chat application, managing server-sent events, HTML templates,
// and the interactions between the chat engine and the stores.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	session *chat.Session
	engine  *chat.Engine
	folders FolderStore
	catalog ModelCatalog
	balance BalanceReader

	logger *slog.Logger
}

const (
	chatsSSETopic = "chats"

	errLoggerKey = "err"
)

// SSE event types for real-time updates.
var (
	chatsSSEType        = sse.Type("chats")
	chatboxSSEType      = sse.Type("chatbox")
	messagesSSEType     = sse.Type("messages")
	closeMessageSSEType = sse.Type("closeMessage")
)

// NewMain creates a new Main instance. It builds the chat engine for session on top of transport, with Main
// registered as the engine's notifier, initializes the SSE server and parses the HTML templates from the
// embedded filesystem. balance may be nil when the provider has no credit endpoint.
func NewMain(
	session *chat.Session,
	transport chat.Transport,
	folders FolderStore,
	catalog ModelCatalog,
	balance BalanceReader,
	logger *slog.Logger,
) (*Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.New("").Funcs(template.FuncMap{
		"formatPrice": usage.FormatPrice,
	}).ParseFS(
		llmchat.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	m := &Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				// We start with default topics that all clients should subscribe to
				topics := []string{sse.DefaultTopic, chatsSSETopic}

				if chatID := s.Req.URL.Query().Get("chat_id"); chatID != "" {
					topics = append(topics, chatIDTopic(chatID))
				}
				if messageID := s.Req.URL.Query().Get("message_id"); messageID != "" {
					topics = append(topics, messageIDTopic(messageID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		templates: tmpl,
		session:   session,
		folders:   folders,
		catalog:   catalog,
		balance:   balance,
		logger:    logger.With(slog.String("module", "main")),
	}
	m.engine = chat.NewEngine(session, transport, logger, chat.WithNotifier(m))

	return m, nil
}

func messageIDTopic(messageID string) string {
	return fmt.Sprintf("message-%s", messageID)
}

func chatIDTopic(chatID string) string {
	return fmt.Sprintf("chat-%s", chatID)
}

// MessageUpdated publishes the rendered assistant message to the clients following the message or its
// conversation. When the placeholder appears or settles, the conversation list is published too, since the
// conversation may be new or have a new title.
func (m *Main) MessageUpdated(conversationID string, msg models.Message) {
	if msg.IsStreaming && msg.Content == "" {
		// The placeholder follows the user message, which no client has seen yet.
		m.publishChatbox(context.Background(), conversationID)
		m.publishChats(context.Background())
		return
	}

	rendered, err := m.renderMessage(msg)
	if err != nil {
		m.logger.Error("Failed to render message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	e := &sse.Message{Type: messagesSSEType}
	e.AppendData(rendered)
	if err := m.sseSrv.Publish(e, messageIDTopic(msg.ID), chatIDTopic(conversationID)); err != nil {
		m.logger.Error("Failed to publish message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
	}

	if msg.IsStreaming {
		return
	}

	m.publishChats(context.Background())

	e = &sse.Message{Type: closeMessageSSEType}
	e.AppendData(msg.ID)
	if err := m.sseSrv.Publish(e, messageIDTopic(msg.ID), chatIDTopic(conversationID)); err != nil {
		m.logger.Error("Failed to publish close message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m *Main) publishChatbox(ctx context.Context, conversationID string) {
	var sb strings.Builder
	if err := m.renderChatbox(ctx, &sb, conversationID); err != nil {
		m.logger.Error("Failed to render chatbox",
			slog.String("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	e := &sse.Message{Type: chatboxSSEType}
	e.AppendData(sb.String())
	if err := m.sseSrv.Publish(e, chatsSSETopic); err != nil {
		m.logger.Error("Failed to publish chatbox", slog.String(errLoggerKey, err.Error()))
	}
}

func (m *Main) publishChats(ctx context.Context) {
	divs, err := m.chatDivs(ctx)
	if err != nil {
		m.logger.Error("Failed to generate chat divs", slog.String(errLoggerKey, err.Error()))
		return
	}

	e := &sse.Message{Type: chatsSSEType}
	e.AppendData(divs)
	if err := m.sseSrv.Publish(e, chatsSSETopic); err != nil {
		m.logger.Error("Failed to publish chats", slog.String(errLoggerKey, err.Error()))
	}
}

func (m *Main) chatDivs(ctx context.Context) (string, error) {
	folders, err := m.sidebar(ctx)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, "chat_list", folders); err != nil {
		return "", fmt.Errorf("failed to execute chat_list template: %w", err)
	}
	return sb.String(), nil
}

func (m *Main) renderMessage(msg models.Message) (string, error) {
	var sb strings.Builder
	item, err := newMessage(msg)
	if err != nil {
		return "", err
	}
	if err := m.templates.ExecuteTemplate(&sb, "message", item); err != nil {
		return "", fmt.Errorf("failed to execute message template: %w", err)
	}
	return sb.String(), nil
}

// Shutdown gracefully terminates the Main instance's SSE server. It broadcasts a close message to all
// connected clients and waits up to 5 seconds for connections to terminate. An in-flight send is cancelled.
func (m *Main) Shutdown(ctx context.Context) error {
	m.engine.Cancel()

	e := &sse.Message{Type: sse.Type("closeChat")}
	// SSE events without data are dropped by browsers.
	e.AppendData("bye")
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
