package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/llm-chat/internal/chat"
	"github.com/MegaGrindStone/llm-chat/internal/models"
)

type conversation struct {
	ID    string
	Title string

	Active    bool
	Streaming bool
}

type folder struct {
	ID          string
	Name        string
	IsDefault   bool
	IsCollapsed bool

	Conversations []conversation
}

type message struct {
	ID        string
	Role      string
	Content   template.HTML
	Timestamp time.Time

	StreamingState string
	Failed         bool
}

type chatboxData struct {
	CurrentChatID string
	Title         string
	Model         string
	Messages      []message
	Status        chat.Status
}

type homePageData struct {
	Chatbox       chatboxData
	Folders       []folder
	Models        []models.ModelOption
	SelectedModel string
}

type importRequest struct {
	Messages []chat.ImportedMessage `json:"messages"`
	FolderID string                 `json:"folderId"`
}

func newMessage(msg models.Message) (message, error) {
	content, err := models.RenderMessage(msg)
	if err != nil {
		return message{}, fmt.Errorf("failed to render message %s: %w", msg.ID, err)
	}

	streamingState := "ended"
	switch {
	case msg.IsStreaming && msg.Content == "":
		streamingState = "loading"
	case msg.IsStreaming:
		streamingState = "streaming"
	}

	return message{
		ID:             msg.ID,
		Role:           string(msg.Role),
		Content:        template.HTML(content),
		Timestamp:      msg.CreatedAt,
		StreamingState: streamingState,
		Failed:         msg.Error != "",
	}, nil
}

// httpError logs err and answers with the status its kind calls for.
func (m *Main) httpError(w http.ResponseWriter, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrConversationNotFound), errors.Is(err, models.ErrFolderNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrDefaultFolder):
		status = http.StatusBadRequest
	}
	m.logger.Error(msg, slog.String(errLoggerKey, err.Error()))
	http.Error(w, err.Error(), status)
}

func (m *Main) sidebar(ctx context.Context) ([]folder, error) {
	fs, err := m.folders.Folders(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get folders: %w", err)
	}
	convs, err := m.session.Store().Conversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversations: %w", err)
	}

	activeID := m.session.Selection().ActiveID()
	idx := make(map[string]int, len(fs))
	folders := make([]folder, len(fs))
	for i, f := range fs {
		idx[f.ID] = i
		folders[i] = folder{
			ID:          f.ID,
			Name:        f.Name,
			IsDefault:   f.ID == models.DefaultFolderID,
			IsCollapsed: f.IsCollapsed,
		}
	}

	for _, c := range convs {
		i, ok := idx[c.FolderID]
		if !ok {
			// Conversations of a folder that no longer exists are listed under the default folder.
			i = idx[models.DefaultFolderID]
		}
		folders[i].Conversations = append(folders[i].Conversations, conversation{
			ID:        c.ID,
			Title:     c.Title,
			Active:    c.ID == activeID,
			Streaming: models.StreamingCount(c.Messages) > 0,
		})
	}
	return folders, nil
}

func (m *Main) chatbox(ctx context.Context, conversationID string) (chatboxData, error) {
	data := chatboxData{
		Model:  m.session.Model(),
		Status: m.engine.Status(),
	}
	if conversationID == "" {
		return data, nil
	}

	conv, found, err := m.session.Store().Conversation(ctx, conversationID)
	if err != nil {
		return chatboxData{}, fmt.Errorf("failed to get conversation: %w", err)
	}
	if !found {
		return data, nil
	}

	data.CurrentChatID = conv.ID
	data.Title = conv.Title
	if conv.Model != "" {
		data.Model = conv.Model
	}
	data.Messages = make([]message, len(conv.Messages))
	for i, msg := range conv.Messages {
		if data.Messages[i], err = newMessage(msg); err != nil {
			return chatboxData{}, err
		}
	}
	return data, nil
}

func (m *Main) renderChatbox(ctx context.Context, w io.Writer, conversationID string) error {
	data, err := m.chatbox(ctx, conversationID)
	if err != nil {
		return err
	}
	if err := m.templates.ExecuteTemplate(w, "chatbox", data); err != nil {
		return fmt.Errorf("failed to execute chatbox template: %w", err)
	}
	return nil
}

func (m *Main) writeChatbox(w http.ResponseWriter, r *http.Request) {
	if err := m.renderChatbox(r.Context(), w, m.session.Selection().ActiveID()); err != nil {
		m.httpError(w, "Failed to render chatbox", err)
	}
}

// HandleHome renders the full page: the sidebar with folders and conversations, the active transcript and
// the model picker.
func (m *Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	ctx := r.Context()

	if chatID := r.URL.Query().Get("chat_id"); chatID != "" {
		if err := m.session.Selection().Select(ctx, chatID); err != nil {
			m.httpError(w, "Failed to select chat", err)
			return
		}
	}

	box, err := m.chatbox(ctx, m.session.Selection().ActiveID())
	if err != nil {
		m.httpError(w, "Failed to load chat", err)
		return
	}
	folders, err := m.sidebar(ctx)
	if err != nil {
		m.httpError(w, "Failed to load sidebar", err)
		return
	}

	// An unreachable provider still renders the page, with only the selected model on offer.
	options, err := m.catalog.Models(ctx)
	if err != nil {
		m.logger.Warn("Failed to list models", slog.String(errLoggerKey, err.Error()))
		options = []models.ModelOption{{ID: m.session.Model(), Name: models.DisplayName(m.session.Model())}}
	}

	data := homePageData{
		Chatbox:       box,
		Folders:       folders,
		Models:        options,
		SelectedModel: m.session.Model(),
	}
	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleChats sends the "message" form field in the active conversation, creating one if none is active.
// An optional "chat_id" selects the conversation first. The response is 202 Accepted: the reply is streamed
// to the clients over SSE as it arrives. A send while another is in flight is rejected with 409 Conflict.
func (m *Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := r.FormValue("message")
	if strings.TrimSpace(msg) == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	if m.engine.Status().State.Busy() {
		http.Error(w, "A response is already in progress", http.StatusConflict)
		return
	}

	if chatID := r.FormValue("chat_id"); chatID != "" && chatID != m.session.Selection().ActiveID() {
		if err := m.session.Selection().Select(r.Context(), chatID); err != nil {
			m.httpError(w, "Failed to select chat", err)
			return
		}
	}

	go func() {
		if err := m.engine.Send(context.Background(), msg); err != nil {
			m.logger.Warn("Send failed", slog.String(errLoggerKey, err.Error()))
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

// HandleCancel stops the in-flight send, keeping the partial reply.
func (m *Main) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	m.engine.Cancel()
	w.WriteHeader(http.StatusNoContent)
}

// HandleNewChat creates an empty conversation in the "folder_id" folder, or the default one, and makes it
// active.
func (m *Main) HandleNewChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if _, err := m.session.Selection().Create(r.Context(), m.session.Model(), r.FormValue("folder_id")); err != nil {
		m.httpError(w, "Failed to create chat", err)
		return
	}
	m.publishChats(r.Context())
	m.writeChatbox(w, r)
}

// HandleSelectChat makes the "chat_id" conversation active and renders it.
func (m *Main) HandleSelectChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := m.session.Selection().Select(r.Context(), r.FormValue("chat_id")); err != nil {
		m.httpError(w, "Failed to select chat", err)
		return
	}
	m.publishChats(r.Context())
	m.writeChatbox(w, r)
}

// HandleDeleteChat deletes the "chat_id" conversation and renders the conversation that is active afterwards.
func (m *Main) HandleDeleteChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := m.session.Selection().Delete(r.Context(), r.FormValue("chat_id")); err != nil {
		m.httpError(w, "Failed to delete chat", err)
		return
	}
	m.publishChats(r.Context())
	m.writeChatbox(w, r)
}

// HandleMoveChat moves the "chat_id" conversation into the "folder_id" folder.
func (m *Main) HandleMoveChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	folderID := r.FormValue("folder_id")
	if folderID == "" {
		folderID = models.DefaultFolderID
	}
	if err := m.folders.MoveConversation(r.Context(), r.FormValue("chat_id"), folderID); err != nil {
		m.httpError(w, "Failed to move chat", err)
		return
	}
	m.writeChatList(w, r)
}

// HandleImportChat creates a conversation from a JSON transcript and makes it active.
func (m *Main) HandleImportChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.logger.Error("Failed to decode import", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Invalid transcript", http.StatusBadRequest)
		return
	}

	if _, err := m.session.Selection().Import(r.Context(), req.Messages, m.session.Model(), req.FolderID); err != nil {
		m.logger.Error("Failed to import chat", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m.publishChats(r.Context())
	m.writeChatbox(w, r)
}

// HandleStatus reports the engine status as JSON. DELETE clears the last error.
func (m *Main) HandleStatus(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodDelete:
		m.engine.ClearError()
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(m.engine.Status()); err != nil {
		m.logger.Error("Failed to encode status", slog.String(errLoggerKey, err.Error()))
	}
}

// HandleSSE streams the updates of the clients' topics.
func (m *Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}
