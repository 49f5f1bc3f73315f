package models

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// Conversation represents a chat thread between the user and a language model. It owns its messages, which
// are kept in chronological order, and remembers which model and folder it belongs to.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	Model     string    `json:"model"`
	FolderID  string    `json:"folderId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message represents an individual entry within a conversation. IsStreaming is only ever set on the assistant
// placeholder that is currently receiving fragments, and Error is only set on an assistant message whose
// response failed.
type Message struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"createdAt"`
	IsStreaming bool      `json:"isStreaming,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Folder groups conversations in the sidebar. The default folder always exists and cannot be renamed or
// deleted.
type Folder struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	IsDefault   bool      `json:"isDefault"`
	CreatedAt   time.Time `json:"createdAt"`
	IsCollapsed bool      `json:"isCollapsed"`
}

// ConversationUpdate is a partial update of a conversation. Nil fields are left untouched when merged.
type ConversationUpdate struct {
	Title    *string
	Messages []Message
	Model    *string
	FolderID *string
}

// ChatMessage is the role and content pair sent to a language model. Transient fields of Message are never
// part of it.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a message generated by the model.
	RoleAssistant Role = "assistant"
	// RoleSystem represents an instruction message for the model.
	RoleSystem Role = "system"

	// DefaultFolderID is the id of the folder that always exists.
	DefaultFolderID = "default"
	// DefaultFolderName is the display name of the default folder.
	DefaultFolderName = "Default"
	// NewChatTitle is the title of a conversation that has not received a message yet.
	NewChatTitle = "New Chat"
	// TitleMaxLength is the number of characters of the first user message kept as the title.
	TitleMaxLength = 50
)

var (
	// ErrConversationNotFound is returned when a conversation id is unknown to the store.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrFolderNotFound is returned when a folder id is unknown to the store.
	ErrFolderNotFound = errors.New("folder not found")
	// ErrDefaultFolder is returned when an operation is not allowed on the default folder.
	ErrDefaultFolder = errors.New("default folder cannot be modified")
)

// DefaultFolder returns the folder that every store exposes first.
func DefaultFolder() Folder {
	return Folder{
		ID:        DefaultFolderID,
		Name:      DefaultFolderName,
		IsDefault: true,
	}
}

// Apply merges the update into the conversation and stamps UpdatedAt with now.
func (u ConversationUpdate) Apply(c Conversation, now time.Time) Conversation {
	if u.Title != nil {
		c.Title = *u.Title
	}
	if u.Messages != nil {
		c.Messages = u.Messages
	}
	if u.Model != nil {
		c.Model = *u.Model
	}
	if u.FolderID != nil {
		c.FolderID = *u.FolderID
	}
	c.UpdatedAt = now
	return c
}

// ChatMessages returns the role and content of every message, in order.
func ChatMessages(messages []Message) []ChatMessage {
	res := make([]ChatMessage, len(messages))
	for i, msg := range messages {
		res[i] = ChatMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}
	return res
}

// TruncateTitle cuts s to at most TitleMaxLength characters, counting runes rather than bytes so multi-byte
// text is never split.
func TruncateTitle(s string) string {
	if utf8.RuneCountInString(s) <= TitleMaxLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:TitleMaxLength])
}

// ImportedTitle derives the title of an imported conversation from its first user message.
func ImportedTitle(firstUserMessage string) string {
	return strings.ReplaceAll(TruncateTitle(firstUserMessage), "\n", " ")
}

// StreamingCount returns how many messages are currently flagged as streaming.
func StreamingCount(messages []Message) int {
	n := 0
	for _, msg := range messages {
		if msg.IsStreaming {
			n++
		}
	}
	return n
}

// Ptr returns a pointer to v. It keeps ConversationUpdate literals short.
func Ptr[T any](v T) *T {
	return &v
}
