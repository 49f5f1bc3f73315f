package chat

import "fmt"

// State is the phase of a send operation. The engine is Idle between sends; a send moves through Sending and
// Streaming and settles on exactly one of the terminal states before the engine returns to Idle.
type State int

const (
	// StateIdle means no send is in flight.
	StateIdle State = iota
	// StateSending means the request was issued and no fragment has arrived yet.
	StateSending
	// StateStreaming means at least one fragment was applied to the placeholder.
	StateStreaming
	// StateCompleted means the stream ended normally.
	StateCompleted
	// StateFailed means the transport reported an error.
	StateFailed
	// StateCancelled means the caller cancelled the send.
	StateCancelled
)

var stateNames = map[State]string{
	StateIdle:      "idle",
	StateSending:   "sending",
	StateStreaming: "streaming",
	StateCompleted: "completed",
	StateFailed:    "failed",
	StateCancelled: "cancelled",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for st, name := range stateNames {
		if name == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// Busy reports whether a send is in flight.
func (s State) Busy() bool {
	return s == StateSending || s == StateStreaming
}

// Terminal reports whether the state ends a send.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Status is a snapshot of the engine for the UI.
type Status struct {
	State State `json:"state"`
	// Outcome is the terminal state of the most recent send, or StateIdle if nothing was sent yet.
	Outcome     State  `json:"outcome"`
	IsLoading   bool   `json:"isLoading"`
	IsStreaming bool   `json:"isStreaming"`
	LastError   string `json:"lastError,omitempty"`
	// ConversationID is the target of the in-flight send.
	ConversationID string `json:"conversationId,omitempty"`
}
