package chat

import (
	"fmt"

	"github.com/MegaGrindStone/llm-chat/internal/models"
)

// User facing messages for classified transport failures.
const (
	MessageUnauthorized = "Invalid credential, please update it."
	MessageRateLimited  = "Rate limit exceeded, retry later."
	MessageServerError  = "Upstream server error, try again later."
)

// SendError is returned by Engine.Send when the transport fails. Message is what the placeholder shows.
type SendError struct {
	Message string
	Err     *models.StreamError
}

func (e *SendError) Error() string {
	return e.Message
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// ErrorMessage maps a transport failure to the message shown to the user. Unclassified failures keep the raw
// diagnostic text.
func ErrorMessage(err error) string {
	se := models.AsStreamError(err)
	switch se.Kind {
	case models.ErrorKindUnauthorized:
		return MessageUnauthorized
	case models.ErrorKindRateLimited:
		return MessageRateLimited
	case models.ErrorKindServer:
		return MessageServerError
	}

	if se.Err == nil {
		return "An unexpected error occurred."
	}
	if se.StatusCode != 0 {
		return fmt.Sprintf("API error (%d): %v", se.StatusCode, se.Err)
	}
	return se.Err.Error()
}

func newSendError(err error) *SendError {
	return &SendError{
		Message: ErrorMessage(err),
		Err:     models.AsStreamError(err),
	}
}
