package models

import (
	"errors"
	"fmt"
	"net/http"
)

// StreamError is a structured failure reported by a streaming transport. The Kind tells the chat engine which
// user facing message to show, while Err keeps the provider's raw diagnostic.
type StreamError struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

// ErrorKind classifies a StreamError.
type ErrorKind string

const (
	// ErrorKindUnauthorized means the credential was rejected.
	ErrorKindUnauthorized ErrorKind = "unauthorized"
	// ErrorKindRateLimited means the provider throttled the request.
	ErrorKindRateLimited ErrorKind = "rate_limited"
	// ErrorKindServer means the provider failed with a 5xx status.
	ErrorKindServer ErrorKind = "server"
	// ErrorKindUnknown covers network failures and every other status.
	ErrorKindUnknown ErrorKind = "unknown"
)

func (e *StreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// NewStreamError builds a StreamError whose kind is derived from an HTTP status code. A zero status code is
// treated as a transport level failure.
func NewStreamError(statusCode int, err error) *StreamError {
	return &StreamError{
		Kind:       KindFromStatus(statusCode),
		StatusCode: statusCode,
		Err:        err,
	}
}

// KindFromStatus maps an HTTP status code to an ErrorKind.
func KindFromStatus(statusCode int) ErrorKind {
	switch {
	case statusCode == http.StatusUnauthorized:
		return ErrorKindUnauthorized
	case statusCode == http.StatusTooManyRequests:
		return ErrorKindRateLimited
	case statusCode >= http.StatusInternalServerError:
		return ErrorKindServer
	default:
		return ErrorKindUnknown
	}
}

// AsStreamError returns the StreamError in err's chain, wrapping err as an unknown failure if there is none.
func AsStreamError(err error) *StreamError {
	var se *StreamError
	if errors.As(err, &se) {
		return se
	}
	return &StreamError{Kind: ErrorKindUnknown, Err: err}
}
