package client

import (
	"errors"
	"fmt"

	"github.com/Sternrassler/datasync-ingestor/pkg/event"
)

// Common errors returned by the client.
var (
	// ErrCredentialRefresh is returned when the stream credential cannot be
	// renewed, or the API keeps rejecting a freshly issued one. Terminal.
	ErrCredentialRefresh = errors.New("stream credential refresh failed")

	// ErrCursorRejected is returned when the API reports a cursor problem on
	// a request that carried no cursor at all. Terminal.
	ErrCursorRejected = errors.New("cursor rejected without a cursor")

	// ErrValidation marks responses that do not match the expected schema.
	ErrValidation = event.ErrInvalidEvent
)

// ErrorClass classifies failed fetch attempts.
type ErrorClass string

const (
	// ErrorClassTransientNetwork covers connection errors and 5xx responses.
	ErrorClassTransientNetwork ErrorClass = "transient_network"

	// ErrorClassRateLimited covers 429 responses.
	ErrorClassRateLimited ErrorClass = "rate_limited"

	// ErrorClassCredentialExpired covers 401 and 403 responses.
	ErrorClassCredentialExpired ErrorClass = "credential_expired"

	// ErrorClassCursorInvalidated covers 400 responses with a cursor marker.
	ErrorClassCursorInvalidated ErrorClass = "cursor_invalidated"

	// ErrorClassValidation covers bodies that fail to parse or validate.
	ErrorClassValidation ErrorClass = "validation_failure"

	// ErrorClassUnclassified covers every other non-2xx response.
	ErrorClassUnclassified ErrorClass = "unclassified"
)

// APIError represents a failed fetch attempt with additional context.
type APIError struct {
	StatusCode int
	Class      ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("datasync %s error (status %d): %s: %v",
			e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("datasync %s error (status %d): %s",
		e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// ClassOf returns the class of the first APIError in err's chain, or "".
func ClassOf(err error) ErrorClass {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}
	return ""
}

// IsTerminal reports whether err must stop the service instead of being
// retried by the ingestion loop.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrCredentialRefresh) || errors.Is(err, ErrCursorRejected)
}
