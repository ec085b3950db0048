package outbox

import (
	"errors"
	"fmt"
)

var (
	ErrEventTypeRequired        = errors.New("event type is required")
	ErrPayloadRequired          = errors.New("outbox event payload is required")
	ErrPayloadTooLarge          = errors.New("outbox event payload exceeds maximum allowed size")
	ErrPayloadNotJSON           = errors.New("outbox event payload must be valid JSON")
	ErrEventHandlerRequired     = errors.New("event handler is required")
	ErrHandlerAlreadyRegistered = errors.New("event handler already registered")
	ErrRepositoryRequired       = errors.New("outbox repository is required")
	ErrResolverRequired         = errors.New("handler resolver is required")
	ErrInvalidBatchSize         = errors.New("batch size must be positive")
	ErrInvalidRetention         = errors.New("retention days must not be negative")
	ErrInvalidCommitMode        = errors.New("invalid commit mode")
)

// SerializationError reports a payload that cannot be stored as JSON.
type SerializationError struct {
	EventType string
	Err       error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialize payload for %q: %v", e.EventType, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// HandlerExecutionError wraps a handler failure or panic for one record.
type HandlerExecutionError struct {
	EventID   string
	EventType string
	Err       error
}

func (e *HandlerExecutionError) Error() string {
	return fmt.Sprintf("handler for %s (event %s): %v", e.EventType, e.EventID, e.Err)
}

func (e *HandlerExecutionError) Unwrap() error { return e.Err }

// CleanupError reports a failed bulk delete. Nothing is assumed deleted.
type CleanupError struct {
	RetentionDays int
	Err           error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("cleanup processed events older than %d days: %v", e.RetentionDays, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }
