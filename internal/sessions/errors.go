package sessions

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates no session exists for the id.
	ErrNotFound = errors.New("session not found")
	// ErrConflict indicates a session with the same id already exists.
	ErrConflict = errors.New("session already exists")
	// ErrTerminal indicates the session already reached a terminal status.
	ErrTerminal = errors.New("session is terminal")
	// ErrStatusConflict indicates another writer moved the session first.
	ErrStatusConflict = errors.New("session status changed concurrently")
	// ErrIllegalTransition indicates the edge is not part of the lifecycle.
	ErrIllegalTransition = errors.New("illegal session transition")
	// ErrProgressRegression indicates a progress update that moves backwards.
	ErrProgressRegression = errors.New("session progress cannot decrease")
	// ErrRefundExceedsCharge indicates a refund larger than what was charged.
	ErrRefundExceedsCharge = errors.New("refund exceeds charged credits")
)

// ValidationError reports a malformed session request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
