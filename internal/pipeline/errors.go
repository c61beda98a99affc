package pipeline

import (
	"errors"

	"github.com/garmaxai/backend/internal/ledger"
	"github.com/garmaxai/backend/internal/sessions"
)

var (
	// ErrInsufficientCredits indicates the account cannot pay for the request.
	ErrInsufficientCredits = ledger.ErrInsufficientCredits
	// ErrNotFound indicates no session exists for the id.
	ErrNotFound = sessions.ErrNotFound
	// ErrInvalidState indicates the session is not in a status that allows
	// the action. Callers should re-fetch the session.
	ErrInvalidState = errors.New("session is not in a valid state for this action")
	// ErrAlreadyRendering indicates a cancel after rendering started.
	ErrAlreadyRendering = errors.New("session is already rendering and cannot be cancelled")
	// ErrAlreadyTerminal indicates the session already finished.
	ErrAlreadyTerminal = errors.New("session already finished")
)

// ValidationError reports which field of a request was rejected.
type ValidationError = sessions.ValidationError
