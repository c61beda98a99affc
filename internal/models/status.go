package models

import "fmt"

// Status is the lifecycle position of a session.
type Status string

const (
	StatusQueued               Status = "queued"
	StatusProcessingGuidance   Status = "processing_guidance"
	StatusPreviewReady         Status = "preview_ready"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusRendering            Status = "rendering"
	StatusCompleted            Status = "completed"
	StatusCancelled            Status = "cancelled"
	StatusFailed               Status = "failed"
)

var allStatuses = []Status{
	StatusQueued,
	StatusProcessingGuidance,
	StatusPreviewReady,
	StatusAwaitingConfirmation,
	StatusRendering,
	StatusCompleted,
	StatusCancelled,
	StatusFailed,
}

// Statuses lists every known status in pipeline order.
func Statuses() []Status {
	return append([]Status(nil), allStatuses...)
}

// ParseStatus rejects any value outside the closed set.
func ParseStatus(value string) (Status, error) {
	for _, s := range allStatuses {
		if string(s) == value {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown session status %q", value)
}

// Terminal reports whether the session can no longer change.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// Cancellable reports whether a user may still cancel for a full refund.
func (s Status) Cancellable() bool {
	switch s {
	case StatusQueued, StatusProcessingGuidance, StatusPreviewReady, StatusAwaitingConfirmation:
		return true
	default:
		return false
	}
}

// Condition narrows an edge to sessions with or without a confirmation step.
type Condition int

const (
	Always Condition = iota
	WithConfirmation
	WithoutConfirmation
)

// Transition is one allowed edge in the session lifecycle.
type Transition struct {
	From Status
	To   Status
	When Condition
}

var transitionsTable = []Transition{
	{From: StatusQueued, To: StatusProcessingGuidance},
	{From: StatusProcessingGuidance, To: StatusPreviewReady, When: WithConfirmation},
	{From: StatusProcessingGuidance, To: StatusRendering, When: WithoutConfirmation},
	{From: StatusPreviewReady, To: StatusAwaitingConfirmation},
	{From: StatusAwaitingConfirmation, To: StatusRendering},
	{From: StatusRendering, To: StatusCompleted},

	// Progress updates within a running stage.
	{From: StatusProcessingGuidance, To: StatusProcessingGuidance},
	{From: StatusRendering, To: StatusRendering},

	// Cancellation is only possible before rendering starts.
	{From: StatusQueued, To: StatusCancelled},
	{From: StatusProcessingGuidance, To: StatusCancelled},
	{From: StatusPreviewReady, To: StatusCancelled},
	{From: StatusAwaitingConfirmation, To: StatusCancelled},

	{From: StatusQueued, To: StatusFailed},
	{From: StatusProcessingGuidance, To: StatusFailed},
	{From: StatusPreviewReady, To: StatusFailed},
	{From: StatusAwaitingConfirmation, To: StatusFailed},
	{From: StatusRendering, To: StatusFailed},
}

// Transitions returns a copy of the lifecycle table.
func Transitions() []Transition {
	return append([]Transition(nil), transitionsTable...)
}

// CanTransition reports whether from -> to is legal for a session whose
// confirmation step is enabled or disabled.
func CanTransition(from, to Status, confirmationRequired bool) bool {
	for _, tr := range transitionsTable {
		if tr.From != from || tr.To != to {
			continue
		}
		switch tr.When {
		case WithConfirmation:
			return confirmationRequired
		case WithoutConfirmation:
			return !confirmationRequired
		default:
			return true
		}
	}
	return false
}
