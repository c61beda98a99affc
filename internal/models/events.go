package models

import "time"

// StatusEvent is published after every session change.
type StatusEvent struct {
	SessionID       string    `json:"sessionId"`
	OwnerID         string    `json:"ownerId"`
	PreviousStatus  Status    `json:"previousStatus,omitempty"`
	Status          Status    `json:"status"`
	Progress        int       `json:"progress"`
	ImageRef        string    `json:"imageRef,omitempty"`
	CreditsRefunded int64     `json:"creditsRefunded"`
	Timestamp       time.Time `json:"timestamp"`
}

// NewStatusEvent builds the event for a session that just moved from prev.
func NewStatusEvent(prev Status, s Session, at time.Time) StatusEvent {
	ev := StatusEvent{
		SessionID:       s.ID,
		OwnerID:         s.OwnerID,
		PreviousStatus:  prev,
		Status:          s.Status,
		Progress:        s.Progress,
		CreditsRefunded: s.CreditsRefunded,
		Timestamp:       at.UTC(),
	}
	switch s.Status {
	case StatusCompleted:
		ev.ImageRef = s.RenderedImageRef
	case StatusPreviewReady, StatusAwaitingConfirmation, StatusRendering:
		ev.ImageRef = s.PreviewImageRef
	}
	return ev
}

// WebhookEndpoint is an enterprise callback registered for an owner.
type WebhookEndpoint struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"ownerId"`
	URL          string    `json:"url"`
	Secret       string    `json:"-"`
	FailureCount int       `json:"failureCount"`
	CreatedAt    time.Time `json:"createdAt"`
}

// DeadLetter is a webhook delivery that exhausted its retries.
type DeadLetter struct {
	ID         string    `json:"id"`
	EndpointID string    `json:"endpointId"`
	SessionID  string    `json:"sessionId"`
	Payload    []byte    `json:"payload"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"lastError"`
	CreatedAt  time.Time `json:"createdAt"`
}
