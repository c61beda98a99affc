package models

import "time"

// BatchStatus tracks an upstream render batch.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchSubmitted  BatchStatus = "submitted"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// Terminal reports whether the batch has finished.
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchFailed
}

// BatchJob groups several session renders into one provider submission.
type BatchJob struct {
	ID            string      `json:"id"`
	Status        BatchStatus `json:"status"`
	SessionIDs    []string    `json:"sessionIds"`
	Delivered     []string    `json:"delivered"`
	ManifestRef   string      `json:"manifestRef,omitempty"`
	ProviderJobID string      `json:"providerJobId,omitempty"`
	Cost          int64       `json:"cost"`
	Error         string      `json:"error,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// Covers reports whether the batch includes the session.
func (b BatchJob) Covers(sessionID string) bool {
	for _, id := range b.SessionIDs {
		if id == sessionID {
			return true
		}
	}
	return false
}

// WasDelivered reports whether the session's outcome already fanned back.
func (b BatchJob) WasDelivered(sessionID string) bool {
	for _, id := range b.Delivered {
		if id == sessionID {
			return true
		}
	}
	return false
}
