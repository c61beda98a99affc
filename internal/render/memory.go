package render

import (
	"context"
	"sync"
	"time"

	"github.com/garmaxai/backend/internal/models"
)

// MemoryBatchStore implements BatchStore in process memory.
type MemoryBatchStore struct {
	mu   sync.Mutex
	jobs map[string]models.BatchJob
}

// NewMemoryBatchStore returns an empty store.
func NewMemoryBatchStore() *MemoryBatchStore {
	return &MemoryBatchStore{jobs: make(map[string]models.BatchJob)}
}

// CreateBatch implements BatchStore.
func (s *MemoryBatchStore) CreateBatch(_ context.Context, job models.BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.SessionIDs = append([]string(nil), job.SessionIDs...)
	job.Delivered = nil
	s.jobs[job.ID] = job
	return nil
}

// GetBatch implements BatchStore.
func (s *MemoryBatchStore) GetBatch(_ context.Context, id string) (models.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.BatchJob{}, ErrBatchNotFound
	}
	job.SessionIDs = append([]string(nil), job.SessionIDs...)
	job.Delivered = append([]string(nil), job.Delivered...)
	return job, nil
}

// UpdateBatch implements BatchStore. Terminal batches keep their status.
func (s *MemoryBatchStore) UpdateBatch(_ context.Context, id string, status models.BatchStatus, providerJobID, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrBatchNotFound
	}
	if job.Status.Terminal() {
		return nil
	}
	job.Status = status
	if providerJobID != "" {
		job.ProviderJobID = providerJobID
	}
	if errText != "" {
		job.Error = errText
	}
	job.UpdatedAt = time.Now().UTC()
	s.jobs[id] = job
	return nil
}

// MarkDelivered implements BatchStore.
func (s *MemoryBatchStore) MarkDelivered(_ context.Context, batchID, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[batchID]
	if !ok {
		return false, ErrBatchNotFound
	}
	if job.WasDelivered(sessionID) {
		return false, nil
	}
	job.Delivered = append(job.Delivered, sessionID)
	s.jobs[batchID] = job
	return true, nil
}

// UnmarkDelivered implements BatchStore.
func (s *MemoryBatchStore) UnmarkDelivered(_ context.Context, batchID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[batchID]
	if !ok {
		return ErrBatchNotFound
	}
	kept := job.Delivered[:0:0]
	for _, id := range job.Delivered {
		if id != sessionID {
			kept = append(kept, id)
		}
	}
	job.Delivered = kept
	s.jobs[batchID] = job
	return nil
}

var _ BatchStore = (*MemoryBatchStore)(nil)
