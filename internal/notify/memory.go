package notify

import (
	"context"
	"sync"

	"github.com/garmaxai/backend/internal/models"
)

// MemoryWebhookStore keeps endpoints and dead letters in process memory.
type MemoryWebhookStore struct {
	mu          sync.RWMutex
	endpoints   map[string]models.WebhookEndpoint
	deadLetters []models.DeadLetter
}

// NewMemoryWebhookStore returns an empty store.
func NewMemoryWebhookStore() *MemoryWebhookStore {
	return &MemoryWebhookStore{endpoints: make(map[string]models.WebhookEndpoint)}
}

// Register adds or replaces an endpoint.
func (s *MemoryWebhookStore) Register(_ context.Context, endpoint models.WebhookEndpoint) error {
	s.mu.Lock()
	s.endpoints[endpoint.ID] = endpoint
	s.mu.Unlock()
	return nil
}

// ListEndpoints implements EndpointStore.
func (s *MemoryWebhookStore) ListEndpoints(_ context.Context, ownerID string) ([]models.WebhookEndpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.WebhookEndpoint
	for _, e := range s.endpoints {
		if e.OwnerID == ownerID {
			out = append(out, e)
		}
	}
	return out, nil
}

// RecordFailure implements EndpointStore.
func (s *MemoryWebhookStore) RecordFailure(_ context.Context, endpointID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.endpoints[endpointID]; ok {
		e.FailureCount++
		s.endpoints[endpointID] = e
	}
	return nil
}

// SaveDeadLetter implements DeadLetterStore.
func (s *MemoryWebhookStore) SaveDeadLetter(_ context.Context, letter models.DeadLetter) error {
	s.mu.Lock()
	s.deadLetters = append(s.deadLetters, letter)
	s.mu.Unlock()
	return nil
}

// DeadLetters returns a copy of the stored dead letters.
func (s *MemoryWebhookStore) DeadLetters() []models.DeadLetter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.DeadLetter(nil), s.deadLetters...)
}

// Endpoint returns a registered endpoint.
func (s *MemoryWebhookStore) Endpoint(id string) (models.WebhookEndpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.endpoints[id]
	return e, ok
}

var (
	_ EndpointStore   = (*MemoryWebhookStore)(nil)
	_ DeadLetterStore = (*MemoryWebhookStore)(nil)
)
