package reconcile

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/garmaxai/backend/internal/models"
)

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]models.ReconciliationEntry
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]models.ReconciliationEntry)}
}

// Record implements Store.
func (s *MemoryStore) Record(_ context.Context, entry models.ReconciliationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = entry
	return nil
}

// ListOpen implements Store, oldest first.
func (s *MemoryStore) ListOpen(_ context.Context, limit int) ([]models.ReconciliationEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ReconciliationEntry
	for _, e := range s.entries {
		if e.ResolvedAt == nil {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Resolve implements Store.
func (s *MemoryStore) Resolve(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	e.ResolvedAt = &at
	s.entries[id] = e
	return nil
}

// IncrementAttempts implements Store.
func (s *MemoryStore) IncrementAttempts(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	e.Attempts++
	s.entries[id] = e
	return nil
}

// Entries returns every entry. Useful for tests.
func (s *MemoryStore) Entries() []models.ReconciliationEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ReconciliationEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}
