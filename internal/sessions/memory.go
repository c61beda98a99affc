package sessions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/garmaxai/backend/internal/models"
)

// NewMemoryStore returns a Store backed by an in-memory map.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]models.Session),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// MemoryStore implements Store for tests and local development.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]models.Session
	now      func() time.Time
}

// SetClock overrides the time source. Useful for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Create validates and persists a new queued session.
func (s *MemoryStore) Create(_ context.Context, session models.Session) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prepared, err := PrepareNew(session, s.now())
	if err != nil {
		return models.Session{}, err
	}
	if _, exists := s.sessions[prepared.ID]; exists {
		return models.Session{}, ErrConflict
	}
	s.sessions[prepared.ID] = prepared
	return prepared.Clone(), nil
}

// Get retrieves a session by id.
func (s *MemoryStore) Get(_ context.Context, id string) (models.Session, error) {
	s.mu.RLock()
	session, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return models.Session{}, ErrNotFound
	}
	return session.Clone(), nil
}

// UpdateStatus applies a guarded transition.
func (s *MemoryStore) UpdateStatus(_ context.Context, id string, from, to models.Status, changes Changes) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.sessions[id]
	if !ok {
		return models.Session{}, ErrNotFound
	}
	next, err := Apply(current, from, to, changes, s.now())
	if err != nil {
		return models.Session{}, err
	}
	s.sessions[id] = next
	return next.Clone(), nil
}

// ListByOwner returns the owner's sessions, newest first.
func (s *MemoryStore) ListByOwner(_ context.Context, ownerID string, filter ListFilter) ([]models.Session, error) {
	filter = filter.Normalize()

	s.mu.RLock()
	var matched []models.Session
	for _, session := range s.sessions {
		if session.OwnerID == ownerID && filter.Matches(session.Status) {
			matched = append(matched, session.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset >= len(matched) {
		return []models.Session{}, nil
	}
	matched = matched[filter.Offset:]
	if len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// ListStale returns sessions stuck in one of statuses since before.
func (s *MemoryStore) ListStale(_ context.Context, statuses []models.Status, before time.Time, limit int) ([]models.Session, error) {
	filter := ListFilter{Statuses: statuses}

	s.mu.RLock()
	var matched []models.Session
	for _, session := range s.sessions {
		if filter.Matches(session.Status) && session.UpdatedAt.Before(before) {
			matched = append(matched, session.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.Before(matched[j].UpdatedAt)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

var _ Store = (*MemoryStore)(nil)
