package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// MemoryStorage keeps objects in process memory for tests and local runs.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStorage returns an empty store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: make(map[string][]byte)}
}

// Save stores content under key.
func (m *MemoryStorage) Save(ctx context.Context, key string, r io.Reader, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key = strings.TrimLeft(key, "/")
	if key == "" {
		return "", fmt.Errorf("memory storage: empty key")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("memory storage read %s: %w", key, err)
	}
	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()
	return key, nil
}

// Open returns a reader over a stored object.
func (m *MemoryStorage) Open(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	data, ok := m.objects[strings.TrimLeft(key, "/")]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// URL returns key unchanged.
func (m *MemoryStorage) URL(key string) string { return key }

// Keys lists stored keys. Useful for tests.
func (m *MemoryStorage) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}
