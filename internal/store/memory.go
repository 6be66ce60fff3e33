package store

import (
	"context"
	"sync"
)

// MemoryStore keeps slots in process memory. Nothing survives a restart.
type MemoryStore struct {
	mu  sync.RWMutex
	doc document
}

// NewMemoryStore returns an empty in-memory backend.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{doc: make(document)}
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Get(_ context.Context, keys ...string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.pick(keys), nil
}

func (s *MemoryStore) Set(_ context.Context, items map[string]string) error {
	s.mu.Lock()
	s.doc.apply(items)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, keys ...string) error {
	s.mu.Lock()
	s.doc.remove(keys)
	s.mu.Unlock()
	return nil
}
