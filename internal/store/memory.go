package store

import (
	"context"
	"sync"

	"minewater/pkg/contracts/domain"
)

// MemoryStore holds the license record in process memory
type MemoryStore struct {
	mu  sync.RWMutex
	rec *domain.LicenseRecord
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// LoadRecord returns a copy of the stored record
func (s *MemoryStore) LoadRecord(_ context.Context) (*domain.LicenseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rec.Clone(), nil
}

// SaveRecord stores a copy of rec
func (s *MemoryStore) SaveRecord(_ context.Context, rec *domain.LicenseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = rec.Clone()
	return nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error { return nil }
