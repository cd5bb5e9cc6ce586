package audit

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps audit records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Audit
	ids     map[uuid.UUID]struct{}
	newID   IDGenerator
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithIDGenerator replaces the UUIDv7 generator.
func WithIDGenerator(gen IDGenerator) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.newID = gen
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		ids:   make(map[uuid.UUID]struct{}),
		newID: NewID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend implements the optional naming hook used by BackendName.
func (s *MemoryStore) Backend() string {
	return "memory"
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, a *Audit) (*Audit, error) {
	if a.Persisted() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyPersisted, a.ID.UUID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	record := a.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.newID()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to generate id: %w", ErrStorageUnavailable, err)
	}
	if _, exists := s.ids[id]; exists {
		return nil, fmt.Errorf("%w: generated duplicate id %s", ErrStorageUnavailable, id)
	}

	record.ID = uuid.NullUUID{UUID: id, Valid: true}
	s.ids[id] = struct{}{}
	s.records = append(s.records, record)

	return record.Clone(), nil
}

// ListAll implements Store.
func (s *MemoryStore) ListAll(ctx context.Context) ([]*Audit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Audit, len(s.records))
	for i, record := range s.records {
		out[i] = record.Clone()
	}
	return out, nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
