package audit

import (
	"context"

	"github.com/google/uuid"
)

// Store persists audit records. Implementations are append-only and must be
// safe for concurrent use.
type Store interface {
	// Save assigns a fresh unique id to the record, appends it, and returns
	// a copy carrying the id. The argument is not modified. A record that
	// already has an id is rejected with ErrAlreadyPersisted.
	Save(ctx context.Context, a *Audit) (*Audit, error)

	// ListAll returns every stored record in save order. The returned slice
	// is a snapshot: later saves never change it.
	ListAll(ctx context.Context) ([]*Audit, error)
}

// IDGenerator produces record identifiers.
type IDGenerator func() (uuid.UUID, error)

// NewID generates a time-ordered UUIDv7.
func NewID() (uuid.UUID, error) {
	return uuid.NewV7()
}

// BackendName returns the name a store reports for metrics and logs, or
// "custom" when it does not name itself.
func BackendName(s Store) string {
	if named, ok := s.(interface{ Backend() string }); ok {
		return named.Backend()
	}
	return "custom"
}
