// Package filestore keeps audits in an append-only NDJSON file.
//
// The file is replayed into memory on open and every save is appended and
// synced before it is acknowledged. One process owns the file at a time.
package filestore

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/auditdiff/pkg/audit"
)

// DefaultPath is where the audit log lives when no path is configured
const DefaultPath = "/var/lib/auditd/audits.ndjson"

var tracer = otel.Tracer("github.com/platinummonkey/auditdiff/pkg/storage/filestore")

// Store implements audit.Store on a local NDJSON file
type Store struct {
	path    string
	mu      sync.RWMutex
	file    *os.File
	size    int64
	records []*audit.Audit
	ids     map[uuid.UUID]struct{}
	newID   audit.IDGenerator
}

// Option configures a Store
type Option func(*Store)

// WithIDGenerator replaces the UUIDv7 generator
func WithIDGenerator(gen audit.IDGenerator) Option {
	return func(s *Store) {
		s.newID = gen
	}
}

// Open replays the file at path, creating it and its directory if needed
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}

	s := &Store{
		path:  path,
		file:  file,
		ids:   make(map[uuid.UUID]struct{}),
		newID: audit.NewID,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.replay(); err != nil {
		file.Close()
		return nil, err
	}

	return s, nil
}

// replay loads every complete line and drops a torn final line
func (s *Store) replay() error {
	reader := bufio.NewReader(s.file)

	var (
		offset int64
		lineNo int
	)
	for {
		line, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			if len(line) > 0 {
				if err := s.file.Truncate(offset); err != nil {
					return fmt.Errorf("failed to truncate partial audit line: %w", err)
				}
			}
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read audit file: %w", err)
		}

		lineNo++
		offset += int64(len(line))
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		rec, err := audit.FromJSON(line)
		if err != nil {
			return fmt.Errorf("failed to decode audit on line %d: %w", lineNo, err)
		}
		if !rec.Persisted() {
			return fmt.Errorf("audit on line %d has no id", lineNo)
		}
		if _, dup := s.ids[rec.ID.UUID]; dup {
			return fmt.Errorf("duplicate audit id %s on line %d", rec.ID.UUID, lineNo)
		}
		s.ids[rec.ID.UUID] = struct{}{}
		s.records = append(s.records, rec)
	}

	if _, err := s.file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek audit file: %w", err)
	}
	s.size = offset
	return nil
}

// Backend names the store for metrics
func (s *Store) Backend() string {
	return "file"
}

// Path returns the file backing the store
func (s *Store) Path() string {
	return s.path
}

// Save implements audit.Store
func (s *Store) Save(ctx context.Context, a *audit.Audit) (*audit.Audit, error) {
	if a.Persisted() {
		return nil, fmt.Errorf("%w: %s", audit.ErrAlreadyPersisted, a.ID.UUID)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", audit.ErrStorageUnavailable, err)
	}

	_, span := tracer.Start(ctx, "FileStore.Save",
		trace.WithAttributes(
			attribute.String("db.system", "file"),
			attribute.Int("audit.changed_fields", a.Changes.Len()),
		),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	saved, err := s.appendLocked(a)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to append audit")
		return nil, fmt.Errorf("%w: %w", audit.ErrStorageUnavailable, err)
	}

	span.SetAttributes(attribute.String("audit.id", saved.ID.UUID.String()))
	return saved.Clone(), nil
}

func (s *Store) appendLocked(a *audit.Audit) (*audit.Audit, error) {
	if s.file == nil {
		return nil, fmt.Errorf("audit file is closed")
	}

	id, err := s.newID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate id: %w", err)
	}
	if _, dup := s.ids[id]; dup {
		return nil, fmt.Errorf("id %s already in use", id)
	}

	saved := a.Clone()
	saved.ID = uuid.NullUUID{UUID: id, Valid: true}

	data, err := saved.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit: %w", err)
	}

	line := append(data, '\n')
	if _, err := s.file.Write(line); err != nil {
		s.rewindLocked()
		return nil, fmt.Errorf("failed to write audit: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		s.rewindLocked()
		return nil, fmt.Errorf("failed to sync audit file: %w", err)
	}
	s.size += int64(len(line))

	s.ids[id] = struct{}{}
	s.records = append(s.records, saved)
	return saved, nil
}

// rewindLocked drops whatever a failed append left past the last good record
func (s *Store) rewindLocked() {
	_ = s.file.Truncate(s.size)
	_, _ = s.file.Seek(s.size, io.SeekStart)
}

// ListAll implements audit.Store
func (s *Store) ListAll(ctx context.Context) ([]*audit.Audit, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", audit.ErrStorageUnavailable, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	audits := make([]*audit.Audit, len(s.records))
	for i, rec := range s.records {
		audits[i] = rec.Clone()
	}
	return audits, nil
}

// Close closes the file. Later saves fail with ErrStorageUnavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}

	return nil
}
