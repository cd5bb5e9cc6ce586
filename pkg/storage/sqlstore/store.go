package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/auditdiff/pkg/audit"
)

var tracer = otel.Tracer("github.com/platinummonkey/auditdiff/pkg/storage/sqlstore")

// maxIDAttempts bounds how often Save draws a new id after a unique violation
const maxIDAttempts = 3

// Store implements audit.Store on a database/sql connection pool.
// Insertion order is the auto-incrementing seq column, so listings stay in
// save order across processes sharing the same database.
type Store struct {
	db      *sql.DB
	dialect Dialect
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

// New creates a Store and ensures the audits table exists
func New(ctx context.Context, db *sql.DB, dialect Dialect, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	s := &Store{
		db:      db,
		dialect: dialect,
		newID:   audit.NewID,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure audits table: %w", err)
	}

	return s, nil
}

// ensureTable creates the audits table if it doesn't exist
func (s *Store) ensureTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.dialect.createTable())
	return err
}

// Backend names the store for metrics
func (s *Store) Backend() string {
	return s.dialect.String()
}

// DB returns the underlying pool, for health checks
func (s *Store) DB() *sql.DB {
	return s.db
}

// Save implements audit.Store
func (s *Store) Save(ctx context.Context, a *audit.Audit) (*audit.Audit, error) {
	if a.Persisted() {
		return nil, fmt.Errorf("%w: %s", audit.ErrAlreadyPersisted, a.ID.UUID)
	}

	ctx, span := tracer.Start(ctx, "SQLStore.Save",
		trace.WithAttributes(
			attribute.String("db.system", s.dialect.String()),
			attribute.Int("audit.changed_fields", a.Changes.Len()),
		),
	)
	defer span.End()

	changes, err := a.Changes.MarshalJSON()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to encode changes")
		return nil, fmt.Errorf("failed to encode changes: %w", err)
	}

	for attempt := 1; ; attempt++ {
		id, err := s.newID()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to generate id")
			return nil, fmt.Errorf("%w: failed to generate id: %w", audit.ErrStorageUnavailable, err)
		}

		err = s.insert(ctx, id, a, changes)
		if err == nil {
			saved := a.Clone()
			saved.ID = uuid.NullUUID{UUID: id, Valid: true}
			span.SetAttributes(attribute.String("audit.id", id.String()))
			return saved, nil
		}

		if s.dialect.isUniqueViolation(err) && attempt < maxIDAttempts {
			continue
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to insert audit")
		return nil, fmt.Errorf("%w: failed to insert audit: %w", audit.ErrStorageUnavailable, err)
	}
}

// insert writes one row. On PostgreSQL the insert runs under a
// transaction-scoped advisory lock so rows commit in seq order.
func (s *Store) insert(ctx context.Context, id uuid.UUID, a *audit.Audit, changes []byte) error {
	args := []interface{}{id.String(), a.Origin, a.UserAgent, string(changes)}
	if s.dialect != DialectPostgres {
		_, err := s.db.ExecContext(ctx, s.dialect.insertAudit(), args...)
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.dialect.lockInserts(), auditInsertLockKey); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	if _, err := tx.ExecContext(ctx, s.dialect.insertAudit(), args...); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	return tx.Commit()
}

// ListAll implements audit.Store
func (s *Store) ListAll(ctx context.Context) ([]*audit.Audit, error) {
	ctx, span := tracer.Start(ctx, "SQLStore.ListAll",
		trace.WithAttributes(attribute.String("db.system", s.dialect.String())),
	)
	defer span.End()

	audits, err := s.listAll(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list audits")
		return nil, fmt.Errorf("%w: %w", audit.ErrStorageUnavailable, err)
	}

	span.SetAttributes(attribute.Int("audit.count", len(audits)))
	return audits, nil
}

func (s *Store) listAll(ctx context.Context) ([]*audit.Audit, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.selectAudits())
	if err != nil {
		return nil, fmt.Errorf("failed to query audits: %w", err)
	}
	defer rows.Close()

	audits := make([]*audit.Audit, 0)
	for rows.Next() {
		var (
			id      uuid.UUID
			a       audit.Audit
			changes []byte
		)
		if err := rows.Scan(&id, &a.Origin, &a.UserAgent, &changes); err != nil {
			return nil, fmt.Errorf("failed to scan audit: %w", err)
		}
		if err := json.Unmarshal(changes, &a.Changes); err != nil {
			return nil, fmt.Errorf("failed to decode changes for audit %s: %w", id, err)
		}
		a.ID = uuid.NullUUID{UUID: id, Valid: true}
		audits = append(audits, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audits: %w", err)
	}

	return audits, nil
}
