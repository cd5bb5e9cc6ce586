// Package redisstore keeps audits in a Redis list.
//
// Each record is JSON-encoded and appended with RPUSH, so the list order is
// the save order even with many writers. Ids are reserved in a companion set
// before the push; a collision draws a fresh id.
package redisstore

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/auditdiff/pkg/audit"
)

// DefaultKey is the list holding the audit records
const DefaultKey = "auditd:audits"

const maxIDAttempts = 3

var tracer = otel.Tracer("github.com/platinummonkey/auditdiff/pkg/storage/redisstore")

// Store implements audit.Store on a Redis list
type Store struct {
	client *redis.Client
	key    string
	newID  audit.IDGenerator
}

// Option configures a Store
type Option func(*Store)

// WithKey sets the list key. The id set lives at key + ":ids".
func WithKey(key string) Option {
	return func(s *Store) {
		if key != "" {
			s.key = key
		}
	}
}

// WithIDGenerator replaces the UUIDv7 generator
func WithIDGenerator(gen audit.IDGenerator) Option {
	return func(s *Store) {
		s.newID = gen
	}
}

// New creates a Store on an existing client
func New(client *redis.Client, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	s := &Store{
		client: client,
		key:    DefaultKey,
		newID:  audit.NewID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Backend names the store for metrics
func (s *Store) Backend() string {
	return "redis"
}

// Client returns the underlying client, for health checks
func (s *Store) Client() *redis.Client {
	return s.client
}

func (s *Store) idsKey() string {
	return s.key + ":ids"
}

// Save implements audit.Store
func (s *Store) Save(ctx context.Context, a *audit.Audit) (*audit.Audit, error) {
	if a.Persisted() {
		return nil, fmt.Errorf("%w: %s", audit.ErrAlreadyPersisted, a.ID.UUID)
	}

	ctx, span := tracer.Start(ctx, "RedisStore.Save",
		trace.WithAttributes(
			attribute.String("db.system", "redis"),
			attribute.Int("audit.changed_fields", a.Changes.Len()),
		),
	)
	defer span.End()

	saved, err := s.save(ctx, a)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to save audit")
		return nil, fmt.Errorf("%w: %w", audit.ErrStorageUnavailable, err)
	}

	span.SetAttributes(attribute.String("audit.id", saved.ID.UUID.String()))
	return saved, nil
}

func (s *Store) save(ctx context.Context, a *audit.Audit) (*audit.Audit, error) {
	id, err := s.reserveID(ctx)
	if err != nil {
		return nil, err
	}

	saved := a.Clone()
	saved.ID = uuid.NullUUID{UUID: id, Valid: true}

	data, err := saved.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit: %w", err)
	}

	if err := s.client.RPush(ctx, s.key, data).Err(); err != nil {
		return nil, fmt.Errorf("redis rpush failed: %w", err)
	}
	return saved, nil
}

// reserveID adds a fresh id to the id set, retrying when it is already taken
func (s *Store) reserveID(ctx context.Context) (uuid.UUID, error) {
	for attempt := 1; ; attempt++ {
		id, err := s.newID()
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to generate id: %w", err)
		}

		added, err := s.client.SAdd(ctx, s.idsKey(), id.String()).Result()
		if err != nil {
			return uuid.Nil, fmt.Errorf("redis sadd failed: %w", err)
		}
		if added == 1 {
			return id, nil
		}
		if attempt >= maxIDAttempts {
			return uuid.Nil, fmt.Errorf("id %s already in use", id)
		}
	}
}

// ListAll implements audit.Store
func (s *Store) ListAll(ctx context.Context) ([]*audit.Audit, error) {
	ctx, span := tracer.Start(ctx, "RedisStore.ListAll",
		trace.WithAttributes(attribute.String("db.system", "redis")),
	)
	defer span.End()

	items, err := s.client.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list audits")
		return nil, fmt.Errorf("%w: redis lrange failed: %w", audit.ErrStorageUnavailable, err)
	}

	audits := make([]*audit.Audit, 0, len(items))
	for i, item := range items {
		a, err := audit.FromJSON([]byte(item))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to decode audit")
			return nil, fmt.Errorf("%w: failed to decode audit at index %d: %w", audit.ErrStorageUnavailable, i, err)
		}
		audits = append(audits, a)
	}

	span.SetAttributes(attribute.Int("audit.count", len(audits)))
	return audits, nil
}
