package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/auditdiff/pkg/audit"
	"github.com/platinummonkey/auditdiff/pkg/storage/filestore"
	"github.com/platinummonkey/auditdiff/pkg/storage/redisstore"
	"github.com/platinummonkey/auditdiff/pkg/storage/sqlstore"
)

// Backend is an opened audit store together with the handles behind it.
// DB is set for postgres and sqlite, Redis for redis.
type Backend struct {
	Store audit.Store
	DB    *sql.DB
	Redis *redis.Client

	closers []func() error
}

// Name returns the backend name used in metrics and logs
func (b *Backend) Name() string {
	return audit.BackendName(b.Store)
}

// Ping checks the connection behind the store. Memory and file stores
// have nothing to ping.
func (b *Backend) Ping(ctx context.Context) error {
	if b.DB != nil {
		return b.DB.PingContext(ctx)
	}
	if b.Redis != nil {
		return b.Redis.Ping(ctx).Err()
	}
	return nil
}

// Close releases every handle opened for the store, last opened first
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// Open builds the store selected by cfg.Type
func Open(ctx context.Context, cfg Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case TypeMemory:
		return &Backend{Store: audit.NewMemoryStore()}, nil

	case TypePostgres:
		db, err := sqlstore.OpenPostgres(ctx, sqlstore.ConnectionConfig{
			URL:         cfg.PostgresURL,
			MaxConns:    cfg.PostgresMaxConns,
			MinConns:    cfg.PostgresMinConns,
			Timeout:     cfg.PostgresTimeout,
			MaxLifetime: cfg.PostgresMaxLifetime,
			MaxIdleTime: cfg.PostgresMaxIdleTime,
		})
		if err != nil {
			return nil, err
		}
		return openSQL(ctx, db, sqlstore.DialectPostgres)

	case TypeSQLite:
		db, err := sqlstore.OpenSQLite(ctx, cfg.SQLitePath, 0)
		if err != nil {
			return nil, err
		}
		return openSQL(ctx, db, sqlstore.DialectSQLite)

	case TypeRedis:
		client, err := redisstore.NewClient(ctx, redisstore.ClientConfig{
			URL:        cfg.RedisURL,
			Password:   cfg.RedisPassword,
			DB:         cfg.RedisDB,
			MaxRetries: cfg.RedisMaxRetries,
			PoolSize:   cfg.RedisPoolSize,
		})
		if err != nil {
			return nil, err
		}
		store, err := redisstore.New(client, redisstore.WithKey(cfg.RedisKey))
		if err != nil {
			client.Close()
			return nil, err
		}
		return &Backend{Store: store, Redis: client, closers: []func() error{client.Close}}, nil

	case TypeFile:
		store, err := filestore.Open(cfg.FilePath)
		if err != nil {
			return nil, err
		}
		return &Backend{Store: store, closers: []func() error{store.Close}}, nil
	}

	return nil, fmt.Errorf("invalid storage type: %q", cfg.Type)
}

func openSQL(ctx context.Context, db *sql.DB, dialect sqlstore.Dialect) (*Backend, error) {
	store, err := sqlstore.New(ctx, db, dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Backend{Store: store, DB: db, closers: []func() error{db.Close}}, nil
}
