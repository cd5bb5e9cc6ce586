package storage

import (
	"fmt"
	"time"
)

// Backend types accepted by Open
const (
	TypeMemory   = "memory"
	TypePostgres = "postgres"
	TypeSQLite   = "sqlite"
	TypeRedis    = "redis"
	TypeFile     = "file"
)

// Config for storage backend
type Config struct {
	Type string `yaml:"type"` // "memory", "postgres", "sqlite", "redis", "file"

	// File config
	FilePath string `yaml:"file_path"`

	// SQLite config
	SQLitePath string `yaml:"sqlite_path"`

	// PostgreSQL config
	PostgresURL         string        `yaml:"postgres_url"`
	PostgresMaxConns    int           `yaml:"postgres_max_conns"`
	PostgresMinConns    int           `yaml:"postgres_min_conns"`
	PostgresTimeout     time.Duration `yaml:"postgres_timeout"`
	PostgresMaxLifetime time.Duration `yaml:"postgres_max_lifetime"`
	PostgresMaxIdleTime time.Duration `yaml:"postgres_max_idle_time"`

	// Redis config
	RedisURL        string `yaml:"redis_url"`
	RedisPassword   string `yaml:"redis_password"`
	RedisDB         int    `yaml:"redis_db"`
	RedisMaxRetries int    `yaml:"redis_max_retries"`
	RedisPoolSize   int    `yaml:"redis_pool_size"`
	RedisKey        string `yaml:"redis_key"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Type:                TypeMemory,
		FilePath:            "/var/lib/auditd/audits.ndjson",
		SQLitePath:          "/var/lib/auditd/audits.db",
		PostgresMaxConns:    20,
		PostgresMinConns:    2,
		PostgresTimeout:     10 * time.Second,
		PostgresMaxLifetime: 30 * time.Minute,
		PostgresMaxIdleTime: 5 * time.Minute,
		RedisURL:            "redis://localhost:6379/0",
		RedisMaxRetries:     3,
		RedisPoolSize:       10,
		RedisKey:            "auditd:audits",
	}
}

// Validate checks that the selected backend has what it needs
func (c Config) Validate() error {
	switch c.Type {
	case TypeMemory:
	case TypePostgres:
		if c.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required when storage type is postgres")
		}
		if c.PostgresMaxConns < 1 {
			return fmt.Errorf("postgres max connections must be at least 1")
		}
		if c.PostgresMinConns > c.PostgresMaxConns {
			return fmt.Errorf("postgres min connections (%d) cannot exceed max connections (%d)", c.PostgresMinConns, c.PostgresMaxConns)
		}
	case TypeSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required when storage type is sqlite")
		}
	case TypeRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("redis URL is required when storage type is redis")
		}
	case TypeFile:
		if c.FilePath == "" {
			return fmt.Errorf("file path is required when storage type is file")
		}
	default:
		return fmt.Errorf("invalid storage type: %q (must be memory, postgres, sqlite, redis or file)", c.Type)
	}
	return nil
}
