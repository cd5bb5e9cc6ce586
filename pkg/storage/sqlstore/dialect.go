package sqlstore

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Dialect selects the SQL flavor spoken by the store
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

func (d Dialect) String() string {
	switch d {
	case DialectPostgres:
		return "postgres"
	case DialectSQLite:
		return "sqlite"
	default:
		return "dialect(" + strconv.Itoa(int(d)) + ")"
	}
}

// ParseDialect maps a backend name to a Dialect
func ParseDialect(name string) (Dialect, error) {
	switch name {
	case "postgres", "postgresql":
		return DialectPostgres, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return 0, fmt.Errorf("unknown sql dialect %q", name)
	}
}

// changes is stored as JSON rather than JSONB in PostgreSQL so the field
// order of each change set is kept byte-for-byte.
func (d Dialect) createTable() string {
	if d == DialectSQLite {
		return `
	CREATE TABLE IF NOT EXISTS audits (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		origin TEXT NOT NULL,
		user_agent TEXT NOT NULL,
		changes TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`
	}
	return `
	CREATE TABLE IF NOT EXISTS audits (
		seq BIGSERIAL PRIMARY KEY,
		id UUID NOT NULL UNIQUE,
		origin TEXT NOT NULL,
		user_agent TEXT NOT NULL,
		changes JSON NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`
}

func (d Dialect) insertAudit() string {
	if d == DialectSQLite {
		return `INSERT INTO audits (id, origin, user_agent, changes) VALUES (?, ?, ?, ?)`
	}
	return `INSERT INTO audits (id, origin, user_agent, changes) VALUES ($1, $2, $3, $4)`
}

// auditInsertLockKey is the pg_advisory_xact_lock key held by every insert.
// BIGSERIAL values are drawn at insert time and rows become visible at
// commit, so concurrent inserts could otherwise commit out of seq order.
const auditInsertLockKey int64 = 0x6175646974

func (d Dialect) lockInserts() string {
	return `SELECT pg_advisory_xact_lock($1)`
}

func (d Dialect) selectAudits() string {
	return `SELECT id, origin, user_agent, changes FROM audits ORDER BY seq ASC`
}

// isUniqueViolation reports whether err is a duplicate-key error on insert
func (d Dialect) isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
