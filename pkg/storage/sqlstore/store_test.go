package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/auditdiff/pkg/audit"
	"github.com/platinummonkey/auditdiff/pkg/storage/storagetest"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func newMockStore(t *testing.T, opts ...Option) (*Store, sqlmock.Sqlmock) {
	db, mock := setupMockDB(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audits").WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := New(context.Background(), db, DialectPostgres, opts...)
	require.NoError(t, err)
	return store, mock
}

func expectInsertLock(mock sqlmock.Sqlmock) {
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1\)`).
		WithArgs(auditInsertLockKey).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func fixedIDs(ids ...uuid.UUID) audit.IDGenerator {
	i := 0
	return func() (uuid.UUID, error) {
		id := ids[i%len(ids)]
		i++
		return id, nil
	}
}

func TestNew(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		store, mock := newMockStore(t)
		assert.NotNil(t, store)
		assert.Equal(t, "postgres", store.Backend())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nil database", func(t *testing.T) {
		store, err := New(context.Background(), nil, DialectPostgres)
		assert.Error(t, err)
		assert.Nil(t, store)
		assert.Contains(t, err.Error(), "database connection is required")
	})

	t.Run("table creation error", func(t *testing.T) {
		db, mock := setupMockDB(t)
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS audits").WillReturnError(errors.New("table creation failed"))

		store, err := New(context.Background(), db, DialectPostgres)
		assert.Error(t, err)
		assert.Nil(t, store)
		assert.Contains(t, err.Error(), "failed to ensure audits table")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_Save_Postgres(t *testing.T) {
	id := uuid.MustParse("018f4f6e-8a3b-7c00-8000-000000000001")
	store, mock := newMockStore(t, WithIDGenerator(fixedIDs(id)))

	changes := audit.ComputeChanges(audit.ObjectOf("age", 30), audit.ObjectOf("age", 31), nil)

	mock.ExpectBegin()
	expectInsertLock(mock)
	mock.ExpectExec(`INSERT INTO audits \(id, origin, user_agent, changes\) VALUES \(\$1, \$2, \$3, \$4\)`).
		WithArgs(id.String(), "https://app.example", "curl/8.0", `{"age":{"old":"30","new":"31"}}`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	saved, err := store.Save(context.Background(), audit.New("https://app.example", "curl/8.0", changes))
	require.NoError(t, err)
	assert.Equal(t, id, saved.ID.UUID)
	assert.True(t, saved.Persisted())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Save_RetriesOnUniqueViolation(t *testing.T) {
	first := uuid.MustParse("018f4f6e-8a3b-7c00-8000-000000000001")
	second := uuid.MustParse("018f4f6e-8a3b-7c00-8000-000000000002")
	store, mock := newMockStore(t, WithIDGenerator(fixedIDs(first, second)))

	mock.ExpectBegin()
	expectInsertLock(mock)
	mock.ExpectExec("INSERT INTO audits").
		WithArgs(first.String(), "o", "ua", "{}").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()
	mock.ExpectBegin()
	expectInsertLock(mock)
	mock.ExpectExec("INSERT INTO audits").
		WithArgs(second.String(), "o", "ua", "{}").
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	saved, err := store.Save(context.Background(), audit.New("o", "ua", audit.NewChangeSet()))
	require.NoError(t, err)
	assert.Equal(t, second, saved.ID.UUID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Save_DatabaseError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	expectInsertLock(mock)
	mock.ExpectExec("INSERT INTO audits").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := store.Save(context.Background(), audit.New("o", "ua", audit.NewChangeSet()))
	assert.ErrorIs(t, err, audit.ErrStorageUnavailable)
	assert.Contains(t, err.Error(), "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Save_PostgresSerializesInserts(t *testing.T) {
	t.Run("lock failure aborts the insert", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
			WithArgs(auditInsertLockKey).
			WillReturnError(errors.New("canceling statement due to lock timeout"))
		mock.ExpectRollback()

		_, err := store.Save(context.Background(), audit.New("o", "ua", audit.NewChangeSet()))
		assert.ErrorIs(t, err, audit.ErrStorageUnavailable)
		assert.Contains(t, err.Error(), "lock timeout")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("begin failure", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

		_, err := store.Save(context.Background(), audit.New("o", "ua", audit.NewChangeSet()))
		assert.ErrorIs(t, err, audit.ErrStorageUnavailable)
		assert.Contains(t, err.Error(), "failed to begin transaction")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("commit failure", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		expectInsertLock(mock)
		mock.ExpectExec("INSERT INTO audits").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit().WillReturnError(errors.New("connection reset"))

		_, err := store.Save(context.Background(), audit.New("o", "ua", audit.NewChangeSet()))
		assert.ErrorIs(t, err, audit.ErrStorageUnavailable)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_Save_AlreadyPersisted(t *testing.T) {
	store, mock := newMockStore(t)

	a := audit.New("o", "ua", audit.NewChangeSet())
	a.ID = uuid.NullUUID{UUID: uuid.New(), Valid: true}

	_, err := store.Save(context.Background(), a)
	assert.ErrorIs(t, err, audit.ErrAlreadyPersisted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ListAll_Postgres(t *testing.T) {
	store, mock := newMockStore(t)

	first := uuid.MustParse("018f4f6e-8a3b-7c00-8000-000000000001")
	second := uuid.MustParse("018f4f6e-8a3b-7c00-8000-000000000002")

	rows := sqlmock.NewRows([]string{"id", "origin", "user_agent", "changes"}).
		AddRow(first.String(), "o1", "ua1", []byte(`{"z":{"old":"1","new":"2"},"a":{"old":"","new":"x"}}`)).
		AddRow(second.String(), "o2", "ua2", []byte(`{}`))
	mock.ExpectQuery(`SELECT id, origin, user_agent, changes FROM audits ORDER BY seq ASC`).WillReturnRows(rows)

	audits, err := store.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, audits, 2)

	assert.Equal(t, first, audits[0].ID.UUID)
	assert.Equal(t, "o1", audits[0].Origin)
	assert.Equal(t, []string{"z", "a"}, audits[0].Changes.Fields())
	assert.Equal(t, second, audits[1].ID.UUID)
	assert.Equal(t, 0, audits[1].Changes.Len())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ListAll_QueryError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, origin, user_agent, changes FROM audits").WillReturnError(errors.New("relation does not exist"))

	_, err := store.ListAll(context.Background())
	assert.ErrorIs(t, err, audit.ErrStorageUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ListAll_CorruptChanges(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "origin", "user_agent", "changes"}).
		AddRow(uuid.NewString(), "o", "ua", []byte(`[1,2]`))
	mock.ExpectQuery("SELECT id, origin, user_agent, changes FROM audits").WillReturnRows(rows)

	_, err := store.ListAll(context.Background())
	assert.ErrorIs(t, err, audit.ErrStorageUnavailable)
	assert.Contains(t, err.Error(), "failed to decode changes")
}

func newSQLiteStore(t *testing.T) audit.Store {
	t.Helper()
	ctx := context.Background()

	db, err := OpenSQLite(ctx, ":memory:", 0)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := New(ctx, db, DialectSQLite)
	require.NoError(t, err)
	return store
}

func TestStore_SQLiteContract(t *testing.T) {
	storagetest.RunContract(t, newSQLiteStore, storagetest.Options{})
}

func TestStore_SQLite_UniqueIDConstraint(t *testing.T) {
	ctx := context.Background()
	db, err := OpenSQLite(ctx, ":memory:", 0)
	require.NoError(t, err)
	defer db.Close()

	fixed := uuid.MustParse("018f4f6e-8a3b-7c00-8000-000000000001")
	store, err := New(ctx, db, DialectSQLite, WithIDGenerator(fixedIDs(fixed)))
	require.NoError(t, err)

	_, err = store.Save(ctx, audit.New("o", "ua", audit.NewChangeSet()))
	require.NoError(t, err)

	_, err = store.Save(ctx, audit.New("o", "ua", audit.NewChangeSet()))
	assert.ErrorIs(t, err, audit.ErrStorageUnavailable)

	audits, err := store.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, audits, 1)
}

func TestOpenSQLite_CreatesParentDirectories(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "dir", "audits.db")

	db, err := OpenSQLite(ctx, path, 0)
	require.NoError(t, err)

	store, err := New(ctx, db, DialectSQLite)
	require.NoError(t, err)
	_, err = store.Save(ctx, audit.New("o", "ua", audit.NewChangeSet()))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = os.Stat(path)
	assert.NoError(t, err)

	db, err = OpenSQLite(ctx, path, 0)
	require.NoError(t, err)
	defer db.Close()
	store, err = New(ctx, db, DialectSQLite)
	require.NoError(t, err)
	audits, err := store.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, audits, 1)
}

func TestOpenSQLite_UnwritableParent(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	_, err := OpenSQLite(context.Background(), filepath.Join(blocker, "audits.db"), 0)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create sqlite directory")
}

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect("postgres")
	require.NoError(t, err)
	assert.Equal(t, DialectPostgres, d)

	d, err = ParseDialect("sqlite3")
	require.NoError(t, err)
	assert.Equal(t, DialectSQLite, d)

	_, err = ParseDialect("mysql")
	assert.Error(t, err)
}
