package database

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TobiSchelling/BioGraph/internal/guard"
)

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE x = ? AND y IN (?, ?)`
	assert.Equal(t, q, sqliteDialect.rebind(q))
	assert.Equal(t, `SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)`, postgresDialect.rebind(q))
}

func TestDDLPlaceholders(t *testing.T) {
	stmt := `CREATE TABLE x (id {{serial}}); {{create_view}} v AS SELECT 1;`
	assert.Contains(t, sqliteDialect.ddl(stmt), "INTEGER PRIMARY KEY AUTOINCREMENT")
	assert.Contains(t, sqliteDialect.ddl(stmt), "CREATE VIEW IF NOT EXISTS v")
	assert.Contains(t, postgresDialect.ddl(stmt), "BIGSERIAL PRIMARY KEY")
	assert.Contains(t, postgresDialect.ddl(stmt), "CREATE OR REPLACE VIEW v")
}

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return newDB(conn, postgresDialect, Options{Licenses: testRegistry(t)}), mock
}

func TestAdvisoryLockAcquired(t *testing.T) {
	db, mock := newMockDB(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT pg_try_advisory_xact_lock(hashtext($1))`)).
		WithArgs("explanation:ISS_1:2026-06-01").
		WillReturnRows(sqlmock.NewRows([]string{"ok"}).AddRow(true))
	mock.ExpectCommit()

	err := db.inTx(ctx, func(tx *txn) error {
		return advisoryLock(ctx, tx, MaterializationKey("ISS_1", day0), 0)
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvisoryLockBusyIsStale(t *testing.T) {
	db, mock := newMockDB(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT pg_try_advisory_xact_lock(hashtext($1))`)).
		WillReturnRows(sqlmock.NewRows([]string{"ok"}).AddRow(false))
	mock.ExpectRollback()

	err := db.inTx(ctx, func(tx *txn) error {
		return advisoryLock(ctx, tx, "explanation:ISS_1:2026-06-01", 0)
	})
	var stale *guard.StaleMaterialization
	require.True(t, errors.As(err, &stale), "got %v", err)
	assert.Equal(t, "explanation:ISS_1:2026-06-01", stale.Key)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSchemaVersion(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS schema_version`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)).
		WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow(3))

	v, err := getSchemaVersion(conn, postgresDialect)
	require.NoError(t, err)
	assert.Equal(t, 3, v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMigrateHoldsSchemaLock(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_lock(hashtext($1))`)).
		WithArgs(schemaLockKey).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS schema_version`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)).
		WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow(latestVersion()))
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_unlock(hashtext($1))`)).
		WithArgs(schemaLockKey).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, migrate(context.Background(), conn, postgresDialect, zap.NewNop()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMigrateFailsWithoutLock(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_lock(hashtext($1))`)).
		WithArgs(schemaLockKey).WillReturnError(errors.New("connection reset"))

	err = migrate(context.Background(), conn, postgresDialect, zap.NewNop())
	assert.ErrorContains(t, err, "schema lock")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTransactionsReadCommitted(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE issuer SET notes = $1 WHERE issuer_id = $2`)).
		WithArgs("n", "ISS_1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := db.SetIssuerNotes(context.Background(), "ISS_1", "n", "alice")
	assert.ErrorIs(t, err, guard.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
