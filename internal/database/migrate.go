package database

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

const schemaLockKey = "biograph:schema"

// getSchemaVersion reads the applied schema version. SQLite keeps it in
// PRAGMA user_version, Postgres in the schema_version table.
func getSchemaVersion(conn *sql.DB, d dialect) (int, error) {
	var version int
	if d == postgresDialect {
		if _, err := conn.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
			return 0, fmt.Errorf("creating schema_version: %w", err)
		}
		err := conn.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
		if err != nil {
			return 0, fmt.Errorf("reading schema version: %w", err)
		}
		return version, nil
	}
	if err := conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

// pendingMigrations returns the migrations above version, in order.
func pendingMigrations(version int) []Migration {
	var out []Migration
	for _, m := range migrations {
		if m.Version > version {
			out = append(out, m)
		}
	}
	return out
}

// migrate brings the schema up to the latest version. On Postgres the whole
// run holds a session advisory lock, so processes starting at the same time
// apply each migration once.
func migrate(ctx context.Context, conn *sql.DB, d dialect, log *zap.Logger) error {
	if d == postgresDialect {
		unlock, err := lockSchema(ctx, conn)
		if err != nil {
			return err
		}
		defer unlock()
	}

	current, err := getSchemaVersion(conn, d)
	if err != nil {
		return err
	}
	pending := pendingMigrations(current)
	if len(pending) == 0 {
		return nil
	}
	log.Info("migrating schema",
		zap.Stringer("dialect", d),
		zap.Int("from", current),
		zap.Int("to", pending[len(pending)-1].Version))

	for _, m := range pending {
		log.Info("applying migration", zap.Int("version", m.Version), zap.String("description", m.Description))
		if err := apply(ctx, conn, d, m); err != nil {
			return err
		}
	}
	return nil
}

// apply runs one migration in its own transaction and records its version.
func apply(ctx context.Context, conn *sql.DB, d dialect, m Migration) (err error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.Version, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = m.Up(tx, d); err != nil {
		return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
	}
	if d == postgresDialect {
		if _, err = tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, m.Version); err != nil {
			return fmt.Errorf("recording version %d: %w", m.Version, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.Version, err)
	}

	// modernc/sqlite ignores user_version inside a transaction. The DDL is
	// idempotent, so a crash before this line re-runs the migration.
	if d == sqliteDialect {
		if _, err = conn.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
			return fmt.Errorf("setting version %d: %w", m.Version, err)
		}
	}
	return nil
}

// lockSchema takes the Postgres schema lock on a pinned connection and
// returns its release.
func lockSchema(ctx context.Context, conn *sql.DB) (func(), error) {
	c, err := conn.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("pinning connection for schema lock: %w", err)
	}
	if _, err := c.ExecContext(ctx, `SELECT pg_advisory_lock(hashtext($1))`, schemaLockKey); err != nil {
		c.Close()
		return nil, fmt.Errorf("taking schema lock: %w", err)
	}
	return func() {
		_, _ = c.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock(hashtext($1))`, schemaLockKey)
		c.Close()
	}, nil
}
