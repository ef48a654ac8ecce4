package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func TestMigrateNewDB(t *testing.T) {
	db, _ := openTestDB(t)

	version, err := getSchemaVersion(db.conn, sqliteDialect)
	if err != nil {
		t.Fatalf("getSchemaVersion: %v", err)
	}
	if version != latestVersion() {
		t.Errorf("expected version %d, got %d", latestVersion(), version)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "idem.db")
	opts := Options{Target: dbPath, Licenses: testRegistry(t)}

	db1, err := Open(opts)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	db1.Close()

	db2, err := Open(opts)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer db2.Close()

	version, err := getSchemaVersion(db2.conn, sqliteDialect)
	if err != nil {
		t.Fatalf("getSchemaVersion: %v", err)
	}
	if version != latestVersion() {
		t.Errorf("expected version %d, got %d", latestVersion(), version)
	}
}

func TestGetSchemaVersionNewDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "empty.db")
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	version, err := getSchemaVersion(conn, sqliteDialect)
	if err != nil {
		t.Fatalf("getSchemaVersion: %v", err)
	}
	if version != 0 {
		t.Errorf("expected version 0 on new db, got %d", version)
	}
}

func TestPendingMigrations(t *testing.T) {
	if got := len(pendingMigrations(0)); got != len(migrations) {
		t.Errorf("fresh database: expected %d pending, got %d", len(migrations), got)
	}
	if got := pendingMigrations(latestVersion()); len(got) != 0 {
		t.Errorf("current database: expected nothing pending, got %d", len(got))
	}
	if latestVersion() > 1 {
		got := pendingMigrations(1)
		if len(got) == 0 || got[0].Version != 2 {
			t.Errorf("expected pending migrations to start at 2, got %+v", got)
		}
	}
}

func TestFailedMigrationRollsBack(t *testing.T) {
	conn, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "fail.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	boom := Migration{Version: 1, Description: "half applied", Up: func(tx *sql.Tx, d dialect) error {
		if _, err := tx.Exec(`CREATE TABLE half (x INTEGER)`); err != nil {
			return err
		}
		return errors.New("boom")
	}}
	if err := apply(context.Background(), conn, sqliteDialect, boom); err == nil {
		t.Fatal("expected the migration error")
	}

	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name = 'half'`).Scan(&n); err != nil {
		t.Fatalf("sqlite_master: %v", err)
	}
	if n != 0 {
		t.Error("expected the table from the failed migration to be rolled back")
	}
	if v, _ := getSchemaVersion(conn, sqliteDialect); v != 0 {
		t.Errorf("expected version to stay 0, got %d", v)
	}
}

func TestMigrationsAreOrdered(t *testing.T) {
	for i, m := range migrations {
		if m.Version != i+1 {
			t.Errorf("migration %d has version %d", i, m.Version)
		}
		if m.Description == "" {
			t.Errorf("migration %d has no description", m.Version)
		}
	}
}

func TestForeignKeysEnforced(t *testing.T) {
	db, _ := openTestDB(t)
	_, err := db.conn.Exec(`INSERT INTO drug_program (drug_program_id, issuer_id, slug, name, created_by, created_at, updated_at)
VALUES ('X:PROG:x', 'X', 'x', 'x', 't', 'now', 'now')`)
	if err == nil {
		t.Error("expected foreign key violation for unknown issuer")
	}
}

func TestOpenAssertionKeyIsUnique(t *testing.T) {
	db, _ := openTestDB(t)
	c := seedChain(t, db)
	_, err := db.conn.Exec(`INSERT INTO assertion (subject_type, subject_id, predicate, object_type, object_id,
    effective_from, link_method, created_by, created_at, updated_at)
VALUES ('issuer', ?, 'develops', 'drug_program', ?, 'now', 'DETERMINISTIC', 't', 'now', 'now')`, c.issuer, c.drug)
	if err == nil {
		t.Error("expected the partial unique index to reject a second open assertion")
	}
}
