package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/TobiSchelling/BioGraph/internal/confidence"
	"github.com/TobiSchelling/BioGraph/internal/license"
	"github.com/TobiSchelling/BioGraph/internal/logging"
)

// Observer receives write-path events. metrics.Metrics implements it.
type Observer interface {
	EvidenceWritten(source string, created bool)
	AssertionWritten(predicate string, created bool)
	WriteRejected(reason string)
}

// ChangeHook is called after a commit that changed assertions, with the
// issuers whose explanation chains may be affected.
type ChangeHook func(ctx context.Context, issuerIDs []string)

// Options configures Open.
type Options struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string
	// Target is a file path for SQLite or a DSN for Postgres.
	Target   string
	Licenses *license.Registry
	Rubric   confidence.Rubric
	Logger   *zap.Logger
	Observer Observer
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
	// LockTTL is how long a SQLite materialization lock row is honored
	// before another writer may take it over.
	LockTTL time.Duration
}

// DB is the relational store behind every write and read of the system.
type DB struct {
	conn     *sql.DB
	path     string
	d        dialect
	licenses *license.Registry
	rubric   confidence.Rubric
	log      *zap.Logger
	obs      Observer
	now      func() time.Time
	lockTTL  time.Duration

	mu    sync.RWMutex
	hooks []ChangeHook
}

// Open creates or opens the database and brings its schema up to date.
func Open(opts Options) (*DB, error) {
	d, ok := parseDialect(opts.Driver)
	if !ok {
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}
	if opts.Licenses == nil {
		return nil, fmt.Errorf("opening database: license registry is required")
	}

	var conn *sql.DB
	var err error
	switch d {
	case postgresDialect:
		conn, err = sql.Open("postgres", opts.Target)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
	default:
		dir := filepath.Dir(opts.Target)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		conn, err = sql.Open("sqlite", sqliteDSN(opts.Target))
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
	}

	db := newDB(conn, d, opts)
	if err := migrate(context.Background(), conn, d, db.log); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	if err := db.syncLicenses(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("syncing license registry: %w", err)
	}
	return db, nil
}

// newDB wraps an open connection without touching the schema.
func newDB(conn *sql.DB, d dialect, opts Options) *DB {
	db := &DB{
		conn:     conn,
		path:     opts.Target,
		d:        d,
		licenses: opts.Licenses,
		rubric:   opts.Rubric,
		log:      logging.OrNop(opts.Logger),
		obs:      opts.Observer,
		now:      opts.Clock,
		lockTTL:  opts.LockTTL,
	}
	if db.now == nil {
		db.now = time.Now
	}
	if db.lockTTL == 0 {
		db.lockTTL = 10 * time.Minute
	}
	if db.rubric.Sources == nil {
		db.rubric = confidence.DefaultRubric()
	}
	return db
}

// sqliteDSN applies pragmas on every pooled connection. _txlock=immediate
// makes BEGIN take the write lock, so read-then-write checks inside a
// transaction cannot interleave with another writer.
func sqliteDSN(path string) string {
	params := []string{
		"_pragma=foreign_keys(1)",
		"_pragma=journal_mode(WAL)",
		"_pragma=busy_timeout(5000)",
		"_txlock=immediate",
	}
	return path + "?" + strings.Join(params, "&")
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the database file path or DSN.
func (db *DB) Path() string {
	return db.path
}

// Driver returns the dialect name.
func (db *DB) Driver() string {
	return db.d.String()
}

// Ping checks connectivity.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Licenses returns the registry evidence is validated against.
func (db *DB) Licenses() *license.Registry {
	return db.licenses
}

// Rubric returns the confidence rubric in use.
func (db *DB) Rubric() confidence.Rubric {
	return db.rubric
}

// Now returns the store clock.
func (db *DB) Now() time.Time {
	return db.now().UTC()
}

// OnChange registers a hook fired after assertion-changing commits.
func (db *DB) OnChange(h ChangeHook) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.hooks = append(db.hooks, h)
}

func (db *DB) notify(ctx context.Context, issuerIDs []string) {
	if len(issuerIDs) == 0 {
		return
	}
	db.mu.RLock()
	hooks := append([]ChangeHook(nil), db.hooks...)
	db.mu.RUnlock()
	for _, h := range hooks {
		h(ctx, issuerIDs)
	}
}

func (db *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.conn.ExecContext(ctx, db.d.rebind(query), args...)
}

func (db *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.conn.QueryContext(ctx, db.d.rebind(query), args...)
}

func (db *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return db.conn.QueryRowContext(ctx, db.d.rebind(query), args...)
}

// txn is a transaction that rebinds placeholders for the dialect.
type txn struct {
	tx *sql.Tx
	d  dialect
}

func (t *txn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.d.rebind(query), args...)
}

func (t *txn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.d.rebind(query), args...)
}

func (t *txn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.d.rebind(query), args...)
}

// inTx runs fn in one transaction, committing only if fn returns nil.
// Postgres runs at READ COMMITTED; SQLite transactions are immediate.
func (db *DB) inTx(ctx context.Context, fn func(*txn) error) error {
	var opts *sql.TxOptions
	if db.d == postgresDialect {
		opts = &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	}
	tx, err := db.conn.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&txn{tx: tx, d: db.d}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// syncLicenses mirrors the configured registry into license_registry so
// the evidence foreign key and the quality views can see it. Rows for
// licenses no longer configured are kept for the foreign key but marked
// unsafe, so evidence under them shows up in q_evidence_unsafe_license.
func (db *DB) syncLicenses(ctx context.Context) error {
	now := formatTime(db.Now())
	return db.inTx(ctx, func(t *txn) error {
		entries := db.licenses.Entries()
		keep := make([]string, 0, len(entries))
		args := []any{now}
		for _, e := range entries {
			keep = append(keep, "?")
			args = append(args, e.ID)
		}
		retire := `UPDATE license_registry SET commercial_safe = 0, updated_at = ? WHERE commercial_safe <> 0`
		if len(keep) > 0 {
			retire += ` AND license NOT IN (` + strings.Join(keep, ", ") + `)`
		}
		if _, err := t.exec(ctx, retire, args...); err != nil {
			return fmt.Errorf("retiring removed licenses: %w", err)
		}

		for _, e := range entries {
			_, err := t.exec(ctx, `
INSERT INTO license_registry (license, commercial_safe, attribution_required, excerpt_limit, notes, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (license) DO UPDATE SET
    commercial_safe = excluded.commercial_safe,
    attribution_required = excluded.attribution_required,
    excerpt_limit = excluded.excerpt_limit,
    notes = excluded.notes,
    updated_at = excluded.updated_at`,
				e.ID, boolInt(e.CommercialSafe), boolInt(e.AttributionRequired), e.ExcerptLimit, e.Notes, now)
			if err != nil {
				return fmt.Errorf("upserting license %s: %w", e.ID, err)
			}
		}
		return nil
	})
}

func (db *DB) observeEvidence(source string, created bool) {
	if db.obs != nil {
		db.obs.EvidenceWritten(source, created)
	}
}

func (db *DB) observeAssertion(predicate string, created bool) {
	if db.obs != nil {
		db.obs.AssertionWritten(predicate, created)
	}
}

// reject records a gate rejection and returns err unchanged.
func (db *DB) reject(err error, reason string, fields ...zap.Field) error {
	if db.obs != nil {
		db.obs.WriteRejected(reason)
	}
	db.log.Warn("write rejected", append(fields, zap.String("reason", reason), zap.Error(err))...)
	return err
}

const (
	timeLayout = "2006-01-02T15:04:05.000000Z07:00"
	dateLayout = "2006-01-02"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func formatDate(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

// FormatDate renders an as-of date as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return formatDate(t)
}

// ParseDate parses a YYYY-MM-DD as-of date in UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", s)
	}
	return t, nil
}

// endOfDay returns the first instant after the as-of date.
func endOfDay(asOf time.Time) string {
	y, m, d := asOf.UTC().Date()
	return formatTime(time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
