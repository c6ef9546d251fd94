// Package store owns the embedded SQLite database: schema migrations, the
// serialized write path every mutation goes through, and the append-only
// event journal.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/chorushq/chorus/internal/ids"
)

// Options controls how the database is opened.
type Options struct {
	// EnableFTS applies the opt-in full-text-search migration.
	EnableFTS bool
}

// Store wraps the database handle. All mutations funnel through Write so
// there is exactly one write transaction at a time in-process; reads go
// straight to the pool and never block writers (WAL mode).
type Store struct {
	db      *sql.DB
	path    string
	writeMu sync.Mutex
}

// Open opens (creating if necessary) the database at path, applies pragmas
// and outstanding migrations, and assigns db_id on first initialization.
func Open(path string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", p, err)
		}
	}

	if err := migrate(db, opts); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, path: path}, nil
}

// Close checkpoints the WAL (best effort) and closes the database.
func (s *Store) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB exposes the handle for read-only queries. Callers must not write
// through it; mutations go through Write.
func (s *Store) DB() *sql.DB { return s.db }

// Write runs fn inside the single write transaction. fn returning an error
// rolls everything back, including any journal rows it appended.
func (s *Store) Write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// DBID returns the database identity assigned at first initialization.
func (s *Store) DBID(ctx context.Context) (string, error) {
	return s.meta(ctx, "db_id")
}

// SchemaVersion returns the applied schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return v, nil
}

func (s *Store) meta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&v)
	if err != nil {
		return "", fmt.Errorf("read meta %s: %w", key, err)
	}
	return v, nil
}

// NextSeq increments and returns the named counter. Must be called inside a
// write transaction; the counter row is created on first use.
func NextSeq(tx *sql.Tx, name string) (int64, error) {
	_, err := tx.Exec(`
		INSERT INTO counters (name, value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1`, name)
	if err != nil {
		return 0, fmt.Errorf("bump counter %s: %w", name, err)
	}
	var v int64
	if err := tx.QueryRow("SELECT value FROM counters WHERE name = ?", name).Scan(&v); err != nil {
		return 0, fmt.Errorf("read counter %s: %w", name, err)
	}
	return v, nil
}

// Now returns the timestamp format persisted everywhere: RFC3339 with
// millisecond precision in UTC, which sorts lexically.
func Now() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

func assignDBID(tx *sql.Tx) error {
	var existing string
	err := tx.QueryRow("SELECT value FROM meta WHERE key = 'db_id'").Scan(&existing)
	if err == nil {
		return nil
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("check db_id: %w", err)
	}
	_, err = tx.Exec("INSERT INTO meta (key, value) VALUES ('db_id', ?), ('created_at', ?)",
		ids.NewDatabaseID(), Now())
	if err != nil {
		return fmt.Errorf("assign db_id: %w", err)
	}
	return nil
}
