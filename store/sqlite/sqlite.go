/*
Package sqlite provides a SQLite-backed implementation of generic.Store.

PURPOSE:
  Persists versioned entries in a single table keyed by path. The same
  layout is used by store/postgres; only the SQL dialect differs.

KEY TABLE:
  entries(path PRIMARY KEY, value, version, updated_at)

ATOMIC WRITES:
  AtomicWrite runs every write inside one SQL transaction:
  - VersionAbsent: INSERT ... ON CONFLICT DO NOTHING, 0 rows -> ErrConflict
  - VersionAny:    INSERT ... ON CONFLICT DO UPDATE (version + 1)
  - n > 0:         UPDATE ... WHERE version = n, 0 rows -> ErrConflict
  Any conflict rolls the transaction back, so nothing is applied.

INDEXES:
  The primary key serves both point reads and prefix listing
  (range scan on path >= prefix/ AND path < prefix0).

CONCURRENCY:
  Uses sync.RWMutex for thread-safety within a process. Across processes,
  the version predicates do the work.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/engine.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). The DDL is idempotent.

SEE ALSO:
  - generic/store.go: Interface definition
  - generic/store/memory.go: In-memory implementation for testing
  - store/postgres/postgres.go: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/alarab/profit-engine/generic"
)

// Store implements generic.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		path TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		version INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// READS
// =============================================================================

// Read returns one entry or generic.ErrNotFound.
func (s *Store) Read(ctx context.Context, path generic.Path) (generic.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e := generic.Entry{Path: path}
	err := s.db.QueryRowContext(ctx,
		"SELECT value, version FROM entries WHERE path = ?",
		string(path),
	).Scan(&e.Value, &e.Version)

	if err == sql.ErrNoRows {
		return generic.Entry{}, generic.NotFoundf("%s", path)
	}
	if err != nil {
		return generic.Entry{}, persistence("read "+string(path), err)
	}
	return e, nil
}

// List returns entries under prefix, ordered by path.
func (s *Store) List(ctx context.Context, prefix generic.Path) ([]generic.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lo, hi := prefixRange(prefix)
	rows, err := s.db.QueryContext(ctx,
		"SELECT path, value, version FROM entries WHERE path >= ? AND path < ? ORDER BY path",
		lo, hi,
	)
	if err != nil {
		return nil, persistence("list "+string(prefix), err)
	}
	defer rows.Close()

	var entries []generic.Entry
	for rows.Next() {
		var (
			e    generic.Entry
			path string
		)
		if err := rows.Scan(&path, &e.Value, &e.Version); err != nil {
			return nil, persistence("scan entry", err)
		}
		e.Path = generic.Path(path)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("list "+string(prefix), err)
	}
	return entries, nil
}

// =============================================================================
// ATOMIC WRITE
// =============================================================================

// AtomicWrite applies all writes in one transaction or none of them.
func (s *Store) AtomicWrite(ctx context.Context, writes []generic.Write) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence("begin transaction", err)
	}
	defer sqlTx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, w := range writes {
		if err := applyWrite(ctx, sqlTx, w, now); err != nil {
			return err
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return persistence("commit", err)
	}
	return nil
}

func applyWrite(ctx context.Context, tx *sql.Tx, w generic.Write, now string) error {
	var (
		res sql.Result
		err error
	)

	switch {
	case w.ExpectVersion == generic.VersionAny:
		res, err = tx.ExecContext(ctx, `
			INSERT INTO entries (path, value, version, updated_at) VALUES (?, ?, 1, ?)
			ON CONFLICT(path) DO UPDATE SET
				value = excluded.value,
				version = entries.version + 1,
				updated_at = excluded.updated_at
		`, string(w.Path), w.Value, now)

	case w.ExpectVersion == generic.VersionAbsent:
		res, err = tx.ExecContext(ctx, `
			INSERT INTO entries (path, value, version, updated_at) VALUES (?, ?, 1, ?)
			ON CONFLICT(path) DO NOTHING
		`, string(w.Path), w.Value, now)

	default:
		res, err = tx.ExecContext(ctx, `
			UPDATE entries SET value = ?, version = version + 1, updated_at = ?
			WHERE path = ? AND version = ?
		`, w.Value, now, string(w.Path), w.ExpectVersion)
	}
	if err != nil {
		return persistence("write "+string(w.Path), err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return persistence("rows affected", err)
	}
	if n != 1 {
		return generic.ErrConflict
	}
	return nil
}

// Helper functions

// prefixRange returns [prefix/, prefix0): '0' is the byte after '/'.
func prefixRange(prefix generic.Path) (string, string) {
	p := strings.TrimSuffix(string(prefix), "/")
	return p + "/", p + "0"
}

func persistence(op string, err error) error {
	return fmt.Errorf("%w: sqlite %s: %w", generic.ErrPersistence, op, err)
}
