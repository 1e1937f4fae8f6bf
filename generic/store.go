/*
store.go - Persistence interface for the key-addressed ledger store

PURPOSE:
  Defines the interface between the domain logic and the database.
  The store is deliberately small: point reads, prefix listing and one
  write primitive that applies several paths all-or-nothing.

KEY INTERFACE:
  Store:
    Read(path)          -> Entry | ErrNotFound
    List(prefix)        -> entries under prefix/, ordered by path
    AtomicWrite(writes) -> nil | ErrConflict | ErrPersistence

NO DELETE:
  The engine never removes accounts, investments or commission records.
  Completed investments are frozen, not deleted. There is no Delete method.

ATOMIC WRITES:
  AtomicWrite checks every expected version before applying anything.
  When a purchase debits the account and creates the investment, either both
  land or neither does. Implementations must never expose a partial write.

IMPLEMENTATIONS:
  - generic/store/memory.go: In-memory for tests and dev
  - store/sqlite/sqlite.go: SQLite (database/sql + go-sqlite3)
  - store/postgres/postgres.go: PostgreSQL (pgx)

SEE ALSO:
  - types.go: Path, Entry, Write, Batch
  - retry.go: RetryPolicy wraps read-compute-write cycles
*/
package generic

import (
	"context"
	"errors"
)

// =============================================================================
// STORE - Interface for versioned entries
// =============================================================================

type Store interface {
	// Read returns the entry at path or ErrNotFound.
	Read(ctx context.Context, path Path) (Entry, error)

	// List returns every entry whose path starts with prefix + "/", ordered by path.
	List(ctx context.Context, prefix Path) ([]Entry, error)

	// AtomicWrite applies all writes or none. Returns ErrConflict when any
	// ExpectVersion does not match the stored version.
	AtomicWrite(ctx context.Context, writes []Write) error
}

// =============================================================================
// TYPED HELPERS
// =============================================================================

// ReadJSON reads path and decodes it into T, returning the entry version.
func ReadJSON[T any](ctx context.Context, s Store, path Path) (T, int64, error) {
	var v T
	entry, err := s.Read(ctx, path)
	if err != nil {
		return v, 0, err
	}
	if err := entry.Decode(&v); err != nil {
		return v, 0, err
	}
	return v, entry.Version, nil
}

// ListJSON lists prefix and decodes every entry into T.
func ListJSON[T any](ctx context.Context, s Store, prefix Path) ([]T, error) {
	entries, err := s.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(entries))
	for _, e := range entries {
		var v T
		if err := e.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Exists reports whether path is present.
func Exists(ctx context.Context, s Store, path Path) (bool, error) {
	_, err := s.Read(ctx, path)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Commit sends a batch to the store. Empty batches are a no-op.
func Commit(ctx context.Context, s Store, b *Batch) error {
	if b.Len() == 0 {
		return nil
	}
	return s.AtomicWrite(ctx, b.writes)
}
