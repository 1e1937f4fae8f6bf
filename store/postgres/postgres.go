// Package postgres provides a PostgreSQL-backed implementation of generic.Store
// using pgx. It mirrors store/sqlite: one entries table keyed by path, with
// version predicates enforcing optimistic concurrency.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alarab/profit-engine/generic"
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	path TEXT PRIMARY KEY,
	value JSONB NOT NULL,
	version BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Config holds pool parameters. DSN takes the usual postgres:// form.
type Config struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// Store implements generic.Store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects, pings and applies the schema.
func New(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	poolCfg.MaxConnLifetime = 1 * time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Truncate removes every entry. Meant for test databases.
func (s *Store) Truncate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `TRUNCATE entries`); err != nil {
		return persistence("truncate", err)
	}
	return nil
}

func (s *Store) Read(ctx context.Context, path generic.Path) (generic.Entry, error) {
	e := generic.Entry{Path: path}
	err := s.pool.QueryRow(ctx,
		`SELECT value::text, version FROM entries WHERE path = $1`, string(path),
	).Scan(&e.Value, &e.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return generic.Entry{}, generic.NotFoundf("%s", path)
	}
	if err != nil {
		return generic.Entry{}, persistence("read "+string(path), err)
	}
	return e, nil
}

func (s *Store) List(ctx context.Context, prefix generic.Path) ([]generic.Entry, error) {
	p := strings.TrimSuffix(string(prefix), "/")
	rows, err := s.pool.Query(ctx,
		`SELECT path, value::text, version FROM entries
		 WHERE path COLLATE "C" >= $1 AND path COLLATE "C" < $2
		 ORDER BY path COLLATE "C"`,
		p+"/", p+"0",
	)
	if err != nil {
		return nil, persistence("list "+p, err)
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
		return nil, persistence("list "+p, err)
	}
	return entries, nil
}

// AtomicWrite applies all writes within one transaction. A version mismatch
// on any write rolls everything back and returns generic.ErrConflict.
func (s *Store) AtomicWrite(ctx context.Context, writes []generic.Write) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return persistence("begin tx", err)
	}

	for _, w := range writes {
		if err := applyWrite(ctx, tx, w); err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				return persistence("rollback tx", errors.Join(rbErr, err))
			}
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "40001" {
			return generic.ErrConflict
		}
		return persistence("commit tx", err)
	}
	return nil
}

func applyWrite(ctx context.Context, tx pgx.Tx, w generic.Write) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	switch {
	case w.ExpectVersion == generic.VersionAny:
		tag, err = tx.Exec(ctx, `
			INSERT INTO entries (path, value, version, updated_at) VALUES ($1, $2::jsonb, 1, now())
			ON CONFLICT (path) DO UPDATE SET
				value = EXCLUDED.value,
				version = entries.version + 1,
				updated_at = now()`,
			string(w.Path), string(w.Value))
	case w.ExpectVersion == generic.VersionAbsent:
		tag, err = tx.Exec(ctx, `
			INSERT INTO entries (path, value, version, updated_at) VALUES ($1, $2::jsonb, 1, now())
			ON CONFLICT (path) DO NOTHING`,
			string(w.Path), string(w.Value))
	default:
		tag, err = tx.Exec(ctx, `
			UPDATE entries SET value = $2::jsonb, version = version + 1, updated_at = now()
			WHERE path = $1 AND version = $3`,
			string(w.Path), string(w.Value), w.ExpectVersion)
	}
	if err != nil {
		return persistence("write "+string(w.Path), err)
	}
	if tag.RowsAffected() != 1 {
		return generic.ErrConflict
	}
	return nil
}

func persistence(op string, err error) error {
	return fmt.Errorf("%w: postgres %s: %w", generic.ErrPersistence, op, err)
}
