// Package storetest holds the behavioural contract every generic.Store
// implementation must satisfy. Each store package runs it from its own tests.
package storetest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alarab/profit-engine/generic"
)

type doc struct {
	N    int    `json:"n"`
	Note string `json:"note,omitempty"`
}

func put(t *testing.T, b *generic.Batch, path string, v doc, version int64) {
	t.Helper()
	require.NoError(t, b.Put(generic.Path(path), v, version))
}

func commit(ctx context.Context, s generic.Store, writes ...func(*generic.Batch)) error {
	b := generic.NewBatch()
	for _, w := range writes {
		w(b)
	}
	return generic.Commit(ctx, s, b)
}

// Run exercises newStore against the contract. newStore must return an
// empty store; cleanup is the caller's business (t.Cleanup).
func Run(t *testing.T, newStore func(t *testing.T) generic.Store) {
	ctx := context.Background()

	t.Run("read missing is not found", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Read(ctx, "users/nobody")
		assert.ErrorIs(t, err, generic.ErrNotFound)
	})

	t.Run("create only", func(t *testing.T) {
		s := newStore(t)
		b := generic.NewBatch()
		put(t, b, "users/a", doc{N: 1}, generic.VersionAbsent)
		require.NoError(t, generic.Commit(ctx, s, b))

		got, version, err := generic.ReadJSON[doc](ctx, s, "users/a")
		require.NoError(t, err)
		assert.Equal(t, 1, got.N)
		assert.Positive(t, version)

		b = generic.NewBatch()
		put(t, b, "users/a", doc{N: 2}, generic.VersionAbsent)
		assert.ErrorIs(t, generic.Commit(ctx, s, b), generic.ErrConflict)
	})

	t.Run("compare and swap", func(t *testing.T) {
		s := newStore(t)
		b := generic.NewBatch()
		put(t, b, "users/a", doc{N: 1}, generic.VersionAbsent)
		require.NoError(t, generic.Commit(ctx, s, b))
		_, v1, err := generic.ReadJSON[doc](ctx, s, "users/a")
		require.NoError(t, err)

		b = generic.NewBatch()
		put(t, b, "users/a", doc{N: 2}, v1)
		require.NoError(t, generic.Commit(ctx, s, b))

		// stale version
		b = generic.NewBatch()
		put(t, b, "users/a", doc{N: 3}, v1)
		assert.ErrorIs(t, generic.Commit(ctx, s, b), generic.ErrConflict)

		got, v2, err := generic.ReadJSON[doc](ctx, s, "users/a")
		require.NoError(t, err)
		assert.Equal(t, 2, got.N)
		assert.Greater(t, v2, v1)

		// expected version on a missing path
		b = generic.NewBatch()
		put(t, b, "users/ghost", doc{N: 1}, 7)
		assert.ErrorIs(t, generic.Commit(ctx, s, b), generic.ErrConflict)
	})

	t.Run("version any upserts", func(t *testing.T) {
		s := newStore(t)
		for i := 1; i <= 2; i++ {
			b := generic.NewBatch()
			put(t, b, "plans/p", doc{N: i}, generic.VersionAny)
			require.NoError(t, generic.Commit(ctx, s, b))
		}
		got, _, err := generic.ReadJSON[doc](ctx, s, "plans/p")
		require.NoError(t, err)
		assert.Equal(t, 2, got.N)
	})

	t.Run("atomic write is all or nothing", func(t *testing.T) {
		s := newStore(t)
		b := generic.NewBatch()
		put(t, b, "users/a", doc{N: 1}, generic.VersionAbsent)
		require.NoError(t, generic.Commit(ctx, s, b))

		b = generic.NewBatch()
		put(t, b, "users/b", doc{N: 1}, generic.VersionAbsent)
		put(t, b, "users/a", doc{N: 9}, generic.VersionAbsent) // conflicts
		require.ErrorIs(t, generic.Commit(ctx, s, b), generic.ErrConflict)

		_, err := s.Read(ctx, "users/b")
		assert.ErrorIs(t, err, generic.ErrNotFound, "first write of a failed batch must not land")
		got, _, err := generic.ReadJSON[doc](ctx, s, "users/a")
		require.NoError(t, err)
		assert.Equal(t, 1, got.N)
	})

	t.Run("list by prefix", func(t *testing.T) {
		s := newStore(t)
		err := commit(ctx, s, func(b *generic.Batch) {
			put(t, b, "investments/u1/b", doc{N: 2}, generic.VersionAbsent)
			put(t, b, "investments/u1/a", doc{N: 1}, generic.VersionAbsent)
			put(t, b, "investments/u10/x", doc{N: 10}, generic.VersionAbsent)
			put(t, b, "investments/u2/a", doc{N: 20}, generic.VersionAbsent)
			put(t, b, "investments", doc{N: -1}, generic.VersionAbsent)
		})
		require.NoError(t, err)

		entries, err := s.List(ctx, "investments/u1")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, generic.Path("investments/u1/a"), entries[0].Path)
		assert.Equal(t, generic.Path("investments/u1/b"), entries[1].Path)

		all, err := s.List(ctx, "investments")
		require.NoError(t, err)
		assert.Len(t, all, 4)

		none, err := s.List(ctx, "nothing")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("escaped segments round trip", func(t *testing.T) {
		s := newStore(t)
		path := generic.JoinPath("deposit_events", "bank%2Ftx%3A42")
		b := generic.NewBatch()
		require.NoError(t, b.Put(path, doc{Note: "ok"}, generic.VersionAbsent))
		require.NoError(t, generic.Commit(ctx, s, b))

		got, _, err := generic.ReadJSON[doc](ctx, s, path)
		require.NoError(t, err)
		assert.Equal(t, "ok", got.Note)
	})

	t.Run("concurrent compare and swap has one winner", func(t *testing.T) {
		s := newStore(t)
		b := generic.NewBatch()
		put(t, b, "users/a", doc{N: 0}, generic.VersionAbsent)
		require.NoError(t, generic.Commit(ctx, s, b))
		_, v, err := generic.ReadJSON[doc](ctx, s, "users/a")
		require.NoError(t, err)

		const writers = 8
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			wins     int
			failures []error
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				b := generic.NewBatch()
				if err := b.Put("users/a", doc{N: n}, v); err != nil {
					return
				}
				err := generic.Commit(ctx, s, b)
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					wins++
				} else {
					failures = append(failures, err)
				}
			}(i + 1)
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
		for _, err := range failures {
			assert.ErrorIs(t, err, generic.ErrConflict)
		}
	})
}
