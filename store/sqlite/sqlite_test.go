package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alarab/profit-engine/generic"
	"github.com/alarab/profit-engine/generic/store/storetest"
	"github.com/alarab/profit-engine/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) generic.Store { return newTestStore(t) })
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "engine.db")

	s, err := sqlite.New(path)
	require.NoError(t, err)
	b := generic.NewBatch()
	require.NoError(t, b.Put("users/a", map[string]string{"id": "a"}, generic.VersionAbsent))
	require.NoError(t, generic.Commit(ctx, s, b))
	require.NoError(t, s.Close())

	reopened, err := sqlite.New(path)
	require.NoError(t, err)
	defer reopened.Close()

	e, err := reopened.Read(ctx, "users/a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Version)
	assert.NoError(t, reopened.Ping(ctx))
}

func TestSQLite_ClosedStoreIsPersistenceError(t *testing.T) {
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Read(context.Background(), "users/a")

	assert.ErrorIs(t, err, generic.ErrPersistence)
	assert.True(t, generic.IsRetryable(err))
}
