package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmined/syftsync/internal/db"
)

type snapshotValue struct {
	Names []string  `json:"names"`
	At    time.Time `json:"at"`
}

func backends(t *testing.T) map[string]Repository {
	t.Helper()
	sqlite, err := NewSqliteRepository(db.MemoryPath)
	require.NoError(t, err)
	bolt, err := NewBoltRepository(filepath.Join(t.TempDir(), "state.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() {
		sqlite.Close()
		bolt.Close()
	})
	return map[string]Repository{BackendSqlite: sqlite, BackendBolt: bolt}
}

func TestRepository_RoundTrip(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var got snapshotValue
			found, err := repo.Get("synced", &got)
			require.NoError(t, err)
			assert.False(t, found)

			want := snapshotValue{Names: []string{"a", "b"}, At: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
			require.NoError(t, repo.Set("synced", want))
			require.NoError(t, repo.Set("synced", want))

			found, err = repo.Get("synced", &got)
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, want, got)

			require.NoError(t, repo.Delete("synced"))
			found, err = repo.Get("synced", &got)
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestRepository_DecodeError(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, repo.Set("ids", "not a number"))
			var n uint64
			_, err := repo.Get("ids", &n)
			assert.ErrorContains(t, err, "ids")
		})
	}
}

func TestSqliteRepository_Keys(t *testing.T) {
	repo, err := NewSqliteRepository(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer repo.Close()

	require.NoError(t, repo.Set("a", 1))
	require.NoError(t, repo.Set("b", 2))
	keys, err := repo.Keys()
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	assert.False(t, keys["a"].IsZero())
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	for _, backend := range []string{BackendSqlite, BackendBolt} {
		repo, err := Open(backend, dir)
		require.NoError(t, err)
		require.NoError(t, repo.Close())
	}

	_, err := Open("redis", dir)
	assert.ErrorIs(t, err, ErrUnknownBackend)
}
