package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// adapters returns every KV implementation so the port contract is
// exercised identically against each.
func adapters(t *testing.T) map[string]KV {
	t.Helper()

	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]KV{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func TestKV_Contract(t *testing.T) {
	ctx := context.Background()

	for name, kv := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			_, found, err := kv.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, kv.Set(ctx, "jobs.queue", `{"jobs":[]}`))
			v, found, err := kv.Get(ctx, "jobs.queue")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, `{"jobs":[]}`, v)

			require.NoError(t, kv.Set(ctx, "jobs.queue", "replaced"))
			v, _, err = kv.Get(ctx, "jobs.queue")
			require.NoError(t, err)
			assert.Equal(t, "replaced", v)

			require.NoError(t, kv.Remove(ctx, "jobs.queue"))
			require.NoError(t, kv.Remove(ctx, "jobs.queue"), "removing twice is not an error")
			_, found, err = kv.Get(ctx, "jobs.queue")
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestOpenSQLite_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file should be created")
}

func TestOpenSQLite_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s1.Set(ctx, "cache.snapshot", "data"))
	require.NoError(t, s1.Close())

	s2, err := OpenSQLite(path)
	require.NoError(t, err)
	defer s2.Close()

	v, found, err := s2.Get(ctx, "cache.snapshot")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "data", v)
}

func TestOpenSQLite_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := OpenSQLite(path)
		require.NoError(t, err, "open iteration %d", i)
		require.NoError(t, s.Close())
	}

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	var version int
	require.NoError(t, s.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestSQLite_Keys(t *testing.T) {
	ctx := context.Background()

	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set(ctx, "b", "2"))
	require.NoError(t, s.Set(ctx, "a", "1"))

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)
}

func TestMemory_Keys(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Set(ctx, "z", "1"))
	require.NoError(t, m.Set(ctx, "a", "2"))

	assert.Equal(t, []string{"a", "z"}, m.Keys())
}
