package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/machinist/internal/cache"
	"github.com/roach88/machinist/internal/config"
	"github.com/roach88/machinist/internal/storage"
)

func seedCacheSnapshot(t *testing.T, dbPath string, values map[string]any) {
	t.Helper()
	db, err := storage.OpenSQLite(dbPath)
	require.NoError(t, err)
	defer db.Close()

	c := cache.New(cache.DefaultConfig())
	for k, v := range values {
		require.NoError(t, c.Set(k, v, 0))
	}
	require.NoError(t, c.Persist(context.Background(), db, config.Default().Cache.PersistKey))
}

func runCacheCommand(t *testing.T, format string, args ...string) (*bytes.Buffer, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewCacheCommand(testRootOptions(t, format))
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	return out, cmd.Execute()
}

func TestCacheInspect(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "machinist.db")
	seedCacheSnapshot(t, dbPath, map[string]any{
		"machine:status": map[string]any{"state": "idle"},
		"job:list":       []any{"bracket", "flange"},
	})

	out, err := runCacheCommand(t, "json", "inspect", "--db", dbPath)
	require.NoError(t, err)

	var resp struct {
		Status string      `json:"status"`
		Data   CacheReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, resp.Data.Imported)
	assert.Equal(t, 0, resp.Data.Skipped)
	assert.Equal(t, cache.PolicyLRU, resp.Data.Policy)
	assert.Equal(t, "cache.snapshot", resp.Data.Key)

	keys := make([]string, 0, len(resp.Data.Entries))
	for _, e := range resp.Data.Entries {
		keys = append(keys, e.Key)
		assert.Positive(t, e.Size)
		assert.False(t, e.Expires.IsZero())
	}
	assert.ElementsMatch(t, []string{"machine:status", "job:list"}, keys)
}

func TestCacheInspectText(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "machinist.db")
	seedCacheSnapshot(t, dbPath, map[string]any{"machine:status": "idle"})

	out, err := runCacheCommand(t, "text", "inspect", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out.String(), `Snapshot "cache.snapshot"`)
	assert.Contains(t, out.String(), "entries:  1 (0 skipped)")
	assert.Contains(t, out.String(), "machine:status")
}

func TestCacheInspectEmptyDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "machinist.db")

	out, err := runCacheCommand(t, "json", "inspect", "--db", dbPath)
	require.NoError(t, err)

	var resp struct {
		Data CacheReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Zero(t, resp.Data.Imported)
	assert.Empty(t, resp.Data.Entries)
}

func TestCacheInspectCorruptSnapshot(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "machinist.db")
	db, err := storage.OpenSQLite(dbPath)
	require.NoError(t, err)
	require.NoError(t, db.Set(context.Background(), "cache.snapshot", "not json"))
	require.NoError(t, db.Close())

	out, err := runCacheCommand(t, "text", "inspect", "--db", dbPath)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out.String(), "Error [E_CACHE]")
}

func TestCacheClear(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "machinist.db")
	seedCacheSnapshot(t, dbPath, map[string]any{"machine:status": "idle"})

	out, err := runCacheCommand(t, "text", "clear", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Removed snapshot")

	db, err := storage.OpenSQLite(dbPath)
	require.NoError(t, err)
	defer db.Close()
	_, found, err := db.Get(context.Background(), "cache.snapshot")
	require.NoError(t, err)
	assert.False(t, found)

	out, err = runCacheCommand(t, "text", "clear", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "No snapshot")
}
