package history

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndRecent(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"), zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Record("encode", "/music/a.flac", "/out/a.m4a"))
	require.NoError(t, store.Record("copy", "/music/b.mp3", "/out/b.mp3"))
	require.NoError(t, store.Record("delete", "", "/out/c.m4a"))

	ops, err := store.Recent(10)
	require.NoError(t, err)
	require.Len(t, ops, 3)

	// 新的在前
	assert.Equal(t, "delete", ops[0].Kind)
	assert.Equal(t, "copy", ops[1].Kind)
	assert.Equal(t, "encode", ops[2].Kind)
	assert.Equal(t, "/out/a.m4a", ops[2].Dest)
	assert.False(t, ops[0].Recorded.IsZero())
}

func TestRecentLimit(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"), zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Record("encode", "/src", "/dest"))
	}
	ops, err := store.Recent(2)
	require.NoError(t, err)
	assert.Len(t, ops, 2)
}

func TestRecentEmpty(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"), zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	ops, err := store.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, ops)
}
