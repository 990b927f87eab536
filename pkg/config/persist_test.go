package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tg-mesh/ctrl/pkg/types"
)

func TestDocumentStoreLoadMissingReturnsEmpty(t *testing.T) {
	ds, err := NewDocumentStore(t.TempDir(), 3)
	require.NoError(t, err)

	doc, err := ds.Load("user-node")
	require.NoError(t, err)
	assert.Empty(t, doc)
}

func TestDocumentStoreSaveUserWriteRoundTrips(t *testing.T) {
	ds, err := NewDocumentStore(t.TempDir(), 3)
	require.NoError(t, err)

	doc := types.ConfigDocument{"foo": "bar"}
	require.NoError(t, ds.SaveUserWrite("network", doc, time.Now()))

	loaded, err := ds.Load("network")
	require.NoError(t, err)
	assert.Equal(t, "bar", loaded["foo"])
}

func TestDocumentStoreBackupsPrunedToRetention(t *testing.T) {
	dir := t.TempDir()
	ds, err := NewDocumentStore(dir, 2)
	require.NoError(t, err)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		doc := types.ConfigDocument{"n": i}
		require.NoError(t, ds.SaveUserWrite("network", doc, base.Add(time.Duration(i)*time.Second)))
	}

	entries, err := os.ReadDir(filepath.Join(dir, "backups"))
	require.NoError(t, err)
	// 5 writes produce 4 backups (the first write has no prior content
	// to back up), pruned to the retention count of 2.
	assert.Len(t, entries, 2)
}

func TestDocumentStoreSaveAutoDoesNotBackup(t *testing.T) {
	dir := t.TempDir()
	ds, err := NewDocumentStore(dir, 5)
	require.NoError(t, err)

	require.NoError(t, ds.SaveAuto("auto-node", types.ConfigDocument{"a": 1}))
	require.NoError(t, ds.SaveAuto("auto-node", types.ConfigDocument{"a": 2}))

	entries, err := os.ReadDir(filepath.Join(dir, "backups"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}
