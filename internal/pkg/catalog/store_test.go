package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lightsout/internal/domain"
)

func TestFileStore_LoadMissing(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "version.json"))

	record, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestFileStore_SaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(filepath.Join(dir, "nested", "version.json"))

	builtAt := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	record := &domain.CatalogRecord{
		Version: "1.0.2",
		Builds: []domain.FirmwareBuild{
			{Version: "1.0.1", Filename: "firmware_v1.0.1.bin", BuiltAt: builtAt, SizeBytes: 10},
			{Version: "1.0.2", Filename: "firmware_v1.0.2.bin", BuiltAt: builtAt, SizeBytes: 12, SHA256: "ab"},
		},
	}
	require.NoError(t, store.Save(record))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, record, loaded)

	// Saving the same record twice yields the same file
	first, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	require.NoError(t, store.Save(loaded))
	second, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.Equal(t, first, second)

	entries, err := os.ReadDir(filepath.Join(dir, "nested"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestFileStore_LoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "version.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := NewFileStore(path).Load()
	assert.Error(t, err)
}
