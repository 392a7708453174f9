package fs

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"persistcore/internal/journal/core"
	"persistcore/internal/journal/journaltest"
)

func newTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestStoreContract(t *testing.T) {
	store := newTempStore(t)
	assert.Equal(t, core.DriverFilesystem, store.Driver())
	journaltest.RunContract(t, store)
}

func TestSanitizeKey(t *testing.T) {
	for _, key := range []string{"", "  ", "../escape", "/abs", "a/../../b", "doc.meta"} {
		_, err := sanitizeKey(key)
		assert.Error(t, err, "key %q", key)
	}
	k, err := sanitizeKey("events//a.json")
	require.NoError(t, err)
	assert.Equal(t, "events/a.json", k)
}

func TestPutWritesSidecarAndETag(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	info, err := store.Put(ctx, "events/a.json", bytes.NewReader([]byte("hello")), core.PutOptions{ContentType: "text/plain"})
	require.NoError(t, err)
	// sha256("hello")
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", info.ETag)

	_, err = os.Stat(filepath.Join(store.Root(), "events", "a.json.meta"))
	require.NoError(t, err)

	got, rc, err := store.Get(ctx, "events/a.json")
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, info.ETag, got.ETag)
	assert.Equal(t, "text/plain", got.ContentType)
}

func TestListIgnoresDocumentsWithoutSidecar(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	require.NoError(t, os.MkdirAll(filepath.Join(store.Root(), "events"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(store.Root(), "events", "partial.json"), []byte("{}"), 0o600))
	list, err := store.List(ctx, "events/")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestGetCorruptSidecar(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	_, err := store.Put(ctx, "a.json", bytes.NewReader([]byte("{}")), core.PutOptions{})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(store.Root(), "a.json.meta"), []byte("not json"), 0o600))
	_, _, err = store.Get(ctx, "a.json")
	require.Error(t, err)
	_, err = store.List(ctx, "")
	require.Error(t, err)
}

func TestPutHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := newTempStore(t)
	_, err := store.Put(ctx, "a.json", bytes.NewReader(nil), core.PutOptions{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewDefaultRoot(t *testing.T) {
	t.Chdir(t.TempDir())
	store, err := New("")
	require.NoError(t, err)
	assert.Equal(t, DefaultRoot, store.Root())
}
