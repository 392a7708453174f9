// Package journaltest holds the behaviour shared by every journal Store
// implementation, exercised from each implementation's tests.
package journaltest

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"persistcore/internal/journal/core"
)

// RunContract exercises put, get, list and delete against an empty store.
func RunContract(t *testing.T, store core.Store) {
	t.Helper()
	ctx := context.Background()

	_, _, err := store.Get(ctx, "events/missing.json")
	require.True(t, errors.Is(err, core.ErrNotFound), "get missing: %v", err)
	ok, err := store.Delete(ctx, "events/missing.json")
	require.NoError(t, err)
	assert.False(t, ok)

	info, err := store.Put(ctx, "events/002.json", bytes.NewReader([]byte(`{"tx_id":"b"}`)), core.PutOptions{ContentType: "application/json", Metadata: map[string]string{"source": "a"}})
	require.NoError(t, err)
	assert.Equal(t, "events/002.json", info.Key)
	assert.EqualValues(t, len(`{"tx_id":"b"}`), info.Size)

	_, err = store.Put(ctx, "events/002.json", bytes.NewReader([]byte("x")), core.PutOptions{})
	require.True(t, errors.Is(err, core.ErrExists), "duplicate put: %v", err)

	_, err = store.Put(ctx, "events/001.json", bytes.NewReader([]byte(`{"tx_id":"a"}`)), core.PutOptions{})
	require.NoError(t, err)
	_, err = store.Put(ctx, "other/003.json", bytes.NewReader([]byte(`{}`)), core.PutOptions{})
	require.NoError(t, err)

	got, rc, err := store.Get(ctx, "events/002.json")
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, `{"tx_id":"b"}`, string(body))
	assert.Equal(t, "application/json", got.ContentType)

	list, err := store.List(ctx, "events/")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "events/001.json", list[0].Key)
	assert.Equal(t, "events/002.json", list[1].Key)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	ok, err = store.Delete(ctx, "events/001.json")
	require.NoError(t, err)
	assert.True(t, ok)
	list, err = store.List(ctx, "events/")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
