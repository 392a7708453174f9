package memory

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"persistcore/internal/journal/core"
	"persistcore/internal/journal/journaltest"
)

func TestStoreContract(t *testing.T) {
	store := New()
	assert.Equal(t, core.DriverMemory, store.Driver())
	journaltest.RunContract(t, store)
}

func TestStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := New()
	meta := map[string]string{"a": "1"}
	_, err := store.Put(ctx, "k", bytes.NewReader([]byte("v")), core.PutOptions{Metadata: meta})
	require.NoError(t, err)
	meta["a"] = "changed"

	info, rc, err := store.Get(ctx, "k")
	require.NoError(t, err)
	b, _ := io.ReadAll(rc)
	assert.Equal(t, "v", string(b))
	assert.Equal(t, "1", info.Metadata["a"])
	info.Metadata["a"] = "mutated"

	list, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "1", list[0].Metadata["a"])

	_, err = store.Put(ctx, " ", bytes.NewReader(nil), core.PutOptions{})
	require.Error(t, err)
}
