package s3

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"persistcore/internal/journal/core"
	"persistcore/internal/journal/journaltest"
)

func TestStoreContract(t *testing.T) {
	store := NewMockForTests(0)
	assert.Equal(t, core.DriverS3, store.Driver())
	assert.Equal(t, "mock-bucket", store.Bucket())
	journaltest.RunContract(t, store)
}

func TestListPaginates(t *testing.T) {
	ctx := context.Background()
	store := NewMockForTests(2)
	for i := 0; i < 5; i++ {
		_, err := store.Put(ctx, fmt.Sprintf("events/%03d.json", i), bytes.NewReader([]byte("{}")), core.PutOptions{})
		require.NoError(t, err)
	}
	list, err := store.List(ctx, "events/")
	require.NoError(t, err)
	require.Len(t, list, 5)
	assert.Equal(t, "events/000.json", list[0].Key)
	assert.Equal(t, "events/004.json", list[4].Key)
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)

	st, err := New(context.Background(), Config{Bucket: "b", AccessKeyID: "id", SecretAccessKey: "secret", Endpoint: "http://localhost:9000", PathStyle: true})
	require.NoError(t, err)
	assert.Equal(t, "b", st.Bucket())
}

func TestDecodeChunked(t *testing.T) {
	body, ok := decodeChunked([]byte("5\r\nhello\r\n0\r\n\r\n"))
	require.True(t, ok)
	assert.Equal(t, "hello", string(body))
	_, ok = decodeChunked([]byte("plain body"))
	assert.False(t, ok)
}
