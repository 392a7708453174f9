package journal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"persistcore/internal/config"
	"persistcore/internal/journal/core"
)

func TestOpenDrivers(t *testing.T) {
	ctx := context.Background()

	_, err := Open(ctx, config.JournalConfig{Driver: config.JournalNone})
	require.ErrorIs(t, err, ErrDisabled)

	st, err := Open(ctx, config.JournalConfig{Driver: config.JournalMemory})
	require.NoError(t, err)
	assert.Equal(t, core.DriverMemory, st.Driver())

	st, err = Open(ctx, config.JournalConfig{Driver: config.JournalFilesystem, Root: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, core.DriverFilesystem, st.Driver())

	st, err = Open(ctx, config.JournalConfig{Driver: config.JournalS3, Bucket: "events", Region: "eu-west-1", Endpoint: "http://localhost:9000", UsePathStyle: true})
	require.NoError(t, err)
	assert.Equal(t, core.DriverS3, st.Driver())

	_, err = Open(ctx, config.JournalConfig{Driver: config.JournalS3})
	require.Error(t, err)

	_, err = Open(ctx, config.JournalConfig{Driver: "ftp"})
	require.ErrorContains(t, err, "unknown journal driver")
}
