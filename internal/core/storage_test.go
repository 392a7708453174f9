package core

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"persistcore/internal/config"
	"persistcore/internal/infra/persistence/memory"
	"persistcore/internal/infra/persistence/sqlstore"
	"persistcore/pkg/domain"
)

func TestOpenExecutorMemory(t *testing.T) {
	exec, err := OpenExecutor(context.Background(), config.StorageConfig{Driver: config.StorageMemory})
	require.NoError(t, err)
	_, ok := exec.(*memory.Store)
	assert.True(t, ok, "expected *memory.Store, got %T", exec)
}

func TestOpenExecutorDefaultsToSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "db.sqlite")
	exec, err := OpenExecutor(context.Background(), config.StorageConfig{SQLitePath: path})
	require.NoError(t, err)
	defer func() { _ = exec.Close() }()
	store, ok := exec.(*sqlstore.Store)
	require.True(t, ok, "expected *sqlstore.Store, got %T", exec)
	assert.Equal(t, "sqlite", store.Dialect().Name)
	assert.Equal(t, domain.IsolationSerializable, exec.DefaultIsolation())
}

func TestOpenExecutorUnknownDriver(t *testing.T) {
	_, err := OpenExecutor(context.Background(), config.StorageConfig{Driver: "oracle"})
	require.ErrorContains(t, err, "unknown storage driver")
}

func TestConfigOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Name = "node-a"
	cfg.Batch = config.BatchConfig{Enabled: true, Size: 7}
	cfg.Log.Transaction = "summary"
	s, err := NewServer(newTestCatalog(t), memory.NewStore(), ConfigOptions(cfg)...)
	require.NoError(t, err)
	assert.Equal(t, "node-a", s.Name())
	assert.True(t, s.batchDefault)
	assert.Equal(t, 7, s.batchSize)
	assert.Equal(t, TxLogSummary, s.txLogLevel)
	_, ok := s.cache.(*LRUCache)
	assert.True(t, ok)

	cfg.Cache.Enabled = false
	s, err = NewServer(newTestCatalog(t), memory.NewStore(), ConfigOptions(cfg)...)
	require.NoError(t, err)
	assert.Nil(t, s.cache)
}
