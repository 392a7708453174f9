package core

import (
	"context"

	"github.com/pkg/errors"

	"persistcore/internal/config"
	"persistcore/internal/infra/persistence/memory"
	"persistcore/internal/infra/persistence/postgres"
	"persistcore/internal/infra/persistence/sqlite"
	"persistcore/pkg/domain"
)

// OpenExecutor selects the executor named by the storage configuration.
// An empty driver defaults to sqlite.
//
//	memory:   in-memory only (tests / ephemeral)
//	sqlite:   embedded sqlite file at SQLitePath
//	postgres: PostgreSQL server at PostgresDSN
func OpenExecutor(ctx context.Context, cfg config.StorageConfig) (domain.Executor, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = config.StorageSQLite
	}
	switch driver {
	case config.StorageMemory:
		return memory.NewStore(), nil
	case config.StorageSQLite:
		return sqlite.NewStore(ctx, cfg.SQLitePath)
	case config.StoragePostgres:
		return postgres.NewStore(ctx, cfg.PostgresDSN)
	default:
		return nil, errors.Errorf("unknown storage driver %s", driver)
	}
}

// ConfigOptions translates the cache, batch and logging sections into
// server options.
func ConfigOptions(cfg config.Config) []Option {
	opts := []Option{
		WithName(cfg.Server.Name),
		WithBatching(cfg.Batch.Enabled, cfg.Batch.Size),
		WithTxLogLevel(ParseTxLogLevel(cfg.Log.Transaction)),
	}
	if cfg.Cache.Enabled {
		opts = append(opts, WithCache(NewLRUCache(cfg.Cache.Size)))
	}
	return opts
}
