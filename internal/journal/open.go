// Package journal selects the event journal store.
package journal

import (
	"context"

	"github.com/pkg/errors"

	"persistcore/internal/config"
	"persistcore/internal/infra/journal/fs"
	"persistcore/internal/infra/journal/memory"
	"persistcore/internal/infra/journal/s3"
	"persistcore/internal/journal/core"
)

// ErrDisabled is returned by Open when no journal driver is configured.
var ErrDisabled = errors.New("journal disabled")

// Open selects a journal Store implementation from configuration.
//
//	fs:     directory root (default ./journal)
//	memory: process memory (tests)
//	s3:     bucket, region, endpoint and path-style settings
func Open(ctx context.Context, cfg config.JournalConfig) (core.Store, error) {
	switch cfg.Driver {
	case "", config.JournalNone:
		return nil, ErrDisabled
	case config.JournalFilesystem:
		return fs.New(cfg.Root)
	case config.JournalMemory:
		return memory.New(), nil
	case config.JournalS3:
		return s3.New(ctx, s3.Config{
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			PathStyle: cfg.UsePathStyle,
		})
	default:
		return nil, errors.Errorf("unknown journal driver %s", cfg.Driver)
	}
}
