package cluster

import (
	"context"

	"golang.org/x/sync/errgroup"

	"persistcore/internal/config"
	"persistcore/internal/core"
	jcore "persistcore/internal/journal/core"
)

// Follower polls the journal in the background for one server.
type Follower struct {
	Poller *Poller
	cancel context.CancelFunc
	group  *errgroup.Group
}

// Follow starts polling store for applier when cfg.Cluster is enabled. The
// events already in the journal are marked as seen first. It returns a nil
// Follower when polling is disabled.
func Follow(ctx context.Context, cfg config.Config, store jcore.Store, applier Applier, logger core.Logger) (*Follower, error) {
	if !cfg.Cluster.Enabled {
		return nil, nil
	}
	p := NewPoller(store, cfg.Journal.Prefix, applier, logger, WithLookback(cfg.Cluster.Lookback.Duration))
	if err := p.MarkSeen(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return p.Run(ctx, cfg.Cluster.PollInterval.Duration) })
	return &Follower{Poller: p, cancel: cancel, group: group}, nil
}

// Stop ends polling and waits for the loop to return. It is safe on a nil
// Follower.
func (f *Follower) Stop() error {
	if f == nil {
		return nil
	}
	f.cancel()
	return f.group.Wait()
}
