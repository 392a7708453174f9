package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"persistcore/internal/cluster"
	"persistcore/internal/config"
	"persistcore/internal/core"
	"persistcore/internal/journal"
	"persistcore/internal/meta"
	"persistcore/pkg/domain"
)

func newMigrateCommand(opts *rootOptions, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the row table in the configured database",
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			exec, err := core.OpenExecutor(c.Context(), cfg.Storage)
			if err != nil {
				return err
			}
			defer func() { _ = exec.Close() }()
			_, err = fmt.Fprintf(stdout, "%s executor ready (default isolation %s)\n", cfg.Storage.Driver, exec.DefaultIsolation())
			return err
		},
	}
}

func newJournalCommand(opts *rootOptions, stdout io.Writer) *cobra.Command {
	journalCmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the committed event journal",
	}
	var prefix string
	list := &cobra.Command{
		Use:   "list",
		Short: "List journal events",
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			store, err := journal.Open(c.Context(), cfg.Journal)
			if err != nil {
				return err
			}
			if prefix == "" {
				prefix = cfg.Journal.Prefix
			}
			infos, err := store.List(c.Context(), prefix)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "KEY\tSIZE\tMODIFIED")
			for _, info := range infos {
				_, _ = fmt.Fprintf(w, "%s\t%d\t%s\n", info.Key, info.Size, info.LastModified.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&prefix, "prefix", "", "key prefix (default from configuration)")
	journalCmd.AddCommand(list)
	return journalCmd
}

func newWatchCommand(opts *rootOptions, stdout io.Writer) *cobra.Command {
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the journal and apply remote commits to a server until interrupted",
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if !cfg.Cluster.Enabled {
				return errors.New("cluster polling disabled")
			}
			ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			return runWatch(ctx, cfg, stdout)
		},
	}
	cmd.Flags().DurationVar(&duration, "for", 0, "stop after this long (default until interrupted)")
	return cmd
}

func runWatch(ctx context.Context, cfg config.Config, stdout io.Writer) error {
	logger, err := core.NewProductionLogger(cfg.Log.Level)
	if err != nil {
		return errors.Wrap(err, "build logger")
	}
	defer func() { _ = logger.Sync() }()

	exec, err := core.OpenExecutor(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	store, err := journal.Open(ctx, cfg.Journal)
	if err != nil {
		_ = exec.Close()
		return err
	}
	serverOpts := append(core.ConfigOptions(cfg), core.WithLogger(logger),
		core.WithBroadcaster(cluster.NewJournalBroadcaster(store, cfg.Journal.Prefix)))
	srv, err := core.NewServer(meta.NewCatalog(), exec, serverOpts...)
	if err != nil {
		_ = exec.Close()
		return err
	}
	defer func() { _ = srv.Close() }()

	follower, err := cluster.Follow(ctx, cfg, store, srv, logger)
	if err != nil {
		return err
	}
	logger.Info("following journal", "prefix", cfg.Journal.Prefix, "interval", cfg.Cluster.PollInterval.Duration)
	<-ctx.Done()
	if err := follower.Stop(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "watch stopped: remote_events=%d last_key=%s\n",
		srv.Stats().RemoteEvents, follower.Poller.LastKey())
	return err
}

// smokeRecord is the entity written by the smoke command.
type smokeRecord struct {
	domain.EntityState
	ID      string `orm:"id"`
	Version int64  `orm:"version"`
	Note    string
	Counter int
}

func newSmokeCommand(opts *rootOptions, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "smoke",
		Short: "Save, find, update and delete a record through the configured executor",
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			return runSmoke(c.Context(), cfg, stdout)
		},
	}
}

func runSmoke(ctx context.Context, cfg config.Config, stdout io.Writer) error {
	logger, err := core.NewProductionLogger(cfg.Log.Level)
	if err != nil {
		return errors.Wrap(err, "build logger")
	}
	defer func() { _ = logger.Sync() }()

	catalog := meta.NewCatalog()
	if _, err := catalog.Register(&smokeRecord{}, meta.Name("smoke")); err != nil {
		return err
	}
	exec, err := core.OpenExecutor(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	recorder, err := core.NewPrometheusRecorder(reg, "persistcore")
	if err != nil {
		return err
	}
	serverOpts := append(core.ConfigOptions(cfg), core.WithLogger(logger), core.WithMetricsRecorder(recorder))
	if cfg.JournalEnabled() {
		store, err := journal.Open(ctx, cfg.Journal)
		if err != nil {
			_ = exec.Close()
			return err
		}
		serverOpts = append(serverOpts, core.WithBroadcaster(cluster.NewJournalBroadcaster(store, cfg.Journal.Prefix)))
	}
	srv, err := core.NewServer(catalog, exec, serverOpts...)
	if err != nil {
		_ = exec.Close()
		return err
	}
	defer func() { _ = srv.Close() }()
	if cfg.Cluster.Enabled {
		store, err := journal.Open(ctx, cfg.Journal)
		if err != nil {
			return err
		}
		follower, err := cluster.Follow(ctx, cfg, store, srv, logger)
		if err != nil {
			return err
		}
		defer func() { _ = follower.Stop() }()
	}

	rec := &smokeRecord{Note: "smoke"}
	if err := srv.Save(ctx, rec, nil); err != nil {
		return errors.Wrap(err, "insert")
	}
	found, err := core.FindByID[smokeRecord](ctx, srv, rec.ID, nil)
	if err != nil {
		return errors.Wrap(err, "find")
	}
	if found == nil {
		return errors.Errorf("record %s not found after insert", rec.ID)
	}
	found.Counter++
	if err := srv.Save(ctx, found, nil); err != nil {
		return errors.Wrap(err, "update")
	}
	if err := srv.Delete(ctx, found, nil); err != nil {
		return errors.Wrap(err, "delete")
	}
	gone, err := core.FindByID[smokeRecord](ctx, srv, rec.ID, nil)
	if err != nil {
		return errors.Wrap(err, "find after delete")
	}
	if gone != nil {
		return errors.Errorf("record %s still present after delete", rec.ID)
	}

	st := srv.Stats()
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "smoke ok: id=%s version=%d commits=%d rollbacks=%d metric_families=%d\n",
		rec.ID, found.Version, st.Commits, st.Rollbacks, len(families))
	return err
}
