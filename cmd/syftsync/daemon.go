package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openmined/syftsync/internal/eventlog"
	"github.com/openmined/syftsync/internal/ignore"
	"github.com/openmined/syftsync/internal/version"
)

func init() {
	rootCmd.AddCommand(newDaemonCmd())
}

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Sync continuously, on an interval and on file system changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd)
		},
	}
}

func runDaemon(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context(), cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	slog.Info("syftsync", "version", version.Version, "revision", version.Revision, "build", version.BuildDate)
	slog.Info("daemon", "local", cfg.LocalDir, "remote", cfg.RemoteDir, "interval", cfg.SyncInterval, "watch", cfg.Watch)

	defer slog.Info("Bye!")
	if err := a.run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("daemon", "error", err)
		return err
	}
	return nil
}

// run syncs until ctx is done. With watching enabled, every change reported by the
// event log of a replica starts a cycle.
func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	trigger := make(chan struct{}, 1)

	if a.cfg.Watch {
		dirs := [2]string{a.cfg.LocalDir, a.cfg.RemoteDir}
		for i, dir := range dirs {
			w := eventlog.NewWatcherClient(dir, eventlog.WithFilter(ignoreFilter(a.ignore[i])))
			if err := w.Start(gctx); err != nil {
				return err
			}
			defer w.Stop()

			g.Go(func() error {
				return pump(gctx, w, trigger)
			})
		}
	}

	g.Go(func() error {
		return a.engine.Run(gctx, a.cfg.SyncInterval.Std(), trigger)
	})
	return g.Wait()
}

// pump turns event log batches into sync triggers. Pending triggers are coalesced.
func pump(ctx context.Context, w *eventlog.WatcherClient, trigger chan<- struct{}) error {
	position := w.Position()
	for {
		batch, err := w.ReadEvents(ctx, position)
		if err != nil {
			if errors.Is(err, eventlog.ErrWatcherNotStarted) {
				return nil
			}
			return err
		}
		position = batch.Position

		if len(batch.Events) == 0 && !batch.RefreshRequired {
			continue
		}
		slog.Debug("event log batch", "events", len(batch.Events), "refresh", batch.RefreshRequired)

		select {
		case trigger <- struct{}{}:
		default:
		}
	}
}

func ignoreFilter(l *ignore.List) eventlog.FilterCallback {
	return func(path string) bool {
		return l.ShouldIgnore(path, false)
	}
}
