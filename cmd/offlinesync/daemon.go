package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-offline-sync/config"
	syncErrors "github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/synckit"
)

func (c *cli) daemonCmd() *cobra.Command {
	var (
		schedule string
		watch    bool
		now      bool
	)
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Sync on a schedule until interrupted",
		Long: `Run sync passes on a cron schedule ("@every 5m", "*/10 * * * *").
The schedule comes from --schedule or sync.schedule in the config file.
With --watch, edits to the config file register new buckets and apply a
changed schedule without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			base := cmd.Context()
			if base == nil {
				base = context.Background()
			}
			ctx, stop := signal.NotifyContext(base, os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			return c.run(cmd, func(ctx context.Context, a *app) error {
				spec := schedule
				if spec == "" {
					spec = a.cfg.Sync.Schedule
				}
				if spec == "" {
					return errors.New("no schedule: set --schedule or sync.schedule")
				}
				return c.serve(ctx, a, spec, watch, now)
			})
		},
	}
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron spec, overrides sync.schedule")
	cmd.Flags().BoolVar(&watch, "watch", false, "reload buckets and schedule when the config file changes")
	cmd.Flags().BoolVar(&now, "now", false, "run one pass before the first tick")
	return cmd
}

func (c *cli) serve(ctx context.Context, a *app, spec string, watch, now bool) error {
	logger := a.logger.WithComponent("daemon")

	if err := a.svc.Subscribe(func(e synckit.Event) {
		switch e.Type {
		case synckit.EventConflict:
			logger.Warn("Conflict", "bucket", e.Bucket, "object_id", e.ObjectID, "server_deleted", e.ServerDeleted)
		case synckit.EventIDConflict:
			logger.Warn("Object ID re-minted", "bucket", e.Bucket, "object_id", e.ObjectID, "new_object_id", e.NewObjectID)
		case synckit.EventPushError, synckit.EventPullError:
			logger.Error("Sync error", "type", string(e.Type), "bucket", e.Bucket, "object_id", e.ObjectID,
				"reason", string(e.Reason), "retryable", syncErrors.IsRetryable(e.Err), "error", e.Err)
		case synckit.EventSyncCompleted:
			if e.Result != nil {
				logger.Info("Sync completed", "bucket", e.Result.Bucket, "status", string(e.Result.Status),
					"pulled", e.Result.Pulled, "pushed", e.Result.Pushed, "push_errors", e.Result.PushErrors)
			}
		}
	}); err != nil {
		return err
	}

	var (
		updates <-chan *config.Config
		errs    <-chan error
	)
	if watch {
		if c.configPath == "" {
			return errors.New("--watch needs --config")
		}
		w, err := config.NewWatcher(c.configPath)
		if err != nil {
			return err
		}
		if err := w.Start(); err != nil {
			return err
		}
		defer w.Stop()
		updates, errs = w.Configs(), w.Errors()
	}

	if now {
		if _, err := a.svc.SyncAll(ctx); err != nil {
			logger.Error("Initial sync failed", "error", err)
		}
	}
	if err := a.svc.StartAutoSync(spec); err != nil {
		return err
	}

	logger.Info("Daemon started", "schedule", spec, "watch", watch)
	for {
		select {
		case <-ctx.Done():
			logger.Info("Daemon stopping")
			return nil

		case cfg := <-updates:
			next, err := c.reload(ctx, a, cfg, spec)
			if err != nil {
				logger.Error("Config reload failed", "error", err)
				continue
			}
			spec = next

		case err := <-errs:
			logger.Warn("Config watch error", "error", err)
		}
	}
}

// reload applies a changed configuration and returns the schedule in effect.
func (c *cli) reload(ctx context.Context, a *app, cfg *config.Config, spec string) (string, error) {
	if !c.verbose && cfg.Logging.Level != a.cfg.Logging.Level && a.level.SetFromString(cfg.Logging.Level) {
		a.logger.Info("Log level changed", "from", a.cfg.Logging.Level, "to", cfg.Logging.Level)
		a.cfg.Logging.Level = cfg.Logging.Level
	}
	if err := a.registerBuckets(ctx, cfg); err != nil {
		if syncErrors.IsKind(err, syncErrors.KindLocked) {
			return spec, fmt.Errorf("sync in progress, buckets not updated: %w", err)
		}
		return spec, err
	}
	next := cfg.Sync.Schedule
	if next == "" || next == spec {
		return spec, nil
	}
	if err := a.svc.StopAutoSync(); err != nil {
		return spec, err
	}
	if err := a.svc.StartAutoSync(next); err != nil {
		// Keep syncing on the old schedule.
		if rerr := a.svc.StartAutoSync(spec); rerr != nil {
			return spec, errors.Join(err, rerr)
		}
		return spec, err
	}
	a.logger.Info("Schedule changed", "from", spec, "to", next)
	return next, nil
}
