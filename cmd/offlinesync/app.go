package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-offline-sync/config"
	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/storage"
	"github.com/c0deZ3R0/go-offline-sync/storage/postgres"
	"github.com/c0deZ3R0/go-offline-sync/storage/sqlite"
	"github.com/c0deZ3R0/go-offline-sync/synckit"
	"github.com/c0deZ3R0/go-offline-sync/transport/httptransport"
)

// app is one opened engine with its configuration.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	level  *logging.LevelVar
	svc    *synckit.Service
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Driver {
	case "postgres":
		pc := postgres.DefaultConfig(cfg.DSN)
		pc.Logger = logger
		store, err := postgres.New(ctx, pc)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		sc := sqlite.DefaultConfig(cfg.DSN)
		sc.EnableWAL = cfg.WAL
		sc.Logger = logger
		store, err := sqlite.New(ctx, sc)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

// openApp builds the service described by cfg and registers its buckets.
func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, level := logging.NewLoggerWithDynamicLevel(cfg.Logging)

	store, err := openStore(ctx, cfg.Store, logger.WithComponent(logging.Component("store")).Logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	clientOpts := append(cfg.ClientOptions(),
		httptransport.WithLogger(logger.WithComponent(logging.Component("transport")).Logger))
	client, err := httptransport.New(cfg.Server.BaseURL, clientOpts...)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create transport: %w", err)
	}

	opts := append(cfg.ServiceOptions(),
		synckit.WithStore(store),
		synckit.WithTransport(client),
		synckit.WithLogger(logger.WithComponent(logging.Component("synckit")).Logger),
	)
	svc, err := synckit.NewService(opts...)
	if err != nil {
		client.Close()
		store.Close()
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, level: level, svc: svc}
	if err := a.registerBuckets(ctx, cfg); err != nil {
		svc.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) registerBuckets(ctx context.Context, cfg *config.Config) error {
	buckets, err := cfg.BucketConfigs()
	if err != nil {
		return err
	}
	for _, b := range buckets {
		if err := a.svc.RegisterBucket(ctx, b); err != nil {
			return fmt.Errorf("register bucket %s: %w", b.Name, err)
		}
	}
	return nil
}

func (a *app) close() {
	if err := a.svc.Close(); err != nil {
		a.logger.Error("Failed to close service", "error", err)
	}
}

// run loads the configuration, opens the app for the duration of fn and
// closes it afterwards.
func (c *cli) run(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := c.loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func (c *cli) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	// Logs go to stderr so stdout stays machine readable.
	cfg.Logging.Output = cmd.ErrOrStderr()
	if c.verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}
