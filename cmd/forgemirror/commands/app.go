package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Sumatoshi-tech/forgemirror/pkg/backend"
	"github.com/Sumatoshi-tech/forgemirror/pkg/cache"
	"github.com/Sumatoshi-tech/forgemirror/pkg/config"
	"github.com/Sumatoshi-tech/forgemirror/pkg/lifecycle"
	"github.com/Sumatoshi-tech/forgemirror/pkg/observability"
	"github.com/Sumatoshi-tech/forgemirror/pkg/query"
	"github.com/Sumatoshi-tech/forgemirror/pkg/store"
	"github.com/Sumatoshi-tech/forgemirror/pkg/version"
)

const storeDirPerm = 0o750

// app is the wired process: configuration, telemetry, store, lifecycle
// manager and query service.
type app struct {
	cfg       *config.Config
	providers observability.Providers
	logger    *slog.Logger
	store     *store.Store
	manager   *lifecycle.Manager
	query     *query.Service
	red       *observability.REDMetrics
}

func openApp(ctx context.Context, opts *globalOptions, mode observability.AppMode) (*app, error) {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}

	obsCfg := cfg.ObservabilityConfig(mode, version.Get().Version)
	if opts.verbose {
		obsCfg.LogLevel = slog.LevelDebug
	}

	if mode == observability.ModeMCP {
		obsCfg.LogJSON = true
	}

	providers, err := observability.Init(obsCfg)
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}

	a := &app{cfg: cfg, providers: providers, logger: providers.Logger}

	if err := a.wire(ctx); err != nil {
		return nil, errors.Join(err, a.Close())
	}

	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	syncMetrics, err := observability.NewSyncMetrics(a.providers.Meter)
	if err != nil {
		return err
	}

	a.red, err = observability.NewREDMetrics(a.providers.Meter)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), storeDirPerm); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	a.store, err = store.Open(ctx, cfg.Store.Path, store.Options{
		BusyTimeout:  cfg.Store.BusyTimeout,
		MaxOpenConns: cfg.Store.MaxOpenConns,
	})
	if err != nil {
		return err
	}

	filter, err := backend.NewRefFilter(cfg.Sync.RefPatterns)
	if err != nil {
		return err
	}

	handles := cache.NewHandles(cfg.Cache.MaxHandles, a.logger)
	handles.OnLookup = syncMetrics.RecordCacheLookup

	checkpointDir := ""
	if cfg.Checkpoint.Enabled {
		checkpointDir = cfg.Checkpoint.Dir
	}

	a.manager, err = lifecycle.New(lifecycle.Options{
		Store:            a.store,
		Drivers:          backend.DefaultRegistry(),
		Handles:          handles,
		RefFilter:        filter,
		Root:             cfg.Repositories.Root,
		DefaultDriver:    cfg.Repositories.Driver,
		BatchSize:        cfg.Sync.BatchSize,
		CheckpointDir:    checkpointDir,
		Resume:           cfg.Checkpoint.Resume,
		CheckpointMaxAge: cfg.Checkpoint.MaxAge,
		Metrics:          syncMetrics,
		Logger:           a.logger,
	})
	if err != nil {
		return err
	}

	a.query = query.New(a.store, a.manager, query.Options{
		AllowPartial: cfg.Sync.AllowPartial,
		Logger:       a.logger,
	})

	return nil
}

// Close stops background runs and releases every resource.
func (a *app) Close() error {
	var errs []error

	if a.manager != nil {
		errs = append(errs, a.manager.Close())
	}

	if a.store != nil {
		errs = append(errs, a.store.Close())
	}

	if a.providers.Shutdown != nil {
		errs = append(errs, a.providers.Shutdown(context.Background()))
	}

	return errors.Join(errs...)
}

// withApp opens the app for one command and closes it afterwards.
func withApp(ctx context.Context, opts *globalOptions, mode observability.AppMode, fn func(*app) error) (err error) {
	a, err := openApp(ctx, opts, mode)
	if err != nil {
		return err
	}

	defer func() {
		err = errors.Join(err, a.Close())
	}()

	return fn(a)
}
