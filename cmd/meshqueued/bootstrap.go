package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"meshqueue/internal/api"
	"meshqueue/internal/artifacts"
	"meshqueue/internal/broker"
	"meshqueue/internal/config"
	"meshqueue/internal/daemon"
	"meshqueue/internal/deps"
	"meshqueue/internal/jobs"
	"meshqueue/internal/jobstore"
	"meshqueue/internal/logging"
	"meshqueue/internal/metrics"
	"meshqueue/internal/notifications"
	"meshqueue/internal/pipeline"
	"meshqueue/internal/stage"
	"meshqueue/internal/stagerun"
	"meshqueue/internal/staging"
	"meshqueue/internal/workflow"
)

type runtime struct {
	store  jobs.Store
	broker broker.Broker
	daemon *daemon.Daemon
}

// Close releases the backends in reverse order of acquisition.
func (r *runtime) Close() error {
	var errs []error
	if r.broker != nil {
		errs = append(errs, r.broker.Close())
	}
	if r.store != nil {
		errs = append(errs, r.store.Close())
	}
	return errors.Join(errs...)
}

// bootstrap opens every backend and wires the front door, executor and pool.
func bootstrap(ctx context.Context, cfg *config.Config, logger *slog.Logger) (rt *runtime, err error) {
	rt = &runtime{}
	defer func() {
		if err != nil {
			_ = rt.Close()
			rt = nil
		}
	}()

	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}
	if missing := deps.Missing(deps.CheckBinaries(catalog.Requirements())); len(missing) > 0 {
		logging.WarnWithContext(logger, "stage tools missing from PATH", "dependency_missing",
			logging.Any("stages", missing),
			logging.String(logging.FieldImpact, "jobs using these stages will fail"),
			logging.String(logging.FieldErrorHint, "install the tools or set [stages.<name>].command"),
		)
	}

	if rt.store, err = jobstore.Open(ctx, cfg); err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	if rt.broker, err = broker.Open(ctx, cfg); err != nil {
		return nil, fmt.Errorf("open broker: %w", err)
	}
	store, err := artifacts.Open(ctx, cfg.ArtifactOptions())
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}

	m := metrics.New()

	var pool daemon.Pool
	if cfg.Workers.Concurrency > 0 {
		sweepWorkDir(ctx, cfg, rt.store, logger)
		manager, err := newPool(cfg, rt, store, catalog, m, logger)
		if err != nil {
			return nil, err
		}
		pool = manager
	}

	opts := api.OptionsFromConfig(cfg)
	opts.Store = rt.store
	opts.Broker = rt.broker
	opts.Artifacts = store
	opts.Catalog = catalog
	opts.Metrics = m
	opts.Logger = logger
	if status, ok := pool.(api.PoolStatus); ok {
		opts.Pool = status
	}
	svc, err := api.NewService(opts)
	if err != nil {
		return nil, err
	}

	if rt.daemon, err = daemon.New(cfg, svc, pool, m, logger); err != nil {
		return nil, err
	}
	return rt, nil
}

// sweepWorkDir drops scratch directories of jobs that are no longer live.
func sweepWorkDir(ctx context.Context, cfg *config.Config, store jobs.Store, logger *slog.Logger) {
	live, err := store.List(ctx, jobs.StatePending, jobs.StateRunning, jobs.StateStageFailed)
	if err != nil {
		logger.Warn("skipping work dir sweep",
			logging.Error(err),
			logging.String(logging.FieldImpact, "stale scratch directories are kept"),
		)
		return
	}
	active := make(map[string]struct{}, len(live))
	for _, job := range live {
		active[job.ID] = struct{}{}
	}
	staging.CleanOrphaned(ctx, cfg.Paths.WorkDir, active, logger)
}

func newPool(cfg *config.Config, rt *runtime, store artifacts.Store, catalog *stage.Catalog, m *metrics.Metrics, logger *slog.Logger) (*workflow.Manager, error) {
	runner, err := stagerun.New(store, cfg.Paths.WorkDir,
		stagerun.WithLogger(logger),
		stagerun.WithKeepWorkDirs(cfg.Workers.KeepWorkDirs),
	)
	if err != nil {
		return nil, fmt.Errorf("stage runner: %w", err)
	}
	executor, err := pipeline.New(pipeline.Options{
		Store:    rt.store,
		Runner:   runner,
		Catalog:  catalog,
		Policy:   pipeline.PolicyFromConfig(cfg),
		Logger:   logger,
		Observer: m,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline executor: %w", err)
	}
	opts := workflow.OptionsFromConfig(cfg)
	opts.Broker = rt.broker
	opts.Store = rt.store
	opts.Executor = executor
	opts.Notifier = notifications.NewService(cfg)
	opts.Logger = logger
	opts.Metrics = m
	return workflow.NewManager(opts)
}
