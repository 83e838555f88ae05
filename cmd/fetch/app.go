package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sevir/fetch/internal/adapter"
	"github.com/sevir/fetch/internal/config"
	"github.com/sevir/fetch/internal/executor"
	"github.com/sevir/fetch/internal/harness"
	"github.com/sevir/fetch/internal/orchestrator"
	"github.com/sevir/fetch/internal/store"
	"github.com/sevir/fetch/internal/task"
)

const storeOpenTimeout = 10 * time.Second

// app bundles the wired components of a running orchestrator.
type app struct {
	cfg          *config.Config
	logger       *slog.Logger
	store        store.Store
	agents       *adapter.Registry
	orchestrator *orchestrator.Orchestrator
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Store.Backend == config.StorePostgres {
		ctx, cancel := context.WithTimeout(ctx, storeOpenTimeout)
		defer cancel()
		s, err := store.NewPostgresStore(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := store.NewFileStore(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func adapterRegistry(cfg *config.Config) (*adapter.Registry, error) {
	agents, err := adapter.NewDefaultRegistry(cfg.AdapterOptions())
	if err != nil {
		return nil, fmt.Errorf("build agent registry: %w", err)
	}
	return agents, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	agents, err := adapterRegistry(cfg)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("task store unavailable, keeping tasks in memory only",
			"backend", cfg.Store.Backend, "error", err)
		st = nil
	}

	metrics := harness.DefaultMetrics()
	spawner := harness.NewSpawner(
		harness.WithKillGrace(cfg.Harness.KillGrace.Std()),
		harness.WithLogger(logger),
		harness.WithMetrics(metrics),
	)
	pool := harness.NewPool(spawner, cfg.Harness.MaxConcurrent, logger, metrics)

	exec := executor.New(pool, agents,
		executor.WithLogger(logger),
		executor.WithLogDir(cfg.LogDir),
	)
	tasks := task.NewManager(st,
		task.WithLogger(logger),
		task.WithDefaultAgent(cfg.DefaultAgent()),
	)

	orch := orchestrator.New(tasks, exec, pool, orchestrator.Config{
		Agents:               agents,
		DefaultTimeout:       cfg.Harness.DefaultTimeout.Std(),
		MaxRetries:           cfg.Tasks.MaxRetries,
		RetryInitialInterval: cfg.Tasks.RetryInitialInterval.Std(),
		Logger:               logger,
		Metrics:              orchestrator.DefaultMetrics(),
	})

	return &app{
		cfg:          cfg,
		logger:       logger,
		store:        st,
		agents:       agents,
		orchestrator: orch,
	}, nil
}

// Close stops running tasks and flushes the store.
func (a *app) Close(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := a.orchestrator.Shutdown(ctx)
	if err != nil {
		a.logger.Warn("orchestrator shutdown", "error", err)
	}
	if a.store == nil {
		return err
	}
	if cerr := a.store.Close(); cerr != nil {
		a.logger.Warn("store close", "error", cerr)
		if err == nil {
			err = cerr
		}
	}
	return err
}
