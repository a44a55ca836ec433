package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/transfer-armada/internal/app/cluster"
	transferapp "github.com/ahrav/transfer-armada/internal/app/transfer"
	"github.com/ahrav/transfer-armada/internal/config"
	"github.com/ahrav/transfer-armada/internal/config/fileloader"
	"github.com/ahrav/transfer-armada/internal/infra/cluster/kubernetes"
	"github.com/ahrav/transfer-armada/internal/infra/cluster/standalone"
	"github.com/ahrav/transfer-armada/internal/infra/remote/rclone"
	"github.com/ahrav/transfer-armada/pkg/common"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a transfer worker",
		Long:  "Runs every engine handler against the configured bus and store. The\nleader also runs the health reconciler.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	a, err := newApp(opts, "worker")
	if err != nil {
		return err
	}
	defer a.close()
	cfg := a.cfg

	repo, err := a.openStore(ctx)
	if err != nil {
		return err
	}

	var (
		catalog *config.Catalog
		loader  *fileloader.FileLoader
	)
	if cfg.SystemsFile != "" {
		loader = fileloader.NewFileLoader(cfg.SystemsFile, a.log)
		if catalog, err = loader.Load(ctx); err != nil {
			return fmt.Errorf("failed to load systems catalog: %w", err)
		}
	}
	systems, err := rclone.NewSystems(catalog)
	if err != nil {
		return err
	}
	remotes := rclone.NewFactory(systems, a.log, a.tracer)

	bus, broadcast, err := a.openBuses(ctx)
	if err != nil {
		return err
	}

	leader, err := a.newCoordinator()
	if err != nil {
		return err
	}

	engine, err := transferapp.NewEngine(
		transferapp.EngineConfig{
			WorkerID:    a.workerID,
			MaxAttempts: cfg.Retry.MaxAttempts,
			CopyWorkers: cfg.Transfer.Workers,
			Health: transferapp.HealthConfig{
				Interval:       cfg.Healthcheck.Interval,
				ParentInterval: cfg.Healthcheck.ParentInterval,
				StaleAfter:     cfg.Healthcheck.StaleAfter,
				PublishRate:    cfg.Healthcheck.PublishRate,
				Concurrency:    cfg.Healthcheck.Concurrency,
			},
		},
		transferapp.EngineDeps{
			Repo:       repo,
			Bus:        bus,
			Broadcast:  broadcast,
			Remotes:    remotes,
			Transferer: remotes,
			Leader:     leader,
			Metrics:    a.metrics,
		},
		a.log,
		a.tracer,
	)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		transferapp.NewInterruptCacheCollector(engine.Cache()),
	)

	ready := &atomic.Bool{}
	healthServer := common.NewHealthServer(ready,
		common.WithAddr(cfg.Debug.Addr),
		common.WithGatherer(registry),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(healthServer.ListenAndServe)

	if err := engine.Start(gctx); err != nil {
		_ = healthServer.Server().Close()
		return fmt.Errorf("failed to start engine: %w", err)
	}
	ready.Store(true)
	a.log.Info(ctx, "Transfer worker ready",
		"worker_id", a.workerID,
		"bus", cfg.Bus.Driver,
		"store", cfg.Store.Driver,
		"cluster", cfg.Cluster.Mode,
	)

	if loader != nil {
		g.Go(func() error {
			return loader.Watch(gctx, func(cat *config.Catalog) {
				if err := systems.Update(cat); err != nil {
					a.log.Error(gctx, "Rejected systems catalog reload", "error", err)
				}
			})
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info(context.Background(), "Shutting down transfer worker")
		ready.Store(false)

		if err := engine.Stop(); err != nil {
			a.log.Error(context.Background(), "Failed to stop engine", "error", err)
		}
		return healthServer.Server().Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (a *app) newCoordinator() (cluster.Coordinator, error) {
	c := a.cfg.Cluster
	if c.Mode != "kubernetes" {
		return standalone.NewCoordinator(a.log), nil
	}

	coord, err := kubernetes.NewCoordinator(a.workerID, kubernetes.Config{
		Namespace:    c.Namespace,
		LeaderLockID: c.LockID,
		Identity:     os.Getenv("POD_NAME"),
		KubeConfig:   c.KubeConfig,
		Context:      c.Context,
	}, nil, a.log, a.tracer)
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}
	return coord, nil
}
