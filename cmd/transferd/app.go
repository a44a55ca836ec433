package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	gootel "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	transferapp "github.com/ahrav/transfer-armada/internal/app/transfer"
	"github.com/ahrav/transfer-armada/internal/config"
	"github.com/ahrav/transfer-armada/internal/domain/events"
	"github.com/ahrav/transfer-armada/internal/domain/transfer"
	"github.com/ahrav/transfer-armada/internal/infra/eventbus/kafka"
	membus "github.com/ahrav/transfer-armada/internal/infra/eventbus/memory"
	natsbus "github.com/ahrav/transfer-armada/internal/infra/eventbus/nats"
	memstore "github.com/ahrav/transfer-armada/internal/infra/storage/transfer/memory"
	pgstore "github.com/ahrav/transfer-armada/internal/infra/storage/transfer/postgres"
	"github.com/ahrav/transfer-armada/internal/infra/storage/transfer/sqlite"
	"github.com/ahrav/transfer-armada/pkg/common/logger"
	"github.com/ahrav/transfer-armada/pkg/common/otel"
)

// app holds what every subcommand needs: config, logger, telemetry and the
// teardown of whatever was opened.
type app struct {
	cfg      *config.Config
	workerID string

	log     *logger.Logger
	tracer  trace.Tracer
	metrics *transferapp.Metrics

	closers []func(ctx context.Context)
}

func newApp(opts *rootOptions, role string) (*app, error) {
	cfg, err := config.Load(config.LoadOptions{File: opts.configFile, EnvFile: opts.envFile})
	if err != nil {
		return nil, err
	}

	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("failed to get hostname: %w", err)
	}
	workerID := cfg.Service.ID
	if workerID == "" {
		workerID = hostname
	}

	a := &app{cfg: cfg, workerID: workerID}
	a.log = newLogger(cfg, workerID, hostname, role)

	var tp trace.TracerProvider
	if cfg.Telemetry.Endpoint == "" {
		var teardown func(context.Context)
		tp, teardown = otel.InitNoop()
		a.closers = append(a.closers, teardown)
	} else {
		var teardown func(context.Context)
		tp, teardown, err = otel.InitTelemetry(a.log, otel.Config{
			ServiceName:      cfg.Service.Name,
			ExporterEndpoint: cfg.Telemetry.Endpoint,
			ExcludedRoutes: map[string]struct{}{
				"/v1/health":    {},
				"/v1/readiness": {},
			},
			Probability: cfg.Telemetry.SamplingRatio,
			ResourceAttributes: map[string]string{
				"library.language": "go",
				"k8s.pod.name":     os.Getenv("POD_NAME"),
				"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
				"k8s.container.id": hostname,
				"service.role":     role,
			},
			InsecureExporter: cfg.Telemetry.Insecure,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		a.closers = append(a.closers, teardown)
	}
	a.tracer = tp.Tracer(cfg.Service.Name)

	if a.metrics, err = transferapp.NewMetrics(gootel.GetMeterProvider()); err != nil {
		a.close()
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	return a, nil
}

func newLogger(cfg *config.Config, workerID, hostname, role string) *logger.Logger {
	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string { return otel.GetTraceID(ctx) }

	svcName := fmt.Sprintf("%s-%s", cfg.Service.Name, workerID)
	metadata := map[string]string{
		"service":   svcName,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       role,
	}

	level := logger.ParseLevel(cfg.Service.LogLevel)
	if cfg.Telemetry.Endpoint != "" {
		return logger.NewWithOTel(os.Stdout, level, svcName, traceIDFn, logEvents, metadata)
	}
	return logger.NewWithMetadata(os.Stdout, level, svcName, traceIDFn, logEvents, metadata)
}

// close runs the registered teardowns in reverse order.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i](ctx)
	}
	a.closers = nil
}

func (a *app) onClose(fn func(ctx context.Context)) { a.closers = append(a.closers, fn) }

// openPool connects to postgres with otelpgx tracing.
func (a *app) openPool(ctx context.Context) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(a.cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse db config: %w", err)
	}
	poolCfg.MinConns = a.cfg.Store.MinConns
	poolCfg.MaxConns = a.cfg.Store.MaxConns
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach db: %w", err)
	}
	a.onClose(func(context.Context) { pool.Close() })
	return pool, nil
}

func (a *app) openStore(ctx context.Context) (transfer.TaskRepository, error) {
	switch a.cfg.Store.Driver {
	case "postgres":
		pool, err := a.openPool(ctx)
		if err != nil {
			return nil, err
		}
		return pgstore.NewTaskStore(pool, a.tracer), nil

	case "sqlite":
		store, err := sqlite.Open(a.cfg.Store.DSN, a.tracer)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		a.onClose(func(ctx context.Context) {
			if err := store.Close(); err != nil {
				a.log.Error(ctx, "Failed to close sqlite store", "error", err)
			}
		})
		return store, nil
	}
	return memstore.NewTaskStore(), nil
}

// openBuses returns the task bus and the broadcast bus. For the in-process
// driver both are the same bus.
func (a *app) openBuses(ctx context.Context) (events.EventBus, events.EventBus, error) {
	cfg := a.cfg.Bus

	switch cfg.Driver {
	case "kafka":
		kcfg := kafka.Config{
			Brokers:            cfg.Kafka.Brokers,
			TasksTopic:         cfg.Kafka.TasksTopic,
			TransfersTopic:     cfg.Kafka.TransfersTopic,
			BroadcastTopic:     cfg.Kafka.BroadcastTopic,
			NotificationsTopic: cfg.Kafka.NotificationsTopic,
			GroupID:            cfg.Kafka.GroupID,
			ClientID:           a.workerID,
			MaxDeliveries:      cfg.Kafka.MaxDeliveries,
			RedeliveryDelay:    cfg.Kafka.RedeliveryDelay,
		}
		tasks, err := kafka.ConnectEventBus(kcfg, cfg.ConnectTimeout, a.log, a.metrics, a.tracer)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect event bus: %w", err)
		}
		a.closeBus(tasks, "task")

		bc, err := kafka.ConnectEventBus(kcfg.ForBroadcast(), cfg.ConnectTimeout, a.log, a.metrics, a.tracer)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect broadcast event bus: %w", err)
		}
		a.closeBus(bc, "broadcast")
		return tasks, bc, nil

	case "nats":
		ncfg := natsbus.Config{
			URL:           cfg.NATS.URL,
			Stream:        cfg.NATS.Stream,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Durable:       cfg.NATS.Durable,
			ClientID:      a.workerID,
			AckWait:       cfg.NATS.AckWait,
			MaxDeliver:    cfg.NATS.MaxDeliver,
			NakDelay:      cfg.NATS.NakDelay,
		}
		tasks, err := natsbus.ConnectEventBus(ctx, ncfg, cfg.ConnectTimeout, a.log, a.metrics, a.tracer)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect event bus: %w", err)
		}
		a.closeBus(tasks, "task")

		bc, err := natsbus.ConnectEventBus(ctx, ncfg.ForBroadcast(), cfg.ConnectTimeout, a.log, a.metrics, a.tracer)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect broadcast event bus: %w", err)
		}
		a.closeBus(bc, "broadcast")
		return tasks, bc, nil
	}

	bus := membus.NewEventBus(a.log, a.tracer)
	a.closeBus(bus, "memory")
	return bus, bus, nil
}

func (a *app) closeBus(bus events.EventBus, name string) {
	a.onClose(func(ctx context.Context) {
		if err := bus.Close(); err != nil {
			a.log.Error(ctx, "Failed to close event bus", "bus", name, "error", err)
		}
	})
}

var errLocalOnly = errors.New("the memory bus and store are local to one process; configure a shared bus and store")

// requireShared rejects commands that talk to a running deployment when the
// configuration only describes an in-process one.
func (a *app) requireShared() error {
	if a.cfg.Bus.Driver == "memory" || a.cfg.Store.Driver == "memory" {
		return errLocalOnly
	}
	return nil
}
