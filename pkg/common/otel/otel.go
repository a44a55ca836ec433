// Package otel wires OpenTelemetry tracing and metrics for transferd.
package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/transfer-armada/pkg/common/logger"
)

// Config describes the OTLP collector and how spans are sampled.
type Config struct {
	ServiceName      string
	ExporterEndpoint string
	InsecureExporter bool

	// ExcludedRoutes are span names that are never sampled, typically the
	// health probes.
	ExcludedRoutes map[string]struct{}
	Probability    float64

	ResourceAttributes map[string]string

	// Zero values fall back to the exporter defaults below.
	BatchTimeout   time.Duration
	MetricInterval time.Duration
}

const (
	exporterDialTimeout   = 5 * time.Second
	defaultBatchTimeout   = 5 * time.Second
	defaultMetricInterval = 30 * time.Second
)

func (c Config) resource() *resource.Resource {
	attrs := make([]attribute.KeyValue, 0, len(c.ResourceAttributes)+1)
	attrs = append(attrs, semconv.ServiceNameKey.String(c.ServiceName))
	for k, v := range c.ResourceAttributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

func (c Config) traceExporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(c.ExporterEndpoint)}
	if c.InsecureExporter {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}
	return exp, nil
}

func (c Config) metricExporter(ctx context.Context) (*otlpmetricgrpc.Exporter, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(c.ExporterEndpoint)}
	if c.InsecureExporter {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}
	return exp, nil
}

// InitTelemetry installs OTLP trace and metric providers as the globals. The
// returned func flushes and shuts both down.
func InitTelemetry(log *logger.Logger, cfg Config) (trace.TracerProvider, func(ctx context.Context), error) {
	ctx, cancel := context.WithTimeout(context.Background(), exporterDialTimeout)
	defer cancel()

	te, err := cfg.traceExporter(ctx)
	if err != nil {
		return nil, nil, err
	}
	me, err := cfg.metricExporter(ctx)
	if err != nil {
		_ = te.Shutdown(ctx)
		return nil, nil, err
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = defaultBatchTimeout
	}
	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = defaultMetricInterval
	}

	res := cfg.resource()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(newEndpointExcluder(cfg.ExcludedRoutes, cfg.Probability)),
		sdktrace.WithBatcher(te, sdktrace.WithBatchTimeout(batchTimeout)),
		sdktrace.WithResource(res),
	)
	mp := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(me, metric.WithInterval(interval))),
		metric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	setPropagator()

	shutdown := func(ctx context.Context) {
		if err := errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx)); err != nil {
			log.Error(ctx, "Failed to shut down telemetry providers", "error", err)
		}
	}
	return tp, shutdown, nil
}

// InitNoop installs a tracer provider that never samples. Trace context is
// still propagated across the bus so downstream services can join traces.
func InitNoop() (trace.TracerProvider, func(ctx context.Context)) {
	setPropagator()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))
	otel.SetTracerProvider(tp)
	return tp, func(ctx context.Context) { _ = tp.Shutdown(ctx) }
}

func setPropagator() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}
