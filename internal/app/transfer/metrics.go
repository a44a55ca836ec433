package transfer

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/transfer-armada/internal/domain/events"
)

const namespace = "transfer_engine"

// Metrics holds the otel instruments of the engine. It also satisfies the
// bus metrics contracts of the Kafka and NATS adapters.
type Metrics struct {
	// Bus metrics.
	messagesPublished metric.Int64Counter
	messagesConsumed  metric.Int64Counter
	publishErrors     metric.Int64Counter
	consumeErrors     metric.Int64Counter

	// Handler metrics.
	eventsHandled metric.Int64Counter
	eventsFailed  metric.Int64Counter

	// Task lifecycle metrics.
	tasksCreated   metric.Int64Counter
	tasksRetried   metric.Int64Counter
	tasksFailed    metric.Int64Counter
	tasksCompleted metric.Int64Counter
	treesFinished  metric.Int64Counter

	// Reconciler metrics.
	sweeps       metric.Int64Counter
	healthchecks metric.Int64Counter
}

// NewMetrics registers the engine instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(Metrics)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.messagesPublished, "messages_published_total", "Total number of messages published"},
		{&m.messagesConsumed, "messages_consumed_total", "Total number of messages consumed"},
		{&m.publishErrors, "publish_errors_total", "Total number of publish errors"},
		{&m.consumeErrors, "consume_errors_total", "Total number of consume errors"},
		{&m.eventsHandled, "events_handled_total", "Total number of events handled successfully"},
		{&m.eventsFailed, "events_failed_total", "Total number of events whose handler failed"},
		{&m.tasksCreated, "tasks_created_total", "Total number of transfer tasks created"},
		{&m.tasksRetried, "tasks_retried_total", "Total number of transfer tasks scheduled for retry"},
		{&m.tasksFailed, "tasks_failed_total", "Total number of transfer tasks marked failed"},
		{&m.tasksCompleted, "tasks_completed_total", "Total number of transfer tasks completed"},
		{&m.treesFinished, "trees_finished_total", "Total number of transfer trees that finished"},
		{&m.sweeps, "health_sweeps_total", "Total number of health reconciliation sweeps"},
		{&m.healthchecks, "healthchecks_published_total", "Total number of healthcheck events published"},
	}

	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}

	return m, nil
}

func topicAttr(topic string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("topic", topic))
}

func eventAttr(t events.EventType) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("event_type", t.String()))
}

func (m *Metrics) IncMessagePublished(ctx context.Context, topic string) {
	m.messagesPublished.Add(ctx, 1, topicAttr(topic))
}

func (m *Metrics) IncMessageConsumed(ctx context.Context, topic string) {
	m.messagesConsumed.Add(ctx, 1, topicAttr(topic))
}

func (m *Metrics) IncPublishError(ctx context.Context, topic string) {
	m.publishErrors.Add(ctx, 1, topicAttr(topic))
}

func (m *Metrics) IncConsumeError(ctx context.Context, topic string) {
	m.consumeErrors.Add(ctx, 1, topicAttr(topic))
}

func (m *Metrics) IncEventHandled(ctx context.Context, t events.EventType) {
	m.eventsHandled.Add(ctx, 1, eventAttr(t))
}

func (m *Metrics) IncEventFailed(ctx context.Context, t events.EventType) {
	m.eventsFailed.Add(ctx, 1, eventAttr(t))
}

func (m *Metrics) IncTaskCreated(ctx context.Context)   { m.tasksCreated.Add(ctx, 1) }
func (m *Metrics) IncTaskRetried(ctx context.Context)   { m.tasksRetried.Add(ctx, 1) }
func (m *Metrics) IncTaskFailed(ctx context.Context)    { m.tasksFailed.Add(ctx, 1) }
func (m *Metrics) IncTaskCompleted(ctx context.Context) { m.tasksCompleted.Add(ctx, 1) }
func (m *Metrics) IncTreeFinished(ctx context.Context)  { m.treesFinished.Add(ctx, 1) }

// IncSweep counts one reconciliation sweep of the given kind.
func (m *Metrics) IncSweep(ctx context.Context, kind string) {
	m.sweeps.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) IncHealthcheckPublished(ctx context.Context, t events.EventType) {
	m.healthchecks.Add(ctx, 1, eventAttr(t))
}

// NewInterruptCacheCollector exposes the interrupt cache size as a
// Prometheus gauge for the debug server.
func NewInterruptCacheCollector(cache *InterruptCache) prometheus.Collector {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "interrupt_cache_entries",
		Help:      "Number of tree roots with an armed cancel or pause on this worker.",
	}, func() float64 { return float64(cache.Len()) })
}
