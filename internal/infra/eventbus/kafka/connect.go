package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/transfer-armada/pkg/common/logger"
)

// ConnectEventBus attempts to establish a connection to Kafka with exponential backoff.
// It will retry failed connection attempts for up to maxElapsed, starting with 5 second
// intervals. This covers brokers that come up after the worker during startup.
func ConnectEventBus(
	cfg Config,
	maxElapsed time.Duration,
	logger *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	var bus *EventBus

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = maxElapsed
	expBackoff.InitialInterval = 5 * time.Second

	operation := func() error {
		var err error
		bus, err = NewEventBusFromConfig(cfg, logger, metrics, tracer)
		if err != nil {
			logger.Warn(context.Background(), "Kafka not reachable yet, retrying", "brokers", cfg.Brokers, "error", err)
		}
		return err
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("failed to connect to Kafka after retries: %w", err)
	}
	return bus, nil
}
