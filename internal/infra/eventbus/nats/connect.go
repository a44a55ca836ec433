package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/transfer-armada/pkg/common/logger"
)

// ConnectEventBus dials cfg.URL with exponential backoff for up to maxElapsed
// and returns a bus that owns the connection.
func ConnectEventBus(
	ctx context.Context,
	cfg Config,
	maxElapsed time.Duration,
	logger *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	var bus *EventBus

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = maxElapsed
	expBackoff.InitialInterval = 2 * time.Second

	operation := func() error {
		conn, err := nats.Connect(cfg.URL,
			nats.Name(cfg.ClientID),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			logger.Warn(ctx, "NATS not reachable yet, retrying", "url", cfg.URL, "error", err)
			return err
		}

		b, err := NewEventBus(ctx, cfg, conn, logger, metrics, tracer)
		if err != nil {
			conn.Close()
			return err
		}
		b.ownConn = true
		bus = b
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after retries: %w", err)
	}
	return bus, nil
}
