package events

import "context"

// DomainEventPublisher is how handlers emit task events without knowing
// which bus carries them.
type DomainEventPublisher interface {
	// PublishDomainEvent wraps event in an envelope and publishes it.
	PublishDomainEvent(ctx context.Context, event DomainEvent, opts ...PublishOption) error
}

// EventBus carries envelopes between workers. Kafka, NATS JetStream and an
// in-process queue implement it.
type EventBus interface {
	// Publish delivers an event to the subscribers of its type. Optional
	// PublishOptions configure delivery behavior.
	Publish(ctx context.Context, event EventEnvelope, opts ...PublishOption) error

	// Subscribe runs handler for every delivery whose type is in eventTypes
	// until ctx is canceled.
	Subscribe(ctx context.Context, eventTypes []EventType, handler HandlerFunc) error

	// Close stops consuming and flushes pending publishes.
	Close() error
}

// PublishOption adjusts a single publish.
type PublishOption func(*PublishParams)

// PublishParams is the result of applying PublishOptions.
type PublishParams struct {
	// Key orders events that share it. Task events are keyed by their tree root.
	Key     string
	Headers map[string]string
}

// WithKey sets the ordering key.
func WithKey(key string) PublishOption {
	return func(p *PublishParams) { p.Key = key }
}

// WithHeaders attaches transport headers.
func WithHeaders(headers map[string]string) PublishOption {
	return func(p *PublishParams) { p.Headers = headers }
}

// ApplyPublishOptions folds opts into a PublishParams value.
func ApplyPublishOptions(opts []PublishOption) PublishParams {
	var p PublishParams
	for _, opt := range opts {
		opt(&p)
	}
	return p
}
