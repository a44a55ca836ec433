package events

import "context"

var _ DomainEventPublisher = (*BusPublisher)(nil)

// BusPublisher adapts an EventBus into a DomainEventPublisher. It stamps the
// envelope from the event itself and forwards routing options unchanged.
type BusPublisher struct{ bus EventBus }

// NewBusPublisher creates a publisher that distributes domain events through
// the provided bus.
func NewBusPublisher(bus EventBus) *BusPublisher { return &BusPublisher{bus: bus} }

// PublishDomainEvent wraps the event in an envelope and publishes it.
func (p *BusPublisher) PublishDomainEvent(ctx context.Context, event DomainEvent, opts ...PublishOption) error {
	params := ApplyPublishOptions(opts)
	evt := EventEnvelope{
		Type:      event.EventType(),
		Key:       params.Key,
		Headers:   params.Headers,
		Timestamp: event.OccurredAt(),
		Payload:   event,
	}
	return p.bus.Publish(ctx, evt, opts...)
}
