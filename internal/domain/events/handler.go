package events

import "context"

// EventHandler processes the event types it declares. The dispatcher routes
// each incoming envelope to the one handler registered for its type.
type EventHandler interface {
	// HandleEvent processes evt and settles its delivery through ack.
	// Returning an error nacks the delivery.
	HandleEvent(ctx context.Context, evt EventEnvelope, ack AckFunc) error

	// SupportedEvents lists the event types routed to this handler.
	SupportedEvents() []EventType
}
