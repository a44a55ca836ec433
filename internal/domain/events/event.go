// Package events defines the envelope, bus and handler contracts shared by
// every transport.
package events

import (
	"context"
	"time"
)

// EventType names a kind of event, such as "task.created". Dispatch and
// serialization are both keyed by it.
type EventType string

func (t EventType) String() string { return string(t) }

// DomainEvent is the contract every payload flowing through the bus satisfies.
type DomainEvent interface {
	EventType() EventType
	OccurredAt() time.Time
}

// EventMetadata carries transport-specific position information for a
// delivered event. Partition and Offset are populated by Kafka; NATS maps its
// stream sequence onto Offset.
type EventMetadata struct {
	Partition int32
	Offset    int64
	Subject   string
}

// EventEnvelope wraps a domain event with routing and delivery metadata.
type EventEnvelope struct {
	Type      EventType
	// Key is the root task ID, so one transfer tree stays on one partition.
	Key       string
	Headers   map[string]string
	Timestamp time.Time
	// Payload is the decoded DomainEvent registered for Type.
	Payload   any

	// Metadata is filled by the transport on delivery.
	Metadata EventMetadata
}

// AckFunc acknowledges an event. A nil error marks the event as processed;
// a non-nil error leaves it eligible for redelivery.
type AckFunc func(err error)

// HandlerFunc processes a single delivered event.
type HandlerFunc func(ctx context.Context, evt EventEnvelope, ack AckFunc) error
