// Package serialization provides a registry-based system for serializing and deserializing
// domain events in the event bus infrastructure. It acts as a translation layer between
// domain objects and their JSON wire format.
//
// Serialization functions are registered per event type, so a transport only needs
// the event type carried in the universal envelope to rebuild the concrete payload.
package serialization

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ahrav/transfer-armada/internal/domain/events"
	"github.com/ahrav/transfer-armada/internal/domain/transfer"
)

// SerializeFunc converts a domain object into a serialized byte slice.
type SerializeFunc func(payload any) ([]byte, error)

// DeserializeFunc converts a serialized byte slice back into a domain object.
type DeserializeFunc func(data []byte) (any, error)

var (
	mu                   sync.RWMutex
	serializerRegistry   = map[events.EventType]SerializeFunc{}
	deserializerRegistry = map[events.EventType]DeserializeFunc{}
)

// RegisterSerializeFunc registers a serialization function for a given event type.
func RegisterSerializeFunc(eventType events.EventType, fn SerializeFunc) {
	mu.Lock()
	defer mu.Unlock()
	serializerRegistry[eventType] = fn
}

// RegisterDeserializeFunc registers a deserialization function for a given event type.
func RegisterDeserializeFunc(eventType events.EventType, fn DeserializeFunc) {
	mu.Lock()
	defer mu.Unlock()
	deserializerRegistry[eventType] = fn
}

// SerializePayload converts a domain object into bytes using the registered serializer for its event type.
func SerializePayload(eventType events.EventType, payload any) ([]byte, error) {
	mu.RLock()
	fn, ok := serializerRegistry[eventType]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no serializer registered for eventType=%s", eventType)
	}
	return fn(payload)
}

// DeserializePayload converts bytes back into a domain object using the registered deserializer for its event type.
func DeserializePayload(eventType events.EventType, data []byte) (any, error) {
	mu.RLock()
	fn, ok := deserializerRegistry[eventType]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no deserializer registered for eventType=%s", eventType)
	}
	return fn(data)
}

// universalEnvelope is the on-the-wire frame shared by every transport.
type universalEnvelope struct {
	Type    events.EventType `json:"type"`
	Payload json.RawMessage  `json:"payload"`
}

// SerializeEventEnvelope serializes payload and frames it with its event type.
func SerializeEventEnvelope(eventType events.EventType, payload any) ([]byte, error) {
	body, err := SerializePayload(eventType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(universalEnvelope{Type: eventType, Payload: body})
}

// UnmarshalUniversalEnvelope splits a frame into its event type and payload bytes.
func UnmarshalUniversalEnvelope(data []byte) (events.EventType, []byte, error) {
	var env universalEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("unmarshal universal envelope: %w", err)
	}
	if env.Type == "" {
		return "", nil, fmt.Errorf("universal envelope missing event type")
	}
	return env.Type, env.Payload, nil
}

// DecodeEnvelope rebuilds the event type and domain payload from a frame.
func DecodeEnvelope(data []byte) (events.EventType, any, error) {
	evtType, body, err := UnmarshalUniversalEnvelope(data)
	if err != nil {
		return "", nil, err
	}
	payload, err := DeserializePayload(evtType, body)
	if err != nil {
		return "", nil, err
	}
	return evtType, payload, nil
}

func init() {
	RegisterEventSerializers()
}

// RegisterEventSerializers registers the codecs for every transfer event type.
func RegisterEventSerializers() {
	for _, et := range transfer.TaskEventTypes() {
		RegisterSerializeFunc(et, serializeTaskEvent)
		RegisterDeserializeFunc(et, deserializeTaskEvent)
	}
	RegisterSerializeFunc(transfer.EventTypeTaskNotification, serializeNotificationEvent)
	RegisterDeserializeFunc(transfer.EventTypeTaskNotification, deserializeNotificationEvent)
}

func serializeTaskEvent(payload any) ([]byte, error) {
	switch evt := payload.(type) {
	case transfer.TaskEvent:
		return json.Marshal(evt)
	case *transfer.TaskEvent:
		return json.Marshal(evt)
	default:
		return nil, fmt.Errorf("serializeTaskEvent: payload is %T, not transfer.TaskEvent", payload)
	}
}

func deserializeTaskEvent(data []byte) (any, error) {
	var evt transfer.TaskEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("unmarshal TaskEvent: %w", err)
	}
	return evt, nil
}

func serializeNotificationEvent(payload any) ([]byte, error) {
	switch evt := payload.(type) {
	case transfer.NotificationEvent:
		return json.Marshal(evt)
	case *transfer.NotificationEvent:
		return json.Marshal(evt)
	default:
		return nil, fmt.Errorf("serializeNotificationEvent: payload is %T, not transfer.NotificationEvent", payload)
	}
}

func deserializeNotificationEvent(data []byte) (any, error) {
	var evt transfer.NotificationEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("unmarshal NotificationEvent: %w", err)
	}
	return evt, nil
}
