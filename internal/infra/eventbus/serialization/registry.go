// Package serialization provides a registry-based system for serializing and deserializing
// domain events in the event bus infrastructure. It acts as a translation layer between
// domain objects and their JSON wire representations.
//
// Codecs are registered per (event type, schema version). Decoding rejects
// malformed envelopes, unknown event types, unknown versions and invalid
// payloads with an *events.SchemaError so every bus can apply the same
// poison-message policy.
package serialization

import (
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/ahrav/reportflow/internal/domain/events"
)

// SerializeFunc converts a domain object into a serialized byte slice.
type SerializeFunc func(payload any) ([]byte, error)

// DeserializeFunc converts a serialized byte slice back into a domain object.
type DeserializeFunc func(data []byte) (any, error)

type codecKey struct {
	eventType events.EventType
	version   int
}

type codec struct {
	serialize   SerializeFunc
	deserialize DeserializeFunc
}

// Global registry of codecs. This allows for dynamic dispatch based on event
// type and schema version at runtime.
var (
	mu       sync.RWMutex
	registry = map[codecKey]codec{}
)

// Register installs the codec for eventType at version, replacing any
// existing registration.
func Register(eventType events.EventType, version int, ser SerializeFunc, des DeserializeFunc) {
	mu.Lock()
	defer mu.Unlock()
	registry[codecKey{eventType, version}] = codec{serialize: ser, deserialize: des}
}

func lookup(eventType events.EventType, version int) (codec, bool, bool) {
	mu.RLock()
	defer mu.RUnlock()
	c, ok := registry[codecKey{eventType, version}]
	if ok {
		return c, true, true
	}
	knownType := false
	for k := range registry {
		if k.eventType == eventType {
			knownType = true
			break
		}
	}
	return codec{}, false, knownType
}

// wireEnvelope is the JSON layout shared by every producer and consumer.
type wireEnvelope struct {
	EventType     string          `json:"eventType"`
	SchemaVersion int             `json:"schemaVersion"`
	RequestID     string          `json:"requestId"`
	EmittedAt     time.Time       `json:"emittedAt"`
	Payload       json.RawMessage `json:"payload"`
}

// SerializeEventEnvelope encodes an envelope and its payload into wire bytes.
func SerializeEventEnvelope(evt events.EventEnvelope) ([]byte, error) {
	c, ok, _ := lookup(evt.Type, evt.SchemaVersion)
	if !ok {
		return nil, fmt.Errorf("no serializer registered for eventType=%s version=%d", evt.Type, evt.SchemaVersion)
	}
	payload, err := c.serialize(evt.Payload)
	if err != nil {
		return nil, fmt.Errorf("serializing %s payload: %w", evt.Type, err)
	}
	return json.Marshal(wireEnvelope{
		EventType:     string(evt.Type),
		SchemaVersion: evt.SchemaVersion,
		RequestID:     evt.RequestID,
		EmittedAt:     evt.EmittedAt.UTC(),
		Payload:       payload,
	})
}

// DeserializeEventEnvelope decodes wire bytes into an envelope with a typed
// payload. Every failure is an *events.SchemaError.
func DeserializeEventEnvelope(data []byte) (events.EventEnvelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return events.EventEnvelope{}, &events.SchemaError{Reason: "malformed envelope", Err: err}
	}

	evtType := events.EventType(w.EventType)
	schemaErr := func(reason string, err error) error {
		return &events.SchemaError{EventType: evtType, SchemaVersion: w.SchemaVersion, Reason: reason, Err: err}
	}

	switch {
	case w.EventType == "":
		return events.EventEnvelope{}, schemaErr("missing eventType", nil)
	case w.SchemaVersion <= 0:
		return events.EventEnvelope{}, schemaErr("missing schemaVersion", nil)
	case w.RequestID == "":
		return events.EventEnvelope{}, schemaErr("missing requestId", nil)
	case len(w.Payload) == 0:
		return events.EventEnvelope{}, schemaErr("missing payload", nil)
	}

	c, ok, knownType := lookup(evtType, w.SchemaVersion)
	if !ok {
		if knownType {
			return events.EventEnvelope{}, schemaErr("unknown schema version", nil)
		}
		return events.EventEnvelope{}, schemaErr("unknown event type", nil)
	}

	payload, err := c.deserialize(w.Payload)
	if err != nil {
		return events.EventEnvelope{}, schemaErr("invalid payload", err)
	}

	if de, ok := payload.(events.DomainEvent); ok && de.CorrelationID() != w.RequestID {
		return events.EventEnvelope{}, schemaErr("requestId mismatch between envelope and payload", nil)
	}

	return events.EventEnvelope{
		Type:          evtType,
		SchemaVersion: w.SchemaVersion,
		RequestID:     w.RequestID,
		EmittedAt:     w.EmittedAt,
		Key:           w.RequestID,
		Payload:       payload,
	}, nil
}
