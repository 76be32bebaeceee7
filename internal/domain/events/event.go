package events

import "time"

// DomainEvent is implemented by every event that crosses a service boundary.
// The methods expose the header fields both ends must agree on.
type DomainEvent interface {
	EventType() EventType
	SchemaVersion() int
	// CorrelationID returns the requestId the event belongs to.
	CorrelationID() string
	OccurredAt() time.Time
}

// EventEnvelope encapsulates all event data flowing through the bus, providing
// a standardized format for event processing and distribution.
type EventEnvelope struct {
	// Type identifies the category of this event for routing and handling.
	Type EventType

	// SchemaVersion is the version of the payload schema for Type.
	SchemaVersion int

	// RequestID is the correlation key shared by every event of one report.
	RequestID string

	// EmittedAt records when the producer created the event.
	EmittedAt time.Time

	// Key enables consistent event routing, typically the RequestID.
	Key string

	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string

	// Payload contains the actual event data. The concrete type depends on
	// the Type and SchemaVersion.
	Payload any

	// Metadata is populated by the bus on delivery.
	Metadata EventMetadata
}

// EventMetadata describes a single delivery of an envelope.
type EventMetadata struct {
	Topic        Topic
	Subscription string
	MessageID    string
	// Attempt is the 1-based delivery attempt when the transport exposes it.
	Attempt int
}

// NewEnvelope builds an envelope from a domain event.
func NewEnvelope(evt DomainEvent) EventEnvelope {
	return EventEnvelope{
		Type:          evt.EventType(),
		SchemaVersion: evt.SchemaVersion(),
		RequestID:     evt.CorrelationID(),
		EmittedAt:     evt.OccurredAt(),
		Key:           evt.CorrelationID(),
		Payload:       evt,
	}
}
