// Package events provides domain event handling capabilities for communicating state changes
// and important activities across system boundaries in a decoupled way.
package events

import (
	"context"
)

// DomainEventPublisher publishes domain events to notify other parts of the system about
// important domain changes. It provides a technology-agnostic interface to decouple event
// producers from the underlying messaging infrastructure.
type DomainEventPublisher interface {
	// PublishDomainEvent sends a domain event to the topic mapped for its type.
	// Returns a *TransportError if the bus cannot accept the event.
	PublishDomainEvent(ctx context.Context, event DomainEvent, opts ...PublishOption) error
}

// EventBus enables publishing and subscribing to events across system boundaries.
// It abstracts messaging infrastructure details (like Kafka or Pub/Sub) to keep domain
// logic focused on business concerns rather than transport mechanisms.
//
// Delivery is at-least-once. Implementations must not acknowledge a message
// before its handler has returned.
type EventBus interface {
	// Publish writes an envelope to topic and returns the transport message id.
	// A broker that cannot be reached yields a *TransportError.
	Publish(ctx context.Context, topic Topic, event EventEnvelope, opts ...PublishOption) (string, error)

	// Subscribe starts a dedicated consume loop for the named subscription on
	// topic. The loop keeps running, restarting after disconnects, until ctx is
	// done. envelopes that fail schema validation are dropped by the bus
	// without reaching handler.
	Subscribe(ctx context.Context, topic Topic, subscription string, handler HandlerFunc) error

	// Close gracefully shuts down the event bus and releases associated resources.
	Close() error
}
