package eventbus

import (
	"context"
	"fmt"

	"github.com/ahrav/reportflow/internal/domain/events"
)

var _ events.DomainEventPublisher = (*DomainEventPublisher)(nil)

// DomainEventPublisher adapts domain events to the event bus abstraction. It
// builds the envelope, routes the event to its mapped topic and keys the
// message by request id so every event of one report lands on the same
// partition where the transport supports it.
type DomainEventPublisher struct {
	eventBus events.EventBus
	topics   events.TopicMap
}

// NewDomainEventPublisher creates a new publisher that distributes domain
// events through the provided event bus.
func NewDomainEventPublisher(bus events.EventBus, topics events.TopicMap) *DomainEventPublisher {
	return &DomainEventPublisher{eventBus: bus, topics: topics}
}

// PublishDomainEvent sends a domain event to the topic mapped for its type.
func (pub *DomainEventPublisher) PublishDomainEvent(
	ctx context.Context,
	event events.DomainEvent,
	opts ...events.PublishOption,
) error {
	topic, ok := pub.topics.TopicFor(event.EventType())
	if !ok {
		return fmt.Errorf("unknown event type '%s', no topic mapped", event.EventType())
	}

	opts = append([]events.PublishOption{events.WithKey(event.CorrelationID())}, opts...)
	if _, err := pub.eventBus.Publish(ctx, topic, events.NewEnvelope(event), opts...); err != nil {
		return err
	}
	return nil
}
