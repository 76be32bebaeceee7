package events

// EventType represents a domain event category, enabling type-safe event routing and handling.
// It allows the system to distinguish between different kinds of events like report
// requests, processing status updates, and completions.
type EventType string

// String returns the string representation of the EventType.
func (t EventType) String() string { return string(t) }

// Topic is the logical name of a durable channel on the event bus. Bus
// implementations translate it into transport-specific addressing.
type Topic string

// String returns the string representation of the Topic.
func (t Topic) String() string { return string(t) }

// Logical topics shared by the requester and the worker.
const (
	TopicReportRequests   Topic = "report-requests"
	TopicProcessingStatus Topic = "processing-status"
	TopicReportCompleted  Topic = "report-completed"
)

// TopicMap routes event types to the topic they are published on.
type TopicMap map[EventType]Topic

// TopicFor returns the topic mapped to the event type.
func (m TopicMap) TopicFor(t EventType) (Topic, bool) {
	topic, ok := m[t]
	return topic, ok
}

// PublishOption is a function type that modifies PublishParams.
// It enables flexible configuration of event publishing behavior through functional options.
type PublishOption func(*PublishParams)

// PublishParams contains configuration options for publishing domain events.
// It encapsulates parameters that may affect how events are routed and processed.
type PublishParams struct {
	// Key is used as a partition key to control event routing and ordering.
	Key string
	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string
}

// WithKey returns a PublishOption that sets the partition key for event routing.
// The key helps ensure related events are processed in order by the same consumer.
func WithKey(key string) PublishOption {
	return func(p *PublishParams) { p.Key = key }
}

// WithHeaders returns a PublishOption that attaches metadata headers to an event.
func WithHeaders(headers map[string]string) PublishOption {
	return func(p *PublishParams) { p.Headers = headers }
}

// ApplyPublishOptions folds opts into a PublishParams value.
func ApplyPublishOptions(opts ...PublishOption) PublishParams {
	var p PublishParams
	for _, opt := range opts {
		opt(&p)
	}
	return p
}
