// Package eventbus holds transport-independent pieces shared by the bus
// implementations: metrics and the domain event publisher.
package eventbus

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics defines the metrics operations needed to monitor message handling.
// It enables tracking of successful and failed publishing/consumption as well
// as redeliveries and poison messages.
type Metrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncMessageConsumed(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
	IncMessageNacked(ctx context.Context, topic string)
	IncPoisonMessage(ctx context.Context, topic string)
}

type busMetrics struct {
	messagesPublished metric.Int64Counter
	messagesConsumed  metric.Int64Counter
	publishErrors     metric.Int64Counter
	consumeErrors     metric.Int64Counter
	messagesNacked    metric.Int64Counter
	poisonMessages    metric.Int64Counter
}

var _ Metrics = (*busMetrics)(nil)

// NewMetrics creates otel-backed bus metrics under the given namespace.
func NewMetrics(mp metric.MeterProvider, namespace string) (Metrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(busMetrics)
	var err error

	if m.messagesPublished, err = meter.Int64Counter(
		"messages_published_total",
		metric.WithDescription("Total number of messages published"),
	); err != nil {
		return nil, err
	}

	if m.messagesConsumed, err = meter.Int64Counter(
		"messages_consumed_total",
		metric.WithDescription("Total number of messages acknowledged after handling"),
	); err != nil {
		return nil, err
	}

	if m.publishErrors, err = meter.Int64Counter(
		"publish_errors_total",
		metric.WithDescription("Total number of publish errors"),
	); err != nil {
		return nil, err
	}

	if m.consumeErrors, err = meter.Int64Counter(
		"consume_errors_total",
		metric.WithDescription("Total number of consume errors"),
	); err != nil {
		return nil, err
	}

	if m.messagesNacked, err = meter.Int64Counter(
		"messages_nacked_total",
		metric.WithDescription("Total number of messages returned for redelivery"),
	); err != nil {
		return nil, err
	}

	if m.poisonMessages, err = meter.Int64Counter(
		"poison_messages_total",
		metric.WithDescription("Total number of messages acknowledged and dropped as unprocessable"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func topicAttr(topic string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("topic", topic))
}

func (m *busMetrics) IncMessagePublished(ctx context.Context, topic string) {
	m.messagesPublished.Add(ctx, 1, topicAttr(topic))
}

func (m *busMetrics) IncMessageConsumed(ctx context.Context, topic string) {
	m.messagesConsumed.Add(ctx, 1, topicAttr(topic))
}

func (m *busMetrics) IncPublishError(ctx context.Context, topic string) {
	m.publishErrors.Add(ctx, 1, topicAttr(topic))
}

func (m *busMetrics) IncConsumeError(ctx context.Context, topic string) {
	m.consumeErrors.Add(ctx, 1, topicAttr(topic))
}

func (m *busMetrics) IncMessageNacked(ctx context.Context, topic string) {
	m.messagesNacked.Add(ctx, 1, topicAttr(topic))
}

func (m *busMetrics) IncPoisonMessage(ctx context.Context, topic string) {
	m.poisonMessages.Add(ctx, 1, topicAttr(topic))
}

type noopMetrics struct{}

// NoopMetrics returns Metrics that discard every measurement.
func NoopMetrics() Metrics { return noopMetrics{} }

func (noopMetrics) IncMessagePublished(context.Context, string) {}
func (noopMetrics) IncMessageConsumed(context.Context, string)  {}
func (noopMetrics) IncPublishError(context.Context, string)     {}
func (noopMetrics) IncConsumeError(context.Context, string)     {}
func (noopMetrics) IncMessageNacked(context.Context, string)    {}
func (noopMetrics) IncPoisonMessage(context.Context, string)    {}
