// Package gcppubsub provides a Google Cloud Pub/Sub implementation of the event bus.
package gcppubsub

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"

	"github.com/ahrav/reportflow/internal/domain/events"
	"github.com/ahrav/reportflow/internal/infra/eventbus"
	"github.com/ahrav/reportflow/internal/infra/eventbus/serialization"
	"github.com/ahrav/reportflow/pkg/common/logger"
)

const (
	attrEventType     = "event_type"
	attrSchemaVersion = "schema_version"
	attrRequestID     = "request_id"
)

// Config contains settings for the Pub/Sub transport.
type Config struct {
	ProjectID string
	// CredentialsJSON, when set, is used instead of application default credentials.
	CredentialsJSON string
	// TopicPrefix is prepended to every logical topic and subscription name.
	TopicPrefix string
	// AckDeadline is the visibility window after which an unacknowledged
	// message is redelivered.
	AckDeadline time.Duration
	// MaxOutstandingMessages bounds concurrent handlers per subscription.
	MaxOutstandingMessages int
	// CreateIfMissing creates topics and subscriptions on first use.
	CreateIfMissing bool
}

var _ events.EventBus = (*EventBus)(nil)

// EventBus implements the EventBus interface on Google Cloud Pub/Sub.
// Subscriptions map one-to-one to Pub/Sub subscriptions, so every named
// subscription receives each message on its topic.
type EventBus struct {
	client *pubsub.Client
	cfg    Config

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	wg     sync.WaitGroup

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics eventbus.Metrics
}

// NewClient builds a Pub/Sub client from cfg plus any extra client options.
func NewClient(ctx context.Context, cfg Config, opts ...option.ClientOption) (*pubsub.Client, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("pubsub project id is required")
	}
	if cfg.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	}
	return pubsub.NewClient(ctx, cfg.ProjectID, opts...)
}

// NewEventBus wraps an established Pub/Sub client.
func NewEventBus(client *pubsub.Client, cfg Config, log *logger.Logger, metrics eventbus.Metrics, tracer trace.Tracer) *EventBus {
	if cfg.AckDeadline <= 0 {
		cfg.AckDeadline = 60 * time.Second
	}
	if cfg.MaxOutstandingMessages <= 0 {
		cfg.MaxOutstandingMessages = 16
	}
	if metrics == nil {
		metrics = eventbus.NoopMetrics()
	}
	return &EventBus{
		client:  client,
		cfg:     cfg,
		topics:  make(map[string]*pubsub.Topic),
		logger:  log.With("component", "pubsub_event_bus", "project_id", cfg.ProjectID),
		tracer:  tracer,
		metrics: metrics,
	}
}

// ConnectEventBus creates the client with exponential backoff and wraps it in an EventBus.
func ConnectEventBus(
	ctx context.Context,
	cfg Config,
	log *logger.Logger,
	metrics eventbus.Metrics,
	tracer trace.Tracer,
	opts ...option.ClientOption,
) (*EventBus, error) {
	var client *pubsub.Client

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = 2 * time.Second

	operation := func() error {
		var err error
		client, err = NewClient(ctx, cfg, opts...)
		return err
	}
	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return nil, fmt.Errorf("failed to connect to pubsub after retries: %w", err)
	}
	return NewEventBus(client, cfg, log, metrics, tracer), nil
}

func (b *EventBus) topicName(topic events.Topic) string { return b.cfg.TopicPrefix + topic.String() }

// topic returns the cached handle for name, creating the topic when allowed.
func (b *EventBus) topic(ctx context.Context, name string) (*pubsub.Topic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[name]; ok {
		return t, nil
	}

	t := b.client.Topic(name)
	if b.cfg.CreateIfMissing {
		exists, err := t.Exists(ctx)
		if err != nil {
			return nil, fmt.Errorf("checking topic %s: %w", name, err)
		}
		if !exists {
			if t, err = b.client.CreateTopic(ctx, name); err != nil {
				return nil, fmt.Errorf("creating topic %s: %w", name, err)
			}
			b.logger.Info(ctx, "Created topic", "topic", name)
		}
	}
	b.topics[name] = t
	return t, nil
}

// Publish sends the envelope and returns the server-assigned message id once
// Pub/Sub has durably accepted it.
func (b *EventBus) Publish(ctx context.Context, topic events.Topic, evt events.EventEnvelope, opts ...events.PublishOption) (string, error) {
	name := b.topicName(topic)
	ctx, span := b.tracer.Start(ctx, "pubsub.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "gcp_pubsub"),
			attribute.String("messaging.destination.name", name),
			attribute.String("event.type", evt.Type.String()),
		))
	defer span.End()

	params := events.ApplyPublishOptions(opts...)

	data, err := serialization.SerializeEventEnvelope(evt)
	if err != nil {
		span.RecordError(err)
		b.metrics.IncPublishError(ctx, name)
		return "", fmt.Errorf("failed to serialize payload for event %s: %w", evt.Type, err)
	}

	t, err := b.topic(ctx, name)
	if err != nil {
		span.RecordError(err)
		b.metrics.IncPublishError(ctx, name)
		return "", &events.TransportError{Op: "publish", Topic: topic, Err: err}
	}

	attrs := map[string]string{
		attrEventType:     evt.Type.String(),
		attrSchemaVersion: strconv.Itoa(evt.SchemaVersion),
		attrRequestID:     evt.RequestID,
	}
	for k, v := range params.Headers {
		attrs[k] = v
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attrs))

	id, err := t.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish message")
		b.metrics.IncPublishError(ctx, name)
		return "", &events.TransportError{Op: "publish", Topic: topic, Err: err}
	}

	b.metrics.IncMessagePublished(ctx, name)
	b.logger.Debug(ctx, "Published message to Pub/Sub", "topic", name, "message_id", id)
	return id, nil
}

func (b *EventBus) subscription(ctx context.Context, topicName, subName string) (*pubsub.Subscription, error) {
	sub := b.client.Subscription(subName)
	if !b.cfg.CreateIfMissing {
		return sub, nil
	}

	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking subscription %s: %w", subName, err)
	}
	if exists {
		return sub, nil
	}

	t, err := b.topic(ctx, topicName)
	if err != nil {
		return nil, err
	}
	sub, err = b.client.CreateSubscription(ctx, subName, pubsub.SubscriptionConfig{
		Topic:       t,
		AckDeadline: b.cfg.AckDeadline,
	})
	if err != nil {
		return nil, fmt.Errorf("creating subscription %s: %w", subName, err)
	}
	b.logger.Info(ctx, "Created subscription", "subscription", subName, "topic", topicName)
	return sub, nil
}

// Subscribe starts a Receive loop for the named subscription. Receive is
// restarted with backoff whenever it returns an error, until ctx is done.
func (b *EventBus) Subscribe(ctx context.Context, topic events.Topic, subscription string, handler events.HandlerFunc) error {
	topicName := b.topicName(topic)
	subName := b.cfg.TopicPrefix + subscription

	sub, err := b.subscription(ctx, topicName, subName)
	if err != nil {
		return &events.TransportError{Op: "subscribe", Topic: topic, Err: err}
	}
	sub.ReceiveSettings.MaxOutstandingMessages = b.cfg.MaxOutstandingMessages
	sub.ReceiveSettings.MaxExtension = b.cfg.AckDeadline * 10

	b.wg.Add(1)
	go b.receiveLoop(ctx, sub, topic, subscription, handler)
	b.logger.Info(ctx, "Subscribed to topic", "topic", topicName, "subscription", subName)
	return nil
}

func (b *EventBus) receiveLoop(
	ctx context.Context,
	sub *pubsub.Subscription,
	topic events.Topic,
	subscription string,
	handler events.HandlerFunc,
) {
	defer b.wg.Done()

	restart := backoff.NewExponentialBackOff()
	restart.InitialInterval = time.Second
	restart.MaxInterval = 30 * time.Second
	restart.MaxElapsedTime = 0

	log := b.logger.With("subscription", sub.ID())
	for {
		err := sub.Receive(ctx, func(msgCtx context.Context, m *pubsub.Message) {
			b.handleMessage(msgCtx, m, topic, subscription, handler, log)
		})
		if ctx.Err() != nil {
			return
		}

		wait := restart.NextBackOff()
		log.Error(ctx, "Receive stopped, restarting", "error", err, "retry_in", wait)
		b.metrics.IncConsumeError(ctx, b.topicName(topic))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

func (b *EventBus) handleMessage(
	ctx context.Context,
	m *pubsub.Message,
	topic events.Topic,
	subscription string,
	handler events.HandlerFunc,
	log *logger.Logger,
) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(m.Attributes))
	ctx, span := b.tracer.Start(ctx, "pubsub.receive",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "gcp_pubsub"),
			attribute.String("messaging.message.id", m.ID),
			attribute.String("subscription", subscription),
		))
	defer span.End()

	attempt := 1
	if m.DeliveryAttempt != nil {
		attempt = *m.DeliveryAttempt
	}
	meta := events.EventMetadata{
		Topic:        topic,
		Subscription: subscription,
		MessageID:    m.ID,
		Attempt:      attempt,
	}

	out := eventbus.Deliver(ctx, m.Data, meta, serialization.DeserializeEventEnvelope, handler, log, b.metrics)
	if out.Disposition == events.Nack {
		m.Nack()
		return
	}
	m.Ack()
}

// Close stops topic publishers and closes the client. Receive loops end when
// their subscription contexts are cancelled.
func (b *EventBus) Close() error {
	b.mu.Lock()
	for _, t := range b.topics {
		t.Stop()
	}
	b.topics = map[string]*pubsub.Topic{}
	b.mu.Unlock()

	return b.client.Close()
}

// Wait blocks until every receive loop has returned.
func (b *EventBus) Wait() { b.wg.Wait() }
