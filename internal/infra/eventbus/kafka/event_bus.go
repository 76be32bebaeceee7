// Package kafka provides a Kafka-based implementation of the event bus for asynchronous messaging.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/reportflow/internal/domain/events"
	"github.com/ahrav/reportflow/internal/infra/eventbus"
	"github.com/ahrav/reportflow/internal/infra/eventbus/serialization"
	"github.com/ahrav/reportflow/pkg/common/logger"
)

// Headers written alongside every message so consumers can inspect a message
// without decoding it.
const (
	headerEventType     = "event-type"
	headerSchemaVersion = "schema-version"
)

var _ events.EventBus = (*EventBus)(nil)

// EventBus implements the EventBus interface using Kafka as the underlying message broker.
// Each subscription is backed by its own consumer group so several
// subscriptions on one topic each receive every message.
type EventBus struct {
	client   sarama.Client
	producer sarama.SyncProducer
	cfg      Config

	// newGroup is swapped in tests.
	newGroup func(groupID string) (sarama.ConsumerGroup, error)

	mu     sync.Mutex
	groups []sarama.ConsumerGroup
	wg     sync.WaitGroup

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics eventbus.Metrics
}

// NewEventBus creates a new Kafka-based event bus from an established client
// and producer.
func NewEventBus(
	client sarama.Client,
	producer sarama.SyncProducer,
	cfg *Config,
	log *logger.Logger,
	metrics eventbus.Metrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required for kafka event bus")
	}
	c := *cfg
	c.withDefaults()

	b := &EventBus{
		client:   client,
		producer: producer,
		cfg:      c,
		logger:   log.With("component", "kafka_event_bus", "client_id", c.ClientID),
		tracer:   tracer,
		metrics:  metrics,
	}
	b.newGroup = func(groupID string) (sarama.ConsumerGroup, error) {
		return sarama.NewConsumerGroupFromClient(groupID, b.client)
	}
	return b, nil
}

func (b *EventBus) topicName(topic events.Topic) string { return b.cfg.TopicPrefix + topic.String() }

func (b *EventBus) groupID(subscription string) string {
	if b.cfg.GroupPrefix == "" {
		return subscription
	}
	return b.cfg.GroupPrefix + "." + subscription
}

// Publish sends an envelope to the Kafka topic for the logical topic, keyed by
// request id so all events of one report share a partition.
func (b *EventBus) Publish(ctx context.Context, topic events.Topic, evt events.EventEnvelope, opts ...events.PublishOption) (string, error) {
	name := b.topicName(topic)
	ctx, span := startProducerSpan(ctx, name, b.tracer)
	defer span.End()

	params := events.ApplyPublishOptions(opts...)
	key := evt.RequestID
	if params.Key != "" {
		key = params.Key
	}
	span.SetAttributes(attribute.String("event.key", key), attribute.String("event.type", evt.Type.String()))

	msgBytes, err := serialization.SerializeEventEnvelope(evt)
	if err != nil {
		span.RecordError(err)
		b.metrics.IncPublishError(ctx, name)
		return "", fmt.Errorf("failed to serialize payload for event %s: %w", evt.Type, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: name,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(msgBytes),
		Headers: []sarama.RecordHeader{
			{Key: []byte(headerEventType), Value: []byte(evt.Type)},
			{Key: []byte(headerSchemaVersion), Value: []byte(strconv.Itoa(evt.SchemaVersion))},
		},
	}
	for k, v := range params.Headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	injectTraceContext(ctx, msg)

	partition, offset, err := b.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send message")
		b.metrics.IncPublishError(ctx, name)
		return "", &events.TransportError{Op: "publish", Topic: topic, Err: err}
	}
	b.metrics.IncMessagePublished(ctx, name)

	id := messageID(name, partition, offset)
	b.logger.Debug(ctx, "Published message to Kafka",
		"topic", name,
		"partition", partition,
		"offset", offset,
		"key", key,
	)
	return id, nil
}

func messageID(topic string, partition int32, offset int64) string {
	return topic + "/" + strconv.FormatInt(int64(partition), 10) + "/" + strconv.FormatInt(offset, 10)
}

// Subscribe joins the consumer group for subscription and starts a consume
// loop in a separate goroutine.
func (b *EventBus) Subscribe(ctx context.Context, topic events.Topic, subscription string, handler events.HandlerFunc) error {
	groupID := b.groupID(subscription)
	ctx, span := b.tracer.Start(ctx, "kafka_event_bus.subscribe",
		trace.WithAttributes(
			attribute.String("topic", topic.String()),
			attribute.String("group_id", groupID),
		))
	defer span.End()

	group, err := b.newGroup(groupID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create consumer group")
		return &events.TransportError{Op: "subscribe", Topic: topic, Err: err}
	}

	b.mu.Lock()
	b.groups = append(b.groups, group)
	b.mu.Unlock()

	h := &groupHandler{
		bus:          b,
		topic:        topic,
		subscription: subscription,
		handler:      handler,
		logger:       b.logger.With("topic", b.topicName(topic), "group_id", groupID),
	}

	b.wg.Add(1)
	go b.consumeLoop(ctx, group, b.topicName(topic), h)
	b.logger.Info(ctx, "Subscribed to topic", "topic", b.topicName(topic), "group_id", groupID)
	return nil
}

// consumeLoop maintains a continuous consumer group session, restarting it
// with backoff after errors and rebalances until ctx is done.
func (b *EventBus) consumeLoop(ctx context.Context, group sarama.ConsumerGroup, name string, h *groupHandler) {
	defer b.wg.Done()

	restart := backoff.NewExponentialBackOff()
	restart.InitialInterval = time.Second
	restart.MaxInterval = 30 * time.Second
	restart.MaxElapsedTime = 0

	for {
		err := group.Consume(ctx, []string{name}, h)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// Normal rebalance; rejoin immediately.
			restart.Reset()
			continue
		}
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return
		}

		wait := restart.NextBackOff()
		b.logger.Error(ctx, "Error from consumer group, restarting", "error", err, "retry_in", wait)
		b.metrics.IncConsumeError(ctx, name)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// Close shuts down consumer groups, the producer and the client.
func (b *EventBus) Close() error {
	var errs []error

	b.mu.Lock()
	groups := b.groups
	b.groups = nil
	b.mu.Unlock()

	for _, g := range groups {
		if err := g.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing consumer group: %w", err))
		}
	}
	b.wg.Wait()

	if err := b.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing producer: %w", err))
	}
	if b.client != nil && !b.client.Closed() {
		if err := b.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing client: %w", err))
		}
	}
	return errors.Join(errs...)
}

// groupHandler implements sarama.ConsumerGroupHandler and converts Kafka
// messages into envelopes for the subscription handler.
type groupHandler struct {
	bus          *EventBus
	topic        events.Topic
	subscription string
	handler      events.HandlerFunc
	logger       *logger.Logger
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(), "Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	sess.Commit()
	h.logger.Info(context.Background(), "Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim processes messages from an assigned partition. A message is
// marked only once its handler returns Ack or Drop; on Nack the handler is
// retried in place with backoff so the partition never skips an unsettled
// message.
func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	h.logger.Info(sess.Context(), "Starting partition consumption",
		"partition", claim.Partition(),
		"member_id", sess.MemberID(),
	)

	lastCommit := time.Now()
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !h.handle(sess, msg) {
				return nil
			}
			if time.Since(lastCommit) >= h.bus.cfg.CommitInterval {
				sess.Commit()
				lastCommit = time.Now()
			}
		case <-sess.Context().Done():
			return nil
		}
	}
}

// handle delivers msg until it settles. It returns false when the session
// ended before the message settled.
func (h *groupHandler) handle(sess sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) bool {
	msgCtx := extractTraceContext(sess.Context(), msg)
	msgCtx, span := startConsumerSpan(msgCtx, msg, h.bus.tracer)
	defer span.End()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = h.bus.cfg.NackInitialInterval
	retry.MaxInterval = h.bus.cfg.NackMaxInterval
	retry.MaxElapsedTime = 0

	for attempt := 1; ; attempt++ {
		meta := events.EventMetadata{
			Topic:        h.topic,
			Subscription: h.subscription,
			MessageID:    messageID(msg.Topic, msg.Partition, msg.Offset),
			Attempt:      attempt,
		}
		out := eventbus.Deliver(msgCtx, msg.Value, meta, serialization.DeserializeEventEnvelope,
			h.handler, h.logger, h.bus.metrics)
		if out.Disposition != events.Nack {
			sess.MarkMessage(msg, "")
			return true
		}

		select {
		case <-time.After(retry.NextBackOff()):
		case <-sess.Context().Done():
			span.SetStatus(codes.Error, "session ended before message settled")
			return false
		}
	}
}
