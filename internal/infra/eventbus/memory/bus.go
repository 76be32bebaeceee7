// Package memory provides an in-memory implementation of the event bus.
// It offers a lightweight, non-persistent broker suitable for testing and
// single-process deployments where durability is not required. Messages are
// serialized through the shared registry so schema validation and the
// poison-message policy behave exactly as they do on a real transport.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/reportflow/internal/domain/events"
	"github.com/ahrav/reportflow/internal/infra/eventbus"
	"github.com/ahrav/reportflow/internal/infra/eventbus/serialization"
	"github.com/ahrav/reportflow/pkg/common/logger"
)

const defaultRedeliveryDelay = 20 * time.Millisecond

type subscription struct {
	name    string
	topic   events.Topic
	handler events.HandlerFunc
	ctx     context.Context
	active  atomic.Bool
}

type delivery struct {
	sub       *subscription
	data      []byte
	messageID string
	attempt   int
}

// Option configures a Bus.
type Option func(*Bus)

// WithWorkers sets the number of goroutines delivering messages. With a
// single worker, deliveries across all topics happen in publish order.
func WithWorkers(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.workers = n
		}
	}
}

// WithRedeliveryDelay sets how long a nacked message waits before it is
// queued again.
func WithRedeliveryDelay(d time.Duration) Option {
	return func(b *Bus) { b.redeliveryDelay = d }
}

var _ events.EventBus = (*Bus)(nil)

// Bus is an in-memory, at-least-once event bus. Each published message is
// copied to every active subscription of its topic, and a subscription only
// discards a message after its handler returns Ack or Drop. Messages
// published to a topic without subscriptions are discarded.
type Bus struct {
	mu          sync.Mutex
	cond        *sync.Cond
	queue       []delivery
	subs        map[events.Topic][]*subscription
	closed      bool
	outstanding int
	idle        chan struct{}

	seq             atomic.Uint64
	workers         int
	redeliveryDelay time.Duration
	wg              sync.WaitGroup

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics eventbus.Metrics
}

// New creates an in-memory bus and starts its delivery workers.
func New(log *logger.Logger, tracer trace.Tracer, metrics eventbus.Metrics, opts ...Option) *Bus {
	if metrics == nil {
		metrics = eventbus.NoopMetrics()
	}
	idle := make(chan struct{})
	close(idle)

	b := &Bus{
		subs:            make(map[events.Topic][]*subscription),
		idle:            idle,
		workers:         1,
		redeliveryDelay: defaultRedeliveryDelay,
		logger:          log.With("component", "memory_event_bus"),
		tracer:          tracer,
		metrics:         metrics,
	}
	b.cond = sync.NewCond(&b.mu)
	for _, opt := range opts {
		opt(b)
	}

	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.work()
	}
	return b
}

// Publish serializes the envelope and queues it for every subscription on topic.
func (b *Bus) Publish(ctx context.Context, topic events.Topic, evt events.EventEnvelope, opts ...events.PublishOption) (string, error) {
	ctx, span := b.tracer.Start(ctx, "memory_event_bus.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("topic", topic.String()),
			attribute.String("event_type", evt.Type.String()),
			attribute.String("request_id", evt.RequestID),
		))
	defer span.End()

	params := events.ApplyPublishOptions(opts...)
	if params.Key != "" {
		evt.Key = params.Key
	}

	data, err := serialization.SerializeEventEnvelope(evt)
	if err != nil {
		span.RecordError(err)
		b.metrics.IncPublishError(ctx, topic.String())
		return "", fmt.Errorf("failed to serialize payload for event %s: %w", evt.Type, err)
	}

	id, err := b.enqueueAll(topic, data)
	if err != nil {
		span.RecordError(err)
		b.metrics.IncPublishError(ctx, topic.String())
		return "", err
	}
	b.metrics.IncMessagePublished(ctx, topic.String())
	b.logger.Debug(ctx, "Published message", "topic", topic, "message_id", id, "event_type", evt.Type)
	return id, nil
}

// PublishRaw queues arbitrary bytes on topic, bypassing serialization.
// It exists to inject malformed messages in tests.
func (b *Bus) PublishRaw(_ context.Context, topic events.Topic, data []byte) (string, error) {
	return b.enqueueAll(topic, data)
}

func (b *Bus) enqueueAll(topic events.Topic, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", &events.TransportError{Op: "publish", Topic: topic, Err: events.ErrBusClosed}
	}

	id := topic.String() + "/" + strconv.FormatUint(b.seq.Add(1), 10)
	for _, sub := range b.subs[topic] {
		if !sub.active.Load() {
			continue
		}
		b.pushLocked(delivery{sub: sub, data: data, messageID: id, attempt: 1})
		b.outstandingAddLocked(1)
	}
	return id, nil
}

// Subscribe registers handler under the subscription name for topic. The
// subscription is removed when ctx is done.
func (b *Bus) Subscribe(ctx context.Context, topic events.Topic, name string, handler events.HandlerFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	sub := &subscription{name: name, topic: topic, handler: handler, ctx: ctx}
	sub.active.Store(true)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return &events.TransportError{Op: "subscribe", Topic: topic, Err: events.ErrBusClosed}
	}
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		sub.active.Store(false)
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, s := range list {
			if s == sub {
				b.subs[topic] = append(list[:i], list[i+1:]...)
				break
			}
		}
		// Wake workers so queued deliveries for this subscription are discarded.
		b.cond.Broadcast()
	}()

	b.logger.Info(ctx, "Subscribed to topic", "topic", topic, "subscription", name)
	return nil
}

// WaitIdle blocks until no message is queued, in flight or awaiting
// redelivery, or until ctx is done.
func (b *Bus) WaitIdle(ctx context.Context) error {
	for {
		b.mu.Lock()
		if b.outstanding == 0 {
			b.mu.Unlock()
			return nil
		}
		idle := b.idle
		b.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops the delivery workers and discards undelivered messages.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.queue = nil
	if b.outstanding > 0 {
		b.outstanding = 0
		close(b.idle)
	}
	b.cond.Broadcast()
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

func (b *Bus) pushLocked(d delivery) {
	b.queue = append(b.queue, d)
	b.cond.Signal()
}

func (b *Bus) outstandingAddLocked(n int) {
	if b.closed {
		return
	}
	if b.outstanding == 0 && n > 0 {
		b.idle = make(chan struct{})
	}
	b.outstanding += n
	if b.outstanding == 0 {
		close(b.idle)
	}
}

func (b *Bus) next() (delivery, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.queue) == 0 && !b.closed {
		b.cond.Wait()
	}
	if b.closed {
		return delivery{}, false
	}
	d := b.queue[0]
	b.queue[0] = delivery{}
	b.queue = b.queue[1:]
	return d, true
}

func (b *Bus) work() {
	defer b.wg.Done()
	for {
		d, ok := b.next()
		if !ok {
			return
		}
		b.process(d)
	}
}

func (b *Bus) process(d delivery) {
	if !d.sub.active.Load() {
		b.settle()
		return
	}

	ctx, span := b.tracer.Start(d.sub.ctx, "memory_event_bus.handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("topic", d.sub.topic.String()),
			attribute.String("subscription", d.sub.name),
			attribute.String("message_id", d.messageID),
			attribute.Int("attempt", d.attempt),
		))
	defer span.End()

	meta := events.EventMetadata{
		Topic:        d.sub.topic,
		Subscription: d.sub.name,
		MessageID:    d.messageID,
		Attempt:      d.attempt,
	}
	out := eventbus.Deliver(ctx, d.data, meta, serialization.DeserializeEventEnvelope, d.sub.handler, b.logger, b.metrics)

	if out.Disposition != events.Nack || !d.sub.active.Load() {
		b.settle()
		return
	}

	// The message stays outstanding until the redelivered copy settles.
	next := d
	next.attempt++
	time.AfterFunc(b.redeliveryDelay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			return
		}
		b.pushLocked(next)
	})
}

func (b *Bus) settle() {
	b.mu.Lock()
	b.outstandingAddLocked(-1)
	b.mu.Unlock()
}
