package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/reportflow/internal/domain/events"
	"github.com/ahrav/reportflow/internal/domain/reporting"
	"github.com/ahrav/reportflow/pkg/common/logger"
)

type countingMetrics struct {
	published, consumed, publishErrs, consumeErrs, nacked, poison atomic.Int64
}

func (m *countingMetrics) IncMessagePublished(context.Context, string) { m.published.Add(1) }
func (m *countingMetrics) IncMessageConsumed(context.Context, string)  { m.consumed.Add(1) }
func (m *countingMetrics) IncPublishError(context.Context, string)     { m.publishErrs.Add(1) }
func (m *countingMetrics) IncConsumeError(context.Context, string)     { m.consumeErrs.Add(1) }
func (m *countingMetrics) IncMessageNacked(context.Context, string)    { m.nacked.Add(1) }
func (m *countingMetrics) IncPoisonMessage(context.Context, string)    { m.poison.Add(1) }

func newTestBus(t *testing.T, metrics *countingMetrics, opts ...Option) *Bus {
	t.Helper()
	opts = append([]Option{WithRedeliveryDelay(time.Millisecond)}, opts...)
	b := New(logger.Noop(), noop.NewTracerProvider().Tracer("test"), metrics, opts...)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func failedEvent(t *testing.T, id uuid.UUID) events.EventEnvelope {
	t.Helper()
	evt, err := reporting.NewReportFailedEvent(id, "boom", time.Now())
	require.NoError(t, err)
	return events.NewEnvelope(evt)
}

func waitIdle(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.WaitIdle(ctx))
}

func TestBus_PublishSubscribe(t *testing.T) {
	metrics := new(countingMetrics)
	b := newTestBus(t, metrics)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id := uuid.New()
	var got []events.EventEnvelope
	var mu sync.Mutex
	require.NoError(t, b.Subscribe(ctx, events.TopicReportCompleted, "sub-a", func(_ context.Context, evt events.EventEnvelope) events.Result {
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
		return events.Acked()
	}))

	msgID, err := b.Publish(ctx, events.TopicReportCompleted, failedEvent(t, id))
	require.NoError(t, err)
	assert.NotEmpty(t, msgID)

	waitIdle(t, b)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, id.String(), got[0].RequestID)
	assert.Equal(t, msgID, got[0].Metadata.MessageID)
	assert.Equal(t, "sub-a", got[0].Metadata.Subscription)
	assert.IsType(t, reporting.ReportCompletedEvent{}, got[0].Payload)
	assert.Equal(t, int64(1), metrics.consumed.Load())
}

func TestBus_NackRedelivers(t *testing.T) {
	metrics := new(countingMetrics)
	b := newTestBus(t, metrics)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts []int
	require.NoError(t, b.Subscribe(ctx, events.TopicReportCompleted, "sub", func(_ context.Context, evt events.EventEnvelope) events.Result {
		attempts = append(attempts, evt.Metadata.Attempt)
		if len(attempts) < 3 {
			return events.Nacked(errors.New("transient"))
		}
		return events.Acked()
	}))

	_, err := b.Publish(ctx, events.TopicReportCompleted, failedEvent(t, uuid.New()))
	require.NoError(t, err)
	waitIdle(t, b)

	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Equal(t, int64(2), metrics.nacked.Load())
	assert.Equal(t, int64(1), metrics.consumed.Load())
}

func TestBus_PoisonMessageIsDroppedWithoutReachingHandler(t *testing.T) {
	metrics := new(countingMetrics)
	b := newTestBus(t, metrics)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	require.NoError(t, b.Subscribe(ctx, events.TopicReportCompleted, "sub", func(context.Context, events.EventEnvelope) events.Result {
		calls.Add(1)
		return events.Acked()
	}))

	id := uuid.New().String()
	unknownVersion := `{"eventType":"ReportCompleted","schemaVersion":7,"requestId":"` + id +
		`","payload":{"requestId":"` + id + `","status":"failed","error":"x"}}`
	_, err := b.PublishRaw(ctx, events.TopicReportCompleted, []byte(unknownVersion))
	require.NoError(t, err)
	_, err = b.PublishRaw(ctx, events.TopicReportCompleted, []byte("garbage"))
	require.NoError(t, err)

	waitIdle(t, b)

	assert.Zero(t, calls.Load())
	assert.Equal(t, int64(2), metrics.poison.Load())
	assert.Zero(t, metrics.nacked.Load())
}

func TestBus_FanOutToEverySubscription(t *testing.T) {
	b := newTestBus(t, new(countingMetrics), WithWorkers(4))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var a, c atomic.Int32
	require.NoError(t, b.Subscribe(ctx, events.TopicReportCompleted, "a", func(context.Context, events.EventEnvelope) events.Result {
		a.Add(1)
		return events.Acked()
	}))
	require.NoError(t, b.Subscribe(ctx, events.TopicReportCompleted, "c", func(context.Context, events.EventEnvelope) events.Result {
		c.Add(1)
		return events.Acked()
	}))

	for i := 0; i < 10; i++ {
		_, err := b.Publish(ctx, events.TopicReportCompleted, failedEvent(t, uuid.New()))
		require.NoError(t, err)
	}
	waitIdle(t, b)

	assert.Equal(t, int32(10), a.Load())
	assert.Equal(t, int32(10), c.Load())
}

func TestBus_PanicBecomesNack(t *testing.T) {
	metrics := new(countingMetrics)
	b := newTestBus(t, metrics)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	require.NoError(t, b.Subscribe(ctx, events.TopicReportCompleted, "sub", func(context.Context, events.EventEnvelope) events.Result {
		if calls.Add(1) == 1 {
			panic("kaboom")
		}
		return events.Acked()
	}))

	_, err := b.Publish(ctx, events.TopicReportCompleted, failedEvent(t, uuid.New()))
	require.NoError(t, err)
	waitIdle(t, b)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int64(1), metrics.consumeErrs.Load())
}

func TestBus_PublishAfterCloseIsTransportError(t *testing.T) {
	b := newTestBus(t, new(countingMetrics))
	require.NoError(t, b.Close())

	_, err := b.Publish(context.Background(), events.TopicReportCompleted, failedEvent(t, uuid.New()))
	var te *events.TransportError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, events.ErrBusClosed)
}

func TestBus_CanceledSubscriptionStopsReceiving(t *testing.T) {
	b := newTestBus(t, new(countingMetrics))
	subCtx, cancelSub := context.WithCancel(context.Background())

	var calls atomic.Int32
	require.NoError(t, b.Subscribe(subCtx, events.TopicReportCompleted, "sub", func(context.Context, events.EventEnvelope) events.Result {
		calls.Add(1)
		return events.Acked()
	}))
	cancelSub()

	assert.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.subs[events.TopicReportCompleted]) == 0
	}, time.Second, 5*time.Millisecond)

	_, err := b.Publish(context.Background(), events.TopicReportCompleted, failedEvent(t, uuid.New()))
	require.NoError(t, err)
	waitIdle(t, b)
	assert.Zero(t, calls.Load())
}
