package eventdispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/reportflow/internal/domain/events"
	"github.com/ahrav/reportflow/pkg/common/logger"
)

func newTestDispatcher() *Dispatcher {
	return New(noop.NewTracerProvider().Tracer(""), logger.Noop())
}

func TestEventRouting(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher()

	eventType1 := events.EventType("test.event1")
	eventType2 := events.EventType("test.event2")

	var got1, got2 int
	d.RegisterHandler(ctx, eventType1, func(context.Context, events.EventEnvelope) events.Result {
		got1++
		return events.Acked()
	})
	d.RegisterHandler(ctx, eventType2, func(context.Context, events.EventEnvelope) events.Result {
		got2++
		return events.Acked()
	})

	assert.Equal(t, events.Ack, d.Handle(ctx, events.EventEnvelope{Type: eventType1}).Disposition)
	assert.Equal(t, events.Ack, d.Handle(ctx, events.EventEnvelope{Type: eventType2}).Disposition)
	assert.Equal(t, events.Ack, d.Handle(ctx, events.EventEnvelope{Type: eventType2}).Disposition)

	assert.Equal(t, 1, got1)
	assert.Equal(t, 2, got2)
}

func TestUnknownEventTypeIsDropped(t *testing.T) {
	d := newTestDispatcher()

	res := d.Handle(context.Background(), events.EventEnvelope{
		Type:     "unregistered",
		Metadata: events.EventMetadata{MessageID: "report-completed/7"},
	})
	assert.Equal(t, events.Drop, res.Disposition)

	var notFound *HandlerNotFoundError
	require.ErrorAs(t, res.Err, &notFound)
	assert.Equal(t, events.EventType("unregistered"), notFound.EventType)
	assert.Equal(t, "report-completed/7", notFound.MessageID)
}

func TestHandlerResultIsPropagated(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher()
	boom := errors.New("database unavailable")

	d.RegisterHandler(ctx, "test.event", func(context.Context, events.EventEnvelope) events.Result {
		return events.Nacked(boom)
	})

	res := d.Handle(ctx, events.EventEnvelope{Type: "test.event"})
	assert.Equal(t, events.Nack, res.Disposition)
	assert.ErrorIs(t, res.Err, boom)
}

func TestRegisterHandlerReplaces(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher()

	d.RegisterHandler(ctx, "test.event", func(context.Context, events.EventEnvelope) events.Result {
		return events.Nacked(errors.New("old"))
	})
	d.RegisterHandler(ctx, "test.event", func(context.Context, events.EventEnvelope) events.Result {
		return events.Acked()
	})

	assert.Equal(t, events.Ack, d.Handle(ctx, events.EventEnvelope{Type: "test.event"}).Disposition)
}

func TestConcurrentDispatch(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher()

	var (
		mu    sync.Mutex
		count int
	)
	d.RegisterHandler(ctx, "test.event", func(context.Context, events.EventEnvelope) events.Result {
		mu.Lock()
		count++
		mu.Unlock()
		return events.Acked()
	})

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Handle(ctx, events.EventEnvelope{Type: "test.event"})
		}()
	}
	wg.Wait()
	assert.Equal(t, n, count)
}
