// Package eventdispatcher routes decoded envelopes to the handler registered
// for their event type.
package eventdispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/reportflow/internal/domain/events"
	"github.com/ahrav/reportflow/pkg/common/logger"
)

// Dispatcher maps each event type to exactly one handler. Its Handle method
// is itself an events.HandlerFunc, so one dispatcher can serve a subscription
// that carries several event types.
//
// Typical usage:
//
//	d := eventdispatcher.New(tracer, log)
//	d.RegisterHandler(ctx, reporting.EventTypeProcessingStatus, reconciler.HandleStatus)
//	bus.Subscribe(ctx, events.TopicProcessingStatus, "reconciler", d.Handle)
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[events.EventType]events.HandlerFunc
	tracer   trace.Tracer
	logger   *logger.Logger
}

// New constructs a Dispatcher with an empty registry.
func New(tracer trace.Tracer, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[events.EventType]events.HandlerFunc),
		tracer:   tracer,
		logger:   log.With("component", "event_dispatcher"),
	}
}

// RegisterHandler associates handler with eventType, replacing any previous
// registration. It is safe to call concurrently.
func (d *Dispatcher) RegisterHandler(ctx context.Context, eventType events.EventType, handler events.HandlerFunc) {
	_, span := d.tracer.Start(ctx, "event_dispatcher.register_handler",
		trace.WithAttributes(attribute.String("event_type", eventType.String())))
	defer span.End()

	d.mu.Lock()
	d.handlers[eventType] = handler
	d.mu.Unlock()

	d.logger.Debug(ctx, "handler registered", "operation", "register_handler", "event_type", eventType)
	span.SetStatus(codes.Ok, "handler registered")
}

// HandlerNotFoundError indicates an envelope whose type has no handler.
type HandlerNotFoundError struct {
	EventType events.EventType
	MessageID string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler registered for event type: %s (message: %s)", e.EventType, e.MessageID)
}

// Handle dispatches evt to its registered handler. An envelope with no
// handler can never succeed on redelivery, so it is dropped.
func (d *Dispatcher) Handle(ctx context.Context, evt events.EventEnvelope) events.Result {
	log := logger.NewLoggerContext(d.logger.With(
		"operation", "dispatch",
		"event_type", evt.Type,
		"message_id", evt.Metadata.MessageID,
		"attempt", evt.Metadata.Attempt,
	))
	ctx, span := d.tracer.Start(ctx, "event_dispatcher.handle_event",
		trace.WithAttributes(
			attribute.String("event_type", evt.Type.String()),
			attribute.String("message_id", evt.Metadata.MessageID),
			attribute.String("request_id", evt.RequestID),
		))
	defer span.End()

	d.mu.RLock()
	handler, exists := d.handlers[evt.Type]
	d.mu.RUnlock()
	if !exists {
		err := &HandlerNotFoundError{EventType: evt.Type, MessageID: evt.Metadata.MessageID}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error(ctx, "no handler for event type")
		return events.Dropped(err)
	}

	res := handler(ctx, evt)
	log.Add("disposition", res.Disposition.String())
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		log.Debug(ctx, "event handled with error", "error", res.Err)
		return res
	}

	span.SetStatus(codes.Ok, "event dispatched successfully")
	log.Debug(ctx, "event dispatched successfully")
	return res
}
