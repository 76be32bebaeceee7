package eventbus

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/reportflow/internal/domain/events"
	"github.com/ahrav/reportflow/pkg/common/logger"
)

// Outcome is the final disposition a bus applies to one delivery.
type Outcome struct {
	events.Result
	// Poison is set when the message failed decoding and never reached the
	// handler.
	Poison bool
}

// Deliver decodes data, invokes handler and returns what the transport must
// do with the message. It centralises the poison-message policy: schema
// failures and Drop results are acknowledged and logged as alarms, handler
// panics become Nack. Every transport calls it so their behaviour stays
// identical.
func Deliver(
	ctx context.Context,
	data []byte,
	meta events.EventMetadata,
	decode func([]byte) (events.EventEnvelope, error),
	handler events.HandlerFunc,
	log *logger.Logger,
	metrics Metrics,
) (out Outcome) {
	span := trace.SpanFromContext(ctx)
	topic := meta.Topic.String()

	env, err := decode(data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "poison message")
		log.Error(ctx, "Dropping poison message",
			"topic", topic,
			"subscription", meta.Subscription,
			"message_id", meta.MessageID,
			"error", err,
		)
		metrics.IncPoisonMessage(ctx, topic)
		return Outcome{Result: events.Dropped(err), Poison: true}
	}
	env.Metadata = meta

	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("handler panic: %v", rec)
			span.RecordError(err)
			log.Error(ctx, "Handler panicked, message will be redelivered",
				"topic", topic, "message_id", meta.MessageID, "error", err)
			metrics.IncConsumeError(ctx, topic)
			out = Outcome{Result: events.Nacked(err)}
		}
	}()

	res := handler(ctx, env)
	switch res.Disposition {
	case events.Ack:
		metrics.IncMessageConsumed(ctx, topic)
	case events.Drop:
		span.RecordError(res.Err)
		log.Error(ctx, "Handler dropped unprocessable message",
			"topic", topic,
			"event_type", env.Type,
			"request_id", env.RequestID,
			"message_id", meta.MessageID,
			"error", res.Err,
		)
		metrics.IncPoisonMessage(ctx, topic)
	case events.Nack:
		span.RecordError(res.Err)
		log.Warn(ctx, "Handler requested redelivery",
			"topic", topic,
			"event_type", env.Type,
			"request_id", env.RequestID,
			"message_id", meta.MessageID,
			"attempt", meta.Attempt,
			"error", res.Err,
		)
		metrics.IncMessageNacked(ctx, topic)
	}
	return Outcome{Result: res}
}
