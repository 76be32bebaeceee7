package requester

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/reportflow/internal/domain/events"
	"github.com/ahrav/reportflow/internal/domain/reporting"
	"github.com/ahrav/reportflow/internal/infra/eventdispatcher"
	"github.com/ahrav/reportflow/pkg/common/logger"
)

const (
	// DefaultSubscription is the subscription name the reconciler uses on
	// both worker topics.
	DefaultSubscription = "status-reconciler"

	defaultMaxMissingAttempts = 5
	lockStripes               = 256

	kindStatus     = "status"
	kindCompletion = "completion"
)

// CompletionNotifier is told about every completion that changed a record.
// It is never called for a duplicate completion.
type CompletionNotifier interface {
	NotifyCompletion(ctx context.Context, requestID uuid.UUID, c reporting.Completion) error
}

// LogNotifier is a CompletionNotifier that only writes a log line.
type LogNotifier struct{ Logger *logger.Logger }

func (n LogNotifier) NotifyCompletion(ctx context.Context, requestID uuid.UUID, c reporting.Completion) error {
	n.Logger.Info(ctx, "Report finished",
		"request_id", requestID.String(),
		"status", c.Status.String(),
		"result_ref", c.ResultRef,
		"error", c.Error,
	)
	return nil
}

// ReconcilerOption customises a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithNotifier replaces the default LogNotifier.
func WithNotifier(n CompletionNotifier) ReconcilerOption {
	return func(r *Reconciler) { r.notifier = n }
}

// WithMaxMissingAttempts sets the delivery attempt after which an event for
// an unknown record is dropped instead of redelivered.
func WithMaxMissingAttempts(n int) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.maxMissingAttempts = n
		}
	}
}

// WithReconcilerMetrics sets the metrics sink.
func WithReconcilerMetrics(m Metrics) ReconcilerOption { return func(r *Reconciler) { r.metrics = m } }

// WithSubscription overrides DefaultSubscription.
func WithSubscription(name string) ReconcilerOption {
	return func(r *Reconciler) { r.subscription = name }
}

// Reconciler folds worker status and completion events into persisted
// records. Merges for one request id are serialized by a striped lock on top
// of the repository's own per-id guarantee, so duplicate completions arriving
// on parallel deliveries cannot both reach the notifier.
type Reconciler struct {
	repo     reporting.Repository
	notifier CompletionNotifier

	stripes            [lockStripes]sync.Mutex
	maxMissingAttempts int
	subscription       string

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics Metrics
}

// NewReconciler creates a Reconciler.
func NewReconciler(repo reporting.Repository, log *logger.Logger, tracer trace.Tracer, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		repo:               repo,
		maxMissingAttempts: defaultMaxMissingAttempts,
		subscription:       DefaultSubscription,
		logger:             log.With("component", "status_reconciler"),
		tracer:             tracer,
		metrics:            noopMetrics{},
	}
	r.notifier = LogNotifier{Logger: r.logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register routes both worker event types through dispatcher.
func (r *Reconciler) Register(ctx context.Context, d *eventdispatcher.Dispatcher) {
	d.RegisterHandler(ctx, reporting.EventTypeProcessingStatus, r.HandleStatus)
	d.RegisterHandler(ctx, reporting.EventTypeReportCompleted, r.HandleCompletion)
}

// Run registers the handlers and subscribes to the status and completion topics.
func (r *Reconciler) Run(ctx context.Context, bus events.EventBus) error {
	d := eventdispatcher.New(r.tracer, r.logger)
	r.Register(ctx, d)

	for _, topic := range []events.Topic{events.TopicProcessingStatus, events.TopicReportCompleted} {
		if err := bus.Subscribe(ctx, topic, r.subscription, d.Handle); err != nil {
			return fmt.Errorf("requester: failed to subscribe to %s: %w", topic, err)
		}
	}
	r.logger.Info(ctx, "Status reconciler running", "subscription", r.subscription)
	return nil
}

func (r *Reconciler) lock(id uuid.UUID) func() {
	h := fnv.New32a()
	_, _ = h.Write(id[:])
	mu := &r.stripes[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// HandleStatus merges a ProcessingStatus delivery.
func (r *Reconciler) HandleStatus(ctx context.Context, env events.EventEnvelope) events.Result {
	evt, ok := env.Payload.(reporting.ProcessingStatusEvent)
	if !ok {
		return events.Dropped(fmt.Errorf("requester: unexpected payload type %T", env.Payload))
	}
	id := evt.RequestID()

	ctx, span := r.tracer.Start(ctx, "status_reconciler.handle_status",
		trace.WithAttributes(
			attribute.String("request_id", id.String()),
			attribute.Int64("sequence", evt.Sequence()),
			attribute.String("status", evt.Status().String()),
		))
	defer span.End()

	unlock := r.lock(id)
	applied, err := r.repo.ApplyStatus(ctx, id, evt.ToUpdate())
	unlock()

	return r.settle(ctx, span, env, id, kindStatus, applied, err)
}

// HandleCompletion merges a ReportCompleted delivery and notifies on the
// first completion for a record.
func (r *Reconciler) HandleCompletion(ctx context.Context, env events.EventEnvelope) events.Result {
	evt, ok := env.Payload.(reporting.ReportCompletedEvent)
	if !ok {
		return events.Dropped(fmt.Errorf("requester: unexpected payload type %T", env.Payload))
	}
	id := evt.RequestID()
	completion := evt.ToCompletion()

	ctx, span := r.tracer.Start(ctx, "status_reconciler.handle_completion",
		trace.WithAttributes(
			attribute.String("request_id", id.String()),
			attribute.String("status", evt.Status().String()),
		))
	defer span.End()

	unlock := r.lock(id)
	applied, err := r.repo.ApplyCompletion(ctx, id, completion)
	unlock()

	res := r.settle(ctx, span, env, id, kindCompletion, applied, err)
	if err == nil && applied {
		if nerr := r.notifier.NotifyCompletion(ctx, id, completion); nerr != nil {
			span.RecordError(nerr)
			r.logger.Error(ctx, "Completion notifier failed", "request_id", id.String(), "error", nerr)
		}
	}
	return res
}

func (r *Reconciler) settle(
	ctx context.Context,
	span trace.Span,
	env events.EventEnvelope,
	id uuid.UUID,
	kind string,
	applied bool,
	err error,
) events.Result {
	log := r.logger.With("request_id", id.String(), "kind", kind, "attempt", env.Metadata.Attempt)

	switch {
	case errors.Is(err, reporting.ErrReportNotFound):
		// The worker can outrun the requester's own write; give the record
		// time to appear before giving up.
		if env.Metadata.Attempt >= r.maxMissingAttempts {
			r.metrics.IncMissingRecords(ctx, true)
			span.SetStatus(codes.Error, "record never appeared")
			log.Error(ctx, "Dropping event for unknown report")
			return events.Dropped(err)
		}
		r.metrics.IncMissingRecords(ctx, false)
		log.Warn(ctx, "Event for unknown report, will retry")
		return events.Nacked(err)

	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to merge event")
		log.Error(ctx, "Failed to merge event", "error", err)
		return events.Nacked(err)

	case !applied:
		r.metrics.IncEventsIgnored(ctx, kind)
		span.AddEvent("event_ignored")
		log.Debug(ctx, "Ignored stale or duplicate event")
		return events.Acked()
	}

	r.metrics.IncEventsApplied(ctx, kind)
	span.SetStatus(codes.Ok, "event applied")
	return events.Acked()
}
