// Package worker consumes report requests and turns each one into progress
// events, a stored artifact and a single completion event.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/reportflow/internal/domain/catalog"
	"github.com/ahrav/reportflow/internal/domain/events"
	"github.com/ahrav/reportflow/internal/domain/reporting"
	"github.com/ahrav/reportflow/internal/infra/artifact"
	"github.com/ahrav/reportflow/pkg/common/logger"
	"github.com/ahrav/reportflow/pkg/common/timeutil"
)

// DefaultSubscription is the subscription name the worker consumes report
// requests under.
const DefaultSubscription = "report-worker"

// Stage is the worker-local lifecycle of one request.
type Stage string

const (
	StageReceived   Stage = "received"
	StageFetching   Stage = "fetching"
	StageGenerating Stage = "generating"
	StagePublishing Stage = "publishing"
	StageDone       Stage = "done"
)

// Progress reported when entering each stage.
const (
	progressFetching   = 10
	progressGenerating = 50
	progressPublishing = 90
)

// Orchestrator runs the per-request state machine. Deliveries for distinct
// requests may be handled concurrently; the guard keeps a request from being
// processed twice at once.
type Orchestrator struct {
	bus          events.EventBus
	publisher    events.DomainEventPublisher
	subscription string

	guard      *Guard
	strategies Strategies
	store      artifact.Store
	clock      timeutil.Provider

	mu      sync.Mutex
	running bool

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics Metrics
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Bus          events.EventBus
	Publisher    events.DomainEventPublisher
	Subscription string
	Guard        *Guard
	Strategies   Strategies
	Store        artifact.Store
	Clock        timeutil.Provider
	Logger       *logger.Logger
	Tracer       trace.Tracer
	Metrics      Metrics
}

// NewOrchestrator validates cfg and builds an Orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Bus == nil:
		return nil, errors.New("worker: event bus is required")
	case cfg.Publisher == nil:
		return nil, errors.New("worker: event publisher is required")
	case cfg.Guard == nil:
		return nil, errors.New("worker: idempotency guard is required")
	case cfg.Store == nil:
		return nil, errors.New("worker: artifact store is required")
	case len(cfg.Strategies) == 0:
		return nil, errors.New("worker: at least one strategy is required")
	}
	if cfg.Subscription == "" {
		cfg.Subscription = DefaultSubscription
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Noop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("worker")
	}

	return &Orchestrator{
		bus:          cfg.Bus,
		publisher:    cfg.Publisher,
		subscription: cfg.Subscription,
		guard:        cfg.Guard,
		strategies:   cfg.Strategies,
		store:        cfg.Store,
		clock:        cfg.Clock,
		logger:       cfg.Logger.With("component", "report_orchestrator"),
		tracer:       cfg.Tracer,
		metrics:      cfg.Metrics,
	}, nil
}

// Run subscribes to report requests. Consumption continues until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, span := o.tracer.Start(ctx, "report_orchestrator.run",
		trace.WithAttributes(attribute.String("subscription", o.subscription)))
	defer span.End()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return errors.New("worker: orchestrator already running")
	}

	if err := o.bus.Subscribe(ctx, events.TopicReportRequests, o.subscription, o.Handle); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to subscribe to report requests")
		return fmt.Errorf("worker: failed to subscribe to report requests: %w", err)
	}
	o.running = true
	o.logger.Info(ctx, "Report orchestrator running", "subscription", o.subscription)
	return nil
}

// Handle processes one ReportRequested delivery.
func (o *Orchestrator) Handle(ctx context.Context, env events.EventEnvelope) events.Result {
	requested, ok := env.Payload.(reporting.ReportRequestedEvent)
	if !ok {
		return events.Dropped(fmt.Errorf("worker: unexpected payload type %T", env.Payload))
	}
	req := requested.Request()
	id := req.RequestID()
	rt := req.ReportType().String()

	ctx, span := o.tracer.Start(ctx, "report_orchestrator.handle_request",
		trace.WithAttributes(
			attribute.String("request_id", id.String()),
			attribute.String("report_type", rt),
			attribute.Int("attempt", env.Metadata.Attempt),
		))
	defer span.End()

	log := logger.NewLoggerContext(o.logger.With(
		"operation", "handle_request",
		"request_id", id.String(),
		"report_type", rt,
		"attempt", env.Metadata.Attempt,
	))

	if d := o.guard.Begin(id); d != Proceed {
		span.AddEvent("duplicate_skipped", trace.WithAttributes(attribute.String("decision", d.String())))
		o.metrics.IncDuplicatesSkipped(ctx, d.String())
		log.Info(ctx, "Duplicate report request acknowledged", "decision", d.String())
		return events.Acked()
	}
	// Release the claim on panic so the redelivery is processed.
	defer func() {
		if r := recover(); r != nil {
			o.guard.Abort(id)
			panic(r)
		}
	}()

	start := o.clock.Now()
	o.metrics.IncReportsStarted(ctx, rt)

	run := &execution{o: o, req: req, log: log, span: span}
	res := run.process(ctx)

	switch res.Disposition {
	case events.Nack:
		o.guard.Abort(id)
		o.metrics.IncReportsRetried(ctx, rt)
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, "report processing will be retried")
		log.Warn(ctx, "Report processing aborted, requesting redelivery", "stage", run.stage, "error", res.Err)
	default:
		o.guard.Finish(id)
		o.metrics.ObserveReportDuration(ctx, rt, o.clock.Now().Sub(start))
	}
	return res
}

// execution carries the state of one attempt at one request.
type execution struct {
	o     *Orchestrator
	req   reporting.ReportRequest
	stage Stage
	seq   int64
	log   *logger.LoggerContext
	span  trace.Span
}

func (e *execution) enter(s Stage) {
	e.stage = s
	e.span.AddEvent("stage_" + string(s))
}

func (e *execution) process(ctx context.Context) events.Result {
	id := e.req.RequestID()
	e.enter(StageReceived)

	if err := e.emitStatus(ctx, reporting.ReportStatusStarted); err != nil {
		return events.Nacked(err)
	}

	e.enter(StageFetching)
	if err := e.emitStatus(ctx, reporting.ReportStatusProcessing,
		reporting.WithProgress(progressFetching), reporting.WithStage(reporting.StageFetching)); err != nil {
		return events.Nacked(err)
	}

	params, err := e.req.TypedParameters()
	if err != nil {
		return e.fail(ctx, "invalid_parameters", err)
	}
	strategy, err := e.o.strategies.For(e.req.ReportType())
	if err != nil {
		return e.fail(ctx, "unsupported_type", err)
	}

	build, err := strategy.Fetch(ctx, e.req, params)
	if ctx.Err() != nil {
		return events.Nacked(fmt.Errorf("cancelled while fetching: %w", ctx.Err()))
	}
	if err != nil {
		return e.fail(ctx, failureReason(err), err)
	}

	e.enter(StageGenerating)
	if err := e.emitStatus(ctx, reporting.ReportStatusProcessing,
		reporting.WithProgress(progressGenerating), reporting.WithStage(reporting.StageGenerating)); err != nil {
		return events.Nacked(err)
	}

	table, err := build()
	if err != nil {
		return e.fail(ctx, "generation", err)
	}
	art, err := artifact.Render(id, params.OutputFormat(), table)
	if err != nil {
		return e.fail(ctx, "render", err)
	}
	ref, err := e.o.store.Put(ctx, art)
	if ctx.Err() != nil {
		return events.Nacked(fmt.Errorf("cancelled while storing artifact: %w", ctx.Err()))
	}
	if err != nil {
		return e.fail(ctx, "store", err)
	}
	e.log.Add("result_ref", ref)

	e.enter(StagePublishing)
	if err := e.emitStatus(ctx, reporting.ReportStatusProcessing,
		reporting.WithProgress(progressPublishing), reporting.WithStage(reporting.StagePublishing)); err != nil {
		return events.Nacked(err)
	}

	completed, err := reporting.NewReportSucceededEvent(id, ref, e.o.clock.Now())
	if err != nil {
		return e.fail(ctx, "completion", err)
	}
	if err := e.o.publisher.PublishDomainEvent(ctx, completed); err != nil {
		return events.Nacked(fmt.Errorf("publishing completion: %w", err))
	}

	e.enter(StageDone)
	e.o.metrics.IncReportsCompleted(ctx, e.req.ReportType().String())
	e.log.Info(ctx, "Report completed")
	return events.Acked()
}

// fail publishes the terminal failure. The request is finished unless the
// failure itself cannot be published.
func (e *execution) fail(ctx context.Context, reason string, cause error) events.Result {
	e.span.RecordError(cause)
	e.span.SetStatus(codes.Error, reason)

	failed, err := reporting.NewReportFailedEvent(e.req.RequestID(), failureMessage(cause), e.o.clock.Now())
	if err != nil {
		return events.Dropped(err)
	}
	if err := e.o.publisher.PublishDomainEvent(ctx, failed); err != nil {
		return events.Nacked(fmt.Errorf("publishing failure: %w", err))
	}

	e.enter(StageDone)
	e.o.metrics.IncReportsFailed(ctx, e.req.ReportType().String(), reason)
	e.log.Warn(ctx, "Report failed", "reason", reason, "error", cause)
	return events.Acked()
}

func (e *execution) emitStatus(ctx context.Context, status reporting.ReportStatus, opts ...reporting.StatusOption) error {
	evt, err := reporting.NewProcessingStatusEvent(e.req.RequestID(), e.seq, status, e.o.clock.Now(), opts...)
	if err != nil {
		return err
	}
	if err := e.o.publisher.PublishDomainEvent(ctx, evt); err != nil {
		return fmt.Errorf("publishing %s status (seq %d): %w", status, e.seq, err)
	}
	e.seq++
	return nil
}

func failureReason(err error) string {
	if fe, ok := catalog.AsFetchError(err); ok {
		return "fetch_" + string(fe.Kind)
	}
	return "fetch"
}

func failureMessage(err error) string {
	if fe, ok := catalog.AsFetchError(err); ok {
		switch fe.Kind {
		case catalog.FetchNotFound:
			return fmt.Sprintf("subject %s not found at data provider", fe.SubjectID)
		case catalog.FetchRateLimited:
			return fmt.Sprintf("data provider rate limited the request for %s", fe.SubjectID)
		case catalog.FetchTimeout:
			return fmt.Sprintf("data provider timed out fetching %s", fe.SubjectID)
		default:
			return fmt.Sprintf("data provider unavailable for %s", fe.SubjectID)
		}
	}
	return err.Error()
}
