// Package requester contains the requester-side application services: the
// request gateway that accepts work, the status reconciler that folds worker
// events into persisted records, and the sweeper that republishes requests
// stuck in pending.
package requester

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/reportflow/internal/domain/events"
	"github.com/ahrav/reportflow/internal/domain/reporting"
	"github.com/ahrav/reportflow/pkg/common/logger"
	"github.com/ahrav/reportflow/pkg/common/timeutil"
)

const (
	imdbPrefix      = "tt"
	maxIMDbIDLength = 32
)

// SubmitCommand is the caller's request for a report.
type SubmitCommand struct {
	ReportType  string            `json:"reportType" validate:"required"`
	SubjectID   string            `json:"subjectId" validate:"omitempty,max=128"`
	Parameters  map[string]string `json:"parameters" validate:"omitempty,max=32,dive,keys,required,max=64,endkeys,max=1024"`
	RequestedBy string            `json:"requestedBy" validate:"required,max=128"`
}

// Gateway validates and admits report requests.
type Gateway struct {
	repo      reporting.Repository
	publisher events.DomainEventPublisher
	validate  *validator.Validate
	clock     timeutil.Provider
	newID     func() uuid.UUID

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics Metrics
}

// GatewayOption customises a Gateway.
type GatewayOption func(*Gateway)

// WithGatewayClock sets the clock used for createdAt and publish stamps.
func WithGatewayClock(c timeutil.Provider) GatewayOption { return func(g *Gateway) { g.clock = c } }

// WithIDGenerator replaces uuid.New, e.g. for deterministic tests.
func WithIDGenerator(fn func() uuid.UUID) GatewayOption { return func(g *Gateway) { g.newID = fn } }

// WithGatewayMetrics sets the metrics sink.
func WithGatewayMetrics(m Metrics) GatewayOption { return func(g *Gateway) { g.metrics = m } }

// NewGateway creates a Gateway.
func NewGateway(
	repo reporting.Repository,
	publisher events.DomainEventPublisher,
	log *logger.Logger,
	tracer trace.Tracer,
	opts ...GatewayOption,
) *Gateway {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	g := &Gateway{
		repo:      repo,
		publisher: publisher,
		validate:  v,
		clock:     timeutil.Default(),
		newID:     uuid.New,
		logger:    log.With("component", "request_gateway"),
		tracer:    tracer,
		metrics:   noopMetrics{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Submit validates cmd, persists a pending record and publishes the request.
// A publish failure is logged and the id is still returned: the record stays
// pending until the sweeper republishes it.
func (g *Gateway) Submit(ctx context.Context, cmd SubmitCommand) (uuid.UUID, error) {
	ctx, span := g.tracer.Start(ctx, "request_gateway.submit",
		trace.WithAttributes(attribute.String("report_type", cmd.ReportType)))
	defer span.End()

	req, err := g.buildRequest(cmd)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		g.metrics.IncSubmitRejected(ctx)
		return uuid.Nil, err
	}

	id := req.RequestID()
	span.SetAttributes(attribute.String("request_id", id.String()))
	log := g.logger.With("operation", "submit", "request_id", id.String(), "report_type", cmd.ReportType)

	if err := g.repo.CreatePending(ctx, req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist request")
		return uuid.Nil, fmt.Errorf("failed to persist report request: %w", err)
	}
	g.metrics.IncReportsSubmitted(ctx, cmd.ReportType)

	evt := reporting.NewReportRequestedEvent(req, g.clock.Now())
	if err := g.publisher.PublishDomainEvent(ctx, evt); err != nil {
		span.RecordError(err)
		span.AddEvent("publish_failed")
		g.metrics.IncSubmitPublishErrors(ctx)
		log.Error(ctx, "Failed to publish report request, record left pending", "error", err)
		return id, nil
	}

	if err := g.repo.MarkPublished(ctx, id, g.clock.Now()); err != nil {
		log.Warn(ctx, "Failed to record publish time", "error", err)
	}

	log.Info(ctx, "Report request accepted")
	return id, nil
}

func (g *Gateway) buildRequest(cmd SubmitCommand) (reporting.ReportRequest, error) {
	verr := new(ValidationError)

	if err := g.validate.Struct(cmd); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return reporting.ReportRequest{}, fmt.Errorf("validating request: %w", err)
		}
		for _, fe := range fieldErrs {
			verr.add(fieldPath(fe), describeTag(fe))
		}
	}

	rt, err := reporting.ParseReportType(cmd.ReportType)
	if err != nil && cmd.ReportType != "" {
		verr.add("reportType", fmt.Sprintf("must be one of %s, %s, %s",
			reporting.ReportTypeMovieAnalysis, reporting.ReportTypeTrendReport, reporting.ReportTypeUserStats))
	}

	var params reporting.Parameters
	if err == nil {
		validateSubject(verr, rt, cmd.SubjectID)

		var perr error
		if params, perr = reporting.ParseParameters(rt, cmd.Parameters); perr != nil {
			var pe *reporting.ParameterError
			if errors.As(perr, &pe) {
				verr.add("parameters."+pe.Key, pe.Reason)
			} else {
				verr.add("parameters", perr.Error())
			}
		}
	}

	if err := verr.orNil(); err != nil {
		return reporting.ReportRequest{}, err
	}
	// Defaults are made explicit so the worker and the stored record agree on
	// the effective parameters.
	return reporting.NewReportRequest(g.newID(), rt, cmd.SubjectID,
		reporting.EncodeParameters(params), cmd.RequestedBy, g.clock.Now()), nil
}

func validateSubject(verr *ValidationError, rt reporting.ReportType, subject string) {
	switch rt {
	case reporting.ReportTypeMovieAnalysis:
		switch {
		case subject == "":
			verr.add("subjectId", "is required for "+rt.String())
		case !strings.HasPrefix(subject, imdbPrefix):
			verr.add("subjectId", "must be an IMDb id starting with "+imdbPrefix)
		case len(subject) > maxIMDbIDLength:
			verr.add("subjectId", fmt.Sprintf("must be at most %d characters", maxIMDbIDLength))
		case strings.ContainsAny(subject, " \t\r\n"):
			verr.add("subjectId", "must not contain whitespace")
		}
	case reporting.ReportTypeUserStats:
		if subject == "" {
			verr.add("subjectId", "is required for "+rt.String())
		}
	case reporting.ReportTypeTrendReport:
		if subject != "" {
			verr.add("subjectId", "is not allowed for "+rt.String())
		}
	}
}

func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return fe.Field()
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " long"
	default:
		return "failed " + fe.Tag() + " validation"
	}
}

// Get returns the current record for id. It returns
// reporting.ErrReportNotFound for an unknown id.
func (g *Gateway) Get(ctx context.Context, id uuid.UUID) (*reporting.ReportRecord, error) {
	ctx, span := g.tracer.Start(ctx, "request_gateway.get",
		trace.WithAttributes(attribute.String("request_id", id.String())))
	defer span.End()

	rec, err := g.repo.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, reporting.ErrReportNotFound) {
			span.RecordError(err)
		}
		return nil, err
	}
	return rec, nil
}
