package requester

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records requester-side outcomes.
type Metrics interface {
	IncReportsSubmitted(ctx context.Context, reportType string)
	IncSubmitRejected(ctx context.Context)
	IncSubmitPublishErrors(ctx context.Context)
	IncEventsApplied(ctx context.Context, kind string)
	IncEventsIgnored(ctx context.Context, kind string)
	IncMissingRecords(ctx context.Context, dropped bool)
	IncRepublished(ctx context.Context)
}

type requesterMetrics struct {
	submitted     metric.Int64Counter
	rejected      metric.Int64Counter
	publishErrors metric.Int64Counter
	applied       metric.Int64Counter
	ignored       metric.Int64Counter
	missing       metric.Int64Counter
	republished   metric.Int64Counter
}

var _ Metrics = (*requesterMetrics)(nil)

// NewMetrics registers the requester instruments with mp.
func NewMetrics(mp metric.MeterProvider) (Metrics, error) {
	meter := mp.Meter("reportflow/requester", metric.WithInstrumentationVersion("v0.1.0"))

	m := new(requesterMetrics)
	var err error

	if m.submitted, err = meter.Int64Counter("reports_submitted_total",
		metric.WithDescription("Accepted report requests")); err != nil {
		return nil, err
	}
	if m.rejected, err = meter.Int64Counter("reports_rejected_total",
		metric.WithDescription("Report requests rejected by validation")); err != nil {
		return nil, err
	}
	if m.publishErrors, err = meter.Int64Counter("report_request_publish_errors_total",
		metric.WithDescription("Accepted requests whose event could not be published")); err != nil {
		return nil, err
	}
	if m.applied, err = meter.Int64Counter("report_events_applied_total",
		metric.WithDescription("Status and completion events merged into a record")); err != nil {
		return nil, err
	}
	if m.ignored, err = meter.Int64Counter("report_events_ignored_total",
		metric.WithDescription("Duplicate, stale or out-of-order events acknowledged without effect")); err != nil {
		return nil, err
	}
	if m.missing, err = meter.Int64Counter("report_events_missing_record_total",
		metric.WithDescription("Events delivered for a record that does not exist yet")); err != nil {
		return nil, err
	}
	if m.republished, err = meter.Int64Counter("report_requests_republished_total",
		metric.WithDescription("Pending requests republished by the sweeper")); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *requesterMetrics) IncReportsSubmitted(ctx context.Context, reportType string) {
	m.submitted.Add(ctx, 1, metric.WithAttributes(attribute.String("report_type", reportType)))
}

func (m *requesterMetrics) IncSubmitRejected(ctx context.Context) { m.rejected.Add(ctx, 1) }

func (m *requesterMetrics) IncSubmitPublishErrors(ctx context.Context) { m.publishErrors.Add(ctx, 1) }

func (m *requesterMetrics) IncEventsApplied(ctx context.Context, kind string) {
	m.applied.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *requesterMetrics) IncEventsIgnored(ctx context.Context, kind string) {
	m.ignored.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *requesterMetrics) IncMissingRecords(ctx context.Context, dropped bool) {
	m.missing.Add(ctx, 1, metric.WithAttributes(attribute.Bool("dropped", dropped)))
}

func (m *requesterMetrics) IncRepublished(ctx context.Context) { m.republished.Add(ctx, 1) }

type noopMetrics struct{}

func (noopMetrics) IncReportsSubmitted(context.Context, string) {}
func (noopMetrics) IncSubmitRejected(context.Context)           {}
func (noopMetrics) IncSubmitPublishErrors(context.Context)      {}
func (noopMetrics) IncEventsApplied(context.Context, string)    {}
func (noopMetrics) IncEventsIgnored(context.Context, string)    {}
func (noopMetrics) IncMissingRecords(context.Context, bool)     {}
func (noopMetrics) IncRepublished(context.Context)              {}
