package worker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records report processing outcomes on the worker side.
type Metrics interface {
	IncReportsStarted(ctx context.Context, reportType string)
	IncReportsCompleted(ctx context.Context, reportType string)
	IncReportsFailed(ctx context.Context, reportType, reason string)
	IncDuplicatesSkipped(ctx context.Context, decision string)
	IncReportsRetried(ctx context.Context, reportType string)
	ObserveReportDuration(ctx context.Context, reportType string, d time.Duration)
}

type workerMetrics struct {
	started    metric.Int64Counter
	completed  metric.Int64Counter
	failed     metric.Int64Counter
	duplicates metric.Int64Counter
	retried    metric.Int64Counter
	duration   metric.Float64Histogram
}

var _ Metrics = (*workerMetrics)(nil)

// NewMetrics registers the worker instruments with mp.
func NewMetrics(mp metric.MeterProvider) (Metrics, error) {
	meter := mp.Meter("reportflow/worker", metric.WithInstrumentationVersion("v0.1.0"))

	m := new(workerMetrics)
	var err error

	if m.started, err = meter.Int64Counter("reports_started_total",
		metric.WithDescription("Report requests the worker began processing")); err != nil {
		return nil, err
	}
	if m.completed, err = meter.Int64Counter("reports_completed_total",
		metric.WithDescription("Reports generated and published successfully")); err != nil {
		return nil, err
	}
	if m.failed, err = meter.Int64Counter("reports_failed_total",
		metric.WithDescription("Reports that ended in a failed completion")); err != nil {
		return nil, err
	}
	if m.duplicates, err = meter.Int64Counter("report_duplicates_skipped_total",
		metric.WithDescription("Duplicate deliveries acknowledged without processing")); err != nil {
		return nil, err
	}
	if m.retried, err = meter.Int64Counter("reports_retried_total",
		metric.WithDescription("Deliveries negatively acknowledged for redelivery")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("report_duration_seconds",
		metric.WithDescription("Time from receipt to completion event"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *workerMetrics) IncReportsStarted(ctx context.Context, reportType string) {
	m.started.Add(ctx, 1, metric.WithAttributes(attribute.String("report_type", reportType)))
}

func (m *workerMetrics) IncReportsCompleted(ctx context.Context, reportType string) {
	m.completed.Add(ctx, 1, metric.WithAttributes(attribute.String("report_type", reportType)))
}

func (m *workerMetrics) IncReportsFailed(ctx context.Context, reportType, reason string) {
	m.failed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("report_type", reportType),
		attribute.String("reason", reason),
	))
}

func (m *workerMetrics) IncDuplicatesSkipped(ctx context.Context, decision string) {
	m.duplicates.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
}

func (m *workerMetrics) IncReportsRetried(ctx context.Context, reportType string) {
	m.retried.Add(ctx, 1, metric.WithAttributes(attribute.String("report_type", reportType)))
}

func (m *workerMetrics) ObserveReportDuration(ctx context.Context, reportType string, d time.Duration) {
	m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("report_type", reportType)))
}

type noopMetrics struct{}

func (noopMetrics) IncReportsStarted(context.Context, string)                    {}
func (noopMetrics) IncReportsCompleted(context.Context, string)                  {}
func (noopMetrics) IncReportsFailed(context.Context, string, string)             {}
func (noopMetrics) IncDuplicatesSkipped(context.Context, string)                 {}
func (noopMetrics) IncReportsRetried(context.Context, string)                    {}
func (noopMetrics) ObserveReportDuration(context.Context, string, time.Duration) {}
