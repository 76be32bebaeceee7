package requester

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/reportflow/internal/domain/events"
	"github.com/ahrav/reportflow/internal/domain/reporting"
	"github.com/ahrav/reportflow/pkg/common/logger"
	"github.com/ahrav/reportflow/pkg/common/timeutil"
)

// SweeperConfig controls the pending sweeper.
type SweeperConfig struct {
	// Threshold is how long a record may stay pending since its last publish
	// attempt before it is republished.
	Threshold time.Duration
	// Interval between sweeps.
	Interval time.Duration
	// BatchSize bounds the records republished per sweep.
	BatchSize int
}

func (c SweeperConfig) withDefaults() SweeperConfig {
	if c.Threshold <= 0 {
		c.Threshold = 2 * time.Minute
	}
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// PendingSweeper republishes requests that were persisted but whose request
// event never reached the bus, or that no worker picked up. Republishing is
// safe because workers deduplicate by request id.
type PendingSweeper struct {
	repo      reporting.Repository
	publisher events.DomainEventPublisher
	clock     timeutil.Provider
	cfg       SweeperConfig

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics Metrics
}

// NewPendingSweeper creates a PendingSweeper. A nil clock or metrics uses the defaults.
func NewPendingSweeper(
	repo reporting.Repository,
	publisher events.DomainEventPublisher,
	cfg SweeperConfig,
	clock timeutil.Provider,
	metrics Metrics,
	log *logger.Logger,
	tracer trace.Tracer,
) *PendingSweeper {
	if clock == nil {
		clock = timeutil.Default()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &PendingSweeper{
		repo:      repo,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg.withDefaults(),
		logger:    log.With("component", "pending_sweeper"),
		tracer:    tracer,
		metrics:   metrics,
	}
}

// SweepOnce republishes one batch of stale pending records and returns how
// many were published.
func (s *PendingSweeper) SweepOnce(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "pending_sweeper.sweep")
	defer span.End()

	now := s.clock.Now()
	stale, err := s.repo.ListStalePending(ctx, now.Add(-s.cfg.Threshold), s.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("listing stale pending reports: %w", err)
	}
	span.SetAttributes(attribute.Int("stale_count", len(stale)))

	published := 0
	for _, rec := range stale {
		if err := ctx.Err(); err != nil {
			return published, err
		}
		id := rec.RequestID().String()
		evt := reporting.NewReportRequestedEvent(rec.Request(), s.clock.Now())
		if err := s.publisher.PublishDomainEvent(ctx, evt); err != nil {
			span.RecordError(err)
			s.logger.Warn(ctx, "Failed to republish pending report", "request_id", id, "error", err)
			continue
		}
		if err := s.repo.MarkPublished(ctx, rec.RequestID(), s.clock.Now()); err != nil {
			s.logger.Warn(ctx, "Failed to record republish time", "request_id", id, "error", err)
		}
		s.metrics.IncRepublished(ctx)
		published++
	}

	if published > 0 {
		s.logger.Info(ctx, "Republished pending reports", "count", published)
	}
	return published, nil
}

// Run sweeps every Interval until ctx is done.
func (s *PendingSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error(ctx, "Pending sweep failed", "error", err)
			}
		}
	}
}
