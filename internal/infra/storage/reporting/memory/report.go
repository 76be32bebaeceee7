// Package memory implements reporting.Repository in process memory.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/reportflow/internal/domain/reporting"
	"github.com/ahrav/reportflow/pkg/common/timeutil"
)

var _ reporting.Repository = (*ReportStore)(nil)

// ReportStore keeps record snapshots in a map guarded by one mutex. Records
// are copied in and out so callers never share state with the store.
type ReportStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]reporting.RecordSnapshot
	clock   timeutil.Provider
}

// NewReportStore returns an empty store.
func NewReportStore(clock timeutil.Provider) *ReportStore {
	if clock == nil {
		clock = timeutil.Default()
	}
	return &ReportStore{records: make(map[uuid.UUID]reporting.RecordSnapshot), clock: clock}
}

func (s *ReportStore) CreatePending(ctx context.Context, req reporting.ReportRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[req.RequestID()]; ok {
		return reporting.ErrReportExists
	}
	rec := reporting.NewPendingRecord(req)
	rec.Touch(s.clock.Now())
	s.records[req.RequestID()] = rec.Snapshot()
	return nil
}

func (s *ReportStore) ApplyStatus(ctx context.Context, requestID uuid.UUID, u reporting.StatusUpdate) (bool, error) {
	return s.merge(requestID, func(r *reporting.ReportRecord) error { return r.ApplyStatus(u) })
}

func (s *ReportStore) ApplyCompletion(ctx context.Context, requestID uuid.UUID, c reporting.Completion) (bool, error) {
	return s.merge(requestID, func(r *reporting.ReportRecord) error { return r.ApplyCompletion(c) })
}

func (s *ReportStore) merge(requestID uuid.UUID, apply func(*reporting.ReportRecord) error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.records[requestID]
	if !ok {
		return false, reporting.ErrReportNotFound
	}
	rec := reporting.ReconstructReportRecord(snap)
	if err := apply(rec); err != nil {
		if reporting.IsIgnorable(err) {
			return false, nil
		}
		return false, err
	}
	rec.Touch(s.clock.Now())
	s.records[requestID] = rec.Snapshot()
	return true, nil
}

func (s *ReportStore) Get(ctx context.Context, requestID uuid.UUID) (*reporting.ReportRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.records[requestID]
	if !ok {
		return nil, reporting.ErrReportNotFound
	}
	return reporting.ReconstructReportRecord(snap), nil
}

func (s *ReportStore) MarkPublished(ctx context.Context, requestID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.records[requestID]
	if !ok {
		return reporting.ErrReportNotFound
	}
	rec := reporting.ReconstructReportRecord(snap)
	rec.MarkPublished(at)
	s.records[requestID] = rec.Snapshot()
	return nil
}

func (s *ReportStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*reporting.ReportRecord, error) {
	s.mu.RLock()
	var stale []reporting.RecordSnapshot
	for _, snap := range s.records {
		if snap.Status != reporting.ReportStatusPending {
			continue
		}
		if lastAttempt(snap).Before(olderThan) {
			stale = append(stale, snap)
		}
	}
	s.mu.RUnlock()

	sort.Slice(stale, func(i, j int) bool { return lastAttempt(stale[i]).Before(lastAttempt(stale[j])) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}

	out := make([]*reporting.ReportRecord, 0, len(stale))
	for _, snap := range stale {
		out = append(out, reporting.ReconstructReportRecord(snap))
	}
	return out, nil
}

func lastAttempt(s reporting.RecordSnapshot) time.Time {
	if !s.PublishedAt.IsZero() {
		return s.PublishedAt
	}
	return s.CreatedAt
}
