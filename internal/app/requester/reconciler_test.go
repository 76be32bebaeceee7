package requester

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/reportflow/internal/domain/events"
	"github.com/ahrav/reportflow/internal/domain/reporting"
	"github.com/ahrav/reportflow/internal/infra/storage/reporting/memory"
	"github.com/ahrav/reportflow/pkg/common/logger"
	"github.com/ahrav/reportflow/pkg/common/timeutil"
)

type countingNotifier struct {
	calls atomic.Int32
	err   error
}

func (n *countingNotifier) NotifyCompletion(context.Context, uuid.UUID, reporting.Completion) error {
	n.calls.Add(1)
	return n.err
}

type failingRepo struct {
	reporting.Repository
	err error
}

func (r failingRepo) ApplyStatus(context.Context, uuid.UUID, reporting.StatusUpdate) (bool, error) {
	return false, r.err
}

func pendingRecord(t *testing.T, repo reporting.Repository) uuid.UUID {
	t.Helper()
	id := uuid.New()
	req := reporting.NewReportRequest(id, reporting.ReportTypeMovieAnalysis, "tt0111161", nil, "alice", now)
	require.NoError(t, repo.CreatePending(context.Background(), req))
	return id
}

func statusEnv(t *testing.T, id uuid.UUID, seq int64, status reporting.ReportStatus, attempt int, opts ...reporting.StatusOption) events.EventEnvelope {
	t.Helper()
	evt, err := reporting.NewProcessingStatusEvent(id, seq, status, now, opts...)
	require.NoError(t, err)
	env := events.NewEnvelope(evt)
	env.Metadata.Attempt = attempt
	return env
}

func completedEnv(t *testing.T, id uuid.UUID, ref string, attempt int) events.EventEnvelope {
	t.Helper()
	evt, err := reporting.NewReportSucceededEvent(id, ref, now)
	require.NoError(t, err)
	env := events.NewEnvelope(evt)
	env.Metadata.Attempt = attempt
	return env
}

func newReconciler(opts ...ReconcilerOption) (*Reconciler, *memory.ReportStore) {
	repo := memory.NewReportStore(timeutil.NewFakeClock(now))
	return NewReconciler(repo, logger.Noop(), tracer, opts...), repo
}

func TestReconciler_AppliesStatusInOrder(t *testing.T) {
	r, repo := newReconciler()
	id := pendingRecord(t, repo)
	ctx := context.Background()

	assert.Equal(t, events.Ack, r.HandleStatus(ctx, statusEnv(t, id, 0, reporting.ReportStatusStarted, 1)).Disposition)
	assert.Equal(t, events.Ack, r.HandleStatus(ctx,
		statusEnv(t, id, 2, reporting.ReportStatusProcessing, 1, reporting.WithProgress(50))).Disposition)
	// Sequence 1 arrives late and is ignored.
	assert.Equal(t, events.Ack, r.HandleStatus(ctx,
		statusEnv(t, id, 1, reporting.ReportStatusProcessing, 1, reporting.WithProgress(10))).Disposition)

	rec, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, reporting.ReportStatusProcessing, rec.Status())
	assert.Equal(t, 50, rec.Progress())
	assert.Equal(t, int64(2), rec.LastSequence())
}

func TestReconciler_CompletionIsSticky(t *testing.T) {
	n := &countingNotifier{}
	r, repo := newReconciler(WithNotifier(n))
	id := pendingRecord(t, repo)
	ctx := context.Background()

	require.Equal(t, events.Ack, r.HandleCompletion(ctx, completedEnv(t, id, "mem://a.csv", 1)).Disposition)
	require.Equal(t, events.Ack, r.HandleCompletion(ctx, completedEnv(t, id, "mem://b.csv", 2)).Disposition)
	// A late status after completion is acknowledged without effect.
	require.Equal(t, events.Ack, r.HandleStatus(ctx,
		statusEnv(t, id, 3, reporting.ReportStatusProcessing, 1, reporting.WithProgress(90))).Disposition)

	rec, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, reporting.ReportStatusCompleted, rec.Status())
	assert.Equal(t, "mem://a.csv", rec.ResultRef())
	assert.Equal(t, 100, rec.Progress())
	assert.Equal(t, int32(1), n.calls.Load(), "notifier fires once per record")
}

func TestReconciler_ConcurrentDuplicateCompletionsNotifyOnce(t *testing.T) {
	n := &countingNotifier{}
	r, repo := newReconciler(WithNotifier(n))
	id := pendingRecord(t, repo)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := r.HandleCompletion(context.Background(), completedEnv(t, id, "mem://a.csv", 1))
			assert.Equal(t, events.Ack, res.Disposition)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), n.calls.Load())
}

func TestReconciler_MissingRecord(t *testing.T) {
	r, _ := newReconciler(WithMaxMissingAttempts(3))
	id := uuid.New()
	ctx := context.Background()

	res := r.HandleStatus(ctx, statusEnv(t, id, 0, reporting.ReportStatusStarted, 1))
	assert.Equal(t, events.Nack, res.Disposition)
	assert.ErrorIs(t, res.Err, reporting.ErrReportNotFound)

	res = r.HandleCompletion(ctx, completedEnv(t, id, "mem://x.csv", 3))
	assert.Equal(t, events.Drop, res.Disposition)
}

func TestReconciler_MissingRecordAppearsBeforeRetry(t *testing.T) {
	r, repo := newReconciler()
	ctx := context.Background()
	id := uuid.New()

	env := statusEnv(t, id, 0, reporting.ReportStatusStarted, 1)
	require.Equal(t, events.Nack, r.HandleStatus(ctx, env).Disposition)

	req := reporting.NewReportRequest(id, reporting.ReportTypeTrendReport, "", nil, "alice", now)
	require.NoError(t, repo.CreatePending(ctx, req))

	env.Metadata.Attempt = 2
	require.Equal(t, events.Ack, r.HandleStatus(ctx, env).Disposition)
	rec, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, reporting.ReportStatusStarted, rec.Status())
}

func TestReconciler_RepositoryErrorNacks(t *testing.T) {
	boom := errors.New("connection reset")
	r := NewReconciler(failingRepo{err: boom}, logger.Noop(), tracer)

	res := r.HandleStatus(context.Background(), statusEnv(t, uuid.New(), 0, reporting.ReportStatusStarted, 9))
	assert.Equal(t, events.Nack, res.Disposition)
	assert.ErrorIs(t, res.Err, boom)
}

func TestReconciler_NotifierErrorDoesNotNack(t *testing.T) {
	n := &countingNotifier{err: errors.New("webhook down")}
	r, repo := newReconciler(WithNotifier(n))
	id := pendingRecord(t, repo)

	res := r.HandleCompletion(context.Background(), completedEnv(t, id, "mem://a.csv", 1))
	assert.Equal(t, events.Ack, res.Disposition)
	assert.Equal(t, int32(1), n.calls.Load())
}

func TestReconciler_UnexpectedPayloadDropped(t *testing.T) {
	r, _ := newReconciler()
	env := completedEnv(t, uuid.New(), "mem://a.csv", 1)

	assert.Equal(t, events.Drop, r.HandleStatus(context.Background(), env).Disposition)
}
