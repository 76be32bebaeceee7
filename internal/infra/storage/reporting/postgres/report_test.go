package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/reportflow/internal/domain/reporting"
	"github.com/ahrav/reportflow/internal/infra/storage"
	"github.com/ahrav/reportflow/pkg/common/timeutil"
)

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

// setupReportTest connects to a test database container with migrations applied.
func setupReportTest(t *testing.T) (context.Context, *pgxpool.Pool, *reportStore, func()) {
	t.Helper()

	ctx := context.Background()
	pool, containerCleanup := storage.SetupTestContainer(t)
	store := NewReportStore(pool, storage.NoOpTracer(), timeutil.NewFakeClock(t0))

	cleanup := func() {
		if _, err := pool.Exec(ctx, "DELETE FROM reports"); err != nil {
			t.Logf("Failed to clean up reports table: %v", err)
		}
		containerCleanup()
	}
	return ctx, pool, store, cleanup
}

func newRequest(t *testing.T, createdAt time.Time) reporting.ReportRequest {
	t.Helper()
	return reporting.NewReportRequest(uuid.New(), reporting.ReportTypeTrendReport, "",
		map[string]string{"format": "xlsx", "windowDays": "7"}, "bob", createdAt)
}

func TestReportStore_CreatePendingAndGet(t *testing.T) {
	ctx, _, store, cleanup := setupReportTest(t)
	defer cleanup()

	req := newRequest(t, t0)
	require.NoError(t, store.CreatePending(ctx, req))
	assert.ErrorIs(t, store.CreatePending(ctx, req), reporting.ErrReportExists)

	rec, err := store.Get(ctx, req.RequestID())
	require.NoError(t, err)
	assert.Equal(t, req.RequestID(), rec.RequestID())
	assert.Equal(t, reporting.ReportTypeTrendReport, rec.ReportType())
	assert.Equal(t, reporting.ReportStatusPending, rec.Status())
	assert.Equal(t, map[string]string{"format": "xlsx", "windowDays": "7"}, rec.Parameters())
	assert.Equal(t, int64(-1), rec.LastSequence())
	assert.True(t, rec.PublishedAt().IsZero())

	_, err = store.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, reporting.ErrReportNotFound)
}

func TestReportStore_MergeLifecycle(t *testing.T) {
	ctx, _, store, cleanup := setupReportTest(t)
	defer cleanup()

	req := newRequest(t, t0)
	require.NoError(t, store.CreatePending(ctx, req))
	id := req.RequestID()

	updates := []reporting.StatusUpdate{
		{Sequence: 0, Status: reporting.ReportStatusStarted, EmittedAt: t0},
		{Sequence: 1, Status: reporting.ReportStatusProcessing, Progress: 10, HasProgress: true, EmittedAt: t0},
		{Sequence: 2, Status: reporting.ReportStatusProcessing, Progress: 50, HasProgress: true, EmittedAt: t0},
	}
	for _, u := range updates {
		applied, err := store.ApplyStatus(ctx, id, u)
		require.NoError(t, err)
		assert.True(t, applied)
	}

	applied, err := store.ApplyStatus(ctx, id, updates[1])
	require.NoError(t, err)
	assert.False(t, applied, "stale sequence is ignored")

	applied, err = store.ApplyCompletion(ctx, id, reporting.Completion{
		Status: reporting.ReportStatusFailed, Error: "provider unavailable", EmittedAt: t0.Add(time.Second),
	})
	require.NoError(t, err)
	assert.True(t, applied)

	rec, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, reporting.ReportStatusFailed, rec.Status())
	assert.Equal(t, "provider unavailable", rec.Error())
	assert.Equal(t, 50, rec.Progress())
	assert.Equal(t, int64(2), rec.LastSequence())
	assert.True(t, rec.LastEventAt().Equal(t0.Add(time.Second)))
}

func TestReportStore_ConcurrentCompletionsApplyOnce(t *testing.T) {
	ctx, _, store, cleanup := setupReportTest(t)
	defer cleanup()

	req := newRequest(t, t0)
	require.NoError(t, store.CreatePending(ctx, req))

	const deliveries = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.ApplyCompletion(ctx, req.RequestID(), reporting.Completion{
				Status: reporting.ReportStatusCompleted, ResultRef: "gs://bucket/reports/x.xlsx", EmittedAt: t0,
			})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, applied)
}

func TestReportStore_ListStalePending(t *testing.T) {
	ctx, _, store, cleanup := setupReportTest(t)
	defer cleanup()

	stale := newRequest(t, t0.Add(-time.Hour))
	republished := newRequest(t, t0.Add(-time.Hour))
	fresh := newRequest(t, t0)
	for _, r := range []reporting.ReportRequest{stale, republished, fresh} {
		require.NoError(t, store.CreatePending(ctx, r))
	}
	require.NoError(t, store.MarkPublished(ctx, republished.RequestID(), t0))

	records, err := store.ListStalePending(ctx, t0.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, stale.RequestID(), records[0].RequestID())

	assert.ErrorIs(t, store.MarkPublished(ctx, uuid.New(), t0), reporting.ErrReportNotFound)
}
