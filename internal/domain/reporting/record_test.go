package reporting

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecord(t *testing.T) *ReportRecord {
	t.Helper()
	req := NewReportRequest(uuid.New(), ReportTypeMovieAnalysis, "tt1234567", nil, "alice", time.Now())
	return NewPendingRecord(req)
}

func TestReportRecord_ApplyStatus(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name       string
		prepare    func(r *ReportRecord)
		update     StatusUpdate
		wantErr    func(t *testing.T, err error)
		wantStatus ReportStatus
	}{
		{
			name:       "pending to started",
			update:     StatusUpdate{Sequence: 0, Status: ReportStatusStarted, EmittedAt: now},
			wantStatus: ReportStatusStarted,
		},
		{
			name: "started to processing with progress",
			prepare: func(r *ReportRecord) {
				require.NoError(t, r.ApplyStatus(StatusUpdate{Sequence: 0, Status: ReportStatusStarted}))
			},
			update:     StatusUpdate{Sequence: 1, Status: ReportStatusProcessing, Progress: 40, HasProgress: true},
			wantStatus: ReportStatusProcessing,
		},
		{
			name: "stale sequence is rejected",
			prepare: func(r *ReportRecord) {
				require.NoError(t, r.ApplyStatus(StatusUpdate{Sequence: 3, Status: ReportStatusProcessing}))
			},
			update: StatusUpdate{Sequence: 0, Status: ReportStatusStarted},
			wantErr: func(t *testing.T, err error) {
				var ooo *OutOfOrderStatusError
				assert.ErrorAs(t, err, &ooo)
			},
			wantStatus: ReportStatusProcessing,
		},
		{
			name: "newer sequence cannot regress",
			prepare: func(r *ReportRecord) {
				require.NoError(t, r.ApplyStatus(StatusUpdate{Sequence: 1, Status: ReportStatusProcessing}))
			},
			update: StatusUpdate{Sequence: 5, Status: ReportStatusStarted},
			wantErr: func(t *testing.T, err error) {
				var inv *InvalidTransitionError
				assert.ErrorAs(t, err, &inv)
			},
			wantStatus: ReportStatusProcessing,
		},
		{
			name:   "terminal status event does not finish the record",
			update: StatusUpdate{Sequence: 4, Status: ReportStatusCompleted},
			wantErr: func(t *testing.T, err error) {
				var inv *InvalidTransitionError
				assert.ErrorAs(t, err, &inv)
			},
			wantStatus: ReportStatusPending,
		},
		{
			name: "terminal record ignores status",
			prepare: func(r *ReportRecord) {
				require.NoError(t, r.ApplyCompletion(Completion{Status: ReportStatusFailed, Error: "boom"}))
			},
			update: StatusUpdate{Sequence: 0, Status: ReportStatusStarted},
			wantErr: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrTerminalState)
			},
			wantStatus: ReportStatusFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRecord(t)
			if tt.prepare != nil {
				tt.prepare(r)
			}

			err := r.ApplyStatus(tt.update)
			if tt.wantErr != nil {
				require.Error(t, err)
				tt.wantErr(t, err)
				assert.True(t, IsIgnorable(err))
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.update.Sequence, r.LastSequence())
			}
			assert.Equal(t, tt.wantStatus, r.Status())
		})
	}
}

func TestReportRecord_ProgressNeverDecreases(t *testing.T) {
	r := newTestRecord(t)
	require.NoError(t, r.ApplyStatus(StatusUpdate{Sequence: 1, Status: ReportStatusProcessing, Progress: 60, HasProgress: true}))
	require.NoError(t, r.ApplyStatus(StatusUpdate{Sequence: 2, Status: ReportStatusProcessing, Progress: 30, HasProgress: true}))
	assert.Equal(t, 60, r.Progress())
	assert.Equal(t, int64(2), r.LastSequence())
}

func TestReportRecord_ApplyCompletionFirstWins(t *testing.T) {
	r := newTestRecord(t)
	at := time.Now()

	require.NoError(t, r.ApplyCompletion(Completion{Status: ReportStatusCompleted, ResultRef: "reports/a.csv", EmittedAt: at}))
	err := r.ApplyCompletion(Completion{Status: ReportStatusFailed, Error: "late failure", EmittedAt: at.Add(time.Second)})

	assert.ErrorIs(t, err, ErrTerminalState)
	assert.Equal(t, ReportStatusCompleted, r.Status())
	assert.Equal(t, "reports/a.csv", r.ResultRef())
	assert.Empty(t, r.Error())
	assert.Equal(t, 100, r.Progress())
	assert.True(t, at.Equal(r.LastEventAt()))
}

func TestReportRecord_ApplyCompletionValidates(t *testing.T) {
	r := newTestRecord(t)
	assert.ErrorIs(t, r.ApplyCompletion(Completion{Status: ReportStatusCompleted}), ErrMissingResultRef)
	assert.ErrorIs(t, r.ApplyCompletion(Completion{Status: ReportStatusFailed}), ErrMissingError)
	assert.ErrorIs(t, r.ApplyCompletion(Completion{Status: ReportStatusProcessing}), ErrNotTerminal)
	assert.Equal(t, ReportStatusPending, r.Status())
}

// Any delivery order of a request's events converges to the completion and
// never observes a status earlier than one already applied.
func TestReportRecord_MonotonicUnderShuffledDelivery(t *testing.T) {
	type delivery struct {
		status     *StatusUpdate
		completion *Completion
	}

	base := []delivery{
		{status: &StatusUpdate{Sequence: 0, Status: ReportStatusStarted}},
		{status: &StatusUpdate{Sequence: 1, Status: ReportStatusProcessing, Progress: 10, HasProgress: true}},
		{status: &StatusUpdate{Sequence: 2, Status: ReportStatusProcessing, Progress: 50, HasProgress: true}},
		{status: &StatusUpdate{Sequence: 3, Status: ReportStatusProcessing, Progress: 90, HasProgress: true}},
		{completion: &Completion{Status: ReportStatusCompleted, ResultRef: "reports/x.csv"}},
	}

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		// Include duplicates to model redelivery.
		deliveries := append(append([]delivery{}, base...), base[rng.Intn(len(base))], base[rng.Intn(len(base))])
		rng.Shuffle(len(deliveries), func(a, b int) { deliveries[a], deliveries[b] = deliveries[b], deliveries[a] })

		r := newTestRecord(t)
		prev := r.Status()
		for _, d := range deliveries {
			var err error
			if d.status != nil {
				err = r.ApplyStatus(*d.status)
			} else {
				err = r.ApplyCompletion(*d.completion)
			}
			if err != nil {
				require.True(t, IsIgnorable(err), "unexpected error: %v", err)
			}
			require.False(t, r.Status().Precedes(prev), "status regressed from %s to %s", prev, r.Status())
			if prev.IsTerminal() {
				require.Equal(t, prev, r.Status())
			}
			prev = r.Status()
		}
		assert.Equal(t, ReportStatusCompleted, r.Status())
		assert.Equal(t, "reports/x.csv", r.ResultRef())
	}
}

func TestReportRecord_SnapshotRoundTrip(t *testing.T) {
	r := newTestRecord(t)
	require.NoError(t, r.ApplyStatus(StatusUpdate{Sequence: 0, Status: ReportStatusStarted, Message: "accepted"}))
	r.MarkPublished(time.Now())

	restored := ReconstructReportRecord(r.Snapshot())
	assert.Equal(t, r.Snapshot(), restored.Snapshot())
	assert.Equal(t, r.RequestID(), restored.Request().RequestID())
}
