package worker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/reportflow/pkg/common/timeutil"
)

func newTestGuard(t *testing.T, clock timeutil.Provider, window time.Duration) *Guard {
	t.Helper()
	g, err := NewGuard(GuardConfig{Shards: 4, Capacity: 64, Window: window}, clock)
	require.NoError(t, err)
	return g
}

func TestGuard_Lifecycle(t *testing.T) {
	clock := timeutil.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	g := newTestGuard(t, clock, time.Hour)
	id := uuid.New()

	assert.Equal(t, Proceed, g.Begin(id))
	assert.Equal(t, DuplicateInFlight, g.Begin(id))

	g.Finish(id)
	assert.Equal(t, DuplicateDone, g.Begin(id))

	clock.Advance(59 * time.Minute)
	assert.Equal(t, DuplicateDone, g.Begin(id))

	clock.Advance(2 * time.Minute)
	assert.Equal(t, Proceed, g.Begin(id), "after the window a duplicate is reprocessed")
}

func TestGuard_AbortReleasesClaim(t *testing.T) {
	g := newTestGuard(t, nil, time.Hour)
	id := uuid.New()

	require.Equal(t, Proceed, g.Begin(id))
	g.Abort(id)
	assert.Equal(t, Proceed, g.Begin(id))

	g.Finish(id)
	g.Abort(id)
	assert.Equal(t, DuplicateDone, g.Begin(id), "abort never clears a finished request")
}

func TestGuard_ConcurrentBeginGrantsOnce(t *testing.T) {
	g := newTestGuard(t, nil, time.Hour)
	id := uuid.New()

	const callers = 64
	var (
		wg      sync.WaitGroup
		granted atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Begin(id) == Proceed {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), granted.Load())
}

func TestGuard_SweepRemovesExpired(t *testing.T) {
	clock := timeutil.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	g := newTestGuard(t, clock, time.Minute)

	done, inflight := uuid.New(), uuid.New()
	g.Begin(done)
	g.Finish(done)
	g.Begin(inflight)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, g.Sweep())
	assert.Equal(t, 1, g.Len())
	assert.Equal(t, DuplicateInFlight, g.Begin(inflight))
}

func TestGuard_CapacityIsBounded(t *testing.T) {
	g, err := NewGuard(GuardConfig{Shards: 2, Capacity: 8, Window: time.Hour}, nil)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		id := uuid.New()
		g.Begin(id)
		g.Finish(id)
	}
	assert.LessOrEqual(t, g.Len(), 8)
}

func TestGuard_CapacityNeverEvictsInFlight(t *testing.T) {
	g, err := NewGuard(GuardConfig{Shards: 1, Capacity: 1, Window: time.Hour}, nil)
	require.NoError(t, err)

	a, b := uuid.New(), uuid.New()
	require.Equal(t, Proceed, g.Begin(a))
	require.Equal(t, Proceed, g.Begin(b))
	assert.Equal(t, DuplicateInFlight, g.Begin(a))

	for i := 0; i < 10; i++ {
		id := uuid.New()
		g.Begin(id)
		g.Finish(id)
	}
	assert.Equal(t, DuplicateInFlight, g.Begin(a))
	assert.Equal(t, DuplicateInFlight, g.Begin(b))
}

func TestGuard_ExpiredLeaseIsReclaimed(t *testing.T) {
	clock := timeutil.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	g, err := NewGuard(GuardConfig{Shards: 2, Capacity: 8, Window: time.Hour, Lease: time.Minute}, clock)
	require.NoError(t, err)
	id := uuid.New()

	require.Equal(t, Proceed, g.Begin(id))
	clock.Advance(30 * time.Second)
	assert.Equal(t, DuplicateInFlight, g.Begin(id))

	clock.Advance(31 * time.Second)
	assert.Equal(t, Proceed, g.Begin(id), "an abandoned claim goes to the next delivery")
	assert.Equal(t, DuplicateInFlight, g.Begin(id), "the new claim starts a fresh lease")

	g.Finish(id)
	assert.Equal(t, DuplicateDone, g.Begin(id))
}

func TestGuard_SweepDropsExpiredLeases(t *testing.T) {
	clock := timeutil.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	g, err := NewGuard(GuardConfig{Shards: 1, Capacity: 8, Window: time.Hour, Lease: time.Minute}, clock)
	require.NoError(t, err)

	g.Begin(uuid.New())
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, g.Sweep())
	assert.Zero(t, g.Len())
}
