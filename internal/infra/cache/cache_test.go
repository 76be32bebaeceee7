package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/reportflow/internal/domain/catalog"
	"github.com/ahrav/reportflow/pkg/common/timeutil"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestCache_SingleFlight(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})

	c, err := New(func(ctx context.Context, key string) (string, error) {
		calls.Add(1)
		<-release
		return "payload-" + key, nil
	})
	require.NoError(t, err)

	const callers = 50
	var (
		wg      sync.WaitGroup
		started sync.WaitGroup
	)
	results := make([]string, callers)
	errs := make([]error, callers)
	started.Add(callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Done()
			results[i], errs[i] = c.Get(context.Background(), "tt0111161")
		}(i)
	}
	started.Wait()
	// Give every goroutine a chance to join the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "payload-tt0111161", results[i])
	}
}

func TestCache_ExpiresAfterTTL(t *testing.T) {
	clock := timeutil.NewFakeClock(t0)
	var calls atomic.Int32

	c, err := New(func(ctx context.Context, key string) (int32, error) {
		return calls.Add(1), nil
	}, WithClock(clock), WithTTL(time.Hour))
	require.NoError(t, err)

	v, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, int32(1), v)

	clock.Set(t0.Add(3599 * time.Second))
	v, err = c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, int32(1), v, "entry is still fresh before the ttl elapses")

	clock.Set(t0.Add(3601 * time.Second))
	v, err = c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, int32(2), v, "expired entry must be refetched")
	assert.Equal(t, int32(2), calls.Load())
}

func TestCache_FailuresAreNotCached(t *testing.T) {
	var calls atomic.Int32
	c, err := New(func(ctx context.Context, key string) (string, error) {
		if calls.Add(1) == 1 {
			return "", &catalog.FetchError{Kind: catalog.FetchRateLimited, SubjectID: key}
		}
		return "ok", nil
	})
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "tt1375666")
	fe, ok := catalog.AsFetchError(err)
	require.True(t, ok)
	assert.Equal(t, catalog.FetchRateLimited, fe.Kind)

	v, err := c.Get(context.Background(), "tt1375666")
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCache_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		fetchErr error
		want     catalog.FetchErrorKind
	}{
		{name: "plain error becomes unavailable", fetchErr: errors.New("boom"), want: catalog.FetchUnavailable},
		{name: "fetch error kept", fetchErr: &catalog.FetchError{Kind: catalog.FetchNotFound}, want: catalog.FetchNotFound},
		{name: "deadline becomes timeout", fetchErr: context.DeadlineExceeded, want: catalog.FetchTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(func(ctx context.Context, key string) (string, error) {
				return "", tt.fetchErr
			})
			require.NoError(t, err)

			_, err = c.Get(context.Background(), "key")
			fe, ok := catalog.AsFetchError(err)
			require.True(t, ok)
			assert.Equal(t, tt.want, fe.Kind)
			assert.Zero(t, c.Len())
		})
	}
}

func TestCache_FetchTimeout(t *testing.T) {
	c, err := New(func(ctx context.Context, key string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}, WithFetchTimeout(20*time.Millisecond))
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "slow")
	fe, ok := catalog.AsFetchError(err)
	require.True(t, ok)
	assert.Equal(t, catalog.FetchTimeout, fe.Kind)
	assert.Equal(t, "slow", fe.SubjectID)
}

func TestCache_CallerCancellationDoesNotAbortSharedFetch(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	c, err := New(func(ctx context.Context, key string) (string, error) {
		calls.Add(1)
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, "k")
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(release)
	v, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "done", v)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_CapacityEvictsLeastRecentlyUsed(t *testing.T) {
	var calls atomic.Int32
	c, err := New(func(ctx context.Context, key string) (string, error) {
		calls.Add(1)
		return key, nil
	}, WithCapacity(2))
	require.NoError(t, err)

	ctx := context.Background()
	for _, k := range []string{"a", "b", "a", "c"} {
		_, err := c.Get(ctx, k)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, int32(3), calls.Load())

	_, err = c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load(), "a was recently used and must survive")

	_, err = c.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int32(4), calls.Load(), "b was evicted")
}

func TestCache_EvictExpired(t *testing.T) {
	clock := timeutil.NewFakeClock(t0)
	c, err := New(func(ctx context.Context, key string) (string, error) {
		return key, nil
	}, WithClock(clock), WithTTL(time.Minute))
	require.NoError(t, err)

	ctx := context.Background()
	_, _ = c.Get(ctx, "a")
	clock.Advance(30 * time.Second)
	_, _ = c.Get(ctx, "b")

	clock.Advance(45 * time.Second)
	assert.Equal(t, 1, c.EvictExpired())
	assert.Equal(t, 1, c.Len())
}
