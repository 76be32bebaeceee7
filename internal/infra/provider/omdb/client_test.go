package omdb

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/reportflow/internal/domain/catalog"
	"github.com/ahrav/reportflow/pkg/common/logger"
)

const shawshank = `{
  "Title": "The Shawshank Redemption",
  "Year": "1994",
  "Rated": "R",
  "Runtime": "142 min",
  "Genre": "Drama",
  "Director": "Frank Darabont",
  "Actors": "Tim Robbins, Morgan Freeman, Bob Gunton",
  "Ratings": [
    {"Source": "Internet Movie Database", "Value": "9.3/10"},
    {"Source": "Rotten Tomatoes", "Value": "89%"}
  ],
  "imdbRating": "9.3",
  "imdbVotes": "2,912,850",
  "imdbID": "tt0111161",
  "BoxOffice": "N/A",
  "Response": "True"
}`

func newTestClient(t *testing.T, handler http.HandlerFunc, mutate func(*Config)) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := Config{
		BaseURL:              srv.URL,
		APIKey:               "secret",
		RequestsPerSecond:    1000,
		Burst:                10,
		MaxRetries:           2,
		RetryInitialInterval: time.Millisecond,
		BreakerFailures:      100,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewClient(cfg, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)
	return c
}

func TestClient_FetchDecodesMovie(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tt0111161", r.URL.Query().Get("i"))
		assert.Equal(t, "secret", r.URL.Query().Get("apikey"))
		_, _ = w.Write([]byte(shawshank))
	}, nil)

	m, err := c.Fetch(context.Background(), "tt0111161")
	require.NoError(t, err)

	assert.Equal(t, "The Shawshank Redemption", m.Title)
	assert.Equal(t, []string{"Drama"}, m.Genres)
	assert.Equal(t, []string{"Tim Robbins", "Morgan Freeman", "Bob Gunton"}, m.Actors)
	assert.InDelta(t, 9.3, m.IMDbRating, 0.001)
	assert.Equal(t, int64(2912850), m.IMDbVotes)
	assert.Empty(t, m.BoxOffice)
	assert.Len(t, m.Ratings, 2)
}

func TestClient_FetchErrorKinds(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantKind  catalog.FetchErrorKind
		wantCalls int32
	}{
		{
			name:      "not found in body is not retried",
			status:    http.StatusOK,
			body:      `{"Response":"False","Error":"Incorrect IMDb ID."}`,
			wantKind:  catalog.FetchNotFound,
			wantCalls: 1,
		},
		{
			name:      "http 404",
			status:    http.StatusNotFound,
			wantKind:  catalog.FetchNotFound,
			wantCalls: 1,
		},
		{
			name:      "rate limited is retried",
			status:    http.StatusTooManyRequests,
			wantKind:  catalog.FetchRateLimited,
			wantCalls: 3,
		},
		{
			name:      "request limit in body",
			status:    http.StatusUnauthorized,
			body:      `{"Response":"False","Error":"Request limit reached!"}`,
			wantKind:  catalog.FetchRateLimited,
			wantCalls: 3,
		},
		{
			name:      "server error is retried",
			status:    http.StatusBadGateway,
			wantKind:  catalog.FetchUnavailable,
			wantCalls: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}, nil)

			_, err := c.Fetch(context.Background(), "tt0000001")
			fe, ok := catalog.AsFetchError(err)
			require.True(t, ok, "expected FetchError, got %v", err)
			assert.Equal(t, tt.wantKind, fe.Kind)
			assert.Equal(t, "tt0000001", fe.SubjectID)
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestClient_RetrySucceedsAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(shawshank))
	}, nil)

	m, err := c.Fetch(context.Background(), "tt0111161")
	require.NoError(t, err)
	assert.Equal(t, "tt0111161", m.IMDbID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_Timeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}, func(cfg *Config) { cfg.MaxRetries = 0 })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := c.Fetch(ctx, "tt0111161")
	fe, ok := catalog.AsFetchError(err)
	require.True(t, ok)
	assert.Equal(t, catalog.FetchTimeout, fe.Kind)
}

func TestClient_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}, func(cfg *Config) {
		cfg.MaxRetries = 0
		cfg.BreakerFailures = 2
		cfg.BreakerTimeout = time.Minute
	})

	for i := 0; i < 2; i++ {
		_, err := c.Fetch(context.Background(), "tt0111161")
		require.Error(t, err)
	}
	assert.Equal(t, int32(2), calls.Load())

	_, err := c.Fetch(context.Background(), "tt0111161")
	fe, ok := catalog.AsFetchError(err)
	require.True(t, ok)
	assert.Equal(t, catalog.FetchUnavailable, fe.Kind)
	assert.Equal(t, int32(2), calls.Load(), "open breaker must short-circuit the request")
}
