// Package omdb implements catalog.Provider against an OMDb-compatible HTTP API.
package omdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/ahrav/reportflow/internal/domain/catalog"
	"github.com/ahrav/reportflow/pkg/common/logger"
)

const (
	defaultBaseURL = "https://www.omdbapi.com/"
	notAvailable   = "N/A"
)

// Config contains the provider connection and resilience settings.
type Config struct {
	BaseURL string
	APIKey  string

	RequestsPerSecond float64
	Burst             int

	// MaxRetries bounds local retries of retryable failures.
	MaxRetries           uint64
	RetryInitialInterval time.Duration

	// BreakerFailures is the number of consecutive failures that opens the breaker.
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	HTTPClient *http.Client
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 5
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = 200 * time.Millisecond
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return c
}

var _ catalog.Provider = (*Client)(nil)

// Client fetches movie metadata. Requests are rate limited, wrapped in a
// circuit breaker and retried a bounded number of times when the failure is
// retryable. Every error returned is a *catalog.FetchError.
type Client struct {
	cfg     Config
	base    *url.URL
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[catalog.Movie]

	logger *logger.Logger
	tracer trace.Tracer
}

// NewClient creates an OMDb client.
func NewClient(cfg Config, log *logger.Logger, tracer trace.Tracer) (*Client, error) {
	cfg = cfg.withDefaults()
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid provider base url: %w", err)
	}

	log = log.With("component", "omdb_client")
	c := &Client{
		cfg:     cfg,
		base:    base,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:  log,
		tracer:  tracer,
	}

	c.breaker = gobreaker.NewCircuitBreaker[catalog.Movie](gobreaker.Settings{
		Name:        "omdb",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// A missing title says nothing about provider health.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			fe, ok := catalog.AsFetchError(err)
			return ok && fe.Kind == catalog.FetchNotFound
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn(context.Background(), "Circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return c, nil
}

// Fetch returns the movie identified by subjectID (an IMDb id).
func (c *Client) Fetch(ctx context.Context, subjectID string) (catalog.Movie, error) {
	ctx, span := c.tracer.Start(ctx, "omdb.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("subject_id", subjectID)))
	defer span.End()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.RetryInitialInterval
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, c.cfg.MaxRetries), ctx)

	var movie catalog.Movie
	attempts := 0
	operation := func() error {
		attempts++
		m, err := c.attempt(ctx, subjectID)
		if err == nil {
			movie = m
			return nil
		}
		if fe, ok := catalog.AsFetchError(err); ok && fe.Retryable() && ctx.Err() == nil && !breakerRejected(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn(ctx, "Provider fetch failed, retrying",
			"subject_id", subjectID, "attempt", attempts, "retry_in", wait, "error", err)
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		fe := toFetchError(ctx, subjectID, err)
		span.RecordError(fe)
		span.SetStatus(codes.Error, "fetch failed")
		span.SetAttributes(attribute.String("fetch_error_kind", string(fe.Kind)), attribute.Int("attempts", attempts))
		return catalog.Movie{}, fe
	}

	span.SetAttributes(attribute.Int("attempts", attempts))
	return movie, nil
}

func (c *Client) attempt(ctx context.Context, subjectID string) (catalog.Movie, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return catalog.Movie{}, toFetchError(ctx, subjectID, err)
	}

	m, err := c.breaker.Execute(func() (catalog.Movie, error) {
		return c.request(ctx, subjectID)
	})
	if breakerRejected(err) {
		return catalog.Movie{}, &catalog.FetchError{Kind: catalog.FetchUnavailable, SubjectID: subjectID, Err: err}
	}
	return m, err
}

func breakerRejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

type ratingDTO struct {
	Source string `json:"Source"`
	Value  string `json:"Value"`
}

type movieDTO struct {
	Response   string      `json:"Response"`
	Error      string      `json:"Error"`
	IMDbID     string      `json:"imdbID"`
	Title      string      `json:"Title"`
	Year       string      `json:"Year"`
	Rated      string      `json:"Rated"`
	Runtime    string      `json:"Runtime"`
	Genre      string      `json:"Genre"`
	Director   string      `json:"Director"`
	Actors     string      `json:"Actors"`
	BoxOffice  string      `json:"BoxOffice"`
	IMDbRating string      `json:"imdbRating"`
	IMDbVotes  string      `json:"imdbVotes"`
	Ratings    []ratingDTO `json:"Ratings"`
}

func (c *Client) request(ctx context.Context, subjectID string) (catalog.Movie, error) {
	u := *c.base
	q := u.Query()
	q.Set("i", subjectID)
	q.Set("apikey", c.cfg.APIKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return catalog.Movie{}, &catalog.FetchError{Kind: catalog.FetchUnavailable, SubjectID: subjectID, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return catalog.Movie{}, toFetchError(ctx, subjectID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return catalog.Movie{}, &catalog.FetchError{Kind: catalog.FetchRateLimited, SubjectID: subjectID}
	case resp.StatusCode == http.StatusNotFound:
		return catalog.Movie{}, &catalog.FetchError{Kind: catalog.FetchNotFound, SubjectID: subjectID}
	case resp.StatusCode >= 500:
		return catalog.Movie{}, &catalog.FetchError{
			Kind: catalog.FetchUnavailable, SubjectID: subjectID, Err: fmt.Errorf("status %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return catalog.Movie{}, toFetchError(ctx, subjectID, err)
	}

	var dto movieDTO
	if err := json.Unmarshal(body, &dto); err != nil {
		return catalog.Movie{}, &catalog.FetchError{
			Kind: catalog.FetchUnavailable, SubjectID: subjectID, Err: fmt.Errorf("decoding response: %w", err),
		}
	}

	if !strings.EqualFold(dto.Response, "true") {
		return catalog.Movie{}, classifyAPIError(subjectID, resp.StatusCode, dto.Error)
	}
	return dto.toMovie(), nil
}

// classifyAPIError maps OMDb's in-body error strings to fetch error kinds.
func classifyAPIError(subjectID string, status int, msg string) error {
	lower := strings.ToLower(msg)
	kind := catalog.FetchUnavailable
	switch {
	case strings.Contains(lower, "not found"), strings.Contains(lower, "incorrect imdb id"):
		kind = catalog.FetchNotFound
	case strings.Contains(lower, "limit"):
		kind = catalog.FetchRateLimited
	}
	return &catalog.FetchError{Kind: kind, SubjectID: subjectID, Err: fmt.Errorf("provider error (status %d): %s", status, msg)}
}

func toFetchError(ctx context.Context, subjectID string, err error) *catalog.FetchError {
	if fe, ok := catalog.AsFetchError(err); ok {
		return fe
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &catalog.FetchError{Kind: catalog.FetchTimeout, SubjectID: subjectID, Err: err}
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &catalog.FetchError{Kind: catalog.FetchTimeout, SubjectID: subjectID, Err: err}
	}
	return &catalog.FetchError{Kind: catalog.FetchUnavailable, SubjectID: subjectID, Err: err}
}

func (d movieDTO) toMovie() catalog.Movie {
	m := catalog.Movie{
		IMDbID:    d.IMDbID,
		Title:     d.Title,
		Year:      d.Year,
		Rated:     clean(d.Rated),
		Runtime:   clean(d.Runtime),
		Genres:    splitList(d.Genre),
		Director:  clean(d.Director),
		Actors:    splitList(d.Actors),
		BoxOffice: clean(d.BoxOffice),
	}
	if v, err := strconv.ParseFloat(clean(d.IMDbRating), 64); err == nil {
		m.IMDbRating = v
	}
	if v, err := strconv.ParseInt(strings.ReplaceAll(clean(d.IMDbVotes), ",", ""), 10, 64); err == nil {
		m.IMDbVotes = v
	}
	for _, r := range d.Ratings {
		m.Ratings = append(m.Ratings, catalog.Rating{Source: r.Source, Value: r.Value})
	}
	return m
}

func clean(s string) string {
	s = strings.TrimSpace(s)
	if s == notAvailable {
		return ""
	}
	return s
}

func splitList(s string) []string {
	s = clean(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
