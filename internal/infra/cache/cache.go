// Package cache provides a read-through, time-expiring cache for external
// data. Concurrent misses for the same key collapse into a single fetch whose
// result (or error) is shared by every waiter. Failures are never cached.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/singleflight"

	"github.com/ahrav/reportflow/internal/domain/catalog"
	"github.com/ahrav/reportflow/pkg/common/timeutil"
)

const (
	defaultTTL          = time.Hour
	defaultFetchTimeout = 5 * time.Second
)

// FetchFunc loads the value for key from the origin.
type FetchFunc[V any] func(ctx context.Context, key string) (V, error)

type entry[V any] struct {
	payload   V
	fetchedAt time.Time
	expiresAt time.Time
}

// Cache is a single-flight TTL cache. The zero value is not usable; create
// one with New.
type Cache[V any] struct {
	fetch        FetchFunc[V]
	ttl          time.Duration
	fetchTimeout time.Duration
	capacity     int
	clock        timeutil.Provider

	mu      sync.Mutex
	entries map[string]entry[V]
	lru     *simplelru.LRU[string, entry[V]]

	group singleflight.Group

	tracer  trace.Tracer
	lookups metric.Int64Counter
	errors  metric.Int64Counter
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	ttl          time.Duration
	fetchTimeout time.Duration
	capacity     int
	clock        timeutil.Provider
	tracer       trace.Tracer
	meter        metric.Meter
}

// WithTTL sets how long a fetched value is served before it is refetched.
func WithTTL(d time.Duration) Option { return func(o *options) { o.ttl = d } }

// WithFetchTimeout bounds a single origin fetch.
func WithFetchTimeout(d time.Duration) Option { return func(o *options) { o.fetchTimeout = d } }

// WithCapacity bounds the number of entries. Once exceeded the least
// recently used entry is evicted. Zero means unbounded.
func WithCapacity(n int) Option { return func(o *options) { o.capacity = n } }

// WithClock injects the time source used for expiry.
func WithClock(c timeutil.Provider) Option { return func(o *options) { o.clock = c } }

// WithTracer sets the tracer used for fetch spans.
func WithTracer(t trace.Tracer) Option { return func(o *options) { o.tracer = t } }

// WithMeterProvider registers the cache counters with mp.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meter = mp.Meter("reportflow/cache") }
}

// New creates a cache that loads misses through fetch.
func New[V any](fetch FetchFunc[V], opts ...Option) (*Cache[V], error) {
	o := options{
		ttl:          defaultTTL,
		fetchTimeout: defaultFetchTimeout,
		clock:        timeutil.Default(),
		tracer:       nooptrace.NewTracerProvider().Tracer("cache"),
		meter:        noop.NewMeterProvider().Meter("cache"),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if fetch == nil {
		return nil, errors.New("cache: fetch function is required")
	}
	if o.ttl <= 0 {
		return nil, fmt.Errorf("cache: ttl must be positive, got %s", o.ttl)
	}

	c := &Cache[V]{
		fetch:        fetch,
		ttl:          o.ttl,
		fetchTimeout: o.fetchTimeout,
		capacity:     o.capacity,
		clock:        o.clock,
		tracer:       o.tracer,
	}

	if o.capacity > 0 {
		lru, err := simplelru.NewLRU[string, entry[V]](o.capacity, nil)
		if err != nil {
			return nil, fmt.Errorf("cache: creating lru: %w", err)
		}
		c.lru = lru
	} else {
		c.entries = make(map[string]entry[V])
	}

	var err error
	if c.lookups, err = o.meter.Int64Counter(
		"cache_lookups_total",
		metric.WithDescription("Cache lookups partitioned by hit or miss"),
	); err != nil {
		return nil, err
	}
	if c.errors, err = o.meter.Int64Counter(
		"cache_fetch_errors_total",
		metric.WithDescription("Origin fetches that failed"),
	); err != nil {
		return nil, err
	}

	return c, nil
}

// Get returns the value for key, fetching it from the origin when it is
// absent or expired. Concurrent callers for the same cold key share one
// fetch. Cancelling ctx releases only this caller; the shared fetch keeps
// running under its own timeout.
func (c *Cache[V]) Get(ctx context.Context, key string) (V, error) {
	if v, ok := c.lookup(key); ok {
		c.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "hit")))
		return v, nil
	}
	c.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "miss")))

	ch := c.group.DoChan(key, func() (any, error) {
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		return c.load(context.WithoutCancel(ctx), key)
	})

	var zero V
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	}
}

func (c *Cache[V]) load(ctx context.Context, key string) (V, error) {
	ctx, span := c.tracer.Start(ctx, "cache.fetch", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	v, err := c.fetch(fetchCtx, key)
	if err != nil {
		err = classify(fetchCtx, key, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		c.errors.Add(ctx, 1)
		var zero V
		return zero, err
	}

	c.store(key, v)
	return v, nil
}

// classify normalises origin failures into a *catalog.FetchError.
func classify(ctx context.Context, key string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &catalog.FetchError{Kind: catalog.FetchTimeout, SubjectID: key, Err: err}
	}
	if fe, ok := catalog.AsFetchError(err); ok {
		return fe
	}
	return &catalog.FetchError{Kind: catalog.FetchUnavailable, SubjectID: key, Err: err}
}

func (c *Cache[V]) lookup(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		e  entry[V]
		ok bool
	)
	if c.lru != nil {
		e, ok = c.lru.Get(key)
	} else {
		e, ok = c.entries[key]
	}
	if !ok {
		var zero V
		return zero, false
	}
	if !c.clock.Now().Before(e.expiresAt) {
		c.removeLocked(key)
		var zero V
		return zero, false
	}
	return e.payload, true
}

func (c *Cache[V]) store(key string, v V) {
	now := c.clock.Now()
	e := entry[V]{payload: v, fetchedAt: now, expiresAt: now.Add(c.ttl)}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lru != nil {
		c.lru.Add(key, e)
		return
	}
	c.entries[key] = e
}

func (c *Cache[V]) removeLocked(key string) {
	if c.lru != nil {
		c.lru.Remove(key)
		return
	}
	delete(c.entries, key)
}

// EvictExpired removes every expired entry and returns how many were removed.
func (c *Cache[V]) EvictExpired() int {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	if c.lru != nil {
		for _, k := range c.lru.Keys() {
			if e, ok := c.lru.Peek(k); ok && !now.Before(e.expiresAt) {
				c.lru.Remove(k)
				removed++
			}
		}
		return removed
	}
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lru != nil {
		return c.lru.Len()
	}
	return len(c.entries)
}

// RunJanitor calls EvictExpired every interval until ctx is done.
func (c *Cache[V]) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.EvictExpired()
		}
	}
}
