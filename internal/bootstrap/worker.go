// Package bootstrap assembles the requester and worker from configuration so
// the binaries only deal with process lifecycle.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/storage"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/reportflow/internal/app/worker"
	"github.com/ahrav/reportflow/internal/config"
	"github.com/ahrav/reportflow/internal/domain/catalog"
	"github.com/ahrav/reportflow/internal/domain/events"
	"github.com/ahrav/reportflow/internal/domain/reporting"
	"github.com/ahrav/reportflow/internal/infra/activity"
	"github.com/ahrav/reportflow/internal/infra/artifact"
	"github.com/ahrav/reportflow/internal/infra/cache"
	"github.com/ahrav/reportflow/internal/infra/eventbus"
	"github.com/ahrav/reportflow/internal/infra/provider/omdb"
	"github.com/ahrav/reportflow/pkg/common/logger"
	"github.com/ahrav/reportflow/pkg/common/timeutil"
)

// Worker is an assembled report worker.
type Worker struct {
	orchestrator *worker.Orchestrator
	guard        *worker.Guard
	movies       *cache.Cache[catalog.Movie]
	cfg          config.WorkerConfig

	closers []func() error
	wg      sync.WaitGroup
	logger  *logger.Logger
}

// NewWorker builds the orchestrator and its collaborators on top of bus.
func NewWorker(
	ctx context.Context,
	cfg *config.Config,
	bus events.EventBus,
	mp metric.MeterProvider,
	log *logger.Logger,
	tracer trace.Tracer,
) (*Worker, error) {
	clock := timeutil.Default()
	w := &Worker{cfg: cfg.Worker, logger: log.With("component", "worker_runtime")}

	client, err := omdb.NewClient(omdb.Config{
		BaseURL:              cfg.Provider.BaseURL,
		APIKey:               cfg.Provider.APIKey,
		RequestsPerSecond:    cfg.Provider.RequestsPerSecond,
		Burst:                cfg.Provider.Burst,
		MaxRetries:           cfg.Provider.MaxRetries,
		RetryInitialInterval: cfg.Provider.RetryInterval,
		BreakerFailures:      cfg.Provider.BreakerFailures,
		BreakerTimeout:       cfg.Provider.BreakerTimeout,
	}, log, tracer)
	if err != nil {
		return nil, fmt.Errorf("creating provider client: %w", err)
	}

	w.movies, err = cache.New[catalog.Movie](client.Fetch,
		cache.WithTTL(cfg.Worker.CacheTTL),
		cache.WithCapacity(cfg.Worker.CacheCapacity),
		cache.WithFetchTimeout(cfg.Worker.FetchTimeout),
		cache.WithClock(clock),
		cache.WithTracer(tracer),
		cache.WithMeterProvider(mp),
	)
	if err != nil {
		return nil, fmt.Errorf("creating movie cache: %w", err)
	}

	w.guard, err = worker.NewGuard(worker.GuardConfig{
		Shards:   cfg.Worker.GuardShards,
		Capacity: cfg.Worker.GuardCapacity,
		Window:   cfg.Worker.GuardWindow,
		Lease:    cfg.Worker.GuardLease,
	}, clock)
	if err != nil {
		return nil, fmt.Errorf("creating idempotency guard: %w", err)
	}

	dataset := activity.NewDataset()
	if cfg.Worker.ActivityPath != "" {
		if dataset, err = activity.LoadFile(cfg.Worker.ActivityPath); err != nil {
			return nil, fmt.Errorf("loading activity dataset: %w", err)
		}
		log.Info(ctx, "Loaded activity dataset", "path", cfg.Worker.ActivityPath, "views", dataset.Len())
	}

	store, err := w.openArtifactStore(ctx, cfg.Worker)
	if err != nil {
		return nil, err
	}

	metrics, err := worker.NewMetrics(mp)
	if err != nil {
		return nil, fmt.Errorf("creating worker metrics: %w", err)
	}

	w.orchestrator, err = worker.NewOrchestrator(worker.Config{
		Bus:        bus,
		Publisher:  eventbus.NewDomainEventPublisher(bus, reporting.DefaultTopicMap()),
		Guard:      w.guard,
		Strategies: worker.NewStrategies(w.movies, dataset, clock),
		Store:      store,
		Clock:      clock,
		Logger:     log,
		Tracer:     tracer,
		Metrics:    metrics,
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Worker) openArtifactStore(ctx context.Context, cfg config.WorkerConfig) (artifact.Store, error) {
	switch cfg.ArtifactStore {
	case config.ArtifactFS:
		return artifact.NewFileStore(cfg.ArtifactDir)
	case config.ArtifactGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("creating gcs client: %w", err)
		}
		w.closers = append(w.closers, client.Close)
		return artifact.NewGCSStore(client, cfg.ArtifactBucket)
	case config.ArtifactMemory:
		return artifact.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown artifact store %q", cfg.ArtifactStore)
	}
}

// Run subscribes the orchestrator and starts the guard and cache janitors.
// It returns once the subscription is established.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.orchestrator.Run(ctx); err != nil {
		return err
	}

	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		w.guard.RunJanitor(ctx, w.cfg.JanitorEvery)
	}()
	go func() {
		defer w.wg.Done()
		w.movies.RunJanitor(ctx, w.cfg.JanitorEvery)
	}()
	return nil
}

// Close waits for the janitors and releases external clients. ctx passed to
// Run must be done first.
func (w *Worker) Close() error {
	w.wg.Wait()
	var errs []error
	for _, c := range w.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
