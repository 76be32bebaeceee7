package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/reportflow/internal/api"
	"github.com/ahrav/reportflow/internal/app/requester"
	"github.com/ahrav/reportflow/internal/bootstrap"
	"github.com/ahrav/reportflow/internal/config"
	"github.com/ahrav/reportflow/internal/domain/reporting"
	"github.com/ahrav/reportflow/internal/infra/eventbus"
	"github.com/ahrav/reportflow/internal/infra/eventbus/transport"
	"github.com/ahrav/reportflow/pkg/common/logger"
	"github.com/ahrav/reportflow/pkg/common/timeutil"
)

var build = "develop"

const serviceType = "reportflow-requester"

func main() {
	// Set the correct number of threads for the service
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	ctx := context.Background()

	cfg, err := config.NewLoader(serviceType, "").Load(ctx)
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	logr := bootstrap.NewLogger(cfg.Service, hostname)
	if err := run(ctx, cfg, logr, hostname); err != nil {
		logr.Error(ctx, "startup", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger, hostname string) error {
	// -------------------------------------------------------------------------
	// GOMAXPROCS
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0), "build", build)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// -------------------------------------------------------------------------
	// Start Tracing Support
	log.Info(ctx, "startup", "status", "initializing tracing support")

	tel, err := bootstrap.InitTelemetry(cfg, log, hostname)
	if err != nil {
		return err
	}
	defer tel.Shutdown(context.WithoutCancel(ctx))

	// -------------------------------------------------------------------------
	// Initialize Storage
	log.Info(ctx, "startup", "status", "initializing report store", "driver", cfg.Store.Driver)

	repo, err := bootstrap.OpenRepository(ctx, cfg, log, tel.Tracer)
	if err != nil {
		return err
	}
	defer repo.Close()

	// -------------------------------------------------------------------------
	// Initialize Event Bus
	log.Info(ctx, "startup", "status", "initializing event bus", "driver", cfg.Bus.Driver)

	busMetrics, err := eventbus.NewMetrics(tel.Meter, "reportflow_requester")
	if err != nil {
		return fmt.Errorf("creating bus metrics: %w", err)
	}
	bus, err := transport.Open(ctx, cfg.Bus, log, busMetrics, tel.Tracer)
	if err != nil {
		return err
	}
	defer bus.Close()

	publisher := eventbus.NewDomainEventPublisher(bus, reporting.DefaultTopicMap())

	// -------------------------------------------------------------------------
	// Application Services
	metrics, err := requester.NewMetrics(tel.Meter)
	if err != nil {
		return fmt.Errorf("creating requester metrics: %w", err)
	}

	gateway := requester.NewGateway(repo, publisher, log, tel.Tracer, requester.WithGatewayMetrics(metrics))
	reconciler := requester.NewReconciler(repo, log, tel.Tracer, requester.WithReconcilerMetrics(metrics))

	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := reconciler.Run(ctx, bus); err != nil {
		return fmt.Errorf("starting status reconciler: %w", err)
	}

	if cfg.Sweeper.Enabled {
		sweeper := requester.NewPendingSweeper(repo, publisher, requester.SweeperConfig{
			Threshold: cfg.Sweeper.Threshold,
			Interval:  cfg.Sweeper.Interval,
			BatchSize: cfg.Sweeper.BatchSize,
		}, timeutil.Default(), metrics, log, tel.Tracer)

		wg.Add(1)
		go func() {
			defer wg.Done()
			sweeper.Run(ctx)
		}()
	}

	// The in-memory bus cannot cross process boundaries, so the worker is
	// hosted here when it is selected.
	if cfg.Bus.Driver == config.BusMemory {
		log.Info(ctx, "startup", "status", "starting embedded report worker")
		w, err := bootstrap.NewWorker(ctx, cfg, bus, tel.Meter, log, tel.Tracer)
		if err != nil {
			return fmt.Errorf("creating embedded worker: %w", err)
		}
		if err := w.Run(ctx); err != nil {
			return fmt.Errorf("starting embedded worker: %w", err)
		}
		defer func() {
			cancel()
			if err := w.Close(); err != nil {
				log.Warn(ctx, "shutdown", "status", "closing embedded worker", "err", err)
			}
		}()
	}

	// -------------------------------------------------------------------------
	// Start API Service
	log.Info(ctx, "startup", "status", "initializing API support")

	apiMetrics, err := api.NewMetrics(tel.Meter)
	if err != nil {
		return fmt.Errorf("creating api metrics: %w", err)
	}

	checks := map[string]api.ReadinessCheck{}
	if repo.Ping != nil {
		checks["database"] = repo.Ping
	}

	server, err := api.NewServer(api.Config{
		Addr:            cfg.HTTP.Addr,
		Build:           build,
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		Service:         gateway,
		Checks:          checks,
		Logger:          log,
		Tracer:          tel.Tracer,
		Metrics:         apiMetrics,
	})
	if err != nil {
		return fmt.Errorf("creating api server: %w", err)
	}
	server.SetReady(true)

	// -------------------------------------------------------------------------
	// Shutdown
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	log.Info(ctx, "shutdown", "status", "shutdown complete")
	return nil
}
