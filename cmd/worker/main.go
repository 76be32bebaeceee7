package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/reportflow/internal/bootstrap"
	"github.com/ahrav/reportflow/internal/config"
	"github.com/ahrav/reportflow/internal/infra/eventbus"
	"github.com/ahrav/reportflow/internal/infra/eventbus/transport"
	"github.com/ahrav/reportflow/pkg/common"
	"github.com/ahrav/reportflow/pkg/common/logger"
)

var build = "develop"

const serviceType = "reportflow-worker"

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
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0), "build", build)

	if cfg.Bus.Driver == config.BusMemory {
		return errors.New("the memory bus only works in-process; run the requester alone or select kafka or pubsub")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var ready atomic.Bool
	health := common.NewHealthServer(cfg.Service.HealthAddr, &ready)
	go func() {
		log.Info(ctx, "startup", "status", "health server started", "addr", cfg.Service.HealthAddr)
		if err := health.Server().ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(ctx, "health server stopped", "err", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = health.Server().Shutdown(shutdownCtx)
	}()

	// -------------------------------------------------------------------------
	// Start Tracing Support
	tel, err := bootstrap.InitTelemetry(cfg, log, hostname)
	if err != nil {
		return err
	}
	defer tel.Shutdown(context.WithoutCancel(ctx))

	// -------------------------------------------------------------------------
	// Initialize Event Bus
	log.Info(ctx, "startup", "status", "initializing event bus", "driver", cfg.Bus.Driver)

	busMetrics, err := eventbus.NewMetrics(tel.Meter, "reportflow_worker")
	if err != nil {
		return fmt.Errorf("creating bus metrics: %w", err)
	}
	bus, err := transport.Open(ctx, cfg.Bus, log, busMetrics, tel.Tracer)
	if err != nil {
		return err
	}
	defer bus.Close()

	// -------------------------------------------------------------------------
	// Start Worker
	w, err := bootstrap.NewWorker(ctx, cfg, bus, tel.Meter, log, tel.Tracer)
	if err != nil {
		return err
	}

	workerCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		if err := w.Close(); err != nil {
			log.Warn(ctx, "shutdown", "status", "closing worker", "err", err)
		}
	}()

	if err := w.Run(workerCtx); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}
	ready.Store(true)
	log.Info(ctx, "startup", "status", "report worker running")

	// -------------------------------------------------------------------------
	// Shutdown
	<-ctx.Done()
	ready.Store(false)
	log.Info(ctx, "shutdown", "status", "shutdown started")
	return nil
}
