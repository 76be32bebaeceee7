// Package api exposes the requester over HTTP: report submission, record
// lookup and the health probes.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/reportflow/internal/app/requester"
	"github.com/ahrav/reportflow/internal/domain/reporting"
	"github.com/ahrav/reportflow/pkg/common/logger"
	"github.com/ahrav/reportflow/pkg/common/otel"
)

// ReportService is the requester surface the handlers need.
type ReportService interface {
	Submit(ctx context.Context, cmd requester.SubmitCommand) (uuid.UUID, error)
	Get(ctx context.Context, id uuid.UUID) (*reporting.ReportRecord, error)
}

// ReadinessCheck reports whether a dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Config holds the server settings and dependencies.
type Config struct {
	Addr            string
	Build           string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	Service ReportService
	Checks  map[string]ReadinessCheck
	Logger  *logger.Logger
	Tracer  trace.Tracer
	Metrics Metrics
}

// Server is the requester's HTTP front end.
type Server struct {
	cfg    Config
	router *chi.Mux
	ready  atomic.Bool

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics Metrics
}

// NewServer builds the router and binds all routes.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Service == nil {
		return nil, errors.New("api: report service is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	s := &Server{
		cfg:     cfg,
		router:  chi.NewRouter(),
		logger:  cfg.Logger.With("component", "http_api"),
		tracer:  cfg.Tracer,
		metrics: cfg.Metrics,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "reportflow-api")
	})
	s.router.Use(s.loggerMiddleware)
	s.router.Use(middleware.Recoverer)

	s.routes()
	return s, nil
}

func (s *Server) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			ctx := r.Context()
			route := r.URL.Path
			if rc := chi.RouteContext(ctx); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			elapsed := time.Since(start)
			s.metrics.IncRequestsTotal(ctx, r.Method, route, ww.Status())
			s.metrics.ObserveRequestDuration(ctx, r.Method, route, elapsed)
			s.logger.Info(ctx, "Request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", elapsed,
				"trace_id", otel.GetTraceID(ctx),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func (s *Server) routes() {
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/readiness", s.handleReadiness)

		r.Post("/reports", s.handleSubmitReport)
		r.Get("/reports/{id}", s.handleGetReport)
	})
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// SetReady flips the readiness probe. The requester marks itself ready once
// its subscriptions are running.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		ErrorLog:     logger.NewStdLogger(s.logger, logger.LevelError),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, "failed to shutdown server", "error", err)
		}
	}()

	s.logger.Info(ctx, "starting server", "addr", server.Addr, "build", s.cfg.Build)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
