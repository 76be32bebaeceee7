// Package common holds small process-level helpers shared by the binaries.
package common

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// HealthServer serves liveness and readiness probes for processes without
// their own API.
type HealthServer struct {
	server *http.Server
	ready  *atomic.Bool
}

// NewHealthServer creates a probe server on addr. Readiness follows ready.
func NewHealthServer(addr string, ready *atomic.Bool) *HealthServer {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/v1/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	return &HealthServer{
		server: &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second},
		ready:  ready,
	}
}

// Handler exposes the router, mainly for tests.
func (h *HealthServer) Handler() http.Handler { return h.server.Handler }

// Server returns the underlying http.Server.
func (h *HealthServer) Server() *http.Server { return h.server }
