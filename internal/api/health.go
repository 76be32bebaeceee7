package api

import (
	"context"
	"net/http"
	"time"
)

const readinessTimeout = 2 * time.Second

type healthResponse struct {
	Status string `json:"status"`
	Build  string `json:"build,omitempty"`
}

type readyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, healthResponse{Status: "ok", Build: s.cfg.Build})
}

// handleReadiness reports ready only after SetReady(true) and when every
// configured dependency check passes.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		s.writeJSON(w, r, http.StatusServiceUnavailable, readyResponse{Status: "starting"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	resp := readyResponse{Status: "ready", Checks: make(map[string]string, len(s.cfg.Checks))}
	status := http.StatusOK
	for name, check := range s.cfg.Checks {
		if err := check(ctx); err != nil {
			s.logger.Warn(ctx, "Readiness check failed", "check", name, "error", err)
			resp.Checks[name] = err.Error()
			resp.Status = "not_ready"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	s.writeJSON(w, r, status, resp)
}
