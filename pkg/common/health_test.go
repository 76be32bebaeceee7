package common

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHealthServer(t *testing.T) {
	ready := &atomic.Bool{}
	h := NewHealthServer(":0", ready)

	probe := func(path string) int {
		rec := httptest.NewRecorder()
		h.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, probe("/v1/health"))
	assert.Equal(t, http.StatusServiceUnavailable, probe("/v1/readiness"))

	ready.Store(true)
	assert.Equal(t, http.StatusOK, probe("/v1/readiness"))
}
