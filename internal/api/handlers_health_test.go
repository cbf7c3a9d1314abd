package api

import (
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestHealthAndRequestMetrics(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version":"test"`)
	assert.Contains(t, rec.Body.String(), `"loads":0`)

	s.do(http.MethodGet, "/api/loads/nope", nil)

	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.HTTPRequests.WithLabelValues("GET", "/api/health", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.HTTPRequests.WithLabelValues("GET", "/api/loads/:id", "404")))

	rec = s.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}
