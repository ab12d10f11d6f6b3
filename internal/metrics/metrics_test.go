package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware())
	r.Get("/things/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for _, path := range []string{"/things/1", "/things/2"} {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rr.Code)
	}

	body := scrape(t, m)
	// Both requests collapse onto the pattern, not the raw URLs.
	assert.Contains(t, body, `profleet_http_requests_total{code="200",method="GET",route="/things/{id}"} 2`)
	assert.NotContains(t, body, "/things/1")
	assert.Contains(t, body, `profleet_http_request_duration_seconds_count{method="GET",route="/things/{id}"} 2`)
}

func TestMiddlewareUnmatchedRoute(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware())
	r.Get("/known", func(w http.ResponseWriter, r *http.Request) {})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)

	assert.Contains(t, scrape(t, m), `route="unmatched"`)
}

func TestDomainCounters(t *testing.T) {
	m := New()
	m.RequestsSubmitted.WithLabelValues("start").Inc()
	m.CommandsDelivered.WithLabelValues("stop").Inc()
	m.HeartbeatsTotal.WithLabelValues("payments").Inc()
	m.CompletionsTotal.WithLabelValues("completed").Inc()
	m.CapacityRejections.Inc()
	m.HeartbeatsPurged.Add(7)

	body := scrape(t, m)
	assert.Contains(t, body, `profleet_profiling_requests_total{request_type="start"} 1`)
	assert.Contains(t, body, `profleet_commands_delivered_total{command_type="stop"} 1`)
	assert.Contains(t, body, `profleet_heartbeats_total{service="payments"} 1`)
	assert.Contains(t, body, `profleet_command_completions_total{status="completed"} 1`)
	assert.Contains(t, body, "profleet_capacity_rejections_total 1")
	assert.Contains(t, body, "profleet_heartbeats_purged_total 7")
}

func TestRegistriesAreIsolated(t *testing.T) {
	a := New()
	b := New()
	a.CapacityRejections.Inc()

	assert.Contains(t, scrape(t, a), "profleet_capacity_rejections_total 1")
	assert.Contains(t, scrape(t, b), "profleet_capacity_rejections_total 0")
}
