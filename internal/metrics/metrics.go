// Package metrics holds the Prometheus instrumentation for the server:
// HTTP request counters and latencies plus domain counters for the
// profiling control plane. All collectors live on a private registry so
// tests and embedded servers get isolated instances.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the server updates. HTTP collectors are
// fed by Middleware; handlers and the janitor increment the exported fields
// directly.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	// RequestsSubmitted counts accepted profiling requests by request type.
	RequestsSubmitted *prometheus.CounterVec
	// CommandsDelivered counts commands handed to agents in heartbeat
	// responses, by command type.
	CommandsDelivered *prometheus.CounterVec
	// HeartbeatsTotal counts processed agent heartbeats by service.
	HeartbeatsTotal *prometheus.CounterVec
	// CompletionsTotal counts recorded completion reports by reported status.
	CompletionsTotal *prometheus.CounterVec
	// CapacityRejections counts bulk submissions refused by the capacity gate.
	CapacityRejections prometheus.Counter
	// HeartbeatsPurged counts heartbeat rows removed by the retention janitor.
	HeartbeatsPurged prometheus.Counter
}

// New builds a Metrics with a fresh registry preloaded with the Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "profleet_http_requests_total",
			Help: "Tracks the number of HTTP requests.",
		}, []string{"method", "route", "code"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "profleet_http_request_duration_seconds",
			Help:    "Tracks the latencies for HTTP requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		RequestsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "profleet_profiling_requests_total",
			Help: "Profiling requests accepted for reconciliation.",
		}, []string{"request_type"}),
		CommandsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "profleet_commands_delivered_total",
			Help: "Commands handed to agents over heartbeat responses.",
		}, []string{"command_type"}),
		HeartbeatsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "profleet_heartbeats_total",
			Help: "Agent heartbeats processed.",
		}, []string{"service"}),
		CompletionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "profleet_command_completions_total",
			Help: "Command completion reports recorded.",
		}, []string{"status"}),
		CapacityRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "profleet_capacity_rejections_total",
			Help: "Bulk submissions rejected by the capacity gate.",
		}),
		HeartbeatsPurged: factory.NewCounter(prometheus.CounterOpts{
			Name: "profleet_heartbeats_purged_total",
			Help: "Heartbeat rows removed by the retention janitor.",
		}),
	}
}

// Middleware returns a Chi middleware recording one count and one duration
// sample per request. Requests are labeled by the matched route pattern
// rather than the raw URL to keep label cardinality bounded.
func (m *Metrics) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
			m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// Handler serves the scrape endpoint for the underlying registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
