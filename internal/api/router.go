package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/profleet-io/profleet/internal/db"
	"github.com/profleet-io/profleet/internal/dispatch"
	"github.com/profleet-io/profleet/internal/metrics"
	"github.com/profleet-io/profleet/internal/reconciler"
	"github.com/profleet-io/profleet/internal/repositories"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Reconciler *reconciler.Reconciler
	Gate       *reconciler.CapacityGate
	Dispatcher *dispatch.Dispatcher

	// Repositories used directly by handlers that have no service-layer logic.
	Requests   repositories.RequestRepository
	Commands   repositories.CommandRepository
	Heartbeats repositories.HeartbeatRepository

	// DB backs the health endpoint's readiness ping. Nil skips the ping.
	DB      *gorm.DB
	Metrics *metrics.Metrics
	Clock   clockwork.Clock
	Logger  *zap.Logger

	// ActiveCountWindow bounds the active host count in status listings.
	// Zero means DefaultActiveCountWindow.
	ActiveCountWindow time.Duration

	// CORSOrigins lists the origins allowed to call the API from a browser.
	// Empty leaves CORS headers off entirely.
	CORSOrigins []string
}

// NewRouter builds and returns the fully configured Chi router.
// The operator and agent surfaces live under /api/v1; the Prometheus scrape
// endpoint is mounted at /metrics outside the versioned API.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and latency.
	r.Use(RequestLogger(cfg.Logger))

	// Request metrics run inside the logger so both see the final status.
	r.Use(cfg.Metrics.Middleware())

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	// --- Initialize handlers ---
	requestHandler := NewRequestHandler(cfg.Reconciler, cfg.Gate, cfg.Requests, cfg.Metrics, cfg.Logger)
	agentHandler := NewAgentHandler(cfg.Dispatcher, cfg.Metrics, cfg.Logger)
	hostHandler := NewHostStatusHandler(cfg.Heartbeats, cfg.Commands, cfg.Clock, cfg.ActiveCountWindow, cfg.Logger)

	r.Route("/api/v1", func(r chi.Router) {

		// --- Operator surface ---
		r.Post("/profiling/requests", requestHandler.Submit)
		r.Post("/profiling/requests/bulk", requestHandler.SubmitBulk)
		r.Get("/profiling/requests/{id}", requestHandler.GetByID)
		r.Get("/profiling/hosts", hostHandler.List)

		// --- Agent surface ---
		r.Post("/agents/heartbeat", agentHandler.Heartbeat)
		r.Post("/agents/command_completion", agentHandler.CommandCompletion)

		r.Get("/health", healthHandler(cfg.DB, cfg.Logger))
	})

	r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())

	return r
}

// healthHandler reports liveness. The database ping keeps a wedged
// connection pool from answering as a healthy server.
func healthHandler(database *gorm.DB, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if database != nil {
			if err := db.Ping(r.Context(), database); err != nil {
				logger.Error("health check database ping failed", zap.Error(err))
				errJSON(w, http.StatusServiceUnavailable, "database unreachable", "unavailable")
				return
			}
		}
		Ok(w, map[string]string{"status": "ok"})
	}
}
