package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/profleet-io/profleet/internal/api"
	"github.com/profleet-io/profleet/internal/db"
	"github.com/profleet-io/profleet/internal/dispatch"
	"github.com/profleet-io/profleet/internal/maintenance"
	"github.com/profleet-io/profleet/internal/metrics"
	"github.com/profleet-io/profleet/internal/reconciler"
	"github.com/profleet-io/profleet/internal/repositories"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr            string
	dbDriver            string
	dbDSN               string
	logLevel            string
	livenessWindow      time.Duration
	activeCountWindow   time.Duration
	maxProfilingPercent int
	maxRequestHosts     int
	heartbeatRetention  time.Duration
	corsOrigins         []string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "profleet-server",
		Short: "Profleet server, the control plane for fleet-wide dynamic profiling",
		Long: `Profleet server is the control plane of the Profleet profiling system.
It accepts profiling requests from operators, folds them into one effective
command per host, and hands commands to agents over their heartbeats.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("PROFLEET_HTTP_ADDR", ":8080"), "HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("PROFLEET_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("PROFLEET_DB_DSN", "./profleet.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("PROFLEET_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().DurationVar(&cfg.livenessWindow, "liveness-window", envDurationOrDefault("PROFLEET_LIVENESS_WINDOW", reconciler.DefaultLivenessWindow), "How recent a heartbeat must be for a host to count as an active target")
	root.PersistentFlags().DurationVar(&cfg.activeCountWindow, "active-count-window", envDurationOrDefault("PROFLEET_ACTIVE_COUNT_WINDOW", api.DefaultActiveCountWindow), "Window for the active host count in status listings")
	root.PersistentFlags().IntVar(&cfg.maxProfilingPercent, "max-profiling-percent", envIntOrDefault("PROFLEET_MAX_PROFILING_PERCENT", reconciler.DefaultMaxSimultaneousPercent), "Maximum share of active hosts a bulk submission may profile at once")
	root.PersistentFlags().IntVar(&cfg.maxRequestHosts, "max-request-hosts", envIntOrDefault("PROFLEET_MAX_REQUEST_HOSTS", reconciler.DefaultMaxRequestHosts), "Maximum distinct hosts one bulk submission may name")
	root.PersistentFlags().DurationVar(&cfg.heartbeatRetention, "heartbeat-retention", envDurationOrDefault("PROFLEET_HEARTBEAT_RETENTION", 24*time.Hour), "How long heartbeat rows are kept (0 disables the retention janitor)")
	root.PersistentFlags().StringSliceVar(&cfg.corsOrigins, "cors-origins", splitNonEmpty(os.Getenv("PROFLEET_CORS_ORIGINS")), "Origins allowed to call the API from a browser (empty disables CORS)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("profleet-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting profleet server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Database ---
	database, err := db.New(db.Config{
		Driver: cfg.dbDriver,
		DSN:    cfg.dbDSN,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- Repositories ---
	requests := repositories.NewRequestRepository(database)
	commands := repositories.NewCommandRepository(database)
	executions := repositories.NewExecutionRepository(database)
	heartbeats := repositories.NewHeartbeatRepository(database)

	// --- Core components ---
	m := metrics.New()

	rec := reconciler.New(reconciler.Config{
		Requests:       requests,
		Commands:       commands,
		Heartbeats:     heartbeats,
		Logger:         logger,
		LivenessWindow: cfg.livenessWindow,
	})

	gate := reconciler.NewCapacityGate(reconciler.GateConfig{
		Commands:               commands,
		Heartbeats:             heartbeats,
		Logger:                 logger,
		MaxRequestHosts:        cfg.maxRequestHosts,
		MaxSimultaneousPercent: cfg.maxProfilingPercent,
		LivenessWindow:         cfg.livenessWindow,
	})

	dispatcher := dispatch.New(dispatch.Config{
		Requests:   requests,
		Commands:   commands,
		Executions: executions,
		Heartbeats: heartbeats,
		Logger:     logger,
	})

	// --- Retention janitor ---
	janitor, err := maintenance.New(maintenance.Config{
		Heartbeats: heartbeats,
		Metrics:    m,
		Logger:     logger,
		Retention:  cfg.heartbeatRetention,
	})
	if err != nil {
		return fmt.Errorf("create janitor: %w", err)
	}
	if err := janitor.Start(); err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}

	// --- HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		Reconciler:        rec,
		Gate:              gate,
		Dispatcher:        dispatcher,
		Requests:          requests,
		Commands:          commands,
		Heartbeats:        heartbeats,
		DB:                database,
		Metrics:           m,
		Logger:            logger,
		ActiveCountWindow: cfg.activeCountWindow,
		CORSOrigins:       cfg.corsOrigins,
	})

	server := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down profleet server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}
	if err := janitor.Stop(); err != nil {
		logger.Error("janitor shutdown failed", zap.Error(err))
	}

	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// splitNonEmpty splits a comma-separated env value into its non-empty parts.
func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
