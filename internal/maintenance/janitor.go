// Package maintenance runs the server's background housekeeping. It wraps
// gocron; the only job today is heartbeat retention, which purges liveness
// rows older than the configured window on a fixed sweep interval so the
// heartbeat table stays bounded by fleet size rather than uptime.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/profleet-io/profleet/internal/metrics"
	"github.com/profleet-io/profleet/internal/repositories"
)

// DefaultSweepInterval is how often the retention purge runs.
const DefaultSweepInterval = time.Hour

// Config carries the dependencies and tunables for a Janitor.
type Config struct {
	Heartbeats repositories.HeartbeatRepository
	Metrics    *metrics.Metrics
	Clock      clockwork.Clock
	Logger     *zap.Logger

	// Retention is how long heartbeat rows are kept. Zero or negative
	// disables the janitor entirely.
	Retention time.Duration
	// SweepInterval is how often the purge runs. Zero means
	// DefaultSweepInterval.
	SweepInterval time.Duration
}

// Janitor owns the retention sweep. The zero value is not usable; create
// instances with New and call Start once the database is up.
type Janitor struct {
	cron       gocron.Scheduler
	heartbeats repositories.HeartbeatRepository
	metrics    *metrics.Metrics
	clock      clockwork.Clock
	logger     *zap.Logger

	retention     time.Duration
	sweepInterval time.Duration
	started       bool
}

// New creates and configures a new Janitor. Call Start to begin sweeping.
func New(cfg Config) (*Janitor, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}

	return &Janitor{
		cron:          s,
		heartbeats:    cfg.Heartbeats,
		metrics:       cfg.Metrics,
		clock:         cfg.Clock,
		logger:        cfg.Logger.Named("janitor"),
		retention:     cfg.Retention,
		sweepInterval: cfg.SweepInterval,
	}, nil
}

// Start schedules the retention sweep and starts the underlying gocron
// scheduler. With retention disabled it logs and does nothing.
func (j *Janitor) Start() error {
	if j.retention <= 0 {
		j.logger.Info("heartbeat retention disabled, janitor not started")
		return nil
	}

	_, err := j.cron.NewJob(
		gocron.DurationJob(j.sweepInterval),
		gocron.NewTask(j.sweep),
		gocron.WithTags("heartbeat-retention"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("gocron.NewJob failed for heartbeat retention: %w", err)
	}

	j.cron.Start()
	j.started = true
	j.logger.Info("janitor started",
		zap.Duration("retention", j.retention),
		zap.Duration("sweep_interval", j.sweepInterval),
	)
	return nil
}

// Stop gracefully shuts down the underlying gocron scheduler, waiting for a
// running sweep to complete before returning.
func (j *Janitor) Stop() error {
	if !j.started {
		return nil
	}
	if err := j.cron.Shutdown(); err != nil {
		return fmt.Errorf("janitor shutdown error: %w", err)
	}
	j.logger.Info("janitor stopped")
	return nil
}

// sweep deletes heartbeat rows older than the retention cutoff. Failures
// are logged and retried on the next tick; a missed sweep only delays
// cleanup.
func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := j.clock.Now().Add(-j.retention)
	purged, err := j.heartbeats.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		j.logger.Error("heartbeat purge failed", zap.Error(err))
		return
	}
	if purged > 0 {
		if j.metrics != nil {
			j.metrics.HeartbeatsPurged.Add(float64(purged))
		}
		j.logger.Info("purged stale heartbeats",
			zap.Int64("rows", purged),
			zap.Time("cutoff", cutoff),
		)
	}
}
