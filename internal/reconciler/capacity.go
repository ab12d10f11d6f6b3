package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/profleet-io/profleet/internal/db"
	"github.com/profleet-io/profleet/internal/repositories"
)

// Caps applied when GateConfig leaves them zero.
const (
	DefaultMaxRequestHosts        = 100
	DefaultMaxSimultaneousPercent = 20
)

// GateConfig carries the dependencies and tunables for a CapacityGate.
type GateConfig struct {
	Commands   repositories.CommandRepository
	Heartbeats repositories.HeartbeatRepository
	Clock      clockwork.Clock
	Logger     *zap.Logger

	// MaxRequestHosts caps how many distinct hosts one bulk may name.
	MaxRequestHosts int
	// MaxSimultaneousPercent caps the share of active hosts that may be
	// profiled at once, fleet-wide or per service.
	MaxSimultaneousPercent int
	// LivenessWindow qualifies hosts as active for the percent cap. Zero
	// means DefaultLivenessWindow.
	LivenessWindow time.Duration
}

// CapacityGate bounds how much of the fleet a bulk submission may profile at
// once. Single submissions bypass it, as do bulks made entirely of stops.
type CapacityGate struct {
	commands   repositories.CommandRepository
	heartbeats repositories.HeartbeatRepository
	clock      clockwork.Clock
	logger     *zap.Logger

	maxRequestHosts        int
	maxSimultaneousPercent int
	livenessWindow         time.Duration
}

func NewCapacityGate(cfg GateConfig) *CapacityGate {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxRequestHosts <= 0 {
		cfg.MaxRequestHosts = DefaultMaxRequestHosts
	}
	if cfg.MaxSimultaneousPercent <= 0 {
		cfg.MaxSimultaneousPercent = DefaultMaxSimultaneousPercent
	}
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = DefaultLivenessWindow
	}
	return &CapacityGate{
		commands:               cfg.Commands,
		heartbeats:             cfg.Heartbeats,
		clock:                  cfg.Clock,
		logger:                 cfg.Logger.Named("capacity"),
		maxRequestHosts:        cfg.MaxRequestHosts,
		maxSimultaneousPercent: cfg.MaxSimultaneousPercent,
		livenessWindow:         cfg.LivenessWindow,
	}
}

// CapacityError carries the operator-facing diagnostic for a rejected bulk.
// The message is multi-line and self-contained; handlers return it verbatim.
type CapacityError struct {
	Message string
}

func (e *CapacityError) Error() string { return e.Message }

// Validate checks a bulk submission against the per-request host cap and the
// fleet percent cap, before any item is reconciled. Only bulks containing at
// least one start request are gated. service scopes the counts to one
// service; empty means fleet-wide. The distinct hostnames named across the
// bulk are returned in either case so callers can report them.
func (g *CapacityGate) Validate(ctx context.Context, requests []*db.ProfilingRequest, service string) ([]string, error) {
	var (
		hostnames []string
		seen      = make(map[string]struct{})
		hasStart  bool
	)
	for _, request := range requests {
		if request.RequestType == db.RequestTypeStart {
			hasStart = true
		}
		for _, host := range request.TargetHostnames {
			if _, ok := seen[host]; ok {
				continue
			}
			seen[host] = struct{}{}
			hostnames = append(hostnames, host)
		}
	}
	if !hasStart || len(hostnames) == 0 {
		return hostnames, nil
	}

	requestSize := len(hostnames)
	if requestSize > g.maxRequestHosts {
		return hostnames, &CapacityError{Message: fmt.Sprintf(
			"Request size exceeded.\n"+
				"Request size: %d hosts\n"+
				"Maximum allowed per request: %d hosts\n"+
				"Please reduce the number of hosts in your request by %d hosts.",
			requestSize, g.maxRequestHosts, requestSize-g.maxRequestHosts)}
	}

	since := g.clock.Now().Add(-g.livenessWindow)
	activeHosts, err := g.heartbeats.CountActive(ctx, service, since)
	if err != nil {
		return hostnames, fmt.Errorf("count active hosts: %w", err)
	}
	profilingTotal, err := g.commands.CountActivelyProfiling(ctx, service, nil, nil)
	if err != nil {
		return hostnames, fmt.Errorf("count profiling hosts: %w", err)
	}
	profilingInside, err := g.commands.CountActivelyProfiling(ctx, service, hostnames, nil)
	if err != nil {
		return hostnames, fmt.Errorf("count profiling hosts inside selection: %w", err)
	}
	profilingOutside, err := g.commands.CountActivelyProfiling(ctx, service, nil, hostnames)
	if err != nil {
		return hostnames, fmt.Errorf("count profiling hosts outside selection: %w", err)
	}

	// Hosts already profiling inside the selection are superseded by this
	// bulk rather than added, so the projected total is the outside count
	// plus the selection size.
	maxProfilingHosts := activeHosts * int64(g.maxSimultaneousPercent) / 100
	newTotal := profilingOutside + int64(requestSize)
	if newTotal > maxProfilingHosts {
		g.logger.Warn("bulk submission exceeds profiling capacity",
			zap.String("service", service),
			zap.Int("request_size", requestSize),
			zap.Int64("active_hosts", activeHosts),
			zap.Int64("profiling_outside_selection", profilingOutside),
			zap.Int64("max_profiling_hosts", maxProfilingHosts))
		return hostnames, &CapacityError{Message: fmt.Sprintf(
			"Profiling capacity exceeded.\n"+
				"Currently profiling: %d hosts\n"+
				"Currently profiling inside selection: %d hosts\n"+
				"Currently profiling outside selection: %d hosts\n"+
				"Request size: %d hosts\n"+
				"Active hosts: %d\n"+
				"Maximum allowed (%d%%): %d hosts\n"+
				"This request would result in %d profiling hosts, which exceeds the limit by %d hosts.",
			profilingTotal, profilingInside, profilingOutside, requestSize,
			activeHosts, g.maxSimultaneousPercent, maxProfilingHosts,
			newTotal, newTotal-maxProfilingHosts)}
	}
	return hostnames, nil
}
