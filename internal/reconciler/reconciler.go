// Package reconciler folds profiling requests into effective per-host
// commands. Reconciliation runs synchronously on the submitting API call:
// each target host owns exactly one live command row, so overlapping
// requests merge into a fresh superseding command instead of queueing, and
// delivery is left entirely to the heartbeat channel.
//
// The capacity gate for bulk submissions lives here too; it shares the
// heartbeat liveness window that target resolution uses.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/profleet-io/profleet/internal/db"
	"github.com/profleet-io/profleet/internal/profiling"
	"github.com/profleet-io/profleet/internal/repositories"
)

// DefaultLivenessWindow bounds how old a heartbeat may be for its host to
// count as an active target.
const DefaultLivenessWindow = 10 * time.Minute

// Config carries the dependencies and tunables for a Reconciler.
type Config struct {
	Requests   repositories.RequestRepository
	Commands   repositories.CommandRepository
	Heartbeats repositories.HeartbeatRepository
	Clock      clockwork.Clock
	Logger     *zap.Logger

	// LivenessWindow qualifies hosts as active when a request names no
	// explicit targets. Zero means DefaultLivenessWindow.
	LivenessWindow time.Duration
}

// Reconciler turns profiling requests into per-host command rows.
type Reconciler struct {
	requests   repositories.RequestRepository
	commands   repositories.CommandRepository
	heartbeats repositories.HeartbeatRepository
	clock      clockwork.Clock
	logger     *zap.Logger

	livenessWindow time.Duration
}

func New(cfg Config) *Reconciler {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = DefaultLivenessWindow
	}
	return &Reconciler{
		requests:       cfg.Requests,
		commands:       cfg.Commands,
		heartbeats:     cfg.Heartbeats,
		clock:          cfg.Clock,
		logger:         cfg.Logger.Named("reconciler"),
		livenessWindow: cfg.LivenessWindow,
	}
}

// Result reports what one reconciliation produced. CommandIDs are the
// effective command rows after merging, in target host order; they are
// echoed to the operator but delivery happens over heartbeats.
type Result struct {
	RequestID               uuid.UUID
	CommandIDs              []uuid.UUID
	TargetHosts             []string
	EstimatedCompletionTime *time.Time
}

// Reconcile persists the request and folds it into the live command of every
// target host. The request row is written before any command so its ID is
// durable even when a later host fails; command IDs already written stay
// valid in that case and the request status converges once those commands
// complete.
func (r *Reconciler) Reconcile(ctx context.Context, request *db.ProfilingRequest) (*Result, error) {
	applyDefaults(request)
	if request.RequestType == db.RequestTypeStart {
		eta := r.clock.Now().Add(time.Duration(request.Duration) * time.Second)
		request.EstimatedCompletionTime = &eta
	}

	if err := r.requests.Create(ctx, request); err != nil {
		return nil, err
	}

	targets, err := r.resolveTargets(ctx, request)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		if request.RequestType == db.RequestTypeStop {
			return nil, profiling.Validationf("Stop commands require specific target hosts")
		}
		r.logger.Warn("profiling request resolved no target hosts",
			zap.String("request_id", request.ID.String()),
			zap.String("service", request.ServiceName))
		return &Result{RequestID: request.ID}, nil
	}

	base := baseConfig(request)
	commandIDs := make([]uuid.UUID, 0, len(targets))
	for _, host := range targets {
		cmd, err := r.reconcileHost(ctx, request, host, base)
		if err != nil {
			return nil, fmt.Errorf("reconcile host %s: %w", host, err)
		}
		commandIDs = append(commandIDs, cmd.ID)
	}

	r.logger.Info("profiling request reconciled",
		zap.String("request_id", request.ID.String()),
		zap.String("service", request.ServiceName),
		zap.String("request_type", request.RequestType),
		zap.Int("hosts", len(targets)))

	return &Result{
		RequestID:               request.ID,
		CommandIDs:              commandIDs,
		TargetHosts:             targets,
		EstimatedCompletionTime: request.EstimatedCompletionTime,
	}, nil
}

// applyDefaults fills the omitted profiling knobs so downstream merges never
// see zero values.
func applyDefaults(request *db.ProfilingRequest) {
	if request.Duration <= 0 {
		request.Duration = profiling.DefaultDuration
	}
	if request.Frequency <= 0 {
		request.Frequency = profiling.DefaultFrequency
	}
	if request.ProfilingMode == "" {
		request.ProfilingMode = profiling.DefaultMode
	}
	if request.RequestType == db.RequestTypeStop && request.StopLevel == "" {
		request.StopLevel = db.StopLevelProcess
	}
	if request.Status == "" {
		request.Status = db.StatusPending
	}
}

// resolveTargets returns the hosts this request applies to, sorted for
// deterministic command ordering. Explicit targets win; otherwise every
// active host of the service inside the liveness window is selected. A host
// that is not live still gets a command when named explicitly.
func (r *Reconciler) resolveTargets(ctx context.Context, request *db.ProfilingRequest) ([]string, error) {
	if len(request.TargetHostnames) > 0 {
		hosts := append([]string(nil), request.TargetHostnames...)
		sort.Strings(hosts)
		return hosts, nil
	}
	if len(request.HostPIDMapping) > 0 {
		hosts := make([]string, 0, len(request.HostPIDMapping))
		for host := range request.HostPIDMapping {
			hosts = append(hosts, host)
		}
		sort.Strings(hosts)
		return hosts, nil
	}
	since := r.clock.Now().Add(-r.livenessWindow)
	hosts, err := r.heartbeats.ActiveHosts(ctx, request.ServiceName, since)
	if err != nil {
		return nil, fmt.Errorf("resolve active hosts: %w", err)
	}
	return hosts, nil
}

// baseConfig builds the host-independent part of the incoming config. The
// per-host PID list is substituted in reconcileHost.
func baseConfig(request *db.ProfilingRequest) profiling.CommandConfig {
	cfg := profiling.CommandConfig{
		Duration:       request.Duration,
		Frequency:      request.Frequency,
		ProfilingMode:  request.ProfilingMode,
		Continuous:     request.Continuous,
		AdditionalArgs: normalizeArgs(request.AdditionalArgs),
	}
	if request.RequestType == db.RequestTypeStop {
		cfg.StopLevel = request.StopLevel
	}
	return cfg
}

// normalizeArgs rewrites perf event names to the form agents store, so a UI
// submitted "cpu-cycles" matches the agent's "cycles".
func normalizeArgs(args db.JSONMap) map[string]any {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	if event, ok := out["perf_event"].(string); ok {
		out["perf_event"] = profiling.NormalizePerfEvent(event)
	}
	return out
}

// pidsForHost picks the PID scope for one host: the request's host map entry
// when present, falling back to the request-wide PID list.
func pidsForHost(request *db.ProfilingRequest, host string) []int {
	if pids, ok := request.HostPIDMapping[host]; ok && len(pids) > 0 {
		return append([]int(nil), pids...)
	}
	if len(request.PIDs) > 0 {
		return append([]int(nil), request.PIDs...)
	}
	return nil
}

func (r *Reconciler) reconcileHost(ctx context.Context, request *db.ProfilingRequest, host string, base profiling.CommandConfig) (*db.ProfilingCommand, error) {
	cfg := base
	cfg.PIDs = pidsForHost(request, host)

	if request.RequestType == db.RequestTypeStart {
		cmd, merged, err := r.commands.UpsertForHost(ctx, host, request.ServiceName, request.ID, cfg)
		if err != nil {
			return nil, err
		}
		if merged {
			r.logger.Debug("merged start request into live command",
				zap.String("hostname", host),
				zap.String("command_id", cmd.ID.String()))
		}
		return cmd, nil
	}

	if request.StopLevel == db.StopLevelHost {
		cfg.PIDs = nil
		return r.commands.ReplaceWithStop(ctx, host, request.ServiceName, request.ID, cfg)
	}
	return r.stopProcesses(ctx, request, host, cfg)
}

// stopProcesses folds a process-level stop into the host's live command.
// Trimming away every profiled PID degrades to a host-level stop; a live
// command whose PID set is unknown, or no live command at all, yields a stop
// carrying the requested PIDs for the agent to resolve. A concurrent rewrite
// between the read and the trim surfaces as ErrConflict and the decision is
// retried once against the fresh row.
func (r *Reconciler) stopProcesses(ctx context.Context, request *db.ProfilingRequest, host string, cfg profiling.CommandConfig) (*db.ProfilingCommand, error) {
	for attempt := 0; ; attempt++ {
		current, err := r.commands.GetPendingOrSent(ctx, host, request.ServiceName)
		if errors.Is(err, repositories.ErrNotFound) {
			return r.commands.ReplaceWithStop(ctx, host, request.ServiceName, request.ID, cfg)
		}
		if err != nil {
			return nil, err
		}
		if current.CommandType != db.CommandTypeStart || len(current.CombinedConfig.PIDs) == 0 {
			return r.commands.ReplaceWithStop(ctx, host, request.ServiceName, request.ID, cfg)
		}

		remaining := profiling.SubtractPIDs(current.CombinedConfig.PIDs, cfg.PIDs)
		if len(remaining) == 0 {
			hostStop := cfg
			hostStop.PIDs = nil
			hostStop.StopLevel = db.StopLevelHost
			return r.commands.ReplaceWithStop(ctx, host, request.ServiceName, request.ID, hostStop)
		}

		cmd, err := r.commands.TrimStartPIDs(ctx, current.ID, request.ID, remaining)
		if errors.Is(err, repositories.ErrConflict) && attempt == 0 {
			continue
		}
		if err != nil {
			return nil, err
		}
		return cmd, nil
	}
}
