// Package dispatch serves the agent-facing half of the control plane: it
// answers heartbeats with the host's current command and folds completion
// reports back into command, execution and request state.
//
// Delivery is intentionally dumb. The server returns the current live
// command on every heartbeat until it is superseded or reaches a terminal
// status; agents deduplicate by command id. The pending->sent transition is
// conditional, so concurrent heartbeats from the same host agree on a single
// delivery and a single set of execution rows.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/profleet-io/profleet/internal/db"
	"github.com/profleet-io/profleet/internal/profiling"
	"github.com/profleet-io/profleet/internal/repositories"
)

// Operator-facing heartbeat acknowledgements, stable across releases because
// agents log them verbatim.
const (
	msgCommandAvailable = "Heartbeat received. New profiling command available."
	msgNoCommand        = "Heartbeat received. No profiling commands."
	msgCommandCheckFail = "Heartbeat received, but failed to check for commands."
)

// Config carries the dependencies for a Dispatcher.
type Config struct {
	Requests   repositories.RequestRepository
	Commands   repositories.CommandRepository
	Executions repositories.ExecutionRepository
	Heartbeats repositories.HeartbeatRepository
	Clock      clockwork.Clock
	Logger     *zap.Logger
}

// Dispatcher handles heartbeats and completion reports.
type Dispatcher struct {
	requests   repositories.RequestRepository
	commands   repositories.CommandRepository
	executions repositories.ExecutionRepository
	heartbeats repositories.HeartbeatRepository
	clock      clockwork.Clock
	logger     *zap.Logger
}

func New(cfg Config) *Dispatcher {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Dispatcher{
		requests:   cfg.Requests,
		commands:   cfg.Commands,
		executions: cfg.Executions,
		heartbeats: cfg.Heartbeats,
		clock:      cfg.Clock,
		logger:     cfg.Logger.Named("dispatch"),
	}
}

// Heartbeat is one inbound agent ping.
type Heartbeat struct {
	Hostname      string
	ServiceName   string
	IPAddress     string
	Status        string
	LastCommandID *uuid.UUID
	AvailablePIDs profiling.PIDMap
	// Timestamp is the agent's send time; zero means the server clock.
	Timestamp time.Time
}

// HeartbeatResult is the dispatcher's answer to one heartbeat. Command is
// nil when the host has nothing live to execute.
type HeartbeatResult struct {
	Message string
	Command *db.ProfilingCommand
}

// HandleHeartbeat upserts the liveness row, then hands out the host's
// current command. Only the liveness upsert can fail the call: once the
// heartbeat is recorded, command lookup problems degrade to a successful
// "no command" answer so a database hiccup never looks like a dead host.
func (d *Dispatcher) HandleHeartbeat(ctx context.Context, hb Heartbeat) (*HeartbeatResult, error) {
	ts := hb.Timestamp
	if ts.IsZero() {
		ts = d.clock.Now()
	}
	status := hb.Status
	if status == "" {
		status = db.HostStatusActive
	}

	err := d.heartbeats.Upsert(ctx, &db.HostHeartbeat{
		Hostname:           hb.Hostname,
		ServiceName:        hb.ServiceName,
		IPAddress:          hb.IPAddress,
		Status:             status,
		LastCommandID:      hb.LastCommandID,
		AvailablePIDs:      hb.AvailablePIDs,
		HeartbeatTimestamp: ts,
	})
	if err != nil {
		return nil, fmt.Errorf("update heartbeat: %w", err)
	}

	cmd, err := d.commands.GetPendingOrSent(ctx, hb.Hostname, hb.ServiceName)
	if errors.Is(err, repositories.ErrNotFound) {
		return &HeartbeatResult{Message: msgNoCommand}, nil
	}
	if err != nil {
		d.logger.Warn("failed to check for commands",
			zap.String("hostname", hb.Hostname),
			zap.String("service", hb.ServiceName),
			zap.Error(err))
		return &HeartbeatResult{Message: msgCommandCheckFail}, nil
	}

	if cmd.Status == db.StatusPending {
		sentAt := d.clock.Now()
		won, err := d.commands.MarkSent(ctx, cmd.ID, hb.Hostname, sentAt)
		if err != nil {
			// Without the sent transition there is no execution row to
			// complete against, so hold the command back until a later
			// heartbeat delivers it cleanly.
			d.logger.Warn("failed to mark command sent",
				zap.String("command_id", cmd.ID.String()),
				zap.String("hostname", hb.Hostname),
				zap.Error(err))
			return &HeartbeatResult{Message: msgCommandCheckFail}, nil
		}
		if won {
			cmd.Status = db.StatusSent
			cmd.SentAt = &sentAt
			d.recordAssignments(ctx, cmd, sentAt)
			d.logger.Info("sending profiling command",
				zap.String("command_id", cmd.ID.String()),
				zap.String("hostname", hb.Hostname),
				zap.String("command_type", cmd.CommandType))
		}
		// A lost race means a concurrent heartbeat of the same host already
		// made the transition; the payload is still valid to return.
	}

	return &HeartbeatResult{Message: msgCommandAvailable, Command: cmd}, nil
}

// recordAssignments writes one audit row per contributing request. The
// composite (command_id, hostname) key collapses them into a single row with
// the first request winning attribution. Failures are logged and swallowed:
// the agent already has the command and the heartbeat response must not
// fail over bookkeeping.
func (d *Dispatcher) recordAssignments(ctx context.Context, cmd *db.ProfilingCommand, sentAt time.Time) {
	for _, raw := range cmd.RequestIDs {
		requestID, err := uuid.Parse(raw)
		if err != nil {
			d.logger.Warn("skipping malformed request id on command",
				zap.String("command_id", cmd.ID.String()),
				zap.String("request_id", raw))
			continue
		}
		execution := &db.ProfilingExecution{
			CommandID:          cmd.ID,
			Hostname:           cmd.Hostname,
			ServiceName:        cmd.ServiceName,
			ProfilingRequestID: requestID,
			Status:             db.StatusAssigned,
			StartedAt:          &sentAt,
		}
		if err := d.executions.UpsertAssigned(ctx, execution); err != nil {
			d.logger.Warn("failed to record execution assignment",
				zap.String("command_id", cmd.ID.String()),
				zap.String("request_id", raw),
				zap.Error(err))
		}
	}
}

// Completion is one inbound command outcome report.
type Completion struct {
	CommandID     uuid.UUID
	Hostname      string
	Status        string // "completed" or "failed"
	ExecutionTime *int
	ErrorMessage  string
	ResultsPath   string
}

// CompletionResult acknowledges a recorded completion.
type CompletionResult struct {
	Message string
}

// HandleCompletion validates the report against the execution audit trail,
// then records the outcome. The execution row is always updated; the command
// row only when the reported id is still the host's current command, which
// keeps superseded completions from resurrecting a replaced command. Request
// status caches are recomputed only in the current-command case for the same
// reason.
func (d *Dispatcher) HandleCompletion(ctx context.Context, c Completion) (*CompletionResult, error) {
	execution, err := d.executions.Get(ctx, c.CommandID, c.Hostname)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, profiling.Validationf("command %s not found for host %s: no execution was assigned", c.CommandID, c.Hostname)
	}
	if err != nil {
		return nil, fmt.Errorf("load execution: %w", err)
	}
	if execution.Status != db.StatusAssigned {
		return nil, profiling.Validationf("command %s on host %s is not awaiting completion: execution status is %s", c.CommandID, c.Hostname, execution.Status)
	}

	completedAt := d.clock.Now()
	matched, err := d.commands.UpdateCompletion(ctx, c.CommandID, c.Hostname, c.Status, completedAt, c.ExecutionTime, c.ErrorMessage, c.ResultsPath)
	if err != nil {
		return nil, fmt.Errorf("update command: %w", err)
	}
	if !matched {
		d.logger.Info("completion for superseded command recorded in audit trail only",
			zap.String("command_id", c.CommandID.String()),
			zap.String("hostname", c.Hostname))
	}

	if err := d.executions.UpdateOutcome(ctx, c.CommandID, c.Hostname, c.Status, completedAt, c.ExecutionTime, c.ErrorMessage, c.ResultsPath); err != nil {
		return nil, fmt.Errorf("update execution: %w", err)
	}

	if matched {
		cmd, err := d.commands.GetByID(ctx, c.CommandID)
		if err != nil {
			return nil, fmt.Errorf("reload command: %w", err)
		}
		if err := d.requests.RecomputeStatus(ctx, cmd.RequestIDs, completedAt); err != nil {
			return nil, fmt.Errorf("recompute request status: %w", err)
		}
	}

	return &CompletionResult{Message: fmt.Sprintf("Command completion recorded for %s", c.CommandID)}, nil
}
