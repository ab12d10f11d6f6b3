package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/profleet-io/profleet/internal/db"
	"github.com/profleet-io/profleet/internal/profiling"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// HeartbeatFilter narrows heartbeat list queries. An empty Service matches
// every row; ServicePartial switches the service match from exact to
// substring.
type HeartbeatFilter struct {
	Service        string
	ServicePartial bool
}

// -----------------------------------------------------------------------------
// RequestRepository
// -----------------------------------------------------------------------------

type RequestRepository interface {
	Create(ctx context.Context, request *db.ProfilingRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.ProfilingRequest, error)

	// RecomputeStatus derives the status of each given request from the
	// commands that carry its ID: the derived status is the maximum over the
	// contributing commands' statuses in the order
	// completed < pending < sent < failed. The cached status column and
	// completed_at are written back; requests no command references keep
	// their cached status. The command tables are the source of truth, this
	// column exists only for cheap reads.
	RecomputeStatus(ctx context.Context, requestIDs []string, now time.Time) error
}

// -----------------------------------------------------------------------------
// CommandRepository
// -----------------------------------------------------------------------------

// CommandRepository manages the effective per-(host, service) command rows.
// The table holds at most one row per pair; every rewrite of a live row
// (merge, PID trim, stop replacement) is a supersession and assigns a fresh
// command ID. All mutating methods are transactional and safe under
// concurrent reconciliations targeting the same pair.
type CommandRepository interface {
	// UpsertForHost folds an incoming start config into the current command
	// for (hostname, service). A live (pending or sent) row is merged via
	// profiling.Merge with requestID appended to its request_ids; a terminal
	// or missing row is overwritten with the incoming config verbatim. The
	// resulting row is returned together with merged=true when an existing
	// live command contributed to it.
	UpsertForHost(ctx context.Context, hostname, service string, requestID uuid.UUID, incoming profiling.CommandConfig) (*db.ProfilingCommand, bool, error)

	// ReplaceWithStop overwrites the row for (hostname, service) with a stop
	// command under a fresh ID, or inserts one when no row exists. The stop
	// carries requestID as its only contributor.
	ReplaceWithStop(ctx context.Context, hostname, service string, requestID uuid.UUID, stopCfg profiling.CommandConfig) (*db.ProfilingCommand, error)

	// TrimStartPIDs rewrites the start command identified by commandID with
	// the surviving PID set: the command stays a start, requestID is appended
	// to request_ids, status resets to pending under a fresh ID. Returns
	// ErrConflict when commandID no longer identifies a live start command
	// (it was superseded between the caller's read and this write).
	TrimStartPIDs(ctx context.Context, commandID, requestID uuid.UUID, remaining []int) (*db.ProfilingCommand, error)

	GetByID(ctx context.Context, id uuid.UUID) (*db.ProfilingCommand, error)
	GetPendingOrSent(ctx context.Context, hostname, service string) (*db.ProfilingCommand, error)
	GetLatestForHost(ctx context.Context, hostname, service string) (*db.ProfilingCommand, error)

	// MarkSent transitions the command from pending to sent and stamps
	// sent_at. The update is conditional on status=pending; false means zero
	// rows matched because a concurrent heartbeat already made the
	// transition or the command was superseded. Not an error either way.
	MarkSent(ctx context.Context, commandID uuid.UUID, hostname string, sentAt time.Time) (bool, error)

	// UpdateCompletion records a terminal outcome on the command row. The
	// update is guarded by the command ID, so completions for superseded
	// commands match zero rows and return false without error.
	UpdateCompletion(ctx context.Context, commandID uuid.UUID, hostname string, status string, completedAt time.Time, executionTime *int, errorMessage, resultsPath string) (bool, error)

	// CountActivelyProfiling counts distinct hostnames with a live start
	// command. Service narrows to one service when non-empty; include and
	// exclude narrow the hostname set when non-nil.
	CountActivelyProfiling(ctx context.Context, service string, include, exclude []string) (int64, error)

	// ListCurrent returns the current command rows, optionally for one
	// service, keyed by (hostname, service) for joining with heartbeats.
	ListCurrent(ctx context.Context, service string) ([]db.ProfilingCommand, error)
}

// -----------------------------------------------------------------------------
// ExecutionRepository
// -----------------------------------------------------------------------------

// ExecutionRepository manages the per-delivery audit trail. Unlike commands,
// execution rows are never superseded: one row per (command_id, hostname)
// delivery, kept forever.
type ExecutionRepository interface {
	// UpsertAssigned records that a command was handed to a host. Re-sending
	// the same command is a no-op thanks to the composite primary key, so an
	// arbitrary number of heartbeats produces a single row.
	UpsertAssigned(ctx context.Context, execution *db.ProfilingExecution) error

	Get(ctx context.Context, commandID uuid.UUID, hostname string) (*db.ProfilingExecution, error)

	// UpdateOutcome writes the terminal outcome on the execution row.
	// Last-writer-wins: repeated completions overwrite the outcome fields.
	UpdateOutcome(ctx context.Context, commandID uuid.UUID, hostname string, status string, completedAt time.Time, executionTime *int, errorMessage, resultsPath string) error
}

// -----------------------------------------------------------------------------
// HeartbeatRepository
// -----------------------------------------------------------------------------

type HeartbeatRepository interface {
	// Upsert inserts or refreshes the liveness row for (hostname, service).
	// Content is last-writer-wins; heartbeat_timestamp only moves forward.
	Upsert(ctx context.Context, hb *db.HostHeartbeat) error

	// ActiveHosts returns the distinct hostnames of a service whose status
	// is active and whose heartbeat is at or after since.
	ActiveHosts(ctx context.Context, service string, since time.Time) ([]string, error)

	// CountActive counts distinct active hostnames heard from at or after
	// since, across the fleet or for one service when non-empty.
	CountActive(ctx context.Context, service string, since time.Time) (int64, error)

	List(ctx context.Context, filter HeartbeatFilter) ([]db.HostHeartbeat, error)

	// PurgeOlderThan deletes heartbeat rows older than cutoff and returns
	// how many were removed. Used by the retention janitor.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
