package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/profleet-io/profleet/internal/profiling"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// Request kinds and the command types derived from them.
const (
	RequestTypeStart = "start"
	RequestTypeStop  = "stop"

	CommandTypeStart = "start"
	CommandTypeStop  = "stop"
)

// Lifecycle statuses shared by requests and commands.
// Commands move pending -> sent -> completed | failed. A request's status is
// derived from its contributing commands (see RequestRepository).
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// StatusAssigned is the initial execution status, recorded when a command is
// handed to an agent through the heartbeat channel.
const StatusAssigned = "assigned"

// Stop levels for stop requests.
const (
	StopLevelProcess = "process"
	StopLevelHost    = "host"
)

// Host liveness statuses reported in heartbeats.
const (
	HostStatusActive = "active"
	HostStatusIdle   = "idle"
	HostStatusError  = "error"
)

// -----------------------------------------------------------------------------
// Profiling requests
// -----------------------------------------------------------------------------

// ProfilingRequest records an operator's intent to start or stop profiling on
// a set of hosts within a service. The request itself is immutable after
// submission; only its derived Status and CompletedAt change as the commands
// it contributed to move through their lifecycle.
type ProfilingRequest struct {
	base
	ServiceName     string             `gorm:"not null;index"`
	RequestType     string             `gorm:"not null"` // "start", "stop"
	Duration        int                `gorm:"not null;default:60"` // seconds
	Frequency       int                `gorm:"not null;default:11"` // Hz
	ProfilingMode   string             `gorm:"not null;default:'cpu'"` // "cpu", "allocation", "none"
	Continuous      bool               `gorm:"not null;default:false"`
	TargetHostnames StringList         `gorm:"type:text;not null;default:'[]'"`
	HostPIDMapping  profiling.PIDMap   `gorm:"column:host_pid_mapping;type:text;not null;default:'{}'"` // hostname -> PIDs
	PIDs            IntList            `gorm:"column:pids;type:text;not null;default:'[]'"` // deprecated global PID list, kept as reconciler fallback
	StopLevel       string             `gorm:"not null;default:'process'"` // "process", "host"
	AdditionalArgs  JSONMap            `gorm:"type:text;not null;default:'{}'"`

	// Status is a materialized cache of the derived request status. The
	// authoritative value is always recomputed from the commands that carry
	// this request's ID; handlers never write it directly.
	Status                  string `gorm:"not null;default:'pending'"` // "pending", "sent", "completed", "failed"
	EstimatedCompletionTime *time.Time
	CompletedAt             *time.Time
}

// -----------------------------------------------------------------------------
// Profiling commands
// -----------------------------------------------------------------------------

// ProfilingCommand is the effective instruction for one (host, service) pair.
// The table holds exactly one row per pair: a new request targeting the same
// pair supersedes the row in place under a fresh command ID, which preserves
// the at-most-one-non-terminal-command invariant atomically. Historical
// deliveries survive in ProfilingExecution.
type ProfilingCommand struct {
	base
	Hostname       string                  `gorm:"not null;uniqueIndex:idx_commands_host_service"`
	ServiceName    string                  `gorm:"not null;uniqueIndex:idx_commands_host_service"`
	CommandType    string                  `gorm:"not null"` // "start", "stop"
	RequestIDs     StringList              `gorm:"type:text;not null;default:'[]'"` // contributing request IDs, append order
	CombinedConfig profiling.CommandConfig `gorm:"type:text;not null;default:'{}'"`
	Status         string                  `gorm:"not null;default:'pending'"` // "pending", "sent", "completed", "failed"
	SentAt         *time.Time
	CompletedAt    *time.Time
	ExecutionTime  *int   // seconds, reported by the agent on completion
	ErrorMessage   string `gorm:"type:text;default:''"`
	ResultsPath    string `gorm:"default:''"`
}

// -----------------------------------------------------------------------------
// Profiling executions
// -----------------------------------------------------------------------------

// ProfilingExecution is the audit record for one delivery of one command to
// one host. Supersession re-dispatches produce additional rows, so unlike the
// commands table this one keeps full history. The composite primary key
// guarantees a single row per (command, host) delivery.
//
// ProfilingExecution does not embed base: its identity is the natural
// (command_id, hostname) pair, not a surrogate UUID.
type ProfilingExecution struct {
	CommandID          uuid.UUID `gorm:"type:text;primaryKey"`
	Hostname           string    `gorm:"primaryKey"`
	ServiceName        string    `gorm:"not null;index"`
	ProfilingRequestID uuid.UUID `gorm:"type:text;not null;index"` // first contributing request, for attribution
	Status             string    `gorm:"not null;default:'assigned'"` // "assigned", "completed", "failed"
	StartedAt          *time.Time
	CompletedAt        *time.Time
	ExecutionTime      *int   // seconds
	ErrorMessage       string `gorm:"type:text;default:''"`
	ResultsPath        string `gorm:"default:''"`
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Host heartbeats
// -----------------------------------------------------------------------------

// HostHeartbeat is the most recent ping from an agent. One row per
// (hostname, service); every inbound heartbeat overwrites the row content
// while the heartbeat timestamp only moves forward. AvailablePIDs is a
// process inventory (process name -> PIDs) used for operator visibility; it
// never feeds the reconciler.
type HostHeartbeat struct {
	base
	Hostname           string           `gorm:"not null;uniqueIndex:idx_heartbeats_host_service"`
	ServiceName        string           `gorm:"not null;uniqueIndex:idx_heartbeats_host_service"`
	IPAddress          string           `gorm:"not null;default:''"`
	Status             string           `gorm:"not null;default:'active'"` // "active", "idle", "error"
	LastCommandID      *uuid.UUID       `gorm:"type:text"` // last command the agent acknowledged
	AvailablePIDs      profiling.PIDMap `gorm:"column:available_pids;type:text;not null;default:'{}'"`
	HeartbeatTimestamp time.Time        `gorm:"not null;index"`
}
