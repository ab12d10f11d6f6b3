package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/profleet-io/profleet/internal/db"
	"github.com/profleet-io/profleet/internal/profiling"
)

// gormCommandRepository is the GORM implementation of CommandRepository.
type gormCommandRepository struct {
	db *gorm.DB
}

// NewCommandRepository returns a CommandRepository backed by the provided *gorm.DB.
func NewCommandRepository(db *gorm.DB) CommandRepository {
	return &gormCommandRepository{db: db}
}

// lockRow adds FOR UPDATE on dialects that support it. sqlite has no row
// locks; its single write connection serializes transactions instead.
func lockRow(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// appendRequestID appends id to ids unless already present, preserving
// append order.
func appendRequestID(ids db.StringList, id string) db.StringList {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// supersedeUpdates builds the column map that rewrites a live command row as
// a fresh command generation: new ID, reset lifecycle, cleared outcome.
func supersedeUpdates(newID uuid.UUID, commandType string, cfg profiling.CommandConfig, requestIDs db.StringList, now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"id":              newID,
		"command_type":    commandType,
		"combined_config": cfg,
		"request_ids":     requestIDs,
		"status":          db.StatusPending,
		"created_at":      now,
		"updated_at":      now,
		"sent_at":         nil,
		"completed_at":    nil,
		"execution_time":  nil,
		"error_message":   "",
		"results_path":    "",
	}
}

// reconcileRow runs the read-merge-write cycle for one (hostname, service)
// row inside a single transaction. decide receives the existing row (nil when
// absent) and returns the replacement command type, config and request IDs.
// The insert race with a concurrent reconciliation is handled by an
// ON CONFLICT DO NOTHING insert followed by one re-read of the winner's row.
func (r *gormCommandRepository) reconcileRow(ctx context.Context, op, hostname, service string, decide func(current *db.ProfilingCommand) (string, profiling.CommandConfig, db.StringList)) (*db.ProfilingCommand, error) {
	var out db.ProfilingCommand
	err := withRetry(ctx, func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for attempt := 0; attempt < 2; attempt++ {
				var current db.ProfilingCommand
				err := lockRow(tx).
					Where("hostname = ? AND service_name = ?", hostname, service).
					First(&current).Error
				if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("commands: %s: %w", op, err)
				}

				if errors.Is(err, gorm.ErrRecordNotFound) {
					commandType, cfg, ids := decide(nil)
					insert := db.ProfilingCommand{
						Hostname:       hostname,
						ServiceName:    service,
						CommandType:    commandType,
						RequestIDs:     ids,
						CombinedConfig: cfg,
						Status:         db.StatusPending,
					}
					result := tx.Clauses(clause.OnConflict{
						Columns:   []clause.Column{{Name: "hostname"}, {Name: "service_name"}},
						DoNothing: true,
					}).Create(&insert)
					if result.Error != nil {
						return fmt.Errorf("commands: %s: insert: %w", op, result.Error)
					}
					if result.RowsAffected == 0 {
						// A concurrent reconciliation created the row between
						// our read and the insert; re-read and fold into it.
						continue
					}
					out = insert
					return nil
				}

				commandType, cfg, ids := decide(&current)
				newID, err := uuid.NewV7()
				if err != nil {
					return fmt.Errorf("commands: %s: new id: %w", op, err)
				}
				if err := tx.Model(&db.ProfilingCommand{}).
					Where("id = ?", current.ID).
					Updates(supersedeUpdates(newID, commandType, cfg, ids, time.Now())).Error; err != nil {
					return fmt.Errorf("commands: %s: overwrite: %w", op, err)
				}
				if err := tx.First(&out, "id = ?", newID).Error; err != nil {
					return fmt.Errorf("commands: %s: reload: %w", op, err)
				}
				return nil
			}
			return fmt.Errorf("commands: %s: %w", op, ErrConflict)
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UpsertForHost folds an incoming start config into the current command row
// for (hostname, service). Live rows merge via profiling.Merge; terminal or
// missing rows take the incoming config verbatim.
func (r *gormCommandRepository) UpsertForHost(ctx context.Context, hostname, service string, requestID uuid.UUID, incoming profiling.CommandConfig) (*db.ProfilingCommand, bool, error) {
	var merged bool
	cmd, err := r.reconcileRow(ctx, "upsert for host", hostname, service,
		func(current *db.ProfilingCommand) (string, profiling.CommandConfig, db.StringList) {
			merged = false
			if current != nil && (current.Status == db.StatusPending || current.Status == db.StatusSent) {
				merged = true
				return db.CommandTypeStart,
					profiling.Merge(&current.CombinedConfig, incoming),
					appendRequestID(current.RequestIDs, requestID.String())
			}
			return db.CommandTypeStart, incoming, db.StringList{requestID.String()}
		})
	if err != nil {
		return nil, false, err
	}
	return cmd, merged, nil
}

// ReplaceWithStop overwrites the row for (hostname, service) with a stop
// command carrying requestID as its only contributor.
func (r *gormCommandRepository) ReplaceWithStop(ctx context.Context, hostname, service string, requestID uuid.UUID, stopCfg profiling.CommandConfig) (*db.ProfilingCommand, error) {
	return r.reconcileRow(ctx, "replace with stop", hostname, service,
		func(*db.ProfilingCommand) (string, profiling.CommandConfig, db.StringList) {
			return db.CommandTypeStop, stopCfg, db.StringList{requestID.String()}
		})
}

// TrimStartPIDs rewrites the start command identified by commandID with the
// surviving PID set under a fresh ID. Returns ErrConflict when commandID no
// longer identifies a live start command.
func (r *gormCommandRepository) TrimStartPIDs(ctx context.Context, commandID, requestID uuid.UUID, remaining []int) (*db.ProfilingCommand, error) {
	var out db.ProfilingCommand
	err := withRetry(ctx, func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var current db.ProfilingCommand
			err := lockRow(tx).First(&current, "id = ?", commandID).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// Superseded between the caller's read and this write.
				return fmt.Errorf("commands: trim start pids: %w", ErrConflict)
			}
			if err != nil {
				return fmt.Errorf("commands: trim start pids: %w", err)
			}
			if current.CommandType != db.CommandTypeStart ||
				(current.Status != db.StatusPending && current.Status != db.StatusSent) {
				return fmt.Errorf("commands: trim start pids: %w", ErrConflict)
			}

			cfg := current.CombinedConfig
			cfg.PIDs = remaining

			newID, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("commands: trim start pids: new id: %w", err)
			}
			if err := tx.Model(&db.ProfilingCommand{}).
				Where("id = ?", current.ID).
				Updates(supersedeUpdates(newID, db.CommandTypeStart, cfg, appendRequestID(current.RequestIDs, requestID.String()), time.Now())).Error; err != nil {
				return fmt.Errorf("commands: trim start pids: overwrite: %w", err)
			}
			if err := tx.First(&out, "id = ?", newID).Error; err != nil {
				return fmt.Errorf("commands: trim start pids: reload: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetByID retrieves a command by its UUID.
// Returns ErrNotFound if no record exists.
func (r *gormCommandRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.ProfilingCommand, error) {
	var cmd db.ProfilingCommand
	err := withRetry(ctx, func() error {
		return r.db.WithContext(ctx).First(&cmd, "id = ?", id).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("commands: get by id: %w", err)
	}
	return &cmd, nil
}

// GetPendingOrSent retrieves the live command for (hostname, service).
// Returns ErrNotFound when the pair has no command or only a terminal one.
func (r *gormCommandRepository) GetPendingOrSent(ctx context.Context, hostname, service string) (*db.ProfilingCommand, error) {
	var cmd db.ProfilingCommand
	err := withRetry(ctx, func() error {
		return r.db.WithContext(ctx).
			Where("hostname = ? AND service_name = ? AND status IN ?",
				hostname, service, []string{db.StatusPending, db.StatusSent}).
			First(&cmd).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("commands: get pending or sent: %w", err)
	}
	return &cmd, nil
}

// GetLatestForHost retrieves the current command row for (hostname, service)
// regardless of status. Returns ErrNotFound if the pair never had a command.
func (r *gormCommandRepository) GetLatestForHost(ctx context.Context, hostname, service string) (*db.ProfilingCommand, error) {
	var cmd db.ProfilingCommand
	err := withRetry(ctx, func() error {
		return r.db.WithContext(ctx).
			Where("hostname = ? AND service_name = ?", hostname, service).
			First(&cmd).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("commands: get latest for host: %w", err)
	}
	return &cmd, nil
}

// MarkSent transitions a command from pending to sent. The condition on the
// current status makes the transition race-safe: of two concurrent
// heartbeats only one update matches, and the loser sees sent=false.
func (r *gormCommandRepository) MarkSent(ctx context.Context, commandID uuid.UUID, hostname string, sentAt time.Time) (bool, error) {
	var sent bool
	err := withRetry(ctx, func() error {
		result := r.db.WithContext(ctx).
			Model(&db.ProfilingCommand{}).
			Where("id = ? AND hostname = ? AND status = ?", commandID, hostname, db.StatusPending).
			Updates(map[string]interface{}{
				"status":  db.StatusSent,
				"sent_at": sentAt,
			})
		if result.Error != nil {
			return fmt.Errorf("commands: mark sent: %w", result.Error)
		}
		sent = result.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return sent, nil
}

// UpdateCompletion records a terminal outcome on the command row. Guarded by
// the command ID: a superseded ID matches zero rows and reports false.
func (r *gormCommandRepository) UpdateCompletion(ctx context.Context, commandID uuid.UUID, hostname string, status string, completedAt time.Time, executionTime *int, errorMessage, resultsPath string) (bool, error) {
	var matched bool
	err := withRetry(ctx, func() error {
		result := r.db.WithContext(ctx).
			Model(&db.ProfilingCommand{}).
			Where("id = ? AND hostname = ?", commandID, hostname).
			Updates(map[string]interface{}{
				"status":         status,
				"completed_at":   completedAt,
				"execution_time": executionTime,
				"error_message":  errorMessage,
				"results_path":   resultsPath,
			})
		if result.Error != nil {
			return fmt.Errorf("commands: update completion: %w", result.Error)
		}
		matched = result.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return matched, nil
}

// CountActivelyProfiling counts distinct hostnames with a live start command.
func (r *gormCommandRepository) CountActivelyProfiling(ctx context.Context, service string, include, exclude []string) (int64, error) {
	var count int64
	err := withRetry(ctx, func() error {
		query := r.db.WithContext(ctx).
			Model(&db.ProfilingCommand{}).
			Where("command_type = ? AND status IN ?",
				db.CommandTypeStart, []string{db.StatusPending, db.StatusSent})
		if service != "" {
			query = query.Where("service_name = ?", service)
		}
		if len(include) > 0 {
			query = query.Where("hostname IN ?", include)
		}
		if len(exclude) > 0 {
			query = query.Where("hostname NOT IN ?", exclude)
		}
		if err := query.Distinct("hostname").Count(&count).Error; err != nil {
			return fmt.Errorf("commands: count actively profiling: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ListCurrent returns the current command rows ordered by hostname,
// optionally narrowed to one service.
func (r *gormCommandRepository) ListCurrent(ctx context.Context, service string) ([]db.ProfilingCommand, error) {
	var commands []db.ProfilingCommand
	err := withRetry(ctx, func() error {
		query := r.db.WithContext(ctx)
		if service != "" {
			query = query.Where("service_name = ?", service)
		}
		if err := query.Order("hostname ASC").Find(&commands).Error; err != nil {
			return fmt.Errorf("commands: list current: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return commands, nil
}
