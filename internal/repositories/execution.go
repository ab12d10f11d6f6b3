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
)

// gormExecutionRepository is the GORM implementation of ExecutionRepository.
type gormExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository returns an ExecutionRepository backed by the provided *gorm.DB.
func NewExecutionRepository(db *gorm.DB) ExecutionRepository {
	return &gormExecutionRepository{db: db}
}

// UpsertAssigned inserts the audit row for one (command, host) delivery.
// The composite primary key absorbs repeats: redelivering the same command
// leaves the existing row untouched.
func (r *gormExecutionRepository) UpsertAssigned(ctx context.Context, execution *db.ProfilingExecution) error {
	return withRetry(ctx, func() error {
		err := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "command_id"}, {Name: "hostname"}},
				DoNothing: true,
			}).
			Create(execution).Error
		if err != nil {
			return fmt.Errorf("executions: upsert assigned: %w", err)
		}
		return nil
	})
}

// Get retrieves the execution row for one (command, host) delivery.
// Returns ErrNotFound if no record exists.
func (r *gormExecutionRepository) Get(ctx context.Context, commandID uuid.UUID, hostname string) (*db.ProfilingExecution, error) {
	var execution db.ProfilingExecution
	err := withRetry(ctx, func() error {
		return r.db.WithContext(ctx).
			Where("command_id = ? AND hostname = ?", commandID, hostname).
			First(&execution).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("executions: get: %w", err)
	}
	return &execution, nil
}

// UpdateOutcome writes the terminal outcome on the execution row.
// Last-writer-wins: repeated completions overwrite the outcome fields.
func (r *gormExecutionRepository) UpdateOutcome(ctx context.Context, commandID uuid.UUID, hostname string, status string, completedAt time.Time, executionTime *int, errorMessage, resultsPath string) error {
	return withRetry(ctx, func() error {
		result := r.db.WithContext(ctx).
			Model(&db.ProfilingExecution{}).
			Where("command_id = ? AND hostname = ?", commandID, hostname).
			Updates(map[string]interface{}{
				"status":         status,
				"completed_at":   completedAt,
				"execution_time": executionTime,
				"error_message":  errorMessage,
				"results_path":   resultsPath,
			})
		if result.Error != nil {
			return fmt.Errorf("executions: update outcome: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}
