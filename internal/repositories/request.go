package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/profleet-io/profleet/internal/db"
)

// gormRequestRepository is the GORM implementation of RequestRepository.
type gormRequestRepository struct {
	db *gorm.DB
}

// NewRequestRepository returns a RequestRepository backed by the provided *gorm.DB.
func NewRequestRepository(db *gorm.DB) RequestRepository {
	return &gormRequestRepository{db: db}
}

// Create inserts a new profiling request record.
func (r *gormRequestRepository) Create(ctx context.Context, request *db.ProfilingRequest) error {
	return withRetry(ctx, func() error {
		if err := r.db.WithContext(ctx).Create(request).Error; err != nil {
			return fmt.Errorf("requests: create: %w", err)
		}
		return nil
	})
}

// GetByID retrieves a profiling request by its UUID.
// Returns ErrNotFound if no record exists.
func (r *gormRequestRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.ProfilingRequest, error) {
	var request db.ProfilingRequest
	err := withRetry(ctx, func() error {
		return r.db.WithContext(ctx).First(&request, "id = ?", id).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("requests: get by id: %w", err)
	}
	return &request, nil
}

// statusPriority orders lifecycle statuses for request-status derivation:
// failed dominates, then sent, then pending; a request is completed only
// when every contributing command completed.
var statusPriority = map[string]int{
	db.StatusCompleted: 0,
	db.StatusPending:   1,
	db.StatusSent:      2,
	db.StatusFailed:    3,
}

// RecomputeStatus derives and writes the cached status of each request from
// the commands carrying its ID.
func (r *gormRequestRepository) RecomputeStatus(ctx context.Context, requestIDs []string, now time.Time) error {
	for _, id := range requestIDs {
		if err := r.recomputeOne(ctx, id, now); err != nil {
			return err
		}
	}
	return nil
}

// recomputeOne handles a single request. request_ids is stored as a JSON
// string array, so containment reduces to a substring match on the quoted
// UUID; safe because UUIDs have a fixed format and are always stored quoted.
func (r *gormRequestRepository) recomputeOne(ctx context.Context, requestID string, now time.Time) error {
	return withRetry(ctx, func() error {
		var statuses []string
		err := r.db.WithContext(ctx).
			Model(&db.ProfilingCommand{}).
			Where("request_ids LIKE ?", `%"`+requestID+`"%`).
			Pluck("status", &statuses).Error
		if err != nil {
			return fmt.Errorf("requests: recompute status: %w", err)
		}
		if len(statuses) == 0 {
			// Every command this request contributed to was superseded out
			// of existence. The cached status keeps its last value.
			return nil
		}

		derived := db.StatusCompleted
		for _, s := range statuses {
			if statusPriority[s] > statusPriority[derived] {
				derived = s
			}
		}

		updates := map[string]interface{}{
			"status":       derived,
			"completed_at": nil,
		}
		if derived == db.StatusCompleted || derived == db.StatusFailed {
			updates["completed_at"] = now
		}

		if err := r.db.WithContext(ctx).
			Model(&db.ProfilingRequest{}).
			Where("id = ?", requestID).
			Updates(updates).Error; err != nil {
			return fmt.Errorf("requests: recompute status: write back: %w", err)
		}
		return nil
	})
}
