package repositories

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/profleet-io/profleet/internal/db"
)

// gormHeartbeatRepository is the GORM implementation of HeartbeatRepository.
type gormHeartbeatRepository struct {
	db *gorm.DB
}

// NewHeartbeatRepository returns a HeartbeatRepository backed by the provided *gorm.DB.
func NewHeartbeatRepository(db *gorm.DB) HeartbeatRepository {
	return &gormHeartbeatRepository{db: db}
}

// Upsert inserts or refreshes the liveness row for (hostname, service).
// Content columns take the incoming values; heartbeat_timestamp only moves
// forward, so a delayed heartbeat cannot roll liveness back.
func (r *gormHeartbeatRepository) Upsert(ctx context.Context, hb *db.HostHeartbeat) error {
	return withRetry(ctx, func() error {
		err := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "hostname"}, {Name: "service_name"}},
				DoUpdates: clause.Assignments(map[string]interface{}{
					"ip_address":      gorm.Expr("excluded.ip_address"),
					"status":          gorm.Expr("excluded.status"),
					"last_command_id": gorm.Expr("excluded.last_command_id"),
					"available_pids":  gorm.Expr("excluded.available_pids"),
					"heartbeat_timestamp": gorm.Expr(
						"CASE WHEN excluded.heartbeat_timestamp > host_heartbeats.heartbeat_timestamp" +
							" THEN excluded.heartbeat_timestamp ELSE host_heartbeats.heartbeat_timestamp END"),
					"updated_at": gorm.Expr("CURRENT_TIMESTAMP"),
				}),
			}).
			Create(hb).Error
		if err != nil {
			return fmt.Errorf("heartbeats: upsert: %w", err)
		}
		return nil
	})
}

// ActiveHosts returns the distinct hostnames of a service that reported
// status active at or after since, ordered by hostname.
func (r *gormHeartbeatRepository) ActiveHosts(ctx context.Context, service string, since time.Time) ([]string, error) {
	var hostnames []string
	err := withRetry(ctx, func() error {
		err := r.db.WithContext(ctx).
			Model(&db.HostHeartbeat{}).
			Distinct("hostname").
			Where("service_name = ? AND status = ? AND heartbeat_timestamp >= ?",
				service, db.HostStatusActive, since).
			Order("hostname ASC").
			Pluck("hostname", &hostnames).Error
		if err != nil {
			return fmt.Errorf("heartbeats: active hosts: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hostnames, nil
}

// CountActive counts distinct active hostnames heard from at or after since,
// fleet-wide or for one service when non-empty.
func (r *gormHeartbeatRepository) CountActive(ctx context.Context, service string, since time.Time) (int64, error) {
	var count int64
	err := withRetry(ctx, func() error {
		query := r.db.WithContext(ctx).
			Model(&db.HostHeartbeat{}).
			Where("status = ? AND heartbeat_timestamp >= ?", db.HostStatusActive, since)
		if service != "" {
			query = query.Where("service_name = ?", service)
		}
		if err := query.Distinct("hostname").Count(&count).Error; err != nil {
			return fmt.Errorf("heartbeats: count active: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// List returns heartbeat rows matching the filter, ordered by hostname.
func (r *gormHeartbeatRepository) List(ctx context.Context, filter HeartbeatFilter) ([]db.HostHeartbeat, error) {
	var heartbeats []db.HostHeartbeat
	err := withRetry(ctx, func() error {
		query := r.db.WithContext(ctx)
		switch {
		case filter.Service != "" && filter.ServicePartial:
			query = query.Where("service_name LIKE ?", "%"+filter.Service+"%")
		case filter.Service != "":
			query = query.Where("service_name = ?", filter.Service)
		}
		if err := query.Order("hostname ASC").Find(&heartbeats).Error; err != nil {
			return fmt.Errorf("heartbeats: list: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return heartbeats, nil
}

// PurgeOlderThan deletes heartbeat rows last heard from before cutoff and
// returns the number of rows removed.
func (r *gormHeartbeatRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	err := withRetry(ctx, func() error {
		result := r.db.WithContext(ctx).
			Where("heartbeat_timestamp < ?", cutoff).
			Delete(&db.HostHeartbeat{})
		if result.Error != nil {
			return fmt.Errorf("heartbeats: purge older than: %w", result.Error)
		}
		purged = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}
