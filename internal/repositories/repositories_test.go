package repositories

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/profleet-io/profleet/internal/db"
)

// newTestDB opens an in-memory sqlite database with all migrations applied.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err, "open in-memory database")
	t.Cleanup(func() {
		if sqlDB, err := database.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return database
}

// createRequest persists a minimal start request and returns it.
func createRequest(t *testing.T, gdb *gorm.DB, service string) *db.ProfilingRequest {
	t.Helper()
	request := &db.ProfilingRequest{
		ServiceName: service,
		RequestType: db.RequestTypeStart,
		Duration:    60,
		Frequency:   11,
		Status:      db.StatusPending,
	}
	require.NoError(t, NewRequestRepository(gdb).Create(context.Background(), request))
	return request
}
