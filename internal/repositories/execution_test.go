package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/profleet-io/profleet/internal/db"
)

func TestUpsertAssignedIsIdempotent(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewExecutionRepository(gdb)
	ctx := context.Background()

	commandID := uuid.New()
	firstRequest := uuid.New()
	startedAt := time.Now()

	execution := &db.ProfilingExecution{
		CommandID:          commandID,
		Hostname:           "h1",
		ServiceName:        "svc",
		ProfilingRequestID: firstRequest,
		Status:             db.StatusAssigned,
		StartedAt:          &startedAt,
	}
	require.NoError(t, repo.UpsertAssigned(ctx, execution))

	// Redelivery of the same command must not create a second row or steal
	// the attribution from the first contributing request.
	repeat := &db.ProfilingExecution{
		CommandID:          commandID,
		Hostname:           "h1",
		ServiceName:        "svc",
		ProfilingRequestID: uuid.New(),
		Status:             db.StatusAssigned,
		StartedAt:          &startedAt,
	}
	require.NoError(t, repo.UpsertAssigned(ctx, repeat))

	var count int64
	require.NoError(t, gdb.Model(&db.ProfilingExecution{}).
		Where("command_id = ? AND hostname = ?", commandID, "h1").
		Count(&count).Error)
	assert.EqualValues(t, 1, count)

	got, err := repo.Get(ctx, commandID, "h1")
	require.NoError(t, err)
	assert.Equal(t, firstRequest, got.ProfilingRequestID)
	assert.Equal(t, db.StatusAssigned, got.Status)
}

func TestUpdateOutcome(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewExecutionRepository(gdb)
	ctx := context.Background()

	commandID := uuid.New()
	startedAt := time.Now()
	require.NoError(t, repo.UpsertAssigned(ctx, &db.ProfilingExecution{
		CommandID:          commandID,
		Hostname:           "h1",
		ServiceName:        "svc",
		ProfilingRequestID: uuid.New(),
		Status:             db.StatusAssigned,
		StartedAt:          &startedAt,
	}))

	completedAt := time.Now()
	execTime := 58
	require.NoError(t, repo.UpdateOutcome(ctx, commandID, "h1", db.StatusCompleted, completedAt, &execTime, "", "s3://profiles/p1"))

	got, err := repo.Get(ctx, commandID, "h1")
	require.NoError(t, err)
	assert.Equal(t, db.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.WithinDuration(t, completedAt, *got.CompletedAt, time.Second)
	require.NotNil(t, got.ExecutionTime)
	assert.Equal(t, 58, *got.ExecutionTime)
	assert.Equal(t, "s3://profiles/p1", got.ResultsPath)

	// Outcome writes are last-writer-wins.
	require.NoError(t, repo.UpdateOutcome(ctx, commandID, "h1", db.StatusFailed, completedAt, nil, "agent crashed", ""))
	got, err = repo.Get(ctx, commandID, "h1")
	require.NoError(t, err)
	assert.Equal(t, db.StatusFailed, got.Status)
	assert.Equal(t, "agent crashed", got.ErrorMessage)
}

func TestUpdateOutcomeUnknownExecution(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewExecutionRepository(gdb)
	ctx := context.Background()

	err := repo.UpdateOutcome(ctx, uuid.New(), "h1", db.StatusCompleted, time.Now(), nil, "", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecutionGetNotFound(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewExecutionRepository(gdb)

	_, err := repo.Get(context.Background(), uuid.New(), "h1")
	assert.ErrorIs(t, err, ErrNotFound)
}
