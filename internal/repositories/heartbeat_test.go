package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/profleet-io/profleet/internal/db"
	"github.com/profleet-io/profleet/internal/profiling"
)

func heartbeatAt(hostname, service, ip, status string, ts time.Time) *db.HostHeartbeat {
	return &db.HostHeartbeat{
		Hostname:           hostname,
		ServiceName:        service,
		IPAddress:          ip,
		Status:             status,
		HeartbeatTimestamp: ts,
	}
}

func TestHeartbeatUpsertRefreshesContent(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewHeartbeatRepository(gdb)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.Upsert(ctx, heartbeatAt("h1", "svc", "10.0.0.1", db.HostStatusActive, now)))

	rows, err := repo.List(ctx, HeartbeatFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	firstID := rows[0].ID

	// Second heartbeat for the same pair overwrites content in place.
	commandID := uuid.New()
	later := now.Add(10 * time.Second)
	hb := heartbeatAt("h1", "svc", "10.0.0.2", db.HostStatusIdle, later)
	hb.LastCommandID = &commandID
	hb.AvailablePIDs = profiling.PIDMap{"java": {4242}}
	require.NoError(t, repo.Upsert(ctx, hb))

	rows, err = repo.List(ctx, HeartbeatFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	got := rows[0]
	assert.Equal(t, firstID, got.ID, "the row identity survives upserts")
	assert.Equal(t, "10.0.0.2", got.IPAddress)
	assert.Equal(t, db.HostStatusIdle, got.Status)
	require.NotNil(t, got.LastCommandID)
	assert.Equal(t, commandID, *got.LastCommandID)
	assert.Equal(t, profiling.PIDMap{"java": {4242}}, got.AvailablePIDs)
	assert.WithinDuration(t, later, got.HeartbeatTimestamp, time.Second)
}

func TestHeartbeatTimestampIsMonotonic(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewHeartbeatRepository(gdb)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.Upsert(ctx, heartbeatAt("h1", "svc", "10.0.0.1", db.HostStatusActive, now)))

	// A delayed heartbeat with an older timestamp updates content but must
	// not roll the liveness timestamp back.
	stale := now.Add(-2 * time.Minute)
	require.NoError(t, repo.Upsert(ctx, heartbeatAt("h1", "svc", "10.0.0.9", db.HostStatusError, stale)))

	rows, err := repo.List(ctx, HeartbeatFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "10.0.0.9", rows[0].IPAddress)
	assert.Equal(t, db.HostStatusError, rows[0].Status)
	assert.WithinDuration(t, now, rows[0].HeartbeatTimestamp, time.Second)
}

func TestActiveHostsAppliesWindowAndStatus(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewHeartbeatRepository(gdb)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.Upsert(ctx, heartbeatAt("h1", "svc", "10.0.0.1", db.HostStatusActive, now)))
	require.NoError(t, repo.Upsert(ctx, heartbeatAt("h2", "svc", "10.0.0.2", db.HostStatusActive, now.Add(-20*time.Minute))))
	require.NoError(t, repo.Upsert(ctx, heartbeatAt("h3", "svc", "10.0.0.3", db.HostStatusIdle, now)))
	require.NoError(t, repo.Upsert(ctx, heartbeatAt("h4", "other", "10.0.0.4", db.HostStatusActive, now)))

	hosts, err := repo.ActiveHosts(ctx, "svc", now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"h1"}, hosts)
}

func TestCountActive(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewHeartbeatRepository(gdb)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.Upsert(ctx, heartbeatAt("h1", "svc", "10.0.0.1", db.HostStatusActive, now)))
	require.NoError(t, repo.Upsert(ctx, heartbeatAt("h2", "svc", "10.0.0.2", db.HostStatusActive, now)))
	require.NoError(t, repo.Upsert(ctx, heartbeatAt("h3", "other", "10.0.0.3", db.HostStatusActive, now)))
	require.NoError(t, repo.Upsert(ctx, heartbeatAt("h4", "svc", "10.0.0.4", db.HostStatusActive, now.Add(-1*time.Hour))))

	since := now.Add(-10 * time.Minute)

	count, err := repo.CountActive(ctx, "", since)
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)

	count, err = repo.CountActive(ctx, "svc", since)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestHeartbeatListServiceFilter(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewHeartbeatRepository(gdb)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.Upsert(ctx, heartbeatAt("h1", "payments", "10.0.0.1", db.HostStatusActive, now)))
	require.NoError(t, repo.Upsert(ctx, heartbeatAt("h2", "payments-eu", "10.0.0.2", db.HostStatusActive, now)))
	require.NoError(t, repo.Upsert(ctx, heartbeatAt("h3", "search", "10.0.0.3", db.HostStatusActive, now)))

	rows, err := repo.List(ctx, HeartbeatFilter{Service: "payments"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "h1", rows[0].Hostname)

	rows, err = repo.List(ctx, HeartbeatFilter{Service: "payments", ServicePartial: true})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = repo.List(ctx, HeartbeatFilter{})
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestPurgeOlderThan(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewHeartbeatRepository(gdb)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.Upsert(ctx, heartbeatAt("h1", "svc", "10.0.0.1", db.HostStatusActive, now)))
	require.NoError(t, repo.Upsert(ctx, heartbeatAt("h2", "svc", "10.0.0.2", db.HostStatusActive, now.Add(-48*time.Hour))))
	require.NoError(t, repo.Upsert(ctx, heartbeatAt("h3", "svc", "10.0.0.3", db.HostStatusActive, now.Add(-25*time.Hour))))

	purged, err := repo.PurgeOlderThan(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, purged)

	rows, err := repo.List(ctx, HeartbeatFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "h1", rows[0].Hostname)
}
