package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/profleet-io/profleet/internal/db"
	"github.com/profleet-io/profleet/internal/dispatch"
	"github.com/profleet-io/profleet/internal/metrics"
	"github.com/profleet-io/profleet/internal/reconciler"
	"github.com/profleet-io/profleet/internal/repositories"
)

// testServer wires the full router over an in-memory database so tests can
// drive endpoints end to end, fake clock included.
type testServer struct {
	gdb        *gorm.DB
	clock      *clockwork.FakeClock
	requests   repositories.RequestRepository
	commands   repositories.CommandRepository
	heartbeats repositories.HeartbeatRepository
	router     http.Handler
}

// serverOptions tightens individual tunables for a test. The zero value
// keeps production defaults.
type serverOptions struct {
	maxRequestHosts   int
	maxPercent        int
	activeCountWindow time.Duration
	corsOrigins       []string
}

func newTestServer(t *testing.T) *testServer {
	return newTestServerWith(t, serverOptions{})
}

func newTestServerWith(t *testing.T, opts serverOptions) *testServer {
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

	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	logger := zap.NewNop()

	requests := repositories.NewRequestRepository(database)
	commands := repositories.NewCommandRepository(database)
	executions := repositories.NewExecutionRepository(database)
	heartbeats := repositories.NewHeartbeatRepository(database)

	router := NewRouter(RouterConfig{
		Reconciler: reconciler.New(reconciler.Config{
			Requests:   requests,
			Commands:   commands,
			Heartbeats: heartbeats,
			Clock:      clock,
			Logger:     logger,
		}),
		Gate: reconciler.NewCapacityGate(reconciler.GateConfig{
			Commands:               commands,
			Heartbeats:             heartbeats,
			Clock:                  clock,
			Logger:                 logger,
			MaxRequestHosts:        opts.maxRequestHosts,
			MaxSimultaneousPercent: opts.maxPercent,
		}),
		Dispatcher: dispatch.New(dispatch.Config{
			Requests:   requests,
			Commands:   commands,
			Executions: executions,
			Heartbeats: heartbeats,
			Clock:      clock,
			Logger:     logger,
		}),
		Requests:          requests,
		Commands:          commands,
		Heartbeats:        heartbeats,
		DB:                database,
		Metrics:           metrics.New(),
		Clock:             clock,
		Logger:            logger,
		ActiveCountWindow: opts.activeCountWindow,
		CORSOrigins:       opts.corsOrigins,
	})

	return &testServer{
		gdb:        database,
		clock:      clock,
		requests:   requests,
		commands:   commands,
		heartbeats: heartbeats,
		router:     router,
	}
}

// do runs one request through the router and returns the recorder.
func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	ts.router.ServeHTTP(rr, req)
	return rr
}

// decodeData unmarshals the "data" half of the response envelope into out.
func decodeData(t *testing.T, rr *httptest.ResponseRecorder, out any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
	require.NotNil(t, env.Data, "expected a data envelope, got %s", rr.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, out))
}

// decodeError unmarshals the "error" half of the response envelope.
func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var env struct {
		Error *errorResponse `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
	require.NotNil(t, env.Error, "expected an error envelope, got %s", rr.Body.String())
	return *env.Error
}

// seedHeartbeat records a live host so active-host targeting and the status
// listing can see it.
func (ts *testServer) seedHeartbeat(t *testing.T, hostname, service, ip string, at time.Time) {
	t.Helper()
	require.NoError(t, ts.heartbeats.Upsert(context.Background(), &db.HostHeartbeat{
		Hostname:           hostname,
		ServiceName:        service,
		IPAddress:          ip,
		Status:             db.HostStatusActive,
		HeartbeatTimestamp: at,
	}))
}

func (ts *testServer) requestCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	require.NoError(t, ts.gdb.Model(&db.ProfilingRequest{}).Count(&count).Error)
	return count
}

func (ts *testServer) commandCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	require.NoError(t, ts.gdb.Model(&db.ProfilingCommand{}).Count(&count).Error)
	return count
}
