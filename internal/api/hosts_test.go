package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/profleet-io/profleet/internal/db"
)

// seedFleet seeds two payments hosts and one search host, with a pending
// start command on h1 scoped to PID 101.
func seedFleet(t *testing.T, ts *testServer) {
	t.Helper()
	now := ts.clock.Now()
	ts.seedHeartbeat(t, "h1", "payments", "10.0.0.1", now)
	ts.seedHeartbeat(t, "h2", "payments", "10.0.0.2", now)
	ts.seedHeartbeat(t, "h3", "search", "10.0.1.1", now)

	rr := ts.do(t, http.MethodPost, "/api/v1/profiling/requests", map[string]any{
		"service_name": "payments",
		"request_type": "start",
		"target_hosts": map[string]any{"h1": []int{101}},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
}

func listHosts(t *testing.T, ts *testServer, query string) hostStatusResponse {
	t.Helper()
	rr := ts.do(t, http.MethodGet, "/api/v1/profiling/hosts"+query, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp hostStatusResponse
	decodeData(t, rr, &resp)
	return resp
}

func hostnamesOf(resp hostStatusResponse) []string {
	names := make([]string, 0, len(resp.Hosts))
	for _, h := range resp.Hosts {
		names = append(names, h.Hostname)
	}
	return names
}

func TestHostStatusListing(t *testing.T) {
	ts := newTestServer(t)
	seedFleet(t, ts)

	resp := listHosts(t, ts, "")
	assert.Equal(t, 3, resp.TotalCount)
	assert.Equal(t, 3, resp.ActiveCount)
	require.Len(t, resp.Hosts, 3)

	byHost := make(map[string]hostStatus, len(resp.Hosts))
	for _, h := range resp.Hosts {
		byHost[h.Hostname] = h
	}

	profiled := byHost["h1"]
	assert.Equal(t, "payments", profiled.ServiceName)
	assert.Equal(t, "10.0.0.1", profiled.IPAddress)
	assert.Equal(t, db.CommandTypeStart, profiled.CommandType)
	assert.Equal(t, db.StatusPending, profiled.ProfilingStatus)
	assert.Equal(t, []int{101}, profiled.PIDs)

	// Hosts with no command row read as stopped.
	idle := byHost["h2"]
	assert.Equal(t, "N/A", idle.CommandType)
	assert.Equal(t, "stopped", idle.ProfilingStatus)
	assert.Equal(t, []int{}, idle.PIDs)

	other := byHost["h3"]
	assert.Equal(t, "search", other.ServiceName)
	assert.Equal(t, "stopped", other.ProfilingStatus)
}

func TestHostStatusServiceFilter(t *testing.T) {
	ts := newTestServer(t)
	seedFleet(t, ts)

	resp := listHosts(t, ts, "?service=payments")
	assert.ElementsMatch(t, []string{"h1", "h2"}, hostnamesOf(resp))
	assert.Equal(t, 2, resp.TotalCount)
	assert.Equal(t, 2, resp.ActiveCount)

	// Exact match by default, substring only with partial=true.
	resp = listHosts(t, ts, "?service=pay")
	assert.Empty(t, resp.Hosts)
	assert.Equal(t, 0, resp.TotalCount)

	resp = listHosts(t, ts, "?service=pay&partial=true")
	assert.ElementsMatch(t, []string{"h1", "h2"}, hostnamesOf(resp))
	assert.Equal(t, 2, resp.TotalCount)
}

func TestHostStatusRowFilters(t *testing.T) {
	ts := newTestServer(t)
	seedFleet(t, ts)

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{name: "hostname is case-insensitive", query: "?hostname=H1", want: []string{"h1"}},
		{name: "ip prefix", query: "?ip=10.0.0", want: []string{"h1", "h2"}},
		{name: "profiling status", query: "?status=pending", want: []string{"h1"}},
		{name: "stopped hosts", query: "?status=stopped", want: []string{"h2", "h3"}},
		{name: "status set", query: "?status=pending,stopped", want: []string{"h1", "h2", "h3"}},
		{name: "command type", query: "?command_type=start", want: []string{"h1"}},
		{name: "no command", query: "?command_type=N/A", want: []string{"h2", "h3"}},
		{name: "pid match", query: "?pids=101", want: []string{"h1"}},
		{name: "pid set", query: "?pids=999,101", want: []string{"h1"}},
		{name: "pid miss", query: "?pids=999", want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := listHosts(t, ts, tt.query)
			assert.ElementsMatch(t, tt.want, hostnamesOf(resp))
			// Row filters never change the service-scoped totals.
			assert.Equal(t, 3, resp.TotalCount)
			assert.Equal(t, 3, resp.ActiveCount)
		})
	}
}

func TestHostStatusInvalidPIDFilter(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodGet, "/api/v1/profiling/hosts?pids=abc", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid pids: must be a comma-separated list of integers", decodeError(t, rr).Message)
}

func TestHostStatusActiveCount(t *testing.T) {
	ts := newTestServer(t)
	now := ts.clock.Now()
	ts.seedHeartbeat(t, "h1", "payments", "10.0.0.1", now)
	ts.seedHeartbeat(t, "h2", "payments", "10.0.0.2", now.Add(-5*time.Minute))
	require.NoError(t, ts.heartbeats.Upsert(context.Background(), &db.HostHeartbeat{
		Hostname:           "h3",
		ServiceName:        "payments",
		IPAddress:          "10.0.0.3",
		Status:             db.HostStatusIdle,
		HeartbeatTimestamp: now,
	}))

	// h2 heartbeated outside the two minute window and h3 is idle; both are
	// still listed but neither counts as active.
	resp := listHosts(t, ts, "")
	assert.Equal(t, 3, resp.TotalCount)
	assert.Equal(t, 1, resp.ActiveCount)
	assert.ElementsMatch(t, []string{"h1", "h2", "h3"}, hostnamesOf(resp))
}
