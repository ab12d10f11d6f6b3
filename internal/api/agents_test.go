package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/profleet-io/profleet/internal/db"
	"github.com/profleet-io/profleet/internal/repositories"
)

func TestHeartbeatWithoutCommand(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPost, "/api/v1/agents/heartbeat", map[string]any{
		"ip_address":   "10.0.0.1",
		"hostname":     "h1",
		"service_name": "payments",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp heartbeatResponse
	decodeData(t, rr, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, "Heartbeat received. No profiling commands.", resp.Message)
	assert.Empty(t, resp.CommandID)
	assert.Nil(t, resp.ProfilingCommand)

	// The liveness row landed with the defaulted status and server time.
	rows, err := ts.heartbeats.List(context.Background(), repositories.HeartbeatFilter{Service: "payments"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "h1", rows[0].Hostname)
	assert.Equal(t, db.HostStatusActive, rows[0].Status)
	assert.WithinDuration(t, ts.clock.Now(), rows[0].HeartbeatTimestamp, time.Second)
}

func TestHeartbeatDeliversCommand(t *testing.T) {
	ts := newTestServer(t)

	submit := ts.do(t, http.MethodPost, "/api/v1/profiling/requests", map[string]any{
		"service_name": "payments",
		"request_type": "start",
		"duration":     120,
		"frequency":    22,
		"target_hosts": map[string]any{"h1": []int{202, 101}},
	})
	require.Equal(t, http.StatusCreated, submit.Code, submit.Body.String())
	var submitted profilingResponse
	decodeData(t, submit, &submitted)
	require.Len(t, submitted.CommandIDs, 1)

	heartbeat := map[string]any{
		"ip_address":   "10.0.0.1",
		"hostname":     "h1",
		"service_name": "payments",
	}
	rr := ts.do(t, http.MethodPost, "/api/v1/agents/heartbeat", heartbeat)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp heartbeatResponse
	decodeData(t, rr, &resp)
	assert.Equal(t, "Heartbeat received. New profiling command available.", resp.Message)
	assert.Equal(t, submitted.CommandIDs[0], resp.CommandID)
	require.NotNil(t, resp.ProfilingCommand)
	assert.Equal(t, db.RequestTypeStart, resp.ProfilingCommand.CommandType)
	assert.ElementsMatch(t, []int{101, 202}, resp.ProfilingCommand.CombinedConfig.PIDs)
	assert.Equal(t, 120, resp.ProfilingCommand.CombinedConfig.Duration)
	assert.Equal(t, 22, resp.ProfilingCommand.CombinedConfig.Frequency)

	// Redelivery keeps the id stable and does not duplicate the execution row.
	heartbeat["last_command_id"] = resp.CommandID
	rr = ts.do(t, http.MethodPost, "/api/v1/agents/heartbeat", heartbeat)
	require.Equal(t, http.StatusOK, rr.Code)

	var again heartbeatResponse
	decodeData(t, rr, &again)
	assert.Equal(t, resp.CommandID, again.CommandID)
	require.NotNil(t, again.ProfilingCommand)

	var executions int64
	require.NoError(t, ts.gdb.Model(&db.ProfilingExecution{}).Count(&executions).Error)
	assert.Equal(t, int64(1), executions)
}

func TestHeartbeatValidationMessages(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		want    string
	}{
		{
			name:    "missing hostname",
			payload: map[string]any{"ip_address": "10.0.0.1", "service_name": "payments"},
			want:    "hostname is required",
		},
		{
			name:    "missing ip address",
			payload: map[string]any{"hostname": "h1", "service_name": "payments"},
			want:    "ip_address is required",
		},
		{
			name: "unknown status",
			payload: map[string]any{
				"ip_address": "10.0.0.1", "hostname": "h1", "service_name": "payments",
				"status": "sleeping",
			},
			want: `status must be "active", "idle", or "error"`,
		},
		{
			name: "malformed last command id",
			payload: map[string]any{
				"ip_address": "10.0.0.1", "hostname": "h1", "service_name": "payments",
				"last_command_id": "not-a-uuid",
			},
			want: "invalid last_command_id: must be a valid UUID",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			rr := ts.do(t, http.MethodPost, "/api/v1/agents/heartbeat", tt.payload)
			require.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
			assert.Equal(t, tt.want, decodeError(t, rr).Message)
		})
	}
}

// deliverCommand submits a start for h1 and heartbeats it once, returning the
// delivered command id and the request id.
func deliverCommand(t *testing.T, ts *testServer) (commandID, requestID string) {
	t.Helper()
	submit := ts.do(t, http.MethodPost, "/api/v1/profiling/requests", map[string]any{
		"service_name": "payments",
		"request_type": "start",
		"target_hosts": map[string]any{"h1": []int{101}},
	})
	require.Equal(t, http.StatusCreated, submit.Code, submit.Body.String())
	var submitted profilingResponse
	decodeData(t, submit, &submitted)
	require.Len(t, submitted.CommandIDs, 1)

	rr := ts.do(t, http.MethodPost, "/api/v1/agents/heartbeat", map[string]any{
		"ip_address":   "10.0.0.1",
		"hostname":     "h1",
		"service_name": "payments",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	return submitted.CommandIDs[0], submitted.RequestID
}

func TestCommandCompletionFlow(t *testing.T) {
	ts := newTestServer(t)
	commandID, requestID := deliverCommand(t, ts)

	rr := ts.do(t, http.MethodPost, "/api/v1/agents/command_completion", map[string]any{
		"command_id":     commandID,
		"hostname":       "h1",
		"status":         "completed",
		"execution_time": 42,
		"results_path":   "s3://profiles/h1.json",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp completionResponse
	decodeData(t, rr, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, "Command completion recorded for "+commandID, resp.Message)

	// The originating request converged to completed.
	rr = ts.do(t, http.MethodGet, "/api/v1/profiling/requests/"+requestID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var stored requestResponse
	decodeData(t, rr, &stored)
	assert.Equal(t, db.StatusCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)

	// A second report for the same pair is no longer awaiting completion.
	rr = ts.do(t, http.MethodPost, "/api/v1/agents/command_completion", map[string]any{
		"command_id": commandID,
		"hostname":   "h1",
		"status":     "completed",
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decodeError(t, rr).Message, "not awaiting completion")
}

func TestCommandCompletionUnassigned(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPost, "/api/v1/agents/command_completion", map[string]any{
		"command_id": uuid.NewString(),
		"hostname":   "h9",
		"status":     "failed",
	})
	require.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
	assert.Contains(t, decodeError(t, rr).Message, "no execution was assigned")
}

func TestCommandCompletionValidationMessages(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		want    string
	}{
		{
			name:    "missing command id",
			payload: map[string]any{"hostname": "h1", "status": "completed"},
			want:    "command_id is required",
		},
		{
			name:    "unknown status",
			payload: map[string]any{"command_id": uuid.NewString(), "hostname": "h1", "status": "done"},
			want:    `status must be "completed" or "failed"`,
		},
		{
			name:    "malformed command id",
			payload: map[string]any{"command_id": "not-a-uuid", "hostname": "h1", "status": "completed"},
			want:    "invalid command_id: must be a valid UUID",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			rr := ts.do(t, http.MethodPost, "/api/v1/agents/command_completion", tt.payload)
			require.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
			assert.Equal(t, tt.want, decodeError(t, rr).Message)
		})
	}
}
