package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/profleet-io/profleet/internal/dispatch"
	"github.com/profleet-io/profleet/internal/metrics"
	"github.com/profleet-io/profleet/internal/profiling"
)

// AgentHandler groups the endpoints agents call: heartbeats and command
// completion reports.
type AgentHandler struct {
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(dispatcher *dispatch.Dispatcher, m *metrics.Metrics, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger.Named("agent_handler"),
	}
}

// heartbeatPayload is the JSON body agents POST on every heartbeat tick.
// available_pids is the agent's process inventory (process name to PIDs),
// kept for operator visibility only.
type heartbeatPayload struct {
	IPAddress     string           `json:"ip_address" validate:"required"`
	Hostname      string           `json:"hostname" validate:"required"`
	ServiceName   string           `json:"service_name" validate:"required"`
	LastCommandID *string          `json:"last_command_id"`
	Status        string           `json:"status" validate:"omitempty,oneof=active idle error"`
	Timestamp     *time.Time       `json:"timestamp"`
	AvailablePIDs profiling.PIDMap `json:"available_pids"`
}

// commandPayload is the slice of a command row the agent needs to act on it.
type commandPayload struct {
	CommandType    string                  `json:"command_type"`
	CombinedConfig profiling.CommandConfig `json:"combined_config"`
}

// heartbeatResponse acknowledges a heartbeat; the command fields are set
// only when the host has something live to execute.
type heartbeatResponse struct {
	Success          bool            `json:"success"`
	Message          string          `json:"message"`
	ProfilingCommand *commandPayload `json:"profiling_command,omitempty"`
	CommandID        string          `json:"command_id,omitempty"`
}

// Heartbeat handles POST /api/v1/agents/heartbeat.
// Records host liveness and returns the host's current command, marking it
// sent on first delivery.
func (h *AgentHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var payload heartbeatPayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	if !checkPayload(w, &payload) {
		return
	}

	hb := dispatch.Heartbeat{
		Hostname:      payload.Hostname,
		ServiceName:   payload.ServiceName,
		IPAddress:     payload.IPAddress,
		Status:        payload.Status,
		AvailablePIDs: payload.AvailablePIDs,
	}
	if payload.Timestamp != nil {
		hb.Timestamp = *payload.Timestamp
	}
	if payload.LastCommandID != nil && *payload.LastCommandID != "" {
		id, err := uuid.Parse(*payload.LastCommandID)
		if err != nil {
			ErrBadRequest(w, "invalid last_command_id: must be a valid UUID")
			return
		}
		hb.LastCommandID = &id
	}

	result, err := h.dispatcher.HandleHeartbeat(r.Context(), hb)
	if err != nil {
		h.logger.Error("failed to process heartbeat",
			zap.String("hostname", payload.Hostname),
			zap.String("service", payload.ServiceName),
			zap.Error(err))
		ErrInternal(w)
		return
	}

	h.metrics.HeartbeatsTotal.WithLabelValues(payload.ServiceName).Inc()

	resp := heartbeatResponse{Success: true, Message: result.Message}
	if result.Command != nil {
		resp.CommandID = result.Command.ID.String()
		resp.ProfilingCommand = &commandPayload{
			CommandType:    result.Command.CommandType,
			CombinedConfig: result.Command.CombinedConfig,
		}
		h.metrics.CommandsDelivered.WithLabelValues(result.Command.CommandType).Inc()
	}
	Ok(w, resp)
}

// completionPayload is the JSON body agents POST when a command finishes.
type completionPayload struct {
	CommandID     string `json:"command_id" validate:"required"`
	Hostname      string `json:"hostname" validate:"required"`
	Status        string `json:"status" validate:"required,oneof=completed failed"`
	ExecutionTime *int   `json:"execution_time"`
	ErrorMessage  string `json:"error_message"`
	ResultsPath   string `json:"results_path"`
}

type completionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// CommandCompletion handles POST /api/v1/agents/command_completion.
// Records the outcome of a delivered command. Reports for commands that
// were never assigned to the host, or already resolved, come back as 400
// with the reason.
func (h *AgentHandler) CommandCompletion(w http.ResponseWriter, r *http.Request) {
	var payload completionPayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	if !checkPayload(w, &payload) {
		return
	}

	commandID, err := uuid.Parse(payload.CommandID)
	if err != nil {
		ErrBadRequest(w, "invalid command_id: must be a valid UUID")
		return
	}

	result, err := h.dispatcher.HandleCompletion(r.Context(), dispatch.Completion{
		CommandID:     commandID,
		Hostname:      payload.Hostname,
		Status:        payload.Status,
		ExecutionTime: payload.ExecutionTime,
		ErrorMessage:  payload.ErrorMessage,
		ResultsPath:   payload.ResultsPath,
	})
	if err != nil {
		var verr *profiling.ValidationError
		if errors.As(err, &verr) {
			ErrBadRequest(w, verr.Message)
			return
		}
		h.logger.Error("failed to record command completion",
			zap.String("command_id", payload.CommandID),
			zap.String("hostname", payload.Hostname),
			zap.Error(err))
		ErrInternal(w)
		return
	}

	h.metrics.CompletionsTotal.WithLabelValues(payload.Status).Inc()
	Ok(w, completionResponse{Success: true, Message: result.Message})
}

// -----------------------------------------------------------------------------
// Shared handler helpers
// -----------------------------------------------------------------------------

// parseUUID extracts and parses a UUID path parameter by name.
// Writes a 400 and returns false if the parameter is missing or malformed.
func parseUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, param)
	id, err := uuid.Parse(raw)
	if err != nil {
		ErrBadRequest(w, "invalid "+param+": must be a valid UUID")
		return uuid.UUID{}, false
	}
	return id, true
}
