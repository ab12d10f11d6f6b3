package api

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/profleet-io/profleet/internal/db"
	"github.com/profleet-io/profleet/internal/metrics"
	"github.com/profleet-io/profleet/internal/profiling"
	"github.com/profleet-io/profleet/internal/reconciler"
	"github.com/profleet-io/profleet/internal/repositories"
)

// RequestHandler groups all profiling-request HTTP handlers.
type RequestHandler struct {
	reconciler *reconciler.Reconciler
	gate       *reconciler.CapacityGate
	repo       repositories.RequestRepository
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewRequestHandler creates a new RequestHandler.
func NewRequestHandler(rec *reconciler.Reconciler, gate *reconciler.CapacityGate, repo repositories.RequestRepository, m *metrics.Metrics, logger *zap.Logger) *RequestHandler {
	return &RequestHandler{
		reconciler: rec,
		gate:       gate,
		repo:       repo,
		metrics:    m,
		logger:     logger.Named("request_handler"),
	}
}

// profilingRequestPayload is the JSON body for one profiling request, shared
// by the single and bulk endpoints. target_hosts maps hostname to the PIDs
// in scope on that host; a null PID list means whole-host scope. Omitting
// target_hosts entirely targets every active host of the service.
//
// dry_run is carried per item for wire compatibility but only the bulk-level
// flag decides; see bulkProfilingPayload.
type profilingRequestPayload struct {
	ServiceName    string           `json:"service_name" validate:"required"`
	RequestType    string           `json:"request_type" validate:"required,oneof=start stop"`
	Continuous     bool             `json:"continuous"`
	Duration       *int             `json:"duration" validate:"omitempty,gt=0"`
	Frequency      *int             `json:"frequency" validate:"omitempty,gt=0"`
	ProfilingMode  string           `json:"profiling_mode" validate:"omitempty,oneof=cpu allocation none"`
	TargetHosts    profiling.PIDMap `json:"target_hosts"`
	StopLevel      string           `json:"stop_level" validate:"omitempty,oneof=process host"`
	AdditionalArgs map[string]any   `json:"additional_args"`
	DryRun         bool             `json:"dry_run"`
}

// validateStopScope enforces the rules tying request_type, stop_level and
// the per-host PID lists together; field tags cannot express these. Returns
// the operator-facing message, or empty when the payload is consistent.
func validateStopScope(p *profilingRequestPayload) string {
	if p.RequestType != db.RequestTypeStop {
		return ""
	}
	level := p.StopLevel
	if level == "" {
		level = db.StopLevelProcess
	}
	if level == db.StopLevelProcess {
		for _, pids := range p.TargetHosts {
			if len(pids) > 0 {
				return ""
			}
		}
		return `At least one PID must be provided when request_type is "stop" and stop_level is "process"`
	}
	for _, pids := range p.TargetHosts {
		if pids != nil {
			return `No PIDs should be provided when request_type is "stop" and stop_level is "host"`
		}
	}
	return ""
}

// toModel converts the payload into the persisted request shape. Explicit
// targets populate both the hostname list and the per-host PID map; the
// reconciler falls back to active-host discovery when both stay empty.
func (p *profilingRequestPayload) toModel() *db.ProfilingRequest {
	request := &db.ProfilingRequest{
		ServiceName:   p.ServiceName,
		RequestType:   p.RequestType,
		Continuous:    p.Continuous,
		ProfilingMode: p.ProfilingMode,
		StopLevel:     p.StopLevel,
	}
	if p.Duration != nil {
		request.Duration = *p.Duration
	}
	if p.Frequency != nil {
		request.Frequency = *p.Frequency
	}
	if len(p.AdditionalArgs) > 0 {
		request.AdditionalArgs = db.JSONMap(p.AdditionalArgs)
	}
	if len(p.TargetHosts) > 0 {
		hosts := make([]string, 0, len(p.TargetHosts))
		mapping := make(profiling.PIDMap, len(p.TargetHosts))
		for host, pids := range p.TargetHosts {
			hosts = append(hosts, host)
			if len(pids) > 0 {
				mapping[host] = append([]int(nil), pids...)
			}
		}
		sort.Strings(hosts)
		request.TargetHostnames = db.StringList(hosts)
		request.HostPIDMapping = mapping
	}
	return request
}

// profilingResponse echoes the outcome of one submitted request.
type profilingResponse struct {
	Success                 bool       `json:"success"`
	Message                 string     `json:"message"`
	RequestID               string     `json:"request_id,omitempty"`
	CommandIDs              []string   `json:"command_ids,omitempty"`
	EstimatedCompletionTime *time.Time `json:"estimated_completion_time,omitempty"`
}

func toProfilingResponse(result *reconciler.Result, p *profilingRequestPayload) profilingResponse {
	ids := make([]string, len(result.CommandIDs))
	for i, id := range result.CommandIDs {
		ids[i] = id.String()
	}
	return profilingResponse{
		Success:                 true,
		Message:                 submitMessage(p.RequestType, p.ServiceName, len(ids)),
		RequestID:               result.RequestID.String(),
		CommandIDs:              ids,
		EstimatedCompletionTime: result.EstimatedCompletionTime,
	}
}

// submitMessage builds the acknowledgement line. A single command reads as a
// plain confirmation; any other count calls out how many hosts were touched.
func submitMessage(requestType, service string, commandCount int) string {
	msg := fmt.Sprintf("%s profiling request submitted successfully for service '%s'",
		capitalize(requestType), service)
	if commandCount != 1 {
		msg += fmt.Sprintf(" across %d hosts", commandCount)
	}
	return msg
}

func dryRunMessage(requestType, service string) string {
	return fmt.Sprintf("Dry run: %s profiling request validated for service '%s'",
		capitalize(requestType), service)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// Submit handles POST /api/v1/profiling/requests.
// Persists the request and synchronously reconciles it into per-host
// commands; the response lists the effective command IDs.
func (h *RequestHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var payload profilingRequestPayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	if !checkPayload(w, &payload) {
		return
	}
	if msg := validateStopScope(&payload); msg != "" {
		ErrBadRequest(w, msg)
		return
	}

	result, err := h.reconciler.Reconcile(r.Context(), payload.toModel())
	if err != nil {
		h.writeReconcileError(w, err)
		return
	}

	h.metrics.RequestsSubmitted.WithLabelValues(payload.RequestType).Inc()
	Created(w, toProfilingResponse(result, &payload))
}

// writeReconcileError maps a reconciliation failure onto the response
// envelope: validation problems are the caller's fault, lost concurrency
// races are retryable, everything else is a 500.
func (h *RequestHandler) writeReconcileError(w http.ResponseWriter, err error) {
	var verr *profiling.ValidationError
	if errors.As(err, &verr) {
		ErrBadRequest(w, verr.Message)
		return
	}
	if errors.Is(err, repositories.ErrConflict) {
		ErrConflict(w, "a concurrent request rewrote the command, retry the submission")
		return
	}
	h.logger.Error("failed to reconcile profiling request", zap.Error(err))
	ErrInternal(w)
}

// bulkProfilingPayload is the JSON body of a bulk submission. The top-level
// dry_run decides for every item, overwriting whatever the items carry.
type bulkProfilingPayload struct {
	Requests []profilingRequestPayload `json:"requests" validate:"required,min=1,dive"`
	DryRun   bool                      `json:"dry_run"`
}

// bulkResult reports the outcome of one bulk item, by submission index.
type bulkResult struct {
	Index       int                `json:"index"`
	ServiceName string             `json:"service_name"`
	Success     bool               `json:"success"`
	Response    *profilingResponse `json:"response,omitempty"`
	Error       string             `json:"error,omitempty"`
}

type bulkResponse struct {
	TotalSubmitted  int          `json:"total_submitted"`
	SuccessfulCount int          `json:"successful_count"`
	FailedCount     int          `json:"failed_count"`
	Results         []bulkResult `json:"results"`
}

// bulkScope returns the shared service of a bulk, or empty when the items
// span services and capacity must be judged fleet-wide.
func bulkScope(models []*db.ProfilingRequest) string {
	service := models[0].ServiceName
	for _, m := range models[1:] {
		if m.ServiceName != service {
			return ""
		}
	}
	return service
}

// SubmitBulk handles POST /api/v1/profiling/requests/bulk.
// The capacity gate judges the bulk as a whole before any item is
// reconciled; items then succeed or fail independently. With dry_run the
// items are validated and gated but nothing is persisted.
func (h *RequestHandler) SubmitBulk(w http.ResponseWriter, r *http.Request) {
	var payload bulkProfilingPayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	if !checkPayload(w, &payload) {
		return
	}
	for i := range payload.Requests {
		if msg := validateStopScope(&payload.Requests[i]); msg != "" {
			ErrBadRequest(w, fmt.Sprintf("request %d: %s", i, msg))
			return
		}
	}

	models := make([]*db.ProfilingRequest, len(payload.Requests))
	for i := range payload.Requests {
		models[i] = payload.Requests[i].toModel()
	}

	if _, err := h.gate.Validate(r.Context(), models, bulkScope(models)); err != nil {
		var cerr *reconciler.CapacityError
		if errors.As(err, &cerr) {
			h.metrics.CapacityRejections.Inc()
			ErrCapacityExceeded(w, cerr.Message)
			return
		}
		h.logger.Error("capacity gate check failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	results := make([]bulkResult, len(models))
	successful := 0
	for i, model := range models {
		item := &payload.Requests[i]
		res := bulkResult{Index: i, ServiceName: item.ServiceName}

		switch {
		case payload.DryRun:
			res.Success = true
			res.Response = &profilingResponse{
				Success: true,
				Message: dryRunMessage(item.RequestType, item.ServiceName),
			}
		default:
			out, err := h.reconciler.Reconcile(r.Context(), model)
			if err != nil {
				res.Error = h.bulkItemError(i, item.ServiceName, err)
			} else {
				res.Success = true
				resp := toProfilingResponse(out, item)
				res.Response = &resp
				h.metrics.RequestsSubmitted.WithLabelValues(item.RequestType).Inc()
			}
		}

		if res.Success {
			successful++
		}
		results[i] = res
	}

	Ok(w, bulkResponse{
		TotalSubmitted:  len(results),
		SuccessfulCount: successful,
		FailedCount:     len(results) - successful,
		Results:         results,
	})
}

// bulkItemError renders a per-item failure. Validation messages pass through
// verbatim; anything else is logged and reported generically.
func (h *RequestHandler) bulkItemError(index int, service string, err error) string {
	var verr *profiling.ValidationError
	if errors.As(err, &verr) {
		return verr.Message
	}
	h.logger.Error("bulk item reconciliation failed",
		zap.Int("index", index),
		zap.String("service", service),
		zap.Error(err))
	return "internal error while reconciling request"
}

// requestResponse is the JSON representation of a stored profiling request.
type requestResponse struct {
	ID                      string           `json:"id"`
	ServiceName             string           `json:"service_name"`
	RequestType             string           `json:"request_type"`
	Duration                int              `json:"duration"`
	Frequency               int              `json:"frequency"`
	ProfilingMode           string           `json:"profiling_mode"`
	Continuous              bool             `json:"continuous"`
	TargetHostnames         []string         `json:"target_hostnames"`
	HostPIDMapping          profiling.PIDMap `json:"host_pid_mapping,omitempty"`
	StopLevel               string           `json:"stop_level,omitempty"`
	AdditionalArgs          map[string]any   `json:"additional_args,omitempty"`
	Status                  string           `json:"status"`
	EstimatedCompletionTime *time.Time       `json:"estimated_completion_time,omitempty"`
	CompletedAt             *time.Time       `json:"completed_at,omitempty"`
	CreatedAt               time.Time        `json:"created_at"`
	UpdatedAt               time.Time        `json:"updated_at"`
}

func requestToResponse(req *db.ProfilingRequest) requestResponse {
	return requestResponse{
		ID:                      req.ID.String(),
		ServiceName:             req.ServiceName,
		RequestType:             req.RequestType,
		Duration:                req.Duration,
		Frequency:               req.Frequency,
		ProfilingMode:           req.ProfilingMode,
		Continuous:              req.Continuous,
		TargetHostnames:         req.TargetHostnames,
		HostPIDMapping:          req.HostPIDMapping,
		StopLevel:               req.StopLevel,
		AdditionalArgs:          req.AdditionalArgs,
		Status:                  req.Status,
		EstimatedCompletionTime: req.EstimatedCompletionTime,
		CompletedAt:             req.CompletedAt,
		CreatedAt:               req.CreatedAt,
		UpdatedAt:               req.UpdatedAt,
	}
}

// GetByID handles GET /api/v1/profiling/requests/{id}.
// Returns the stored request with its derived status.
func (h *RequestHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	request, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get profiling request", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, requestToResponse(request))
}
