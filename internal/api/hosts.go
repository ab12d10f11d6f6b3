package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/profleet-io/profleet/internal/db"
	"github.com/profleet-io/profleet/internal/repositories"
)

// DefaultActiveCountWindow bounds the "active" host count in status
// listings; hosts heard from inside the window count as active.
const DefaultActiveCountWindow = 2 * time.Minute

// HostStatusHandler serves the operator view joining host liveness with the
// host's current command.
type HostStatusHandler struct {
	heartbeats repositories.HeartbeatRepository
	commands   repositories.CommandRepository
	clock      clockwork.Clock
	window     time.Duration
	logger     *zap.Logger
}

// NewHostStatusHandler creates a new HostStatusHandler. A non-positive
// activeWindow falls back to DefaultActiveCountWindow.
func NewHostStatusHandler(heartbeats repositories.HeartbeatRepository, commands repositories.CommandRepository, clock clockwork.Clock, activeWindow time.Duration, logger *zap.Logger) *HostStatusHandler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if activeWindow <= 0 {
		activeWindow = DefaultActiveCountWindow
	}
	return &HostStatusHandler{
		heartbeats: heartbeats,
		commands:   commands,
		clock:      clock,
		window:     activeWindow,
		logger:     logger.Named("host_handler"),
	}
}

// hostStatus is one row of the listing: heartbeat identity plus the state of
// the host's current command. Hosts without a command row read as stopped.
type hostStatus struct {
	ID                 string    `json:"id"`
	ServiceName        string    `json:"service_name"`
	Hostname           string    `json:"hostname"`
	IPAddress          string    `json:"ip_address"`
	PIDs               []int     `json:"pids"`
	CommandType        string    `json:"command_type"`
	ProfilingStatus    string    `json:"profiling_status"`
	HeartbeatTimestamp time.Time `json:"heartbeat_timestamp"`
}

type hostStatusResponse struct {
	Hosts       []hostStatus `json:"hosts"`
	ActiveCount int          `json:"active_count"`
	TotalCount  int          `json:"total_count"`
}

// hostFilters carries the parsed query filters of a listing request.
// Status and command type match case-insensitively against a set; the PID
// filter keeps hosts whose command covers at least one of the given PIDs.
type hostFilters struct {
	hostname     string
	ip           string
	statuses     map[string]struct{}
	commandTypes map[string]struct{}
	pids         map[int]struct{}
}

func parseHostFilters(r *http.Request) (hostFilters, string) {
	f := hostFilters{
		hostname: r.URL.Query().Get("hostname"),
		ip:       r.URL.Query().Get("ip"),
	}
	if values := csvParams(r, "status"); len(values) > 0 {
		f.statuses = make(map[string]struct{}, len(values))
		for _, v := range values {
			f.statuses[strings.ToLower(v)] = struct{}{}
		}
	}
	if values := csvParams(r, "command_type"); len(values) > 0 {
		f.commandTypes = make(map[string]struct{}, len(values))
		for _, v := range values {
			f.commandTypes[strings.ToLower(v)] = struct{}{}
		}
	}
	for _, v := range csvParams(r, "pids") {
		pid, err := strconv.Atoi(v)
		if err != nil {
			return f, "invalid pids: must be a comma-separated list of integers"
		}
		if f.pids == nil {
			f.pids = make(map[int]struct{})
		}
		f.pids[pid] = struct{}{}
	}
	return f, ""
}

// csvParams flattens repeated and comma-separated values of one query key.
func csvParams(r *http.Request, key string) []string {
	var out []string
	for _, raw := range r.URL.Query()[key] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// List handles GET /api/v1/profiling/hosts.
// Lists every host the service filter selects, joined with its current
// command. active_count and total_count describe the service scope before
// the row filters apply, so paging through filters keeps the totals stable.
func (h *HostStatusHandler) List(w http.ResponseWriter, r *http.Request) {
	filters, errMsg := parseHostFilters(r)
	if errMsg != "" {
		ErrBadRequest(w, errMsg)
		return
	}

	serviceFilter := repositories.HeartbeatFilter{
		Service:        r.URL.Query().Get("service"),
		ServicePartial: r.URL.Query().Get("partial") == "true",
	}

	heartbeats, err := h.heartbeats.List(r.Context(), serviceFilter)
	if err != nil {
		h.logger.Error("failed to list heartbeats", zap.Error(err))
		ErrInternal(w)
		return
	}

	// A substring service match cannot be pushed into the command query, so
	// fetch fleet-wide in that case and let the join narrow it.
	commandScope := serviceFilter.Service
	if serviceFilter.ServicePartial {
		commandScope = ""
	}
	commands, err := h.commands.ListCurrent(r.Context(), commandScope)
	if err != nil {
		h.logger.Error("failed to list current commands", zap.Error(err))
		ErrInternal(w)
		return
	}

	type hostKey struct{ hostname, service string }
	current := make(map[hostKey]*db.ProfilingCommand, len(commands))
	for i := range commands {
		cmd := &commands[i]
		current[hostKey{cmd.Hostname, cmd.ServiceName}] = cmd
	}

	activeSince := h.clock.Now().Add(-h.window)
	activeCount := 0
	hosts := make([]hostStatus, 0, len(heartbeats))
	for i := range heartbeats {
		hb := &heartbeats[i]
		if hb.Status == db.HostStatusActive && !hb.HeartbeatTimestamp.Before(activeSince) {
			activeCount++
		}

		if filters.hostname != "" && !containsFold(hb.Hostname, filters.hostname) {
			continue
		}
		if filters.ip != "" && !strings.Contains(hb.IPAddress, filters.ip) {
			continue
		}

		profilingStatus := "stopped"
		commandType := "N/A"
		var pids []int
		if cmd, ok := current[hostKey{hb.Hostname, hb.ServiceName}]; ok {
			profilingStatus = cmd.Status
			commandType = cmd.CommandType
			pids = cmd.CombinedConfig.PIDs
		}

		if filters.statuses != nil {
			if _, ok := filters.statuses[strings.ToLower(profilingStatus)]; !ok {
				continue
			}
		}
		if filters.commandTypes != nil {
			if _, ok := filters.commandTypes[strings.ToLower(commandType)]; !ok {
				continue
			}
		}
		if filters.pids != nil && !pidsIntersect(pids, filters.pids) {
			continue
		}

		if pids == nil {
			pids = []int{}
		}
		hosts = append(hosts, hostStatus{
			ID:                 hb.ID.String(),
			ServiceName:        hb.ServiceName,
			Hostname:           hb.Hostname,
			IPAddress:          hb.IPAddress,
			PIDs:               pids,
			CommandType:        commandType,
			ProfilingStatus:    profilingStatus,
			HeartbeatTimestamp: hb.HeartbeatTimestamp,
		})
	}

	Ok(w, hostStatusResponse{
		Hosts:       hosts,
		ActiveCount: activeCount,
		TotalCount:  len(heartbeats),
	})
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// pidsIntersect reports whether any command PID is in the filter set. A
// command with no PID scope never matches a PID filter.
func pidsIntersect(pids []int, filter map[int]struct{}) bool {
	for _, pid := range pids {
		if _, ok := filter[pid]; ok {
			return true
		}
	}
	return false
}
