// Package profiling defines the value types shared by the reconciliation
// core: the per-host command configuration and the pure merge function that
// folds overlapping profiling requests into a single effective config.
//
// Nothing in this package touches the database. CommandConfig implements
// driver.Valuer and sql.Scanner so the persistence layer can store it as a
// JSON text column, but serialization is the only persistence concern that
// lives here.
package profiling

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Profiling modes accepted in requests and carried in command configs.
const (
	ModeCPU        = "cpu"
	ModeAllocation = "allocation"
	ModeNone       = "none"
)

// Defaults applied when a request omits the corresponding field.
const (
	DefaultDuration  = 60 // seconds
	DefaultFrequency = 11 // Hz
	DefaultMode      = ModeCPU
)

// CommandConfig is the effective configuration delivered to an agent for one
// (host, service) pair. It is the folded result of every request that
// contributed to the command. AdditionalArgs is an open map so that new
// agent-side options can pass through without a schema change.
type CommandConfig struct {
	Duration       int            `json:"duration"`
	Frequency      int            `json:"frequency"`
	ProfilingMode  string         `json:"profiling_mode"`
	Continuous     bool           `json:"continuous,omitempty"`
	PIDs           []int          `json:"pids,omitempty"`
	StopLevel      string         `json:"stop_level,omitempty"`
	AdditionalArgs map[string]any `json:"additional_args,omitempty"`
}

// Value implements driver.Valuer. The config is stored as a JSON text column.
func (c CommandConfig) Value() (driver.Value, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("profiling: marshal command config: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner for JSON text columns written by Value.
func (c *CommandConfig) Scan(value interface{}) error {
	if value == nil {
		*c = CommandConfig{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("profiling: CommandConfig.Scan: expected string, got %T", value)
	}
	if len(data) == 0 {
		*c = CommandConfig{}
		return nil
	}
	return json.Unmarshal(data, c)
}

// PIDMap associates a name (hostname in request targeting, process name in
// heartbeat inventories) with a list of process IDs. Stored as a JSON text
// column.
type PIDMap map[string][]int

// Value implements driver.Valuer.
func (m PIDMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("profiling: marshal pid map: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (m *PIDMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("profiling: PIDMap.Scan: expected string, got %T", value)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, m)
}

// Merge folds an incoming config into the existing one for the same
// (host, service) pair and returns the combined result. Neither argument is
// mutated.
//
// Merge rules:
//
//	continuous       logical OR
//	duration         max(existing, incoming)
//	frequency        max(existing, incoming)
//	profiling_mode   incoming (latest wins)
//	pids             set union, deduplicated and sorted
//	additional_args  shallow merge, incoming wins on key collision
//	stop_level       incoming when set, otherwise existing
//
// When existing is nil the incoming config is returned verbatim. Callers are
// responsible for treating a terminal existing command as absent; Merge only
// sees configs the caller considers live.
func Merge(existing *CommandConfig, incoming CommandConfig) CommandConfig {
	if existing == nil {
		return incoming
	}

	merged := incoming

	merged.Continuous = existing.Continuous || incoming.Continuous
	if existing.Duration > incoming.Duration {
		merged.Duration = existing.Duration
	}
	if existing.Frequency > incoming.Frequency {
		merged.Frequency = existing.Frequency
	}
	merged.PIDs = UnionPIDs(existing.PIDs, incoming.PIDs)
	merged.AdditionalArgs = mergeArgs(existing.AdditionalArgs, incoming.AdditionalArgs)
	if incoming.StopLevel == "" {
		merged.StopLevel = existing.StopLevel
	}

	return merged
}

// UnionPIDs returns the sorted, deduplicated union of two PID lists.
// Returns nil when both inputs are empty so that configs without PID
// restriction keep an absent "pids" key after JSON round-trips.
func UnionPIDs(a, b []int) []int {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[int]struct{}, len(a)+len(b))
	union := make([]int, 0, len(a)+len(b))
	for _, pid := range a {
		if _, ok := seen[pid]; !ok {
			seen[pid] = struct{}{}
			union = append(union, pid)
		}
	}
	for _, pid := range b {
		if _, ok := seen[pid]; !ok {
			seen[pid] = struct{}{}
			union = append(union, pid)
		}
	}
	sort.Ints(union)
	return union
}

// SubtractPIDs returns the PIDs in current that are not in remove, preserving
// the sorted order of current. Used by process-level stop reconciliation.
func SubtractPIDs(current, remove []int) []int {
	if len(current) == 0 {
		return nil
	}
	removeSet := make(map[int]struct{}, len(remove))
	for _, pid := range remove {
		removeSet[pid] = struct{}{}
	}
	var remaining []int
	for _, pid := range current {
		if _, ok := removeSet[pid]; !ok {
			remaining = append(remaining, pid)
		}
	}
	return remaining
}

// mergeArgs shallow-merges two argument maps with incoming winning on key
// collision. Returns nil when both inputs are empty.
func mergeArgs(existing, incoming map[string]any) map[string]any {
	if len(existing) == 0 && len(incoming) == 0 {
		return nil
	}
	merged := make(map[string]any, len(existing)+len(incoming))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range incoming {
		merged[k] = v
	}
	return merged
}

// perfEventNames maps operator-facing perf event names to the normalized
// names agents store, e.g. "cpu-cycles" -> "cycles".
var perfEventNames = map[string]string{
	"cpu-cycles":                  "cycles",
	"cpu-instructions":            "instructions",
	"cpu-cache-misses":            "cache-misses",
	"cpu-cache-references":        "cache-references",
	"cpu-branch-instructions":     "branch-instructions",
	"cpu-branch-misses":           "branch-misses",
	"cpu-stalled-cycles-frontend": "stalled-cycles-frontend",
	"cpu-stalled-cycles-backend":  "stalled-cycles-backend",
}

// NormalizePerfEvent converts a perf event name as entered by an operator
// into the form agents expect. Raw perf syntax such as "cpu/cache-misses/"
// is reduced to "cache-misses"; names without a known mapping pass through
// unchanged.
func NormalizePerfEvent(event string) string {
	event = strings.ReplaceAll(event, "cpu/", "")
	event = strings.ReplaceAll(event, "/", "")
	if normalized, ok := perfEventNames[event]; ok {
		return normalized
	}
	return event
}
