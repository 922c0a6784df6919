package api

import (
	"time"

	"remedy-engine/internal/guardian"
	"remedy-engine/internal/memory"
)

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// IntervalRequest changes a monitor's interval.
type IntervalRequest struct {
	Interval Duration `json:"interval"`
}

// ProbeRequest runs the pre-flight probe against a project.
type ProbeRequest struct {
	Root string `json:"root"`
}

// DeployRequest runs the full deploy pipeline.
type DeployRequest struct {
	Root         string `json:"root"`
	BuildCommand string `json:"build_command,omitempty"`
	StartCommand string `json:"start_command,omitempty"`
}

// MemoryResponse reports repair memory statistics and entries.
type MemoryResponse struct {
	Stats   memory.Stats   `json:"stats"`
	Entries []memory.Entry `json:"entries"`
}

// MergeResponse reports an imported snapshot.
type MergeResponse struct {
	Merged  int    `json:"merged"`
	Entries int    `json:"entries"`
	Error   string `json:"error,omitempty"`
}

// MonitorsResponse lists guardian monitors.
type MonitorsResponse struct {
	Running       bool              `json:"running"`
	MinIntervalMs int64             `json:"min_interval_ms"`
	Monitors      []guardian.Status `json:"monitors"`
}

// RunMonitorResponse is one on-demand monitor tick.
type RunMonitorResponse struct {
	Name   string          `json:"name"`
	Result guardian.Result `json:"result"`
	Status guardian.Status `json:"status"`
}

// AuditResponse carries recent audit records. Source is "memory" or
// "database".
type AuditResponse struct {
	Source  string `json:"source"`
	Records any    `json:"records"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status        string `json:"status"`
	Database      bool   `json:"database"`
	Guardian      bool   `json:"guardian"`
	Monitors      int    `json:"monitors"`
	MemoryEntries int    `json:"memory_entries"`
	Patterns      int    `json:"patterns"`
	Uptime        string `json:"uptime"`
}
