package storage

import "time"

// AuditRow is a stored audit record.
type AuditRow struct {
	ID        string         `json:"id" db:"id"`
	Phase     string         `json:"phase" db:"phase"`
	Action    string         `json:"action" db:"action"`
	Details   map[string]any `json:"details,omitempty" db:"details"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

// AuditFilter provides criteria for querying audit records.
type AuditFilter struct {
	Phase  string
	Action string
	Since  *time.Time
	Limit  int
	Offset int
}
