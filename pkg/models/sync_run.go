package models

import (
	"time"

	"github.com/google/uuid"
)

// Sync run status constants.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// SyncRun is one execution instance for a configuration. Created at run start,
// mutated only by the owning run, immutable once finalized. At most one
// running SyncRun exists per configuration (enforced by a partial unique
// index in the database).
type SyncRun struct {
	ID              uuid.UUID  `json:"id"`
	ConfigID        uuid.UUID  `json:"config_id"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	ExecutionTimeMs int64      `json:"execution_time_ms"`
	Processed       int        `json:"processed"`
	Created         int        `json:"created"`
	Updated         int        `json:"updated"`
	Deleted         int        `json:"deleted"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

// IsTerminal reports whether the run has reached a final state.
func (r *SyncRun) IsTerminal() bool {
	return r.Status != RunStatusRunning
}
