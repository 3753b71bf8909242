package models

import (
	"time"

	"github.com/google/uuid"
)

// Group update action constants.
const (
	GroupActionAdded   = "added"
	GroupActionRemoved = "removed"
	GroupActionKept    = "kept"
)

// GroupUpdateRun is the audit record of one grouping-engine execution.
type GroupUpdateRun struct {
	ID           uuid.UUID  `json:"id"`
	Scope        string     `json:"scope,omitempty"` // empty scope means all entities
	Actor        string     `json:"actor"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Added        int        `json:"added"`
	Removed      int        `json:"removed"`
	Kept         int        `json:"kept"`
	FailedGroups int        `json:"failed_groups"`
}

// GroupUpdateResult records one affected member of one grouping run, with a
// human-readable reason ("key changed from X to Y", "manually unassigned").
type GroupUpdateResult struct {
	ID       uuid.UUID `json:"id"`
	RunID    uuid.UUID `json:"run_id"`
	GroupKey string    `json:"group_key"`
	EntityID uuid.UUID `json:"entity_id"`
	Action   string    `json:"action"`
	Reason   string    `json:"reason"`
}
