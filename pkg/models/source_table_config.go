package models

import (
	"time"

	"github.com/google/uuid"
)

// Source type constants. Each maps to a connector implementation.
const (
	SourceTypeMSSQL    = "mssql"
	SourceTypePostgres = "postgres"
)

// Schedule kind constants.
const (
	ScheduleKindInterval = "interval"
	ScheduleKindCron     = "cron"
)

// Interval unit constants.
const (
	IntervalUnitMinutes = "minutes"
	IntervalUnitHours   = "hours"
	IntervalUnitDays    = "days"
)

// SourceTableConfig describes one external table to mirror: which fields form
// the natural key, which fields are synced and hashed, and when runs are due.
// Operators create and edit these; the orchestrator only advances NextDueAt
// and LastSyncAt.
type SourceTableConfig struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	SourceType     string    `json:"source_type"` // "mssql" or "postgres"
	SourceTable    string    `json:"source_table"`
	KeyFields      []string  `json:"key_fields"`      // ordered composite natural key
	SelectedFields []string  `json:"selected_fields"` // fields that are mirrored and hashed

	ScheduleKind  string `json:"schedule_kind"` // "interval" or "cron"
	IntervalValue int    `json:"interval_value,omitempty"`
	IntervalUnit  string `json:"interval_unit,omitempty"`
	CronExpr      string `json:"cron_expr,omitempty"`

	DetectNew      bool `json:"detect_new"`
	DetectDeleted  bool `json:"detect_deleted"`
	HashEnabled    bool `json:"hash_enabled"`
	FetchAllFields bool `json:"fetch_all_fields"`

	// GroupPrefixFields overrides the engine-wide number of leading key fields
	// that form the group key. Zero means use the engine default.
	GroupPrefixFields int `json:"group_prefix_fields,omitempty"`

	Active     bool       `json:"active"`
	NextDueAt  *time.Time `json:"next_due_at,omitempty"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// HashFields returns the fields the content hash is computed over.
// With FetchAllFields the connector still fetches everything, but only the
// selected fields participate in the hash so transport noise never changes it.
func (c *SourceTableConfig) HashFields() []string {
	return c.SelectedFields
}
