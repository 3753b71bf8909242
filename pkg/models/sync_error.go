package models

import (
	"time"

	"github.com/google/uuid"
)

// Error type constants for captured per-record failures.
const (
	ErrorTypeValidation = "validation"
	ErrorTypeConnector  = "connector"
	ErrorTypeInternal   = "internal"
)

// SyncError is one failure captured for one record within one sync run.
// Record-level failures never escape to run level; they accumulate here as a
// queryable, actionable list. An error is resolved manually (with notes) or
// cleared automatically once a later attempt for the same key succeeds.
type SyncError struct {
	ID              uuid.UUID      `json:"id"`
	ConfigID        uuid.UUID      `json:"config_id"`
	RunID           uuid.UUID      `json:"run_id"`
	NaturalKey      string         `json:"natural_key"`
	RawPayload      map[string]any `json:"raw_payload,omitempty"`
	ErrorType       string         `json:"error_type"`
	ErrorMessage    string         `json:"error_message"`
	AttemptNumber   int            `json:"attempt_number"`
	ResolutionNotes *string        `json:"resolution_notes,omitempty"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// IsResolved reports whether the error has been resolved, either manually or
// by a later successful attempt.
func (e *SyncError) IsResolved() bool {
	return e.ResolvedAt != nil
}
