package apperrors

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrAlreadyRunning = errors.New("sync run already in progress for this configuration")
	ErrNothingToLink  = errors.New("at least one of candidate id or mirrored key is required")
	ErrArchived       = errors.New("canonical entity is archived")
)

// ConnectorError indicates the external source was unreachable or rejected the
// request. Run-level: the run fails and is retried on the next scheduled tick.
type ConnectorError struct {
	Source string
	Err    error
}

func (e *ConnectorError) Error() string {
	return fmt.Sprintf("connector %s: %v", e.Source, e.Err)
}

func (e *ConnectorError) Unwrap() error { return e.Err }

// CapacityError indicates the external source is rate limiting us. Run-level,
// retried with backoff on the orchestrator's next due time.
type CapacityError struct {
	Source string
	Err    error
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("connector %s over capacity: %v", e.Source, e.Err)
}

func (e *CapacityError) Unwrap() error { return e.Err }

// ValidationError indicates a single record is malformed (missing natural key
// or required field). Record-level: captured as a SyncError, never fails a run.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid record: field %q %s", e.Field, e.Reason)
}

// ConflictError is returned when linking would merge two canonical entities
// that already exist. Requires manual resolution; never auto-resolved.
type ConflictError struct {
	CandidateEntityID uuid.UUID
	SourcedEntityID   uuid.UUID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("candidate and mirrored record are linked to different canonical entities (%s, %s)",
		e.CandidateEntityID, e.SourcedEntityID)
}

// ConsistencyError indicates an invariant violation detected mid-rebuild
// (e.g. member count mismatch). Aborts only the affected group's transaction.
type ConsistencyError struct {
	GroupKey string
	Detail   string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("group %s inconsistent: %s", e.GroupKey, e.Detail)
}
