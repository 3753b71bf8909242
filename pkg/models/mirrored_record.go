package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Record status constants describing the lifecycle transition a mirrored
// record took in its most recent sync run.
const (
	RecordStatusNew       = "new"
	RecordStatusUpdated   = "updated"
	RecordStatusUnchanged = "unchanged"
	RecordStatusDeleted   = "deleted"
)

// NaturalKeySeparator joins the ordered key field values into the stored
// natural key. The external source uses "/" inside key values routinely, so
// a non-printable separator keeps composite keys unambiguous.
const NaturalKeySeparator = "\x1f"

// JoinNaturalKey builds the canonical natural key from ordered key values.
func JoinNaturalKey(values []string) string {
	return strings.Join(values, NaturalKeySeparator)
}

// SplitNaturalKey splits a stored natural key back into its ordered values.
func SplitNaturalKey(key string) []string {
	return strings.Split(key, NaturalKeySeparator)
}

// MirroredRecord is the internal copy of one external record. Created on
// first sight of a natural key, updated on every run, and only ever removed
// through the deletion path (which writes a DeletionAuditEntry).
type MirroredRecord struct {
	ID                  uuid.UUID         `json:"id"`
	ConfigID            uuid.UUID         `json:"config_id"`
	NaturalKey          string            `json:"natural_key"`
	KeyFields           map[string]string `json:"key_fields"`
	Payload             map[string]any    `json:"payload"`
	ContentHash         string            `json:"content_hash"`
	PreviousContentHash string            `json:"previous_content_hash,omitempty"`
	RecordStatus        string            `json:"record_status"`
	IsNewRecord         bool              `json:"is_new_record"`
	PendingDeletion     bool              `json:"pending_deletion"`
	PendingDeletionAt   *time.Time        `json:"pending_deletion_at,omitempty"`
	MissCount           int               `json:"miss_count"`
	LastSyncedAt        time.Time         `json:"last_synced_at"`
	WasUpdatedLastSync  bool              `json:"was_updated_last_sync"`
	LastRunID           uuid.UUID         `json:"last_run_id"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// DeletionAuditEntry records the removal of one mirrored record from the
// active set, with a snapshot of its last known payload.
type DeletionAuditEntry struct {
	ID         uuid.UUID      `json:"id"`
	ConfigID   uuid.UUID      `json:"config_id"`
	NaturalKey string         `json:"natural_key"`
	RunID      uuid.UUID      `json:"run_id"`
	Payload    map[string]any `json:"payload"`
	DeletedAt  time.Time      `json:"deleted_at"`
}
