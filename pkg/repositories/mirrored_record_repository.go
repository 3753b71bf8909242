package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/openmdm/mdm-engine/pkg/apperrors"
	"github.com/openmdm/mdm-engine/pkg/database"
	"github.com/openmdm/mdm-engine/pkg/models"
)

// MirroredRecordRepository defines data access for mirrored records and their
// deletion audit trail.
type MirroredRecordRepository interface {
	// GetByKey retrieves a record by its natural key within a configuration,
	// including deleted records.
	GetByKey(ctx context.Context, configID uuid.UUID, naturalKey string) (*models.MirroredRecord, error)

	// Create inserts a freshly seen record.
	Create(ctx context.Context, rec *models.MirroredRecord) error

	// Update rewrites a record after classification in a run. A record that
	// was pending deletion and reappears has its pending state cleared here.
	Update(ctx context.Context, rec *models.MirroredRecord) error

	// MarkMissed increments miss_count and sets pending_deletion for every
	// active record of the configuration not touched by the given run, and
	// returns the affected records for threshold evaluation. Keys listed in
	// excludeKeys were delivered by the run but failed to process, so they do
	// not accrue a miss.
	MarkMissed(ctx context.Context, configID, runID uuid.UUID, excludeKeys []string, now time.Time) ([]*models.MirroredRecord, error)

	// Delete marks a record deleted and writes its audit entry. Idempotent:
	// deleting an already-deleted record is a no-op and writes no entry.
	Delete(ctx context.Context, rec *models.MirroredRecord, runID uuid.UUID) error

	// ListByConfig retrieves records for a configuration, optionally
	// excluding deleted ones.
	ListByConfig(ctx context.Context, configID uuid.UUID, includeDeleted bool) ([]*models.MirroredRecord, error)

	// ListUnlinked retrieves active records with no canonical entity, for
	// batch unification.
	ListUnlinked(ctx context.Context) ([]*models.MirroredRecord, error)

	// ListDeletionAudit retrieves audit entries for a configuration, newest first.
	ListDeletionAudit(ctx context.Context, configID uuid.UUID, limit int) ([]*models.DeletionAuditEntry, error)
}

type mirroredRecordRepository struct {
	q database.Querier
}

// NewMirroredRecordRepository creates a new mirrored record repository.
func NewMirroredRecordRepository(q database.Querier) MirroredRecordRepository {
	return &mirroredRecordRepository{q: q}
}

const mirroredRecordColumns = `id, config_id, natural_key, key_fields, payload,
	content_hash, previous_content_hash, record_status, is_new_record,
	pending_deletion, pending_deletion_at, miss_count, last_synced_at,
	was_updated_last_sync, last_run_id, created_at, updated_at`

func (r *mirroredRecordRepository) GetByKey(ctx context.Context, configID uuid.UUID, naturalKey string) (*models.MirroredRecord, error) {
	query := `SELECT ` + mirroredRecordColumns + `
		FROM mirrored_records
		WHERE config_id = $1 AND natural_key = $2`

	rec, err := scanMirroredRecord(r.q.QueryRow(ctx, query, configID, naturalKey))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get mirrored record: %w", err)
	}
	return rec, nil
}

func (r *mirroredRecordRepository) Create(ctx context.Context, rec *models.MirroredRecord) error {
	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	query := `
		INSERT INTO mirrored_records
			(config_id, natural_key, key_fields, payload, content_hash,
			 previous_content_hash, record_status, is_new_record,
			 pending_deletion, miss_count, last_synced_at,
			 was_updated_last_sync, last_run_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id`

	err := r.q.QueryRow(ctx, query,
		rec.ConfigID,
		rec.NaturalKey,
		rec.KeyFields,
		rec.Payload,
		rec.ContentHash,
		rec.PreviousContentHash,
		rec.RecordStatus,
		rec.IsNewRecord,
		rec.PendingDeletion,
		rec.MissCount,
		rec.LastSyncedAt,
		rec.WasUpdatedLastSync,
		rec.LastRunID,
		rec.CreatedAt,
		rec.UpdatedAt,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("failed to create mirrored record: %w", err)
	}

	return nil
}

func (r *mirroredRecordRepository) Update(ctx context.Context, rec *models.MirroredRecord) error {
	rec.UpdatedAt = time.Now()

	query := `
		UPDATE mirrored_records
		SET payload = $2, content_hash = $3, previous_content_hash = $4,
			record_status = $5, is_new_record = $6, pending_deletion = $7,
			pending_deletion_at = $8, miss_count = $9, last_synced_at = $10,
			was_updated_last_sync = $11, last_run_id = $12, updated_at = $13
		WHERE id = $1`

	result, err := r.q.Exec(ctx, query,
		rec.ID,
		rec.Payload,
		rec.ContentHash,
		rec.PreviousContentHash,
		rec.RecordStatus,
		rec.IsNewRecord,
		rec.PendingDeletion,
		rec.PendingDeletionAt,
		rec.MissCount,
		rec.LastSyncedAt,
		rec.WasUpdatedLastSync,
		rec.LastRunID,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update mirrored record: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *mirroredRecordRepository) MarkMissed(ctx context.Context, configID, runID uuid.UUID, excludeKeys []string, now time.Time) ([]*models.MirroredRecord, error) {
	if excludeKeys == nil {
		excludeKeys = []string{}
	}

	query := `
		UPDATE mirrored_records
		SET miss_count = miss_count + 1,
			pending_deletion = TRUE,
			pending_deletion_at = COALESCE(pending_deletion_at, $4),
			updated_at = $4
		WHERE config_id = $1 AND last_run_id <> $2 AND record_status <> 'deleted'
			AND natural_key <> ALL($3)
		RETURNING ` + mirroredRecordColumns

	rows, err := r.q.Query(ctx, query, configID, runID, excludeKeys, now)
	if err != nil {
		return nil, fmt.Errorf("failed to mark missed records: %w", err)
	}
	defer rows.Close()

	return scanMirroredRecords(rows)
}

func (r *mirroredRecordRepository) Delete(ctx context.Context, rec *models.MirroredRecord, runID uuid.UUID) error {
	now := time.Now()

	query := `
		UPDATE mirrored_records
		SET record_status = 'deleted', pending_deletion = FALSE,
			last_run_id = $2, updated_at = $3
		WHERE id = $1 AND record_status <> 'deleted'`

	result, err := r.q.Exec(ctx, query, rec.ID, runID, now)
	if err != nil {
		return fmt.Errorf("failed to delete mirrored record: %w", err)
	}
	if result.RowsAffected() == 0 {
		// Already deleted, no audit entry.
		return nil
	}

	auditQuery := `
		INSERT INTO deletion_audit_entries (config_id, natural_key, run_id, payload, deleted_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err = r.q.Exec(ctx, auditQuery, rec.ConfigID, rec.NaturalKey, runID, rec.Payload, now)
	if err != nil {
		return fmt.Errorf("failed to write deletion audit entry: %w", err)
	}

	rec.RecordStatus = models.RecordStatusDeleted
	rec.PendingDeletion = false
	return nil
}

func (r *mirroredRecordRepository) ListByConfig(ctx context.Context, configID uuid.UUID, includeDeleted bool) ([]*models.MirroredRecord, error) {
	query := `SELECT ` + mirroredRecordColumns + `
		FROM mirrored_records
		WHERE config_id = $1`
	if !includeDeleted {
		query += ` AND record_status <> 'deleted'`
	}
	query += ` ORDER BY natural_key`

	rows, err := r.q.Query(ctx, query, configID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mirrored records: %w", err)
	}
	defer rows.Close()

	return scanMirroredRecords(rows)
}

func (r *mirroredRecordRepository) ListUnlinked(ctx context.Context) ([]*models.MirroredRecord, error) {
	query := `SELECT ` + prefixColumns("m", mirroredRecordColumns) + `
		FROM mirrored_records m
		LEFT JOIN canonical_entities e
			ON e.source_config_id = m.config_id AND e.mirrored_key = m.natural_key
		WHERE m.record_status <> 'deleted' AND e.id IS NULL
		ORDER BY m.natural_key`

	rows, err := r.q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list unlinked records: %w", err)
	}
	defer rows.Close()

	return scanMirroredRecords(rows)
}

func (r *mirroredRecordRepository) ListDeletionAudit(ctx context.Context, configID uuid.UUID, limit int) ([]*models.DeletionAuditEntry, error) {
	query := `
		SELECT id, config_id, natural_key, run_id, payload, deleted_at
		FROM deletion_audit_entries
		WHERE config_id = $1
		ORDER BY deleted_at DESC
		LIMIT $2`

	rows, err := r.q.Query(ctx, query, configID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deletion audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.DeletionAuditEntry
	for rows.Next() {
		var e models.DeletionAuditEntry
		if err := rows.Scan(&e.ID, &e.ConfigID, &e.NaturalKey, &e.RunID, &e.Payload, &e.DeletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}

func scanMirroredRecord(row pgx.Row) (*models.MirroredRecord, error) {
	var rec models.MirroredRecord
	err := row.Scan(
		&rec.ID,
		&rec.ConfigID,
		&rec.NaturalKey,
		&rec.KeyFields,
		&rec.Payload,
		&rec.ContentHash,
		&rec.PreviousContentHash,
		&rec.RecordStatus,
		&rec.IsNewRecord,
		&rec.PendingDeletion,
		&rec.PendingDeletionAt,
		&rec.MissCount,
		&rec.LastSyncedAt,
		&rec.WasUpdatedLastSync,
		&rec.LastRunID,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func scanMirroredRecords(rows pgx.Rows) ([]*models.MirroredRecord, error) {
	var records []*models.MirroredRecord
	for rows.Next() {
		rec, err := scanMirroredRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mirrored record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mirrored records: %w", err)
	}
	return records, nil
}

var _ MirroredRecordRepository = (*mirroredRecordRepository)(nil)
