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

// SyncErrorRepository defines data access for captured per-record sync errors.
type SyncErrorRepository interface {
	// Create appends a new error.
	Create(ctx context.Context, syncErr *models.SyncError) error

	// GetByID retrieves an error by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*models.SyncError, error)

	// LatestUnresolvedAttempt returns the highest attempt number among
	// unresolved errors for a natural key created after the given time, or
	// zero if there is none.
	LatestUnresolvedAttempt(ctx context.Context, configID uuid.UUID, naturalKey string, since time.Time) (int, error)

	// ListUnresolved retrieves unresolved errors for a configuration, newest first.
	ListUnresolved(ctx context.Context, configID uuid.UUID) ([]*models.SyncError, error)

	// Resolve marks an error resolved with operator notes.
	Resolve(ctx context.Context, id uuid.UUID, notes string, resolvedAt time.Time) error

	// ResolveByKeys marks all unresolved errors for the given natural keys
	// resolved, one statement for a whole page of successfully processed
	// keys. Returns the number of errors resolved.
	ResolveByKeys(ctx context.Context, configID uuid.UUID, naturalKeys []string, notes string, resolvedAt time.Time) (int, error)
}

type syncErrorRepository struct {
	q database.Querier
}

// NewSyncErrorRepository creates a new sync error repository.
func NewSyncErrorRepository(q database.Querier) SyncErrorRepository {
	return &syncErrorRepository{q: q}
}

const syncErrorColumns = `id, config_id, run_id, natural_key, raw_payload,
	error_type, error_message, attempt_number, resolution_notes, resolved_at, created_at`

func (r *syncErrorRepository) Create(ctx context.Context, syncErr *models.SyncError) error {
	syncErr.CreatedAt = time.Now()

	query := `
		INSERT INTO sync_errors
			(config_id, run_id, natural_key, raw_payload, error_type,
			 error_message, attempt_number, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	err := r.q.QueryRow(ctx, query,
		syncErr.ConfigID,
		syncErr.RunID,
		syncErr.NaturalKey,
		syncErr.RawPayload,
		syncErr.ErrorType,
		syncErr.ErrorMessage,
		syncErr.AttemptNumber,
		syncErr.CreatedAt,
	).Scan(&syncErr.ID)
	if err != nil {
		return fmt.Errorf("failed to create sync error: %w", err)
	}

	return nil
}

func (r *syncErrorRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SyncError, error) {
	query := `SELECT ` + syncErrorColumns + ` FROM sync_errors WHERE id = $1`

	syncErr, err := scanSyncError(r.q.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get sync error: %w", err)
	}
	return syncErr, nil
}

func (r *syncErrorRepository) LatestUnresolvedAttempt(ctx context.Context, configID uuid.UUID, naturalKey string, since time.Time) (int, error) {
	query := `
		SELECT COALESCE(MAX(attempt_number), 0)
		FROM sync_errors
		WHERE config_id = $1 AND natural_key = $2
			AND resolved_at IS NULL AND created_at >= $3`

	var attempt int
	err := r.q.QueryRow(ctx, query, configID, naturalKey, since).Scan(&attempt)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest attempt: %w", err)
	}
	return attempt, nil
}

func (r *syncErrorRepository) ListUnresolved(ctx context.Context, configID uuid.UUID) ([]*models.SyncError, error) {
	query := `SELECT ` + syncErrorColumns + `
		FROM sync_errors
		WHERE config_id = $1 AND resolved_at IS NULL
		ORDER BY created_at DESC`

	rows, err := r.q.Query(ctx, query, configID)
	if err != nil {
		return nil, fmt.Errorf("failed to list unresolved errors: %w", err)
	}
	defer rows.Close()

	var errs []*models.SyncError
	for rows.Next() {
		syncErr, err := scanSyncError(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync error: %w", err)
		}
		errs = append(errs, syncErr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync errors: %w", err)
	}
	return errs, nil
}

func (r *syncErrorRepository) Resolve(ctx context.Context, id uuid.UUID, notes string, resolvedAt time.Time) error {
	query := `
		UPDATE sync_errors
		SET resolution_notes = $2, resolved_at = $3
		WHERE id = $1 AND resolved_at IS NULL`

	result, err := r.q.Exec(ctx, query, id, notes, resolvedAt)
	if err != nil {
		return fmt.Errorf("failed to resolve sync error: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *syncErrorRepository) ResolveByKeys(ctx context.Context, configID uuid.UUID, naturalKeys []string, notes string, resolvedAt time.Time) (int, error) {
	if len(naturalKeys) == 0 {
		return 0, nil
	}

	query := `
		UPDATE sync_errors
		SET resolution_notes = $3, resolved_at = $4
		WHERE config_id = $1 AND natural_key = ANY($2) AND resolved_at IS NULL`

	result, err := r.q.Exec(ctx, query, configID, naturalKeys, notes, resolvedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve errors by keys: %w", err)
	}
	return int(result.RowsAffected()), nil
}

func scanSyncError(row pgx.Row) (*models.SyncError, error) {
	var e models.SyncError
	err := row.Scan(
		&e.ID,
		&e.ConfigID,
		&e.RunID,
		&e.NaturalKey,
		&e.RawPayload,
		&e.ErrorType,
		&e.ErrorMessage,
		&e.AttemptNumber,
		&e.ResolutionNotes,
		&e.ResolvedAt,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

var _ SyncErrorRepository = (*syncErrorRepository)(nil)
