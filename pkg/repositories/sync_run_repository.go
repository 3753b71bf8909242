package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/openmdm/mdm-engine/pkg/apperrors"
	"github.com/openmdm/mdm-engine/pkg/database"
	"github.com/openmdm/mdm-engine/pkg/models"
)

// SyncRunRepository defines data access for sync runs.
type SyncRunRepository interface {
	// Create inserts a new running sync run. Returns ErrAlreadyRunning if the
	// configuration already has a run in the running state.
	Create(ctx context.Context, run *models.SyncRun) error

	// GetByID retrieves a sync run by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*models.SyncRun, error)

	// ListByConfig retrieves the most recent runs for a configuration.
	ListByConfig(ctx context.Context, configID uuid.UUID, limit int) ([]*models.SyncRun, error)

	// Finalize transitions a running run to a terminal state with its final
	// counts. Finalized runs are immutable; finalizing twice returns ErrNotFound.
	Finalize(ctx context.Context, run *models.SyncRun) error
}

type syncRunRepository struct {
	q database.Querier
}

// NewSyncRunRepository creates a new sync run repository.
func NewSyncRunRepository(q database.Querier) SyncRunRepository {
	return &syncRunRepository{q: q}
}

const syncRunColumns = `id, config_id, status, started_at, finished_at,
	execution_time_ms, processed, created, updated, deleted, error_message`

func (r *syncRunRepository) Create(ctx context.Context, run *models.SyncRun) error {
	run.Status = models.RunStatusRunning
	run.StartedAt = time.Now()

	query := `
		INSERT INTO sync_runs (config_id, status, started_at)
		VALUES ($1, $2, $3)
		RETURNING id`

	err := r.q.QueryRow(ctx, query, run.ConfigID, run.Status, run.StartedAt).Scan(&run.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrAlreadyRunning
		}
		return fmt.Errorf("failed to create sync run: %w", err)
	}

	return nil
}

func (r *syncRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SyncRun, error) {
	query := `SELECT ` + syncRunColumns + ` FROM sync_runs WHERE id = $1`

	run, err := scanSyncRun(r.q.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get sync run: %w", err)
	}
	return run, nil
}

func (r *syncRunRepository) ListByConfig(ctx context.Context, configID uuid.UUID, limit int) ([]*models.SyncRun, error) {
	query := `SELECT ` + syncRunColumns + `
		FROM sync_runs
		WHERE config_id = $1
		ORDER BY started_at DESC
		LIMIT $2`

	rows, err := r.q.Query(ctx, query, configID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.SyncRun
	for rows.Next() {
		run, err := scanSyncRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync runs: %w", err)
	}
	return runs, nil
}

func (r *syncRunRepository) Finalize(ctx context.Context, run *models.SyncRun) error {
	query := `
		UPDATE sync_runs
		SET status = $2, finished_at = $3, execution_time_ms = $4,
			processed = $5, created = $6, updated = $7, deleted = $8,
			error_message = $9
		WHERE id = $1 AND status = 'running'`

	result, err := r.q.Exec(ctx, query,
		run.ID,
		run.Status,
		run.FinishedAt,
		run.ExecutionTimeMs,
		run.Processed,
		run.Created,
		run.Updated,
		run.Deleted,
		run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize sync run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func scanSyncRun(row pgx.Row) (*models.SyncRun, error) {
	var run models.SyncRun
	err := row.Scan(
		&run.ID,
		&run.ConfigID,
		&run.Status,
		&run.StartedAt,
		&run.FinishedAt,
		&run.ExecutionTimeMs,
		&run.Processed,
		&run.Created,
		&run.Updated,
		&run.Deleted,
		&run.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

var _ SyncRunRepository = (*syncRunRepository)(nil)
