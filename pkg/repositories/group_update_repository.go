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

// GroupUpdateRepository defines data access for grouping run audit records.
type GroupUpdateRepository interface {
	CreateRun(ctx context.Context, run *models.GroupUpdateRun) error

	// FinalizeRun writes the aggregate counts and finish time.
	FinalizeRun(ctx context.Context, run *models.GroupUpdateRun) error

	GetRun(ctx context.Context, id uuid.UUID) (*models.GroupUpdateRun, error)
	ListRuns(ctx context.Context, limit int) ([]*models.GroupUpdateRun, error)

	// AddResults appends per-member results for a run.
	AddResults(ctx context.Context, results []*models.GroupUpdateResult) error

	ListResults(ctx context.Context, runID uuid.UUID) ([]*models.GroupUpdateResult, error)
}

type groupUpdateRepository struct {
	q database.Querier
}

// NewGroupUpdateRepository creates a new group update audit repository.
func NewGroupUpdateRepository(q database.Querier) GroupUpdateRepository {
	return &groupUpdateRepository{q: q}
}

const groupUpdateRunColumns = `id, scope, actor, started_at, finished_at,
	added, removed, kept, failed_groups`

func (r *groupUpdateRepository) CreateRun(ctx context.Context, run *models.GroupUpdateRun) error {
	run.StartedAt = time.Now()

	query := `
		INSERT INTO group_update_runs (scope, actor, started_at)
		VALUES ($1, $2, $3)
		RETURNING id`

	err := r.q.QueryRow(ctx, query, run.Scope, run.Actor, run.StartedAt).Scan(&run.ID)
	if err != nil {
		return fmt.Errorf("failed to create group update run: %w", err)
	}

	return nil
}

func (r *groupUpdateRepository) FinalizeRun(ctx context.Context, run *models.GroupUpdateRun) error {
	query := `
		UPDATE group_update_runs
		SET finished_at = $2, added = $3, removed = $4, kept = $5, failed_groups = $6
		WHERE id = $1`

	result, err := r.q.Exec(ctx, query,
		run.ID,
		run.FinishedAt,
		run.Added,
		run.Removed,
		run.Kept,
		run.FailedGroups,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize group update run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *groupUpdateRepository) GetRun(ctx context.Context, id uuid.UUID) (*models.GroupUpdateRun, error) {
	query := `SELECT ` + groupUpdateRunColumns + ` FROM group_update_runs WHERE id = $1`

	run, err := scanGroupUpdateRun(r.q.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get group update run: %w", err)
	}
	return run, nil
}

func (r *groupUpdateRepository) ListRuns(ctx context.Context, limit int) ([]*models.GroupUpdateRun, error) {
	query := `SELECT ` + groupUpdateRunColumns + `
		FROM group_update_runs
		ORDER BY started_at DESC
		LIMIT $1`

	rows, err := r.q.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list group update runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.GroupUpdateRun
	for rows.Next() {
		run, err := scanGroupUpdateRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan group update run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating group update runs: %w", err)
	}
	return runs, nil
}

func (r *groupUpdateRepository) AddResults(ctx context.Context, results []*models.GroupUpdateResult) error {
	for _, res := range results {
		query := `
			INSERT INTO group_update_results (run_id, group_key, entity_id, action, reason)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id`

		err := r.q.QueryRow(ctx, query,
			res.RunID,
			res.GroupKey,
			res.EntityID,
			res.Action,
			res.Reason,
		).Scan(&res.ID)
		if err != nil {
			return fmt.Errorf("failed to add group update result: %w", err)
		}
	}
	return nil
}

func (r *groupUpdateRepository) ListResults(ctx context.Context, runID uuid.UUID) ([]*models.GroupUpdateResult, error) {
	query := `
		SELECT id, run_id, group_key, entity_id, action, reason
		FROM group_update_results
		WHERE run_id = $1
		ORDER BY group_key, action`

	rows, err := r.q.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list group update results: %w", err)
	}
	defer rows.Close()

	var results []*models.GroupUpdateResult
	for rows.Next() {
		var res models.GroupUpdateResult
		if err := rows.Scan(&res.ID, &res.RunID, &res.GroupKey, &res.EntityID, &res.Action, &res.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan group update result: %w", err)
		}
		results = append(results, &res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating group update results: %w", err)
	}
	return results, nil
}

func scanGroupUpdateRun(row pgx.Row) (*models.GroupUpdateRun, error) {
	var run models.GroupUpdateRun
	err := row.Scan(
		&run.ID,
		&run.Scope,
		&run.Actor,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Added,
		&run.Removed,
		&run.Kept,
		&run.FailedGroups,
	)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

var _ GroupUpdateRepository = (*groupUpdateRepository)(nil)
