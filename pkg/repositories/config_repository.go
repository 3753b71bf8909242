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

// ConfigRepository defines data access for source table configurations.
type ConfigRepository interface {
	// Create inserts a new configuration. Returns ErrConflict if the name is taken.
	Create(ctx context.Context, cfg *models.SourceTableConfig) error

	// GetByID retrieves a configuration by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*models.SourceTableConfig, error)

	// List retrieves all configurations, optionally only active ones.
	List(ctx context.Context, activeOnly bool) ([]*models.SourceTableConfig, error)

	// ListDue retrieves active configurations whose next_due_at is at or before now.
	ListDue(ctx context.Context, now time.Time) ([]*models.SourceTableConfig, error)

	// Update modifies an existing configuration.
	Update(ctx context.Context, cfg *models.SourceTableConfig) error

	// AdvanceSchedule is the orchestrator's only write: it moves next_due_at
	// and last_sync_at after a run reaches a terminal state.
	AdvanceSchedule(ctx context.Context, id uuid.UUID, nextDueAt, lastSyncAt time.Time) error
}

type configRepository struct {
	q database.Querier
}

// NewConfigRepository creates a new configuration repository.
func NewConfigRepository(q database.Querier) ConfigRepository {
	return &configRepository{q: q}
}

const configColumns = `id, name, source_type, source_table, key_fields, selected_fields,
	schedule_kind, interval_value, interval_unit, cron_expr,
	detect_new, detect_deleted, hash_enabled, fetch_all_fields,
	group_prefix_fields, active, next_due_at, last_sync_at, created_at, updated_at`

func (r *configRepository) Create(ctx context.Context, cfg *models.SourceTableConfig) error {
	now := time.Now()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	query := `
		INSERT INTO source_table_configs
			(name, source_type, source_table, key_fields, selected_fields,
			 schedule_kind, interval_value, interval_unit, cron_expr,
			 detect_new, detect_deleted, hash_enabled, fetch_all_fields,
			 group_prefix_fields, active, next_due_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING id`

	err := r.q.QueryRow(ctx, query,
		cfg.Name,
		cfg.SourceType,
		cfg.SourceTable,
		cfg.KeyFields,
		cfg.SelectedFields,
		cfg.ScheduleKind,
		cfg.IntervalValue,
		cfg.IntervalUnit,
		cfg.CronExpr,
		cfg.DetectNew,
		cfg.DetectDeleted,
		cfg.HashEnabled,
		cfg.FetchAllFields,
		cfg.GroupPrefixFields,
		cfg.Active,
		cfg.NextDueAt,
		cfg.CreatedAt,
		cfg.UpdatedAt,
	).Scan(&cfg.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create source table config: %w", err)
	}

	return nil
}

func (r *configRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SourceTableConfig, error) {
	query := `SELECT ` + configColumns + ` FROM source_table_configs WHERE id = $1`

	cfg, err := scanConfig(r.q.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get source table config: %w", err)
	}
	return cfg, nil
}

func (r *configRepository) List(ctx context.Context, activeOnly bool) ([]*models.SourceTableConfig, error) {
	query := `SELECT ` + configColumns + ` FROM source_table_configs`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY name`

	rows, err := r.q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list source table configs: %w", err)
	}
	defer rows.Close()

	return scanConfigs(rows)
}

func (r *configRepository) ListDue(ctx context.Context, now time.Time) ([]*models.SourceTableConfig, error) {
	query := `SELECT ` + configColumns + `
		FROM source_table_configs
		WHERE active AND next_due_at IS NOT NULL AND next_due_at <= $1
		ORDER BY next_due_at`

	rows, err := r.q.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due configs: %w", err)
	}
	defer rows.Close()

	return scanConfigs(rows)
}

func (r *configRepository) Update(ctx context.Context, cfg *models.SourceTableConfig) error {
	query := `
		UPDATE source_table_configs
		SET name = $2, source_type = $3, source_table = $4, key_fields = $5,
			selected_fields = $6, schedule_kind = $7, interval_value = $8,
			interval_unit = $9, cron_expr = $10, detect_new = $11,
			detect_deleted = $12, hash_enabled = $13, fetch_all_fields = $14,
			group_prefix_fields = $15, active = $16, next_due_at = $17, updated_at = $18
		WHERE id = $1`

	result, err := r.q.Exec(ctx, query,
		cfg.ID,
		cfg.Name,
		cfg.SourceType,
		cfg.SourceTable,
		cfg.KeyFields,
		cfg.SelectedFields,
		cfg.ScheduleKind,
		cfg.IntervalValue,
		cfg.IntervalUnit,
		cfg.CronExpr,
		cfg.DetectNew,
		cfg.DetectDeleted,
		cfg.HashEnabled,
		cfg.FetchAllFields,
		cfg.GroupPrefixFields,
		cfg.Active,
		cfg.NextDueAt,
		time.Now(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to update source table config: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *configRepository) AdvanceSchedule(ctx context.Context, id uuid.UUID, nextDueAt, lastSyncAt time.Time) error {
	query := `
		UPDATE source_table_configs
		SET next_due_at = $2, last_sync_at = $3, updated_at = $4
		WHERE id = $1`

	result, err := r.q.Exec(ctx, query, id, nextDueAt, lastSyncAt, time.Now())
	if err != nil {
		return fmt.Errorf("failed to advance schedule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func scanConfig(row pgx.Row) (*models.SourceTableConfig, error) {
	var cfg models.SourceTableConfig
	err := row.Scan(
		&cfg.ID,
		&cfg.Name,
		&cfg.SourceType,
		&cfg.SourceTable,
		&cfg.KeyFields,
		&cfg.SelectedFields,
		&cfg.ScheduleKind,
		&cfg.IntervalValue,
		&cfg.IntervalUnit,
		&cfg.CronExpr,
		&cfg.DetectNew,
		&cfg.DetectDeleted,
		&cfg.HashEnabled,
		&cfg.FetchAllFields,
		&cfg.GroupPrefixFields,
		&cfg.Active,
		&cfg.NextDueAt,
		&cfg.LastSyncAt,
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func scanConfigs(rows pgx.Rows) ([]*models.SourceTableConfig, error) {
	var configs []*models.SourceTableConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan config: %w", err)
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating configs: %w", err)
	}
	return configs, nil
}

var _ ConfigRepository = (*configRepository)(nil)
