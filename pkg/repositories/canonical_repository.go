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

// CanonicalRepository defines data access for canonical entities.
type CanonicalRepository interface {
	// Create inserts a new entity. Returns ErrConflict if its candidate or
	// mirrored key is already linked to another entity.
	Create(ctx context.Context, e *models.CanonicalEntity) error

	GetByID(ctx context.Context, id uuid.UUID) (*models.CanonicalEntity, error)

	// GetByCandidate retrieves the entity linked to a candidate, or ErrNotFound.
	GetByCandidate(ctx context.Context, candidateID uuid.UUID) (*models.CanonicalEntity, error)

	// GetByMirroredKey retrieves the entity linked to a mirrored natural key,
	// or ErrNotFound.
	GetByMirroredKey(ctx context.Context, configID uuid.UUID, naturalKey string) (*models.CanonicalEntity, error)

	// List retrieves entities, optionally excluding archived ones.
	List(ctx context.Context, includeArchived bool) ([]*models.CanonicalEntity, error)

	// ListGroupable retrieves non-archived entities that carry a mirrored key
	// or an explicit group key override, for the given configuration scope
	// (nil scope means all configurations).
	ListGroupable(ctx context.Context, configID *uuid.UUID) ([]*models.CanonicalEntity, error)

	// UpdateLinks rewrites an entity's linkage and status after unification.
	UpdateLinks(ctx context.Context, e *models.CanonicalEntity) error

	// SetGroupKeyOverride pins or clears an entity's explicit group key.
	SetGroupKeyOverride(ctx context.Context, id uuid.UUID, override *string) error

	// SetHasGroup flips the membership marker, set by the grouping engine
	// inside its per-group transaction.
	SetHasGroup(ctx context.Context, id uuid.UUID, hasGroup bool) error

	// Archive sets status archived. Returns ErrArchived if already archived.
	Archive(ctx context.Context, id uuid.UUID) error
}

type canonicalRepository struct {
	q database.Querier
}

// NewCanonicalRepository creates a new canonical entity repository.
func NewCanonicalRepository(q database.Querier) CanonicalRepository {
	return &canonicalRepository{q: q}
}

const canonicalColumns = `id, status, candidate_id, source_config_id, mirrored_key,
	display_name, tax_id, group_key_override, has_group, created_at, updated_at`

func (r *canonicalRepository) Create(ctx context.Context, e *models.CanonicalEntity) error {
	now := time.Now()
	e.CreatedAt = now
	e.UpdatedAt = now

	query := `
		INSERT INTO canonical_entities
			(status, candidate_id, source_config_id, mirrored_key, display_name,
			 tax_id, group_key_override, has_group, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	err := r.q.QueryRow(ctx, query,
		e.Status,
		e.CandidateID,
		e.SourceConfigID,
		e.MirroredKey,
		e.DisplayName,
		e.TaxID,
		e.GroupKeyOverride,
		e.HasGroup,
		e.CreatedAt,
		e.UpdatedAt,
	).Scan(&e.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create canonical entity: %w", err)
	}

	return nil
}

func (r *canonicalRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.CanonicalEntity, error) {
	query := `SELECT ` + canonicalColumns + ` FROM canonical_entities WHERE id = $1`
	return r.getOne(ctx, query, id)
}

func (r *canonicalRepository) GetByCandidate(ctx context.Context, candidateID uuid.UUID) (*models.CanonicalEntity, error) {
	query := `SELECT ` + canonicalColumns + `
		FROM canonical_entities
		WHERE candidate_id = $1 AND status <> 'archived'`
	return r.getOne(ctx, query, candidateID)
}

func (r *canonicalRepository) GetByMirroredKey(ctx context.Context, configID uuid.UUID, naturalKey string) (*models.CanonicalEntity, error) {
	query := `SELECT ` + canonicalColumns + `
		FROM canonical_entities
		WHERE source_config_id = $1 AND mirrored_key = $2 AND status <> 'archived'`
	return r.getOne(ctx, query, configID, naturalKey)
}

func (r *canonicalRepository) getOne(ctx context.Context, query string, args ...any) (*models.CanonicalEntity, error) {
	e, err := scanCanonical(r.q.QueryRow(ctx, query, args...))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get canonical entity: %w", err)
	}
	return e, nil
}

func (r *canonicalRepository) List(ctx context.Context, includeArchived bool) ([]*models.CanonicalEntity, error) {
	query := `SELECT ` + canonicalColumns + ` FROM canonical_entities`
	if !includeArchived {
		query += ` WHERE status <> 'archived'`
	}
	query += ` ORDER BY display_name`

	rows, err := r.q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list canonical entities: %w", err)
	}
	defer rows.Close()

	return scanCanonicals(rows)
}

func (r *canonicalRepository) ListGroupable(ctx context.Context, configID *uuid.UUID) ([]*models.CanonicalEntity, error) {
	query := `SELECT ` + canonicalColumns + `
		FROM canonical_entities
		WHERE status <> 'archived'
			AND (mirrored_key IS NOT NULL OR group_key_override IS NOT NULL)`
	args := []any{}
	if configID != nil {
		query += ` AND (source_config_id = $1 OR source_config_id IS NULL)`
		args = append(args, *configID)
	}
	query += ` ORDER BY id`

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list groupable entities: %w", err)
	}
	defer rows.Close()

	return scanCanonicals(rows)
}

func (r *canonicalRepository) UpdateLinks(ctx context.Context, e *models.CanonicalEntity) error {
	e.UpdatedAt = time.Now()

	query := `
		UPDATE canonical_entities
		SET status = $2, candidate_id = $3, source_config_id = $4,
			mirrored_key = $5, display_name = $6, tax_id = $7, updated_at = $8
		WHERE id = $1`

	result, err := r.q.Exec(ctx, query,
		e.ID,
		e.Status,
		e.CandidateID,
		e.SourceConfigID,
		e.MirroredKey,
		e.DisplayName,
		e.TaxID,
		e.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to update canonical entity links: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *canonicalRepository) SetGroupKeyOverride(ctx context.Context, id uuid.UUID, override *string) error {
	query := `UPDATE canonical_entities SET group_key_override = $2, updated_at = $3 WHERE id = $1`

	result, err := r.q.Exec(ctx, query, id, override, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set group key override: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *canonicalRepository) SetHasGroup(ctx context.Context, id uuid.UUID, hasGroup bool) error {
	query := `UPDATE canonical_entities SET has_group = $2, updated_at = $3 WHERE id = $1`

	result, err := r.q.Exec(ctx, query, id, hasGroup, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set has_group: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *canonicalRepository) Archive(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE canonical_entities
		SET status = 'archived', updated_at = $2
		WHERE id = $1 AND status <> 'archived'`

	result, err := r.q.Exec(ctx, query, id, time.Now())
	if err != nil {
		return fmt.Errorf("failed to archive canonical entity: %w", err)
	}
	if result.RowsAffected() == 0 {
		// Distinguish missing from already archived.
		var exists bool
		if checkErr := r.q.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM canonical_entities WHERE id = $1)`, id,
		).Scan(&exists); checkErr != nil {
			return fmt.Errorf("failed to check canonical entity: %w", checkErr)
		}
		if exists {
			return apperrors.ErrArchived
		}
		return apperrors.ErrNotFound
	}
	return nil
}

func scanCanonical(row pgx.Row) (*models.CanonicalEntity, error) {
	var e models.CanonicalEntity
	err := row.Scan(
		&e.ID,
		&e.Status,
		&e.CandidateID,
		&e.SourceConfigID,
		&e.MirroredKey,
		&e.DisplayName,
		&e.TaxID,
		&e.GroupKeyOverride,
		&e.HasGroup,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanCanonicals(rows pgx.Rows) ([]*models.CanonicalEntity, error) {
	var entities []*models.CanonicalEntity
	for rows.Next() {
		e, err := scanCanonical(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan canonical entity: %w", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating canonical entities: %w", err)
	}
	return entities, nil
}

var _ CanonicalRepository = (*canonicalRepository)(nil)
