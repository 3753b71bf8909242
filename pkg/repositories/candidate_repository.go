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

// CandidateRepository defines data access for manually entered candidate
// entities.
type CandidateRepository interface {
	Create(ctx context.Context, c *models.CandidateEntity) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.CandidateEntity, error)
	List(ctx context.Context) ([]*models.CandidateEntity, error)

	// ListUnlinked retrieves candidates with no canonical entity, for batch
	// unification.
	ListUnlinked(ctx context.Context) ([]*models.CandidateEntity, error)

	Update(ctx context.Context, c *models.CandidateEntity) error

	// Delete removes a candidate. Returns ErrConflict if a canonical entity
	// links to it.
	Delete(ctx context.Context, id uuid.UUID) error
}

type candidateRepository struct {
	q database.Querier
}

// NewCandidateRepository creates a new candidate repository.
func NewCandidateRepository(q database.Querier) CandidateRepository {
	return &candidateRepository{q: q}
}

const candidateColumns = `id, trade_name, legal_name, tax_id, country, notes,
	created_by, created_at, updated_at`

func (r *candidateRepository) Create(ctx context.Context, c *models.CandidateEntity) error {
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now

	query := `
		INSERT INTO candidate_entities
			(trade_name, legal_name, tax_id, country, notes, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	err := r.q.QueryRow(ctx, query,
		c.TradeName,
		c.LegalName,
		c.TaxID,
		c.Country,
		c.Notes,
		c.CreatedBy,
		c.CreatedAt,
		c.UpdatedAt,
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("failed to create candidate entity: %w", err)
	}

	return nil
}

func (r *candidateRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.CandidateEntity, error) {
	query := `SELECT ` + candidateColumns + ` FROM candidate_entities WHERE id = $1`

	c, err := scanCandidate(r.q.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get candidate entity: %w", err)
	}
	return c, nil
}

func (r *candidateRepository) List(ctx context.Context) ([]*models.CandidateEntity, error) {
	query := `SELECT ` + candidateColumns + ` FROM candidate_entities ORDER BY trade_name`

	rows, err := r.q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidate entities: %w", err)
	}
	defer rows.Close()

	return scanCandidates(rows)
}

func (r *candidateRepository) ListUnlinked(ctx context.Context) ([]*models.CandidateEntity, error) {
	query := `SELECT ` + prefixColumns("c", candidateColumns) + `
		FROM candidate_entities c
		LEFT JOIN canonical_entities e ON e.candidate_id = c.id
		WHERE e.id IS NULL
		ORDER BY c.created_at`

	rows, err := r.q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list unlinked candidates: %w", err)
	}
	defer rows.Close()

	return scanCandidates(rows)
}

func (r *candidateRepository) Update(ctx context.Context, c *models.CandidateEntity) error {
	c.UpdatedAt = time.Now()

	query := `
		UPDATE candidate_entities
		SET trade_name = $2, legal_name = $3, tax_id = $4, country = $5,
			notes = $6, updated_at = $7
		WHERE id = $1`

	result, err := r.q.Exec(ctx, query,
		c.ID,
		c.TradeName,
		c.LegalName,
		c.TaxID,
		c.Country,
		c.Notes,
		c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update candidate entity: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *candidateRepository) Delete(ctx context.Context, id uuid.UUID) error {
	var linked bool
	err := r.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM canonical_entities WHERE candidate_id = $1)`, id,
	).Scan(&linked)
	if err != nil {
		return fmt.Errorf("failed to check candidate linkage: %w", err)
	}
	if linked {
		return apperrors.ErrConflict
	}

	result, err := r.q.Exec(ctx, `DELETE FROM candidate_entities WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete candidate entity: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func scanCandidate(row pgx.Row) (*models.CandidateEntity, error) {
	var c models.CandidateEntity
	err := row.Scan(
		&c.ID,
		&c.TradeName,
		&c.LegalName,
		&c.TaxID,
		&c.Country,
		&c.Notes,
		&c.CreatedBy,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanCandidates(rows pgx.Rows) ([]*models.CandidateEntity, error) {
	var candidates []*models.CandidateEntity
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candidate entity: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candidate entities: %w", err)
	}
	return candidates, nil
}

var _ CandidateRepository = (*candidateRepository)(nil)
