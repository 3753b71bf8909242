package services

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openmdm/mdm-engine/pkg/apperrors"
	"github.com/openmdm/mdm-engine/pkg/models"
	"github.com/openmdm/mdm-engine/pkg/repositories"
)

// CandidateService manages manually entered candidate entities.
type CandidateService struct {
	candidates repositories.CandidateRepository
	logger     *zap.Logger
}

// NewCandidateService creates a new candidate service.
func NewCandidateService(candidates repositories.CandidateRepository, logger *zap.Logger) *CandidateService {
	return &CandidateService{
		candidates: candidates,
		logger:     logger.Named("candidates"),
	}
}

// Create validates and stores a new candidate.
func (s *CandidateService) Create(ctx context.Context, c *models.CandidateEntity) error {
	if c.TradeName == "" {
		return &apperrors.ValidationError{Field: "trade_name", Reason: "is required"}
	}

	if err := s.candidates.Create(ctx, c); err != nil {
		return err
	}

	s.logger.Info("candidate entity created",
		zap.String("candidate_id", c.ID.String()),
		zap.String("trade_name", c.TradeName))
	return nil
}

// Get returns a candidate by ID.
func (s *CandidateService) Get(ctx context.Context, id uuid.UUID) (*models.CandidateEntity, error) {
	return s.candidates.GetByID(ctx, id)
}

// List returns all candidates.
func (s *CandidateService) List(ctx context.Context) ([]*models.CandidateEntity, error) {
	return s.candidates.List(ctx)
}

// Update validates and stores changes to a candidate.
func (s *CandidateService) Update(ctx context.Context, c *models.CandidateEntity) error {
	if c.TradeName == "" {
		return &apperrors.ValidationError{Field: "trade_name", Reason: "is required"}
	}
	return s.candidates.Update(ctx, c)
}

// Delete removes an unlinked candidate. Linked candidates return ErrConflict;
// archive the canonical entity instead.
func (s *CandidateService) Delete(ctx context.Context, id uuid.UUID) error {
	return s.candidates.Delete(ctx, id)
}
