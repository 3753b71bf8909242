package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openmdm/mdm-engine/pkg/apperrors"
	"github.com/openmdm/mdm-engine/pkg/connector"
	"github.com/openmdm/mdm-engine/pkg/models"
	"github.com/openmdm/mdm-engine/pkg/repositories"
)

// ConfigService manages source table configurations.
type ConfigService struct {
	configs repositories.ConfigRepository
	records repositories.MirroredRecordRepository
	logger  *zap.Logger
}

// NewConfigService creates a new configuration service.
func NewConfigService(
	configs repositories.ConfigRepository,
	records repositories.MirroredRecordRepository,
	logger *zap.Logger,
) *ConfigService {
	return &ConfigService{
		configs: configs,
		records: records,
		logger:  logger.Named("configs"),
	}
}

// Create validates and stores a new configuration. The first run is due
// immediately.
func (s *ConfigService) Create(ctx context.Context, cfg *models.SourceTableConfig) error {
	if err := s.validate(cfg); err != nil {
		return err
	}

	now := time.Now()
	cfg.NextDueAt = &now
	cfg.Active = true

	if err := s.configs.Create(ctx, cfg); err != nil {
		return err
	}

	s.logger.Info("source table config created",
		zap.String("config_id", cfg.ID.String()),
		zap.String("name", cfg.Name),
		zap.String("source_table", cfg.SourceTable))
	return nil
}

// Get returns a configuration by ID.
func (s *ConfigService) Get(ctx context.Context, id uuid.UUID) (*models.SourceTableConfig, error) {
	return s.configs.GetByID(ctx, id)
}

// List returns configurations, optionally only active ones.
func (s *ConfigService) List(ctx context.Context, activeOnly bool) ([]*models.SourceTableConfig, error) {
	return s.configs.List(ctx, activeOnly)
}

// Update validates and stores changes to a configuration. Mirrored rows and
// runs keep referencing it, so configurations are deactivated, never deleted.
func (s *ConfigService) Update(ctx context.Context, cfg *models.SourceTableConfig) error {
	if err := s.validate(cfg); err != nil {
		return err
	}
	return s.configs.Update(ctx, cfg)
}

// ListRecords returns the mirrored rows for a configuration.
func (s *ConfigService) ListRecords(ctx context.Context, configID uuid.UUID, includeDeleted bool) ([]*models.MirroredRecord, error) {
	if _, err := s.configs.GetByID(ctx, configID); err != nil {
		return nil, err
	}
	return s.records.ListByConfig(ctx, configID, includeDeleted)
}

// ListDeletionAudit returns the deletion audit trail for a configuration,
// newest first.
func (s *ConfigService) ListDeletionAudit(ctx context.Context, configID uuid.UUID, limit int) ([]*models.DeletionAuditEntry, error) {
	if limit < 1 {
		limit = 50
	}
	return s.records.ListDeletionAudit(ctx, configID, limit)
}

func (s *ConfigService) validate(cfg *models.SourceTableConfig) error {
	if cfg.Name == "" {
		return &apperrors.ValidationError{Field: "name", Reason: "is required"}
	}
	switch cfg.SourceType {
	case models.SourceTypeMSSQL, models.SourceTypePostgres:
	default:
		return &apperrors.ValidationError{Field: "source_type", Reason: "must be \"mssql\" or \"postgres\""}
	}
	if len(cfg.KeyFields) == 0 {
		return &apperrors.ValidationError{Field: "key_fields", Reason: "at least one key field is required"}
	}
	if len(cfg.SelectedFields) == 0 {
		return &apperrors.ValidationError{Field: "selected_fields", Reason: "at least one selected field is required"}
	}

	// Table and field names end up interpolated into fetch queries, so they
	// are validated as SQL identifiers here, at the trust boundary.
	if err := connector.ValidateIdentifiers(cfg.SourceTable, cfg.KeyFields, cfg.SelectedFields); err != nil {
		return err
	}

	return ValidateSchedule(cfg)
}
