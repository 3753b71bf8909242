package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openmdm/mdm-engine/pkg/config"
	"github.com/openmdm/mdm-engine/pkg/models"
	"github.com/openmdm/mdm-engine/pkg/repositories"
)

const autoResolveNote = "resolved by successful sync"

// SyncErrorService captures per-record failures without failing the run and
// manages their resolution, manual or automatic.
type SyncErrorService struct {
	errors repositories.SyncErrorRepository
	cfg    config.SyncConfig
	logger *zap.Logger
}

// NewSyncErrorService creates a new sync error service.
func NewSyncErrorService(
	errors repositories.SyncErrorRepository,
	cfg config.SyncConfig,
	logger *zap.Logger,
) *SyncErrorService {
	return &SyncErrorService{
		errors: errors,
		cfg:    cfg,
		logger: logger.Named("sync-errors"),
	}
}

// RecordFailure appends a SyncError for one record. The attempt number
// continues from any prior unresolved error for the same key within the
// lookback window. It never raises to the caller: a failure to persist the
// error is logged and swallowed, so record capture cannot fail a run.
func (s *SyncErrorService) RecordFailure(ctx context.Context, run *models.SyncRun, naturalKey string, rawPayload map[string]any, errorType, message string) {
	since := time.Now().Add(-s.cfg.ErrorLookback)

	attempt, err := s.errors.LatestUnresolvedAttempt(ctx, run.ConfigID, naturalKey, since)
	if err != nil {
		s.logger.Error("failed to look up prior attempts",
			zap.String("natural_key", naturalKey),
			zap.Error(err))
		attempt = 0
	}

	syncErr := &models.SyncError{
		ConfigID:      run.ConfigID,
		RunID:         run.ID,
		NaturalKey:    naturalKey,
		RawPayload:    rawPayload,
		ErrorType:     errorType,
		ErrorMessage:  message,
		AttemptNumber: attempt + 1,
	}

	if err := s.errors.Create(ctx, syncErr); err != nil {
		s.logger.Error("failed to persist sync error",
			zap.String("natural_key", naturalKey),
			zap.String("error_type", errorType),
			zap.Error(err))
		return
	}

	if syncErr.AttemptNumber >= s.cfg.MaxAttempts {
		s.logger.Warn("record failing repeatedly, needs manual resolution",
			zap.String("natural_key", naturalKey),
			zap.Int("attempt", syncErr.AttemptNumber))
	}
}

// ListUnresolved returns errors needing resolution for a configuration.
func (s *SyncErrorService) ListUnresolved(ctx context.Context, configID uuid.UUID) ([]*models.SyncError, error) {
	return s.errors.ListUnresolved(ctx, configID)
}

// Resolve marks one error resolved with operator notes.
func (s *SyncErrorService) Resolve(ctx context.Context, id uuid.UUID, notes string) error {
	return s.errors.Resolve(ctx, id, notes, time.Now())
}

// AutoResolve clears unresolved errors for keys that just synced
// successfully. Best-effort: a failure here is logged, not propagated.
func (s *SyncErrorService) AutoResolve(ctx context.Context, configID uuid.UUID, naturalKeys []string) {
	if len(naturalKeys) == 0 {
		return
	}

	resolved, err := s.errors.ResolveByKeys(ctx, configID, naturalKeys, autoResolveNote, time.Now())
	if err != nil {
		s.logger.Error("failed to auto-resolve errors", zap.Error(err))
		return
	}
	if resolved > 0 {
		s.logger.Info("auto-resolved errors after successful sync",
			zap.Int("resolved", resolved))
	}
}
