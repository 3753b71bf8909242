package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openmdm/mdm-engine/pkg/apperrors"
	"github.com/openmdm/mdm-engine/pkg/config"
	"github.com/openmdm/mdm-engine/pkg/connector"
	"github.com/openmdm/mdm-engine/pkg/contenthash"
	"github.com/openmdm/mdm-engine/pkg/models"
	"github.com/openmdm/mdm-engine/pkg/repositories"
)

// PageStats aggregates the outcome of one processed page.
type PageStats struct {
	Processed int
	Created   int
	Updated   int
	Unchanged int
	Failed    int

	// FailedKeys lists the natural keys of records that were delivered but
	// failed to process. They never count as missed in the deletion sweep.
	FailedKeys []string
}

// ChangeDetectionService classifies freshly fetched external records against
// the mirrored store: new, updated, unchanged, and (after the full set is
// seen) deleted.
type ChangeDetectionService struct {
	records  repositories.MirroredRecordRepository
	syncErrs *SyncErrorService
	cfg      config.SyncConfig
	logger   *zap.Logger
}

// NewChangeDetectionService creates a new change detection service.
func NewChangeDetectionService(
	records repositories.MirroredRecordRepository,
	syncErrs *SyncErrorService,
	cfg config.SyncConfig,
	logger *zap.Logger,
) *ChangeDetectionService {
	return &ChangeDetectionService{
		records:  records,
		syncErrs: syncErrs,
		cfg:      cfg,
		logger:   logger.Named("change-detection"),
	}
}

// ProcessPage classifies one page of external records. Records within a page
// have no cross-record dependency, so they are hashed and classified in
// parallel. Per-record failures are captured via the error controller and
// never fail the page; the returned error is only a context cancellation.
func (s *ChangeDetectionService) ProcessPage(ctx context.Context, tableCfg *models.SourceTableConfig, run *models.SyncRun, records []connector.Record) (PageStats, error) {
	var (
		mu            sync.Mutex
		stats         PageStats
		succeededKeys []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.PageWorkers)

	for _, record := range records {
		record := record
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			naturalKey, outcome, err := s.processRecord(gctx, tableCfg, run, record)

			mu.Lock()
			defer mu.Unlock()
			stats.Processed++

			if err != nil {
				stats.Failed++
				if naturalKey != "" {
					stats.FailedKeys = append(stats.FailedKeys, naturalKey)
				}
				s.captureFailure(gctx, run, naturalKey, record, err)
				return nil
			}

			switch outcome {
			case models.RecordStatusNew:
				stats.Created++
			case models.RecordStatusUpdated:
				stats.Updated++
			case models.RecordStatusUnchanged:
				stats.Unchanged++
			}
			if naturalKey != "" {
				succeededKeys = append(succeededKeys, naturalKey)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return stats, err
	}

	s.syncErrs.AutoResolve(ctx, tableCfg.ID, succeededKeys)

	return stats, nil
}

// processRecord classifies a single record and writes its mirrored row.
// Returns the natural key (when extractable), the resulting record status,
// and any error.
func (s *ChangeDetectionService) processRecord(ctx context.Context, tableCfg *models.SourceTableConfig, run *models.SyncRun, record connector.Record) (string, string, error) {
	keyValues, keyFields, err := extractNaturalKey(tableCfg.KeyFields, record)
	if err != nil {
		return "", "", err
	}
	naturalKey := models.JoinNaturalKey(keyValues)

	hash := contenthash.Compute(record, tableCfg.HashFields())
	now := time.Now()

	existing, err := s.records.GetByKey(ctx, tableCfg.ID, naturalKey)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return naturalKey, "", err
	}

	if existing == nil || existing.RecordStatus == models.RecordStatusDeleted {
		if !tableCfg.DetectNew {
			// New keys are ignored when detection is off; the record will be
			// picked up once the flag is enabled.
			return naturalKey, models.RecordStatusUnchanged, nil
		}

		rec := &models.MirroredRecord{
			ConfigID:     tableCfg.ID,
			NaturalKey:   naturalKey,
			KeyFields:    keyFields,
			Payload:      record,
			ContentHash:  hash,
			RecordStatus: models.RecordStatusNew,
			IsNewRecord:  true,
			LastSyncedAt: now,
			LastRunID:    run.ID,
		}

		if existing != nil {
			// A deleted key reappearing starts over as a brand-new record;
			// the deletion audit entry stays.
			rec.ID = existing.ID
			rec.CreatedAt = existing.CreatedAt
			if err := s.records.Update(ctx, rec); err != nil {
				return naturalKey, "", err
			}
			return naturalKey, models.RecordStatusNew, nil
		}

		if err := s.records.Create(ctx, rec); err != nil {
			return naturalKey, "", err
		}
		return naturalKey, models.RecordStatusNew, nil
	}

	rec := *existing
	rec.KeyFields = keyFields
	rec.IsNewRecord = false
	rec.PendingDeletion = false
	rec.PendingDeletionAt = nil
	rec.MissCount = 0
	rec.LastSyncedAt = now
	rec.LastRunID = run.ID

	if tableCfg.HashEnabled && hash == existing.ContentHash {
		rec.RecordStatus = models.RecordStatusUnchanged
		rec.WasUpdatedLastSync = false
	} else {
		rec.RecordStatus = models.RecordStatusUpdated
		rec.WasUpdatedLastSync = true
		rec.PreviousContentHash = existing.ContentHash
		rec.ContentHash = hash
		rec.Payload = record
	}

	if err := s.records.Update(ctx, &rec); err != nil {
		return naturalKey, "", err
	}
	return naturalKey, rec.RecordStatus, nil
}

// SweepDeletions runs after the full external set for the run has been seen.
// Every active record not touched by this run accrues a miss; records at or
// past the configured threshold are hard-deleted with an audit entry, the
// rest stay pending so a single transient fetch gap never deletes data.
// Records that were delivered but failed to process (failedKeys) are still
// present at the source, so they are excluded from the sweep.
func (s *ChangeDetectionService) SweepDeletions(ctx context.Context, tableCfg *models.SourceTableConfig, run *models.SyncRun, failedKeys []string) (deleted, pending int, err error) {
	if !tableCfg.DetectDeleted {
		return 0, 0, nil
	}

	missed, err := s.records.MarkMissed(ctx, tableCfg.ID, run.ID, failedKeys, time.Now())
	if err != nil {
		return 0, 0, fmt.Errorf("failed to mark missed records: %w", err)
	}

	for _, rec := range missed {
		if rec.MissCount < s.cfg.DeletionMisses {
			pending++
			continue
		}

		if err := s.records.Delete(ctx, rec, run.ID); err != nil {
			s.captureFailure(ctx, run, rec.NaturalKey, rec.Payload, err)
			continue
		}
		deleted++
	}

	if deleted > 0 || pending > 0 {
		s.logger.Info("deletion sweep finished",
			zap.String("config_id", tableCfg.ID.String()),
			zap.Int("deleted", deleted),
			zap.Int("pending", pending))
	}

	return deleted, pending, nil
}

// captureFailure forwards a per-record failure to the error controller with
// its classified type.
func (s *ChangeDetectionService) captureFailure(ctx context.Context, run *models.SyncRun, naturalKey string, payload map[string]any, err error) {
	errorType := models.ErrorTypeInternal
	var valErr *apperrors.ValidationError
	var connErr *apperrors.ConnectorError
	if errors.As(err, &valErr) {
		errorType = models.ErrorTypeValidation
	} else if errors.As(err, &connErr) {
		errorType = models.ErrorTypeConnector
	}

	s.syncErrs.RecordFailure(ctx, run, naturalKey, payload, errorType, err.Error())
}

// extractNaturalKey pulls the ordered key values out of a record. Every key
// field must be present and non-empty.
func extractNaturalKey(keyFields []string, record connector.Record) ([]string, map[string]string, error) {
	values := make([]string, 0, len(keyFields))
	fields := make(map[string]string, len(keyFields))

	for _, field := range keyFields {
		raw, ok := record[field]
		if !ok || raw == nil {
			return nil, nil, &apperrors.ValidationError{Field: field, Reason: "natural key field is missing"}
		}

		value := contenthash.NormalizeValue(raw)
		if value == "" {
			return nil, nil, &apperrors.ValidationError{Field: field, Reason: "natural key field is empty"}
		}

		values = append(values, value)
		fields[field] = value
	}

	return values, fields, nil
}
