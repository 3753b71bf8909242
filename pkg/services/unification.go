package services

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openmdm/mdm-engine/pkg/apperrors"
	"github.com/openmdm/mdm-engine/pkg/database"
	"github.com/openmdm/mdm-engine/pkg/models"
	"github.com/openmdm/mdm-engine/pkg/repositories"
)

// lockStripes is the size of the per-key mutex pool serializing Link calls.
const lockStripes = 64

// MirroredRef identifies a mirrored record by configuration and natural key.
type MirroredRef struct {
	ConfigID   uuid.UUID `json:"config_id"`
	NaturalKey string    `json:"natural_key"`
}

// UnificationService maintains the 1:1 linkage between candidates, mirrored
// records and canonical entities. Link calls are serialized per key through
// striped mutexes; the partial unique indexes on canonical_entities are the
// cross-process backstop.
type UnificationService struct {
	db         *database.DB
	entities   repositories.CanonicalRepository
	candidates repositories.CandidateRepository
	records    repositories.MirroredRecordRepository
	logger     *zap.Logger

	locks [lockStripes]sync.Mutex
}

// NewUnificationService creates a new unification service.
func NewUnificationService(
	db *database.DB,
	entities repositories.CanonicalRepository,
	candidates repositories.CandidateRepository,
	records repositories.MirroredRecordRepository,
	logger *zap.Logger,
) *UnificationService {
	return &UnificationService{
		db:         db,
		entities:   entities,
		candidates: candidates,
		records:    records,
		logger:     logger.Named("unification"),
	}
}

// Link resolves or creates the canonical entity for the given candidate
// and/or mirrored key. At least one side is required. If both sides already
// map to different entities it returns a *apperrors.ConflictError and changes
// nothing.
func (s *UnificationService) Link(ctx context.Context, candidateID *uuid.UUID, mirrored *MirroredRef) (*models.CanonicalEntity, error) {
	if candidateID == nil && mirrored == nil {
		return nil, apperrors.ErrNothingToLink
	}

	unlock := s.lockKeys(candidateID, mirrored)
	defer unlock()

	var byCandidate, byMirrored *models.CanonicalEntity
	var err error

	if candidateID != nil {
		byCandidate, err = s.entities.GetByCandidate(ctx, *candidateID)
		if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
	}
	if mirrored != nil {
		byMirrored, err = s.entities.GetByMirroredKey(ctx, mirrored.ConfigID, mirrored.NaturalKey)
		if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
	}

	switch {
	case byCandidate != nil && byMirrored != nil:
		if byCandidate.ID == byMirrored.ID {
			// Already fully linked.
			return byCandidate, nil
		}
		return nil, &apperrors.ConflictError{
			CandidateEntityID: byCandidate.ID,
			SourcedEntityID:   byMirrored.ID,
		}

	case byCandidate != nil:
		if mirrored == nil {
			return byCandidate, nil
		}
		return s.attachMirrored(ctx, byCandidate, mirrored)

	case byMirrored != nil:
		if candidateID == nil {
			return byMirrored, nil
		}
		return s.attachCandidate(ctx, byMirrored, *candidateID)

	default:
		return s.createEntity(ctx, candidateID, mirrored)
	}
}

// attachMirrored links a mirrored record to an existing entity and upgrades
// its status.
func (s *UnificationService) attachMirrored(ctx context.Context, entity *models.CanonicalEntity, mirrored *MirroredRef) (*models.CanonicalEntity, error) {
	rec, err := s.records.GetByKey(ctx, mirrored.ConfigID, mirrored.NaturalKey)
	if err != nil {
		return nil, err
	}
	if rec.RecordStatus == models.RecordStatusDeleted {
		return nil, fmt.Errorf("mirrored record %s is deleted: %w", mirrored.NaturalKey, apperrors.ErrNotFound)
	}

	entity.SourceConfigID = &mirrored.ConfigID
	entity.MirroredKey = &mirrored.NaturalKey
	entity.Status = entity.LinkedStatus()

	if err := s.entities.UpdateLinks(ctx, entity); err != nil {
		return nil, err
	}

	s.logger.Info("mirrored record attached to canonical entity",
		zap.String("entity_id", entity.ID.String()),
		zap.String("status", entity.Status))
	return entity, nil
}

// attachCandidate links a candidate to an existing entity and upgrades its
// status.
func (s *UnificationService) attachCandidate(ctx context.Context, entity *models.CanonicalEntity, candidateID uuid.UUID) (*models.CanonicalEntity, error) {
	cand, err := s.candidates.GetByID(ctx, candidateID)
	if err != nil {
		return nil, err
	}

	entity.CandidateID = &candidateID
	entity.Status = entity.LinkedStatus()
	if entity.DisplayName == "" {
		entity.DisplayName = cand.TradeName
	}
	if entity.TaxID == nil && cand.TaxID != "" {
		normalized := models.NormalizeTaxID(cand.TaxID)
		entity.TaxID = &normalized
	}

	if err := s.entities.UpdateLinks(ctx, entity); err != nil {
		return nil, err
	}

	s.logger.Info("candidate attached to canonical entity",
		zap.String("entity_id", entity.ID.String()),
		zap.String("status", entity.Status))
	return entity, nil
}

// createEntity creates a fresh canonical entity for the given sides.
func (s *UnificationService) createEntity(ctx context.Context, candidateID *uuid.UUID, mirrored *MirroredRef) (*models.CanonicalEntity, error) {
	entity := &models.CanonicalEntity{}

	if candidateID != nil {
		cand, err := s.candidates.GetByID(ctx, *candidateID)
		if err != nil {
			return nil, err
		}
		entity.CandidateID = candidateID
		entity.DisplayName = cand.TradeName
		if cand.TaxID != "" {
			normalized := models.NormalizeTaxID(cand.TaxID)
			entity.TaxID = &normalized
		}
	}

	if mirrored != nil {
		rec, err := s.records.GetByKey(ctx, mirrored.ConfigID, mirrored.NaturalKey)
		if err != nil {
			return nil, err
		}
		if rec.RecordStatus == models.RecordStatusDeleted {
			return nil, fmt.Errorf("mirrored record %s is deleted: %w", mirrored.NaturalKey, apperrors.ErrNotFound)
		}
		entity.SourceConfigID = &mirrored.ConfigID
		entity.MirroredKey = &mirrored.NaturalKey
		if entity.DisplayName == "" {
			entity.DisplayName = displayNameFromRecord(rec)
		}
		if entity.TaxID == nil {
			if taxID := taxIDFromRecord(rec); taxID != "" {
				entity.TaxID = &taxID
			}
		}
	}

	entity.Status = entity.LinkedStatus()

	if err := s.entities.Create(ctx, entity); err != nil {
		return nil, err
	}

	s.logger.Info("canonical entity created",
		zap.String("entity_id", entity.ID.String()),
		zap.String("status", entity.Status))
	return entity, nil
}

// CreateMissingResult reports the outcome of one CreateMissing batch.
type CreateMissingResult struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
}

// CreateMissing scans for mirrored records and candidates with no canonical
// entity and creates one each. Idempotent: a second run with no data changes
// creates nothing. A concurrent invocation observes the advisory lock and
// returns without doing redundant work.
func (s *UnificationService) CreateMissing(ctx context.Context) (CreateMissingResult, error) {
	var result CreateMissingResult

	// Advisory locks are session-scoped, so hold a dedicated connection.
	conn, err := s.db.Acquire(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	acquired, err := database.TryAdvisoryLock(ctx, conn, database.LockCreateMissing)
	if err != nil {
		return result, err
	}
	if !acquired {
		s.logger.Info("create-missing already in progress, skipping")
		return result, nil
	}
	defer func() {
		if err := database.AdvisoryUnlock(context.WithoutCancel(ctx), conn, database.LockCreateMissing); err != nil {
			s.logger.Error("failed to release advisory lock", zap.Error(err))
		}
	}()

	unlinkedRecords, err := s.records.ListUnlinked(ctx)
	if err != nil {
		return result, err
	}
	for _, rec := range unlinkedRecords {
		entity := &models.CanonicalEntity{
			Status:         models.EntityStatusSourced,
			SourceConfigID: &rec.ConfigID,
			MirroredKey:    &rec.NaturalKey,
			DisplayName:    displayNameFromRecord(rec),
		}
		if taxID := taxIDFromRecord(rec); taxID != "" {
			entity.TaxID = &taxID
		}

		if err := s.entities.Create(ctx, entity); err != nil {
			if errors.Is(err, apperrors.ErrConflict) {
				// Linked by a concurrent Link call since the scan.
				result.Skipped++
				continue
			}
			return result, err
		}
		result.Created++
	}

	unlinkedCandidates, err := s.candidates.ListUnlinked(ctx)
	if err != nil {
		return result, err
	}
	for _, cand := range unlinkedCandidates {
		entity := &models.CanonicalEntity{
			Status:      models.EntityStatusCandidateOnly,
			CandidateID: &cand.ID,
			DisplayName: cand.TradeName,
		}
		if cand.TaxID != "" {
			normalized := models.NormalizeTaxID(cand.TaxID)
			entity.TaxID = &normalized
		}

		if err := s.entities.Create(ctx, entity); err != nil {
			if errors.Is(err, apperrors.ErrConflict) {
				result.Skipped++
				continue
			}
			return result, err
		}
		result.Created++
	}

	s.logger.Info("create-missing finished",
		zap.Int("created", result.Created),
		zap.Int("skipped", result.Skipped))
	return result, nil
}

// GetEntity returns a canonical entity by ID.
func (s *UnificationService) GetEntity(ctx context.Context, id uuid.UUID) (*models.CanonicalEntity, error) {
	return s.entities.GetByID(ctx, id)
}

// ListEntities returns canonical entities, optionally with archived ones.
func (s *UnificationService) ListEntities(ctx context.Context, includeArchived bool) ([]*models.CanonicalEntity, error) {
	return s.entities.List(ctx, includeArchived)
}

// Archive sets an entity's status to archived without deleting history.
func (s *UnificationService) Archive(ctx context.Context, id uuid.UUID) error {
	return s.entities.Archive(ctx, id)
}

// SetGroupKeyOverride pins an entity to an explicit group key, or clears the
// pin when override is nil. Takes effect on the next grouping rebuild.
func (s *UnificationService) SetGroupKeyOverride(ctx context.Context, id uuid.UUID, override *string) error {
	return s.entities.SetGroupKeyOverride(ctx, id, override)
}

// lockKeys locks the stripes covering both sides in ascending order and
// returns the matching unlock function.
func (s *UnificationService) lockKeys(candidateID *uuid.UUID, mirrored *MirroredRef) func() {
	stripes := make([]int, 0, 2)
	if candidateID != nil {
		stripes = append(stripes, stripeFor(candidateID.String()))
	}
	if mirrored != nil {
		stripes = append(stripes, stripeFor(mirrored.ConfigID.String()+"/"+mirrored.NaturalKey))
	}

	sort.Ints(stripes)
	if len(stripes) == 2 && stripes[0] == stripes[1] {
		stripes = stripes[:1]
	}

	for _, i := range stripes {
		s.locks[i].Lock()
	}
	return func() {
		for i := len(stripes) - 1; i >= 0; i-- {
			s.locks[stripes[i]].Unlock()
		}
	}
}

func stripeFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % lockStripes)
}

// displayNameFromRecord derives a display name from a mirrored payload,
// falling back to the natural key.
func displayNameFromRecord(rec *models.MirroredRecord) string {
	for _, field := range []string{"name", "trade_name", "company_name", "short_name"} {
		if v, ok := rec.Payload[field].(string); ok && v != "" {
			return v
		}
	}
	return rec.NaturalKey
}

// taxIDFromRecord derives a normalized tax identifier from a mirrored payload.
func taxIDFromRecord(rec *models.MirroredRecord) string {
	for _, field := range []string{"tax_id", "vat_number", "nip", "tin"} {
		if v, ok := rec.Payload[field].(string); ok && v != "" {
			return models.NormalizeTaxID(v)
		}
	}
	return ""
}
