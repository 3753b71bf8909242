package services

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openmdm/mdm-engine/pkg/apperrors"
	"github.com/openmdm/mdm-engine/pkg/models"
	"github.com/openmdm/mdm-engine/pkg/repositories"
)

// mockCanonicalRepo is an in-memory CanonicalRepository enforcing the same
// 1:1 linkage uniqueness as the partial unique indexes.
type mockCanonicalRepo struct {
	mu       sync.Mutex
	entities map[uuid.UUID]*models.CanonicalEntity
	updates  int
}

func newMockCanonicalRepo() *mockCanonicalRepo {
	return &mockCanonicalRepo{entities: make(map[uuid.UUID]*models.CanonicalEntity)}
}

func (m *mockCanonicalRepo) conflictsLocked(e *models.CanonicalEntity) bool {
	for _, other := range m.entities {
		if other.ID == e.ID || other.Status == models.EntityStatusArchived {
			continue
		}
		if e.CandidateID != nil && other.CandidateID != nil && *e.CandidateID == *other.CandidateID {
			return true
		}
		if e.MirroredKey != nil && other.MirroredKey != nil &&
			*e.MirroredKey == *other.MirroredKey && *e.SourceConfigID == *other.SourceConfigID {
			return true
		}
	}
	return false
}

func (m *mockCanonicalRepo) Create(_ context.Context, e *models.CanonicalEntity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflictsLocked(e) {
		return apperrors.ErrConflict
	}
	e.ID = uuid.New()
	copied := *e
	m.entities[e.ID] = &copied
	return nil
}

func (m *mockCanonicalRepo) GetByID(_ context.Context, id uuid.UUID) (*models.CanonicalEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	copied := *e
	return &copied, nil
}

func (m *mockCanonicalRepo) GetByCandidate(_ context.Context, candidateID uuid.UUID) (*models.CanonicalEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entities {
		if e.Status != models.EntityStatusArchived && e.CandidateID != nil && *e.CandidateID == candidateID {
			copied := *e
			return &copied, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockCanonicalRepo) GetByMirroredKey(_ context.Context, configID uuid.UUID, naturalKey string) (*models.CanonicalEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entities {
		if e.Status != models.EntityStatusArchived && e.MirroredKey != nil &&
			*e.MirroredKey == naturalKey && *e.SourceConfigID == configID {
			copied := *e
			return &copied, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockCanonicalRepo) List(_ context.Context, includeArchived bool) ([]*models.CanonicalEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.CanonicalEntity
	for _, e := range m.entities {
		if !includeArchived && e.Status == models.EntityStatusArchived {
			continue
		}
		copied := *e
		out = append(out, &copied)
	}
	return out, nil
}

func (m *mockCanonicalRepo) ListGroupable(_ context.Context, configID *uuid.UUID) ([]*models.CanonicalEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.CanonicalEntity
	for _, e := range m.entities {
		if e.Status == models.EntityStatusArchived {
			continue
		}
		if e.MirroredKey == nil && e.GroupKeyOverride == nil {
			continue
		}
		if configID != nil && e.SourceConfigID != nil && *e.SourceConfigID != *configID {
			continue
		}
		copied := *e
		out = append(out, &copied)
	}
	return out, nil
}

func (m *mockCanonicalRepo) UpdateLinks(_ context.Context, e *models.CanonicalEntity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.entities[e.ID]
	if !ok {
		return apperrors.ErrNotFound
	}
	if m.conflictsLocked(e) {
		return apperrors.ErrConflict
	}
	stored.CandidateID = e.CandidateID
	stored.SourceConfigID = e.SourceConfigID
	stored.MirroredKey = e.MirroredKey
	stored.Status = e.Status
	stored.DisplayName = e.DisplayName
	stored.TaxID = e.TaxID
	m.updates++
	return nil
}

func (m *mockCanonicalRepo) SetGroupKeyOverride(_ context.Context, id uuid.UUID, override *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	e.GroupKeyOverride = override
	return nil
}

func (m *mockCanonicalRepo) SetHasGroup(_ context.Context, id uuid.UUID, hasGroup bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	e.HasGroup = hasGroup
	return nil
}

func (m *mockCanonicalRepo) Archive(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	if e.Status == models.EntityStatusArchived {
		return apperrors.ErrArchived
	}
	e.Status = models.EntityStatusArchived
	return nil
}

var _ repositories.CanonicalRepository = (*mockCanonicalRepo)(nil)

// mockCandidateRepo is an in-memory CandidateRepository.
type mockCandidateRepo struct {
	mu         sync.Mutex
	candidates map[uuid.UUID]*models.CandidateEntity
}

func newMockCandidateRepo() *mockCandidateRepo {
	return &mockCandidateRepo{candidates: make(map[uuid.UUID]*models.CandidateEntity)}
}

func (m *mockCandidateRepo) Create(_ context.Context, c *models.CandidateEntity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = uuid.New()
	copied := *c
	m.candidates[c.ID] = &copied
	return nil
}

func (m *mockCandidateRepo) GetByID(_ context.Context, id uuid.UUID) (*models.CandidateEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.candidates[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func (m *mockCandidateRepo) List(_ context.Context) ([]*models.CandidateEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.CandidateEntity
	for _, c := range m.candidates {
		copied := *c
		out = append(out, &copied)
	}
	return out, nil
}

func (m *mockCandidateRepo) ListUnlinked(_ context.Context) ([]*models.CandidateEntity, error) {
	return nil, nil
}

func (m *mockCandidateRepo) Update(_ context.Context, c *models.CandidateEntity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.candidates[c.ID]; !ok {
		return apperrors.ErrNotFound
	}
	copied := *c
	m.candidates[c.ID] = &copied
	return nil
}

func (m *mockCandidateRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.candidates[id]; !ok {
		return apperrors.ErrNotFound
	}
	delete(m.candidates, id)
	return nil
}

var _ repositories.CandidateRepository = (*mockCandidateRepo)(nil)

type unificationFixture struct {
	svc        *UnificationService
	entities   *mockCanonicalRepo
	candidates *mockCandidateRepo
	records    *mockRecordRepo
}

func newUnificationFixture() *unificationFixture {
	entities := newMockCanonicalRepo()
	candidates := newMockCandidateRepo()
	records := newMockRecordRepo()
	return &unificationFixture{
		svc:        NewUnificationService(nil, entities, candidates, records, zap.NewNop()),
		entities:   entities,
		candidates: candidates,
		records:    records,
	}
}

func (f *unificationFixture) addCandidate(t *testing.T, tradeName, taxID string) *models.CandidateEntity {
	t.Helper()
	cand := &models.CandidateEntity{TradeName: tradeName, TaxID: taxID, CreatedBy: "tester"}
	require.NoError(t, f.candidates.Create(context.Background(), cand))
	return cand
}

func (f *unificationFixture) addRecord(t *testing.T, configID uuid.UUID, naturalKey string, payload map[string]any) *models.MirroredRecord {
	t.Helper()
	rec := &models.MirroredRecord{
		ConfigID:     configID,
		NaturalKey:   naturalKey,
		Payload:      payload,
		RecordStatus: models.RecordStatusUnchanged,
	}
	require.NoError(t, f.records.Create(context.Background(), rec))
	return rec
}

func TestLink_CandidateOnly(t *testing.T) {
	f := newUnificationFixture()
	cand := f.addCandidate(t, "Acme Sp. z o.o.", "526-030-50-06")

	entity, err := f.svc.Link(context.Background(), &cand.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.EntityStatusCandidateOnly, entity.Status)
	assert.Equal(t, "Acme Sp. z o.o.", entity.DisplayName)
	require.NotNil(t, entity.TaxID)
	assert.Equal(t, "5260305006", *entity.TaxID, "tax id is stored normalized")
}

func TestLink_MirroredOnly(t *testing.T) {
	f := newUnificationFixture()
	configID := uuid.New()
	f.addRecord(t, configID, "01/0001/01", map[string]any{"name": "Acme", "nip": "5260305006"})

	entity, err := f.svc.Link(context.Background(), nil, &MirroredRef{ConfigID: configID, NaturalKey: "01/0001/01"})
	require.NoError(t, err)
	assert.Equal(t, models.EntityStatusSourced, entity.Status)
	assert.Equal(t, "Acme", entity.DisplayName)
	require.NotNil(t, entity.MirroredKey)
	assert.Equal(t, "01/0001/01", *entity.MirroredKey)
}

func TestLink_BothSidesUpgradesStatus(t *testing.T) {
	f := newUnificationFixture()
	cand := f.addCandidate(t, "Acme Sp. z o.o.", "")
	configID := uuid.New()
	f.addRecord(t, configID, "01/0001/01", map[string]any{"name": "Acme"})

	first, err := f.svc.Link(context.Background(), &cand.ID, nil)
	require.NoError(t, err)

	ref := &MirroredRef{ConfigID: configID, NaturalKey: "01/0001/01"}
	second, err := f.svc.Link(context.Background(), &cand.ID, ref)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "linking attaches to the existing entity")
	assert.Equal(t, models.EntityStatusCandidateAndSourced, second.Status)
}

func TestLink_Idempotent(t *testing.T) {
	f := newUnificationFixture()
	cand := f.addCandidate(t, "Acme", "")
	configID := uuid.New()
	f.addRecord(t, configID, "01/0001/01", map[string]any{"name": "Acme"})
	ref := &MirroredRef{ConfigID: configID, NaturalKey: "01/0001/01"}

	first, err := f.svc.Link(context.Background(), &cand.ID, ref)
	require.NoError(t, err)

	f.entities.mu.Lock()
	updatesBefore := f.entities.updates
	f.entities.mu.Unlock()

	second, err := f.svc.Link(context.Background(), &cand.ID, ref)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	f.entities.mu.Lock()
	assert.Equal(t, updatesBefore, f.entities.updates, "repeated link writes nothing")
	f.entities.mu.Unlock()
}

func TestLink_ConflictChangesNothing(t *testing.T) {
	f := newUnificationFixture()
	cand := f.addCandidate(t, "Acme", "")
	configID := uuid.New()
	f.addRecord(t, configID, "01/0001/01", map[string]any{"name": "Acme"})
	ref := &MirroredRef{ConfigID: configID, NaturalKey: "01/0001/01"}

	byCandidate, err := f.svc.Link(context.Background(), &cand.ID, nil)
	require.NoError(t, err)
	bySource, err := f.svc.Link(context.Background(), nil, ref)
	require.NoError(t, err)
	require.NotEqual(t, byCandidate.ID, bySource.ID)

	_, err = f.svc.Link(context.Background(), &cand.ID, ref)
	var conflict *apperrors.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, byCandidate.ID, conflict.CandidateEntityID)
	assert.Equal(t, bySource.ID, conflict.SourcedEntityID)

	// Neither entity changed.
	got, err := f.entities.GetByID(context.Background(), byCandidate.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EntityStatusCandidateOnly, got.Status)
	got, err = f.entities.GetByID(context.Background(), bySource.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EntityStatusSourced, got.Status)
}

func TestLink_NothingToLink(t *testing.T) {
	f := newUnificationFixture()
	_, err := f.svc.Link(context.Background(), nil, nil)
	assert.ErrorIs(t, err, apperrors.ErrNothingToLink)
}

func TestLink_DeletedRecordRejected(t *testing.T) {
	f := newUnificationFixture()
	configID := uuid.New()
	rec := f.addRecord(t, configID, "01/0001/01", map[string]any{"name": "Acme"})
	rec.RecordStatus = models.RecordStatusDeleted
	require.NoError(t, f.records.Update(context.Background(), rec))

	_, err := f.svc.Link(context.Background(), nil, &MirroredRef{ConfigID: configID, NaturalKey: "01/0001/01"})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestLink_DisplayNameFallsBackToNaturalKey(t *testing.T) {
	f := newUnificationFixture()
	configID := uuid.New()
	f.addRecord(t, configID, "01/0001/01", map[string]any{"city": "Warsaw"})

	entity, err := f.svc.Link(context.Background(), nil, &MirroredRef{ConfigID: configID, NaturalKey: "01/0001/01"})
	require.NoError(t, err)
	assert.Equal(t, "01/0001/01", entity.DisplayName)
}

func TestArchive_Terminal(t *testing.T) {
	f := newUnificationFixture()
	cand := f.addCandidate(t, "Acme", "")

	entity, err := f.svc.Link(context.Background(), &cand.ID, nil)
	require.NoError(t, err)

	require.NoError(t, f.svc.Archive(context.Background(), entity.ID))
	assert.ErrorIs(t, f.svc.Archive(context.Background(), entity.ID), apperrors.ErrArchived)

	// An archived entity no longer occupies the candidate slot: linking the
	// same candidate again yields a fresh entity.
	fresh, err := f.svc.Link(context.Background(), &cand.ID, nil)
	require.NoError(t, err)
	assert.NotEqual(t, entity.ID, fresh.ID)
}
