package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openmdm/mdm-engine/pkg/apperrors"
	"github.com/openmdm/mdm-engine/pkg/config"
	"github.com/openmdm/mdm-engine/pkg/connector"
	"github.com/openmdm/mdm-engine/pkg/models"
	"github.com/openmdm/mdm-engine/pkg/repositories"
)

// mockRecordRepo is an in-memory MirroredRecordRepository. Writes for keys
// listed in failKeys fail, simulating a storage-level fault for one record.
type mockRecordRepo struct {
	mu       sync.Mutex
	records  map[string]*models.MirroredRecord // keyed by config/naturalKey
	audits   []*models.DeletionAuditEntry
	failKeys map[string]bool
}

func newMockRecordRepo() *mockRecordRepo {
	return &mockRecordRepo{
		records:  make(map[string]*models.MirroredRecord),
		failKeys: make(map[string]bool),
	}
}

func recordKey(configID uuid.UUID, naturalKey string) string {
	return configID.String() + "/" + naturalKey
}

func (m *mockRecordRepo) GetByKey(_ context.Context, configID uuid.UUID, naturalKey string) (*models.MirroredRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordKey(configID, naturalKey)]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	copied := *rec
	return &copied, nil
}

func (m *mockRecordRepo) Create(_ context.Context, rec *models.MirroredRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failKeys[rec.NaturalKey] {
		return errors.New("storage write failed")
	}
	rec.ID = uuid.New()
	copied := *rec
	m.records[recordKey(rec.ConfigID, rec.NaturalKey)] = &copied
	return nil
}

func (m *mockRecordRepo) Update(_ context.Context, rec *models.MirroredRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failKeys[rec.NaturalKey] {
		return errors.New("storage write failed")
	}
	copied := *rec
	m.records[recordKey(rec.ConfigID, rec.NaturalKey)] = &copied
	return nil
}

func (m *mockRecordRepo) MarkMissed(_ context.Context, configID, runID uuid.UUID, excludeKeys []string, now time.Time) ([]*models.MirroredRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	excluded := make(map[string]bool, len(excludeKeys))
	for _, key := range excludeKeys {
		excluded[key] = true
	}
	var missed []*models.MirroredRecord
	for _, rec := range m.records {
		if rec.ConfigID != configID || rec.LastRunID == runID || rec.RecordStatus == models.RecordStatusDeleted {
			continue
		}
		if excluded[rec.NaturalKey] {
			continue
		}
		rec.MissCount++
		rec.PendingDeletion = true
		if rec.PendingDeletionAt == nil {
			rec.PendingDeletionAt = &now
		}
		copied := *rec
		missed = append(missed, &copied)
	}
	return missed, nil
}

func (m *mockRecordRepo) Delete(_ context.Context, rec *models.MirroredRecord, runID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.records[recordKey(rec.ConfigID, rec.NaturalKey)]
	if !ok || stored.RecordStatus == models.RecordStatusDeleted {
		return nil
	}
	stored.RecordStatus = models.RecordStatusDeleted
	stored.PendingDeletion = false
	m.audits = append(m.audits, &models.DeletionAuditEntry{
		ConfigID:   rec.ConfigID,
		NaturalKey: rec.NaturalKey,
		RunID:      runID,
		Payload:    rec.Payload,
		DeletedAt:  time.Now(),
	})
	return nil
}

func (m *mockRecordRepo) ListByConfig(_ context.Context, configID uuid.UUID, includeDeleted bool) ([]*models.MirroredRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.MirroredRecord
	for _, rec := range m.records {
		if rec.ConfigID != configID {
			continue
		}
		if !includeDeleted && rec.RecordStatus == models.RecordStatusDeleted {
			continue
		}
		copied := *rec
		out = append(out, &copied)
	}
	return out, nil
}

func (m *mockRecordRepo) ListUnlinked(_ context.Context) ([]*models.MirroredRecord, error) {
	return nil, nil
}

func (m *mockRecordRepo) ListDeletionAudit(_ context.Context, configID uuid.UUID, _ int) ([]*models.DeletionAuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.DeletionAuditEntry
	for _, e := range m.audits {
		if e.ConfigID == configID {
			out = append(out, e)
		}
	}
	return out, nil
}

var _ repositories.MirroredRecordRepository = (*mockRecordRepo)(nil)

// mockErrorRepo is an in-memory SyncErrorRepository.
type mockErrorRepo struct {
	mu     sync.Mutex
	errors []*models.SyncError
}

func (m *mockErrorRepo) Create(_ context.Context, syncErr *models.SyncError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	syncErr.ID = uuid.New()
	if syncErr.CreatedAt.IsZero() {
		syncErr.CreatedAt = time.Now()
	}
	m.errors = append(m.errors, syncErr)
	return nil
}

func (m *mockErrorRepo) GetByID(_ context.Context, id uuid.UUID) (*models.SyncError, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.errors {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockErrorRepo) LatestUnresolvedAttempt(_ context.Context, configID uuid.UUID, naturalKey string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	attempt := 0
	for _, e := range m.errors {
		if e.ConfigID == configID && e.NaturalKey == naturalKey && !e.IsResolved() &&
			!e.CreatedAt.Before(since) && e.AttemptNumber > attempt {
			attempt = e.AttemptNumber
		}
	}
	return attempt, nil
}

func (m *mockErrorRepo) ListUnresolved(_ context.Context, configID uuid.UUID) ([]*models.SyncError, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.SyncError
	for _, e := range m.errors {
		if e.ConfigID == configID && !e.IsResolved() {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockErrorRepo) Resolve(_ context.Context, id uuid.UUID, notes string, resolvedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.errors {
		if e.ID == id && !e.IsResolved() {
			e.ResolutionNotes = &notes
			e.ResolvedAt = &resolvedAt
			return nil
		}
	}
	return apperrors.ErrNotFound
}

func (m *mockErrorRepo) ResolveByKeys(_ context.Context, configID uuid.UUID, naturalKeys []string, notes string, resolvedAt time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make(map[string]bool, len(naturalKeys))
	for _, key := range naturalKeys {
		keys[key] = true
	}
	resolved := 0
	for _, e := range m.errors {
		if e.ConfigID == configID && keys[e.NaturalKey] && !e.IsResolved() {
			e.ResolutionNotes = &notes
			e.ResolvedAt = &resolvedAt
			resolved++
		}
	}
	return resolved, nil
}

var _ repositories.SyncErrorRepository = (*mockErrorRepo)(nil)

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		PageSize:         500,
		PageWorkers:      4,
		DeletionMisses:   2,
		ErrorLookback:    168 * time.Hour,
		MaxAttempts:      5,
		ConnectorTimeout: time.Minute,
	}
}

func testTableConfig() *models.SourceTableConfig {
	return &models.SourceTableConfig{
		ID:             uuid.New(),
		Name:           "suppliers",
		SourceType:     models.SourceTypeMSSQL,
		SourceTable:    "dbo.suppliers",
		KeyFields:      []string{"supplier_code"},
		SelectedFields: []string{"supplier_code", "name", "city"},
		DetectNew:      true,
		DetectDeleted:  true,
		HashEnabled:    true,
	}
}

func newTestDetection(records *mockRecordRepo, errRepo *mockErrorRepo) (*ChangeDetectionService, *SyncErrorService) {
	syncCfg := testSyncConfig()
	errSvc := NewSyncErrorService(errRepo, syncCfg, zap.NewNop())
	return NewChangeDetectionService(records, errSvc, syncCfg, zap.NewNop()), errSvc
}

func TestProcessPage_Classification(t *testing.T) {
	records := newMockRecordRepo()
	errRepo := &mockErrorRepo{}
	svc, _ := newTestDetection(records, errRepo)

	tableCfg := testTableConfig()
	run1 := &models.SyncRun{ID: uuid.New(), ConfigID: tableCfg.ID}

	page := []connector.Record{
		{"supplier_code": "01/0001/01", "name": "Acme", "city": "Warsaw"},
		{"supplier_code": "01/0002/01", "name": "Bolt", "city": "Krakow"},
	}

	stats, err := svc.ProcessPage(context.Background(), tableCfg, run1, page)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Processed)
	assert.Equal(t, 2, stats.Created)
	assert.Equal(t, 0, stats.Failed)

	rec, err := records.GetByKey(context.Background(), tableCfg.ID, "01/0001/01")
	require.NoError(t, err)
	assert.Equal(t, models.RecordStatusNew, rec.RecordStatus)
	assert.True(t, rec.IsNewRecord)
	assert.NotEmpty(t, rec.ContentHash)

	// Second run, one record changed, one untouched.
	run2 := &models.SyncRun{ID: uuid.New(), ConfigID: tableCfg.ID}
	page2 := []connector.Record{
		{"supplier_code": "01/0001/01", "name": "Acme", "city": "Warsaw"},
		{"supplier_code": "01/0002/01", "name": "Bolt", "city": "Gdansk"},
	}

	stats, err = svc.ProcessPage(context.Background(), tableCfg, run2, page2)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Unchanged)
	assert.Equal(t, 1, stats.Updated)

	unchanged, err := records.GetByKey(context.Background(), tableCfg.ID, "01/0001/01")
	require.NoError(t, err)
	assert.Equal(t, models.RecordStatusUnchanged, unchanged.RecordStatus)
	assert.False(t, unchanged.WasUpdatedLastSync)
	assert.Empty(t, unchanged.PreviousContentHash)

	updated, err := records.GetByKey(context.Background(), tableCfg.ID, "01/0002/01")
	require.NoError(t, err)
	assert.Equal(t, models.RecordStatusUpdated, updated.RecordStatus)
	assert.True(t, updated.WasUpdatedLastSync)
	assert.NotEmpty(t, updated.PreviousContentHash)
	assert.NotEqual(t, updated.PreviousContentHash, updated.ContentHash)
}

func TestProcessPage_NoOpResync(t *testing.T) {
	records := newMockRecordRepo()
	svc, _ := newTestDetection(records, &mockErrorRepo{})

	tableCfg := testTableConfig()
	page := []connector.Record{
		{"supplier_code": "01/0001/01", "name": "Acme", "city": "Warsaw"},
	}

	run1 := &models.SyncRun{ID: uuid.New(), ConfigID: tableCfg.ID}
	_, err := svc.ProcessPage(context.Background(), tableCfg, run1, page)
	require.NoError(t, err)

	before, err := records.GetByKey(context.Background(), tableCfg.ID, "01/0001/01")
	require.NoError(t, err)

	// Same payload with reordered transport representation.
	run2 := &models.SyncRun{ID: uuid.New(), ConfigID: tableCfg.ID}
	stats, err := svc.ProcessPage(context.Background(), tableCfg, run2, []connector.Record{
		{"city": "Warsaw", "name": "Acme", "supplier_code": "01/0001/01"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Unchanged)

	after, err := records.GetByKey(context.Background(), tableCfg.ID, "01/0001/01")
	require.NoError(t, err)
	assert.Equal(t, before.ContentHash, after.ContentHash)
	assert.Equal(t, before.PreviousContentHash, after.PreviousContentHash)
}

func TestProcessPage_MissingKeyFieldIsIsolated(t *testing.T) {
	records := newMockRecordRepo()
	errRepo := &mockErrorRepo{}
	svc, _ := newTestDetection(records, errRepo)

	tableCfg := testTableConfig()
	run := &models.SyncRun{ID: uuid.New(), ConfigID: tableCfg.ID}

	page := []connector.Record{
		{"name": "No Key", "city": "Lodz"},
		{"supplier_code": "01/0003/01", "name": "Fine", "city": "Poznan"},
	}

	stats, err := svc.ProcessPage(context.Background(), tableCfg, run, page)
	require.NoError(t, err, "per-record failures must not fail the page")
	assert.Equal(t, 2, stats.Processed)
	assert.Equal(t, 1, stats.Created)
	assert.Equal(t, 1, stats.Failed)

	require.Len(t, errRepo.errors, 1)
	assert.Equal(t, models.ErrorTypeValidation, errRepo.errors[0].ErrorType)
	assert.Equal(t, 1, errRepo.errors[0].AttemptNumber)
}

func TestProcessPage_SuccessAutoResolvesErrors(t *testing.T) {
	records := newMockRecordRepo()
	errRepo := &mockErrorRepo{}
	svc, _ := newTestDetection(records, errRepo)

	tableCfg := testTableConfig()
	errRepo.errors = append(errRepo.errors, &models.SyncError{
		ID:            uuid.New(),
		ConfigID:      tableCfg.ID,
		NaturalKey:    "01/0001/01",
		ErrorType:     models.ErrorTypeValidation,
		AttemptNumber: 1,
		CreatedAt:     time.Now(),
	})

	run := &models.SyncRun{ID: uuid.New(), ConfigID: tableCfg.ID}
	_, err := svc.ProcessPage(context.Background(), tableCfg, run, []connector.Record{
		{"supplier_code": "01/0001/01", "name": "Acme", "city": "Warsaw"},
	})
	require.NoError(t, err)

	assert.True(t, errRepo.errors[0].IsResolved())
}

func TestSweepDeletions_Lifecycle(t *testing.T) {
	records := newMockRecordRepo()
	svc, _ := newTestDetection(records, &mockErrorRepo{})

	tableCfg := testTableConfig()
	ctx := context.Background()

	// Run N: the record exists.
	runN := &models.SyncRun{ID: uuid.New(), ConfigID: tableCfg.ID}
	_, err := svc.ProcessPage(ctx, tableCfg, runN, []connector.Record{
		{"supplier_code": "01/0001/01", "name": "Acme", "city": "Warsaw"},
	})
	require.NoError(t, err)

	// Run N+1: absent. First miss only marks it pending.
	runN1 := &models.SyncRun{ID: uuid.New(), ConfigID: tableCfg.ID}
	deleted, pending, err := svc.SweepDeletions(ctx, tableCfg, runN1, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
	assert.Equal(t, 1, pending)

	rec, err := records.GetByKey(ctx, tableCfg.ID, "01/0001/01")
	require.NoError(t, err)
	assert.True(t, rec.PendingDeletion)
	assert.NotNil(t, rec.PendingDeletionAt)
	assert.NotEqual(t, models.RecordStatusDeleted, rec.RecordStatus)
	assert.Empty(t, records.audits)

	// Run N+2: absent again. Second miss deletes with one audit entry.
	runN2 := &models.SyncRun{ID: uuid.New(), ConfigID: tableCfg.ID}
	deleted, pending, err = svc.SweepDeletions(ctx, tableCfg, runN2, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.Equal(t, 0, pending)

	rec, err = records.GetByKey(ctx, tableCfg.ID, "01/0001/01")
	require.NoError(t, err)
	assert.Equal(t, models.RecordStatusDeleted, rec.RecordStatus)
	assert.False(t, rec.PendingDeletion)
	require.Len(t, records.audits, 1)
	assert.Equal(t, "01/0001/01", records.audits[0].NaturalKey)
}

func TestSweepDeletions_ReappearanceResetsPending(t *testing.T) {
	records := newMockRecordRepo()
	svc, _ := newTestDetection(records, &mockErrorRepo{})

	tableCfg := testTableConfig()
	ctx := context.Background()
	page := []connector.Record{
		{"supplier_code": "01/0001/01", "name": "Acme", "city": "Warsaw"},
	}

	runN := &models.SyncRun{ID: uuid.New(), ConfigID: tableCfg.ID}
	_, err := svc.ProcessPage(ctx, tableCfg, runN, page)
	require.NoError(t, err)

	runN1 := &models.SyncRun{ID: uuid.New(), ConfigID: tableCfg.ID}
	_, _, err = svc.SweepDeletions(ctx, tableCfg, runN1, nil)
	require.NoError(t, err)

	// The key reappears before the second miss: pending resets, no audit.
	runN2 := &models.SyncRun{ID: uuid.New(), ConfigID: tableCfg.ID}
	_, err = svc.ProcessPage(ctx, tableCfg, runN2, page)
	require.NoError(t, err)

	deleted, pending, err := svc.SweepDeletions(ctx, tableCfg, runN2, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
	assert.Equal(t, 0, pending)

	rec, err := records.GetByKey(ctx, tableCfg.ID, "01/0001/01")
	require.NoError(t, err)
	assert.False(t, rec.PendingDeletion)
	assert.Nil(t, rec.PendingDeletionAt)
	assert.Equal(t, 0, rec.MissCount)
	assert.Empty(t, records.audits)
}

func TestSweepDeletions_FailedRecordIsNotMissed(t *testing.T) {
	records := newMockRecordRepo()
	errRepo := &mockErrorRepo{}
	svc, _ := newTestDetection(records, errRepo)

	tableCfg := testTableConfig()
	ctx := context.Background()
	page := []connector.Record{
		{"supplier_code": "01/0001/01", "name": "Acme", "city": "Warsaw"},
	}

	runN := &models.SyncRun{ID: uuid.New(), ConfigID: tableCfg.ID}
	_, err := svc.ProcessPage(ctx, tableCfg, runN, page)
	require.NoError(t, err)

	// The source still delivers the record, but persisting it fails. It is
	// present upstream, so it must not count as missed.
	records.failKeys["01/0001/01"] = true

	for i := 0; i < testSyncConfig().DeletionMisses+1; i++ {
		run := &models.SyncRun{ID: uuid.New(), ConfigID: tableCfg.ID}
		stats, err := svc.ProcessPage(ctx, tableCfg, run, page)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Failed)
		require.Equal(t, []string{"01/0001/01"}, stats.FailedKeys)

		deleted, pending, err := svc.SweepDeletions(ctx, tableCfg, run, stats.FailedKeys)
		require.NoError(t, err)
		assert.Equal(t, 0, deleted)
		assert.Equal(t, 0, pending)
	}

	rec, err := records.GetByKey(ctx, tableCfg.ID, "01/0001/01")
	require.NoError(t, err)
	assert.NotEqual(t, models.RecordStatusDeleted, rec.RecordStatus)
	assert.False(t, rec.PendingDeletion)
	assert.Equal(t, 0, rec.MissCount)
	assert.Empty(t, records.audits)
}

func TestSweepDeletions_DisabledFlag(t *testing.T) {
	records := newMockRecordRepo()
	svc, _ := newTestDetection(records, &mockErrorRepo{})

	tableCfg := testTableConfig()
	tableCfg.DetectDeleted = false
	ctx := context.Background()

	runN := &models.SyncRun{ID: uuid.New(), ConfigID: tableCfg.ID}
	_, err := svc.ProcessPage(ctx, tableCfg, runN, []connector.Record{
		{"supplier_code": "01/0001/01", "name": "Acme", "city": "Warsaw"},
	})
	require.NoError(t, err)

	runN1 := &models.SyncRun{ID: uuid.New(), ConfigID: tableCfg.ID}
	deleted, pending, err := svc.SweepDeletions(ctx, tableCfg, runN1, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
	assert.Equal(t, 0, pending)

	rec, err := records.GetByKey(ctx, tableCfg.ID, "01/0001/01")
	require.NoError(t, err)
	assert.False(t, rec.PendingDeletion)
}

func TestRecordFailure_AttemptContinuation(t *testing.T) {
	errRepo := &mockErrorRepo{}
	errSvc := NewSyncErrorService(errRepo, testSyncConfig(), zap.NewNop())

	configID := uuid.New()
	run := &models.SyncRun{ID: uuid.New(), ConfigID: configID}

	errSvc.RecordFailure(context.Background(), run, "01/0001/01", nil, models.ErrorTypeValidation, "missing field")
	errSvc.RecordFailure(context.Background(), run, "01/0001/01", nil, models.ErrorTypeValidation, "missing field")
	errSvc.RecordFailure(context.Background(), run, "01/0002/01", nil, models.ErrorTypeValidation, "missing field")

	require.Len(t, errRepo.errors, 3)
	assert.Equal(t, 1, errRepo.errors[0].AttemptNumber)
	assert.Equal(t, 2, errRepo.errors[1].AttemptNumber)
	assert.Equal(t, 1, errRepo.errors[2].AttemptNumber, "different key starts its own counter")
}
