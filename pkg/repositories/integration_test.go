package repositories_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmdm/mdm-engine/pkg/apperrors"
	"github.com/openmdm/mdm-engine/pkg/models"
	"github.com/openmdm/mdm-engine/pkg/repositories"
	"github.com/openmdm/mdm-engine/pkg/testhelpers"
)

func createTestConfig(t *testing.T, repo repositories.ConfigRepository) *models.SourceTableConfig {
	t.Helper()

	now := time.Now()
	cfg := &models.SourceTableConfig{
		Name:           fmt.Sprintf("suppliers-%s", uuid.NewString()[:8]),
		SourceType:     models.SourceTypeMSSQL,
		SourceTable:    "dbo.suppliers",
		KeyFields:      []string{"supplier_code", "branch_code"},
		SelectedFields: []string{"supplier_code", "branch_code", "name", "city"},
		ScheduleKind:   models.ScheduleKindInterval,
		IntervalValue:  15,
		IntervalUnit:   models.IntervalUnitMinutes,
		DetectNew:      true,
		DetectDeleted:  true,
		HashEnabled:    true,
		Active:         true,
		NextDueAt:      &now,
	}
	require.NoError(t, repo.Create(context.Background(), cfg))
	return cfg
}

func TestConfigRepository_CRUD(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	repo := repositories.NewConfigRepository(db.DB)
	ctx := context.Background()

	cfg := createTestConfig(t, repo)
	require.NotEqual(t, uuid.Nil, cfg.ID)

	got, err := repo.GetByID(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, cfg.Name, got.Name)
	assert.Equal(t, []string{"supplier_code", "branch_code"}, got.KeyFields)
	assert.True(t, got.Active)

	got.Name = got.Name + "-renamed"
	got.Active = false
	require.NoError(t, repo.Update(ctx, got))

	updated, err := repo.GetByID(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Name, updated.Name)
	assert.False(t, updated.Active)

	_, err = repo.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestConfigRepository_ListDueAndAdvance(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	repo := repositories.NewConfigRepository(db.DB)
	ctx := context.Background()

	cfg := createTestConfig(t, repo)

	due, err := repo.ListDue(ctx, time.Now())
	require.NoError(t, err)
	assert.True(t, containsConfig(due, cfg.ID), "freshly created config is due")

	next := time.Now().Add(15 * time.Minute)
	require.NoError(t, repo.AdvanceSchedule(ctx, cfg.ID, next, time.Now()))

	due, err = repo.ListDue(ctx, time.Now())
	require.NoError(t, err)
	assert.False(t, containsConfig(due, cfg.ID), "advanced config is no longer due")

	got, err := repo.GetByID(ctx, cfg.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastSyncAt)
	require.NotNil(t, got.NextDueAt)
	assert.WithinDuration(t, next, *got.NextDueAt, time.Second)
}

func containsConfig(configs []*models.SourceTableConfig, id uuid.UUID) bool {
	for _, c := range configs {
		if c.ID == id {
			return true
		}
	}
	return false
}

func TestSyncRunRepository_OneRunningPerConfig(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	configs := repositories.NewConfigRepository(db.DB)
	runs := repositories.NewSyncRunRepository(db.DB)
	ctx := context.Background()

	cfg := createTestConfig(t, configs)

	first := &models.SyncRun{ConfigID: cfg.ID}
	require.NoError(t, runs.Create(ctx, first))
	assert.Equal(t, models.RunStatusRunning, first.Status)

	second := &models.SyncRun{ConfigID: cfg.ID}
	err := runs.Create(ctx, second)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyRunning)

	// Finalizing the first frees the slot.
	now := time.Now()
	first.Status = models.RunStatusCompleted
	first.FinishedAt = &now
	first.ExecutionTimeMs = 1200
	first.Processed = 10
	first.Created = 3
	require.NoError(t, runs.Finalize(ctx, first))

	require.NoError(t, runs.Create(ctx, second))

	// Terminal runs are immutable: a second finalize finds no running row.
	first.Status = models.RunStatusFailed
	assert.ErrorIs(t, runs.Finalize(ctx, first), apperrors.ErrNotFound)

	got, err := runs.GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.Equal(t, 10, got.Processed)
}

// createFinishedRun inserts a real run row so audit tables can reference it.
func createFinishedRun(t *testing.T, runs repositories.SyncRunRepository, configID uuid.UUID) uuid.UUID {
	t.Helper()

	run := &models.SyncRun{ConfigID: configID}
	require.NoError(t, runs.Create(context.Background(), run))

	now := time.Now()
	run.Status = models.RunStatusCompleted
	run.FinishedAt = &now
	require.NoError(t, runs.Finalize(context.Background(), run))
	return run.ID
}

func TestMirroredRecordRepository_Lifecycle(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	configs := repositories.NewConfigRepository(db.DB)
	records := repositories.NewMirroredRecordRepository(db.DB)
	runs := repositories.NewSyncRunRepository(db.DB)
	ctx := context.Background()

	cfg := createTestConfig(t, configs)
	runA := createFinishedRun(t, runs, cfg.ID)
	runB := createFinishedRun(t, runs, cfg.ID)

	rec := &models.MirroredRecord{
		ConfigID:     cfg.ID,
		NaturalKey:   "01/0001",
		KeyFields:    map[string]string{"supplier_code": "01", "branch_code": "0001"},
		Payload:      map[string]any{"supplier_code": "01", "branch_code": "0001", "name": "Acme"},
		ContentHash:  "abc123",
		RecordStatus: models.RecordStatusNew,
		IsNewRecord:  true,
		LastSyncedAt: time.Now(),
		LastRunID:    runA,
	}
	require.NoError(t, records.Create(ctx, rec))

	got, err := records.GetByKey(ctx, cfg.ID, "01/0001")
	require.NoError(t, err)
	assert.Equal(t, "abc123", got.ContentHash)
	assert.Equal(t, "Acme", got.Payload["name"])

	// Untouched by run B: marked missed.
	// A key delivered but failed in run B stays untouched by the sweep.
	missed, err := records.MarkMissed(ctx, cfg.ID, runB, []string{"01/0001"}, time.Now())
	require.NoError(t, err)
	assert.Empty(t, missed)

	got, err = records.GetByKey(ctx, cfg.ID, "01/0001")
	require.NoError(t, err)
	assert.Equal(t, 0, got.MissCount)
	assert.False(t, got.PendingDeletion)

	missed, err = records.MarkMissed(ctx, cfg.ID, runB, nil, time.Now())
	require.NoError(t, err)
	require.Len(t, missed, 1)
	assert.Equal(t, 1, missed[0].MissCount)
	assert.True(t, missed[0].PendingDeletion)

	// Missed again, then deleted with an audit entry.
	missed, err = records.MarkMissed(ctx, cfg.ID, uuid.New(), nil, time.Now())
	require.NoError(t, err)
	require.Len(t, missed, 1)
	assert.Equal(t, 2, missed[0].MissCount)

	require.NoError(t, records.Delete(ctx, missed[0], runB))

	got, err = records.GetByKey(ctx, cfg.ID, "01/0001")
	require.NoError(t, err)
	assert.Equal(t, models.RecordStatusDeleted, got.RecordStatus)

	audit, err := records.ListDeletionAudit(ctx, cfg.ID, 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "01/0001", audit[0].NaturalKey)
	assert.Equal(t, runB, audit[0].RunID)

	// Deleting a deleted record is a no-op without a second audit entry.
	require.NoError(t, records.Delete(ctx, got, uuid.New()))
	audit, err = records.ListDeletionAudit(ctx, cfg.ID, 10)
	require.NoError(t, err)
	assert.Len(t, audit, 1)

	// Deleted rows stay excluded from MarkMissed.
	missed, err = records.MarkMissed(ctx, cfg.ID, uuid.New(), nil, time.Now())
	require.NoError(t, err)
	assert.Empty(t, missed)
}

func TestCanonicalRepository_LinkUniqueness(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	configs := repositories.NewConfigRepository(db.DB)
	entities := repositories.NewCanonicalRepository(db.DB)
	candidates := repositories.NewCandidateRepository(db.DB)
	ctx := context.Background()

	cfg := createTestConfig(t, configs)
	cand := &models.CandidateEntity{TradeName: "Acme", CreatedBy: "tester"}
	require.NoError(t, candidates.Create(ctx, cand))

	key := "01/0002"
	first := &models.CanonicalEntity{
		Status:         models.EntityStatusCandidateAndSourced,
		CandidateID:    &cand.ID,
		SourceConfigID: &cfg.ID,
		MirroredKey:    &key,
		DisplayName:    "Acme",
	}
	require.NoError(t, entities.Create(ctx, first))

	// Same candidate again: rejected by the partial unique index.
	dup := &models.CanonicalEntity{
		Status:      models.EntityStatusCandidateOnly,
		CandidateID: &cand.ID,
		DisplayName: "Acme",
	}
	assert.ErrorIs(t, entities.Create(ctx, dup), apperrors.ErrConflict)

	// Same mirrored key again: rejected too.
	dup = &models.CanonicalEntity{
		Status:         models.EntityStatusSourced,
		SourceConfigID: &cfg.ID,
		MirroredKey:    &key,
		DisplayName:    "Acme",
	}
	assert.ErrorIs(t, entities.Create(ctx, dup), apperrors.ErrConflict)

	got, err := entities.GetByCandidate(ctx, cand.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	got, err = entities.GetByMirroredKey(ctx, cfg.ID, key)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	// The linked candidate cannot be deleted.
	assert.ErrorIs(t, candidates.Delete(ctx, cand.ID), apperrors.ErrConflict)

	// Archiving frees both slots.
	require.NoError(t, entities.Archive(ctx, first.ID))
	assert.ErrorIs(t, entities.Archive(ctx, first.ID), apperrors.ErrArchived)

	_, err = entities.GetByCandidate(ctx, cand.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	require.NoError(t, entities.Create(ctx, &models.CanonicalEntity{
		Status:         models.EntityStatusSourced,
		SourceConfigID: &cfg.ID,
		MirroredKey:    &key,
		DisplayName:    "Acme again",
	}))
}

func TestGroupRepository_MembershipAndCount(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	configs := repositories.NewConfigRepository(db.DB)
	entities := repositories.NewCanonicalRepository(db.DB)
	groups := repositories.NewGroupRepository(db.DB)
	ctx := context.Background()

	cfg := createTestConfig(t, configs)

	makeEntity := func(key string) *models.CanonicalEntity {
		e := &models.CanonicalEntity{
			Status:         models.EntityStatusSourced,
			SourceConfigID: &cfg.ID,
			MirroredKey:    &key,
			DisplayName:    key,
		}
		require.NoError(t, entities.Create(ctx, e))
		return e
	}
	e1 := makeEntity("07/0001/01")
	e2 := makeEntity("07/0001/02")

	group, err := groups.UpsertByKey(ctx, "07/0001")
	require.NoError(t, err)

	// Upsert is idempotent.
	again, err := groups.UpsertByKey(ctx, "07/0001")
	require.NoError(t, err)
	assert.Equal(t, group.ID, again.ID)

	require.NoError(t, groups.AddMember(ctx, group.ID, e1.ID, time.Now()))
	require.NoError(t, groups.AddMember(ctx, group.ID, e2.ID, time.Now()))
	// Duplicate add is a no-op.
	require.NoError(t, groups.AddMember(ctx, group.ID, e1.ID, time.Now()))

	count, err := groups.RecomputeMemberCount(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, groups.RemoveMember(ctx, group.ID, e2.ID))
	count, err = groups.RecomputeMemberCount(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	membership, err := groups.MembershipByEntity(ctx, e1.ID)
	require.NoError(t, err)
	assert.Equal(t, group.ID, membership.GroupID)

	require.NoError(t, groups.Rename(ctx, group.ID, "Acme Holding"))
	require.NoError(t, groups.SetSuggestedName(ctx, group.ID, "ignored suggestion"))

	got, err := groups.GetByKey(ctx, "07/0001")
	require.NoError(t, err)
	assert.Equal(t, "Acme Holding", got.Name)
	assert.Equal(t, "Acme Holding", got.DisplayName())
	assert.Equal(t, 1, got.MemberCount)
}

func TestSyncErrorRepository_AttemptsAndResolution(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	configs := repositories.NewConfigRepository(db.DB)
	errs := repositories.NewSyncErrorRepository(db.DB)
	ctx := context.Background()

	cfg := createTestConfig(t, configs)
	runID := createFinishedRun(t, repositories.NewSyncRunRepository(db.DB), cfg.ID)

	for attempt := 1; attempt <= 2; attempt++ {
		require.NoError(t, errs.Create(ctx, &models.SyncError{
			ConfigID:      cfg.ID,
			RunID:         runID,
			NaturalKey:    "01/0009",
			ErrorType:     models.ErrorTypeValidation,
			ErrorMessage:  "missing field",
			AttemptNumber: attempt,
		}))
	}

	latest, err := errs.LatestUnresolvedAttempt(ctx, cfg.ID, "01/0009", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, latest)

	unresolved, err := errs.ListUnresolved(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Len(t, unresolved, 2)

	resolved, err := errs.ResolveByKeys(ctx, cfg.ID, []string{"01/0009"}, "resolved by successful sync", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, resolved)

	unresolved, err = errs.ListUnresolved(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Empty(t, unresolved)

	latest, err = errs.LatestUnresolvedAttempt(ctx, cfg.ID, "01/0009", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, latest, "resolved errors no longer continue the attempt counter")
}
