package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openmdm/mdm-engine/pkg/apperrors"
	"github.com/openmdm/mdm-engine/pkg/config"
	"github.com/openmdm/mdm-engine/pkg/database"
	"github.com/openmdm/mdm-engine/pkg/models"
	"github.com/openmdm/mdm-engine/pkg/naming"
	"github.com/openmdm/mdm-engine/pkg/repositories"
)

// groupKeyJoiner joins the natural-key prefix values into a group key. The
// source formats its composite codes with slashes, so derived keys read the
// same way.
const groupKeyJoiner = "/"

// GroupingService clusters canonical entities into groups by a derived
// natural-key prefix or an explicit override, and keeps an auditable diff of
// every membership change.
type GroupingService struct {
	db        *database.DB
	entities  repositories.CanonicalRepository
	configs   repositories.ConfigRepository
	groups    repositories.GroupRepository
	audit     repositories.GroupUpdateRepository
	suggester naming.Suggester
	cfg       config.GroupingConfig
	logger    *zap.Logger
}

// NewGroupingService creates a new grouping service.
func NewGroupingService(
	db *database.DB,
	entities repositories.CanonicalRepository,
	configs repositories.ConfigRepository,
	groups repositories.GroupRepository,
	audit repositories.GroupUpdateRepository,
	suggester naming.Suggester,
	cfg config.GroupingConfig,
	logger *zap.Logger,
) *GroupingService {
	return &GroupingService{
		db:        db,
		entities:  entities,
		configs:   configs,
		groups:    groups,
		audit:     audit,
		suggester: suggester,
		cfg:       cfg,
		logger:    logger.Named("grouping"),
	}
}

// groupChange is the computed diff for one group within a rebuild.
type groupChange struct {
	key     string
	adds    []*models.GroupUpdateResult
	removes []*models.GroupUpdateResult
	keeps   []*models.GroupUpdateResult

	// clearHasGroup lists entities whose removal leaves them with no group
	// at all (as opposed to moving to another group).
	clearHasGroup []uuid.UUID
	addHasGroup   []uuid.UUID
}

// Rebuild recomputes every group's membership from the current entity set.
// Scope limits the rebuild to one configuration's entities; nil rebuilds
// everything. Changes are applied transactionally per group in two passes,
// removals before additions, so an entity moving between groups vacates its
// old membership before the new one is inserted regardless of key order. A
// failure in one group rolls back only that group; the run always finishes
// and reports the failure count. Returns ErrAlreadyRunning when a rebuild is
// already in flight.
func (s *GroupingService) Rebuild(ctx context.Context, scope *uuid.UUID, actor string) (*models.GroupUpdateRun, error) {
	// Advisory locks are session-scoped, so hold a dedicated connection.
	conn, err := s.db.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	acquired, err := database.TryAdvisoryLock(ctx, conn, database.LockRebuildGroups)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, apperrors.ErrAlreadyRunning
	}
	defer func() {
		if err := database.AdvisoryUnlock(context.WithoutCancel(ctx), conn, database.LockRebuildGroups); err != nil {
			s.logger.Error("failed to release advisory lock", zap.Error(err))
		}
	}()

	run := &models.GroupUpdateRun{Actor: actor}
	if scope != nil {
		run.Scope = scope.String()
	}
	if err := s.audit.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	changes, groupEntities, err := s.computeChanges(ctx, scope, run)
	if err != nil {
		return nil, err
	}

	failed := make(map[string]bool)
	for _, change := range changes {
		if len(change.removes) == 0 {
			continue
		}
		if err := s.applyRemovals(ctx, change); err != nil {
			s.noteGroupFailure(failed, change.key, err)
			continue
		}
		run.Removed += len(change.removes)
	}
	for _, change := range changes {
		if len(change.adds) == 0 && len(change.keeps) == 0 {
			continue
		}
		if err := s.applyAdds(ctx, change); err != nil {
			s.noteGroupFailure(failed, change.key, err)
			continue
		}
		run.Added += len(change.adds)
		run.Kept += len(change.keeps)
	}
	run.FailedGroups = len(failed)

	s.suggestNames(ctx, groupEntities)

	now := time.Now()
	run.FinishedAt = &now
	if err := s.audit.FinalizeRun(ctx, run); err != nil {
		return nil, err
	}

	s.logger.Info("group rebuild finished",
		zap.String("run_id", run.ID.String()),
		zap.Int("added", run.Added),
		zap.Int("removed", run.Removed),
		zap.Int("kept", run.Kept),
		zap.Int("failed_groups", run.FailedGroups))
	return run, nil
}

// computeChanges diffs desired membership against the current state.
func (s *GroupingService) computeChanges(ctx context.Context, scope *uuid.UUID, run *models.GroupUpdateRun) ([]*groupChange, map[string][]*models.CanonicalEntity, error) {
	entities, err := s.entities.ListGroupable(ctx, scope)
	if err != nil {
		return nil, nil, err
	}

	configCache := make(map[uuid.UUID]*models.SourceTableConfig)
	desiredByEntity := make(map[uuid.UUID]string, len(entities))
	entityByID := make(map[uuid.UUID]*models.CanonicalEntity, len(entities))
	groupEntities := make(map[string][]*models.CanonicalEntity)

	for _, e := range entities {
		key, err := s.groupKeyFor(ctx, e, configCache)
		if err != nil {
			return nil, nil, err
		}
		if key == "" {
			continue
		}
		desiredByEntity[e.ID] = key
		entityByID[e.ID] = e
		groupEntities[key] = append(groupEntities[key], e)
	}

	memberships, err := s.groups.ListAllMemberships(ctx)
	if err != nil {
		return nil, nil, err
	}
	allGroups, err := s.groups.List(ctx)
	if err != nil {
		return nil, nil, err
	}
	keyByGroupID := make(map[uuid.UUID]string, len(allGroups))
	for _, g := range allGroups {
		keyByGroupID[g.ID] = g.GroupKey
	}

	currentByEntity := make(map[uuid.UUID]string, len(memberships))
	for _, m := range memberships {
		currentByEntity[m.EntityID] = keyByGroupID[m.GroupID]
	}

	changeByKey := make(map[string]*groupChange)
	change := func(key string) *groupChange {
		c, ok := changeByKey[key]
		if !ok {
			c = &groupChange{key: key}
			changeByKey[key] = c
		}
		return c
	}

	for entityID, desiredKey := range desiredByEntity {
		currentKey := currentByEntity[entityID]
		if currentKey == desiredKey {
			change(desiredKey).keeps = append(change(desiredKey).keeps, &models.GroupUpdateResult{
				RunID:    run.ID,
				GroupKey: desiredKey,
				EntityID: entityID,
				Action:   models.GroupActionKept,
				Reason:   "unchanged",
			})
			continue
		}

		addReason := "assigned by rebuild"
		if currentKey != "" {
			addReason = fmt.Sprintf("key changed from %s to %s", currentKey, desiredKey)
		}
		c := change(desiredKey)
		c.adds = append(c.adds, &models.GroupUpdateResult{
			RunID:    run.ID,
			GroupKey: desiredKey,
			EntityID: entityID,
			Action:   models.GroupActionAdded,
			Reason:   addReason,
		})
		c.addHasGroup = append(c.addHasGroup, entityID)

		if currentKey != "" {
			old := change(currentKey)
			old.removes = append(old.removes, &models.GroupUpdateResult{
				RunID:    run.ID,
				GroupKey: currentKey,
				EntityID: entityID,
				Action:   models.GroupActionRemoved,
				Reason:   fmt.Sprintf("key changed from %s to %s", currentKey, desiredKey),
			})
		}
	}

	// On a full rebuild, memberships of entities that are no longer groupable
	// (archived, override cleared) get cleaned up too.
	if scope == nil {
		for _, m := range memberships {
			if _, stillDesired := desiredByEntity[m.EntityID]; stillDesired {
				continue
			}
			currentKey := keyByGroupID[m.GroupID]
			c := change(currentKey)
			c.removes = append(c.removes, &models.GroupUpdateResult{
				RunID:    run.ID,
				GroupKey: currentKey,
				EntityID: m.EntityID,
				Action:   models.GroupActionRemoved,
				Reason:   "no longer groupable",
			})
			c.clearHasGroup = append(c.clearHasGroup, m.EntityID)
		}
	}

	changes := make([]*groupChange, 0, len(changeByKey))
	for _, c := range changeByKey {
		changes = append(changes, c)
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].key < changes[j].key })

	return changes, groupEntities, nil
}

// applyRemovals applies one group's removals in its own transaction. The
// member count is recomputed from the live membership inside the same
// transaction and checked against the expected value; a mismatch rolls back
// only this group.
func (s *GroupingService) applyRemovals(ctx context.Context, change *groupChange) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	txGroups := repositories.NewGroupRepository(tx)
	txEntities := repositories.NewCanonicalRepository(tx)
	txAudit := repositories.NewGroupUpdateRepository(tx)

	group, err := txGroups.UpsertByKey(ctx, change.key)
	if err != nil {
		return err
	}

	before, err := txGroups.ListMembers(ctx, group.ID)
	if err != nil {
		return err
	}
	present := make(map[uuid.UUID]bool, len(before))
	for _, m := range before {
		present[m.EntityID] = true
	}

	expected := len(before)
	for _, res := range change.removes {
		if present[res.EntityID] {
			expected--
		}
		if err := txGroups.RemoveMember(ctx, group.ID, res.EntityID); err != nil {
			return err
		}
	}
	for _, entityID := range change.clearHasGroup {
		if err := txEntities.SetHasGroup(ctx, entityID, false); err != nil {
			return err
		}
	}

	if err := s.checkMemberCount(ctx, txGroups, change.key, group.ID, expected); err != nil {
		return err
	}
	if err := txAudit.AddResults(ctx, change.removes); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit group change: %w", err)
	}
	return nil
}

// applyAdds applies one group's additions in its own transaction, together
// with the kept-member audit rows. Runs after every removal pass committed,
// so an entity arriving from another group no longer holds its old
// membership.
func (s *GroupingService) applyAdds(ctx context.Context, change *groupChange) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	txGroups := repositories.NewGroupRepository(tx)
	txEntities := repositories.NewCanonicalRepository(tx)
	txAudit := repositories.NewGroupUpdateRepository(tx)

	group, err := txGroups.UpsertByKey(ctx, change.key)
	if err != nil {
		return err
	}

	before, err := txGroups.ListMembers(ctx, group.ID)
	if err != nil {
		return err
	}
	present := make(map[uuid.UUID]bool, len(before))
	for _, m := range before {
		present[m.EntityID] = true
	}

	expected := len(before)
	now := time.Now()
	for _, res := range change.adds {
		if !present[res.EntityID] {
			expected++
		}
		if err := txGroups.AddMember(ctx, group.ID, res.EntityID, now); err != nil {
			return err
		}
	}
	for _, entityID := range change.addHasGroup {
		if err := txEntities.SetHasGroup(ctx, entityID, true); err != nil {
			return err
		}
	}

	if err := s.checkMemberCount(ctx, txGroups, change.key, group.ID, expected); err != nil {
		return err
	}

	results := make([]*models.GroupUpdateResult, 0, len(change.adds)+len(change.keeps))
	results = append(results, change.adds...)
	results = append(results, change.keeps...)
	if err := txAudit.AddResults(ctx, results); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit group change: %w", err)
	}
	return nil
}

// checkMemberCount recomputes the stored member count and compares it to the
// expected live membership size.
func (s *GroupingService) checkMemberCount(ctx context.Context, txGroups repositories.GroupRepository, key string, groupID uuid.UUID, expected int) error {
	count, err := txGroups.RecomputeMemberCount(ctx, groupID)
	if err != nil {
		return err
	}
	if count != expected {
		return &apperrors.ConsistencyError{
			GroupKey: key,
			Detail:   fmt.Sprintf("member count %d after rebuild, expected %d", count, expected),
		}
	}
	return nil
}

// noteGroupFailure records a per-group failure so the rebuild can continue
// with the remaining groups.
func (s *GroupingService) noteGroupFailure(failed map[string]bool, key string, err error) {
	var consistencyErr *apperrors.ConsistencyError
	if errors.As(err, &consistencyErr) {
		s.logger.Error("group rebuild rolled back for one group",
			zap.String("group_key", key),
			zap.String("detail", consistencyErr.Detail))
	} else {
		s.logger.Error("group rebuild failed for one group",
			zap.String("group_key", key),
			zap.Error(err))
	}
	failed[key] = true
}

// suggestNames asks the naming collaborator for labels for groups that have
// neither a manual name nor a previous suggestion. Best-effort: failures are
// logged and ignored, and a manual name always wins.
func (s *GroupingService) suggestNames(ctx context.Context, groupEntities map[string][]*models.CanonicalEntity) {
	for key, members := range groupEntities {
		group, err := s.groups.GetByKey(ctx, key)
		if err != nil {
			continue
		}
		if group.Name != "" || group.SuggestedName != "" {
			continue
		}

		memberNames := make([]string, 0, len(members))
		for _, e := range members {
			if e.DisplayName != "" {
				memberNames = append(memberNames, e.DisplayName)
			}
		}
		if len(memberNames) == 0 {
			continue
		}

		sourceTable := "partners"
		if cfgID := members[0].SourceConfigID; cfgID != nil {
			if tableCfg, err := s.configs.GetByID(ctx, *cfgID); err == nil {
				sourceTable = tableCfg.SourceTable
			}
		}

		label, err := s.suggester.Suggest(ctx, naming.BuildDescription(sourceTable, memberNames))
		if err != nil || label == "" {
			if err != nil {
				s.logger.Warn("name suggestion failed",
					zap.String("group_key", key),
					zap.Error(err))
			}
			continue
		}

		if err := s.groups.SetSuggestedName(ctx, group.ID, label); err != nil {
			s.logger.Warn("failed to store suggested name",
				zap.String("group_key", key),
				zap.Error(err))
		}
	}
}

// groupKeyFor derives an entity's group key: the explicit override when set,
// otherwise the leading natural-key fields of its mirrored record.
func (s *GroupingService) groupKeyFor(ctx context.Context, e *models.CanonicalEntity, configCache map[uuid.UUID]*models.SourceTableConfig) (string, error) {
	if e.GroupKeyOverride != nil && *e.GroupKeyOverride != "" {
		return *e.GroupKeyOverride, nil
	}
	if e.MirroredKey == nil || e.SourceConfigID == nil {
		return "", nil
	}

	tableCfg, ok := configCache[*e.SourceConfigID]
	if !ok {
		var err error
		tableCfg, err = s.configs.GetByID(ctx, *e.SourceConfigID)
		if err != nil {
			return "", err
		}
		configCache[*e.SourceConfigID] = tableCfg
	}

	prefix := s.cfg.PrefixFields
	if tableCfg.GroupPrefixFields > 0 {
		prefix = tableCfg.GroupPrefixFields
	}

	parts := models.SplitNaturalKey(*e.MirroredKey)
	if prefix > len(parts) {
		prefix = len(parts)
	}
	return strings.Join(parts[:prefix], groupKeyJoiner), nil
}

// Rename sets a group's manual name.
func (s *GroupingService) Rename(ctx context.Context, id uuid.UUID, name string) error {
	return s.groups.Rename(ctx, id, name)
}

// SetResponsible assigns a group's buyer/vendor code.
func (s *GroupingService) SetResponsible(ctx context.Context, id uuid.UUID, code string) error {
	return s.groups.SetResponsible(ctx, id, code)
}

// ListGroups returns all groups.
func (s *GroupingService) ListGroups(ctx context.Context) ([]*models.Group, error) {
	return s.groups.List(ctx)
}

// GetGroup returns a group with its memberships.
func (s *GroupingService) GetGroup(ctx context.Context, id uuid.UUID) (*models.Group, []*models.GroupMembership, error) {
	group, err := s.groups.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	members, err := s.groups.ListMembers(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return group, members, nil
}

// GetRun returns one grouping run's audit record.
func (s *GroupingService) GetRun(ctx context.Context, id uuid.UUID) (*models.GroupUpdateRun, error) {
	return s.audit.GetRun(ctx, id)
}

// ListRuns returns recent grouping runs, newest first.
func (s *GroupingService) ListRuns(ctx context.Context, limit int) ([]*models.GroupUpdateRun, error) {
	if limit < 1 {
		limit = 20
	}
	return s.audit.ListRuns(ctx, limit)
}

// ListResults returns the per-member results of one grouping run.
func (s *GroupingService) ListResults(ctx context.Context, runID uuid.UUID) ([]*models.GroupUpdateResult, error) {
	return s.audit.ListResults(ctx, runID)
}
