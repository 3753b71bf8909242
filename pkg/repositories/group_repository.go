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

// GroupRepository defines data access for groups and memberships.
type GroupRepository interface {
	// UpsertByKey retrieves the group with the given key, creating it empty
	// if it does not exist.
	UpsertByKey(ctx context.Context, groupKey string) (*models.Group, error)

	GetByID(ctx context.Context, id uuid.UUID) (*models.Group, error)
	GetByKey(ctx context.Context, groupKey string) (*models.Group, error)
	List(ctx context.Context) ([]*models.Group, error)

	// Rename sets the operator-assigned name.
	Rename(ctx context.Context, id uuid.UUID, name string) error

	// SetSuggestedName stores the naming collaborator's suggestion. It never
	// touches the manual name.
	SetSuggestedName(ctx context.Context, id uuid.UUID, suggested string) error

	// SetResponsible assigns the buyer/vendor code.
	SetResponsible(ctx context.Context, id uuid.UUID, code string) error

	AddMember(ctx context.Context, groupID, entityID uuid.UUID, assignedAt time.Time) error
	RemoveMember(ctx context.Context, groupID, entityID uuid.UUID) error
	ListMembers(ctx context.Context, groupID uuid.UUID) ([]*models.GroupMembership, error)

	// MembershipByEntity returns the entity's current membership, or
	// ErrNotFound. An entity belongs to at most one group.
	MembershipByEntity(ctx context.Context, entityID uuid.UUID) (*models.GroupMembership, error)

	// ListAllMemberships returns every membership, for whole-set diffs during
	// a rebuild.
	ListAllMemberships(ctx context.Context) ([]*models.GroupMembership, error)

	// RecomputeMemberCount sets member_count from the live membership count
	// and returns the new value. Call inside the transaction that changed
	// membership.
	RecomputeMemberCount(ctx context.Context, groupID uuid.UUID) (int, error)
}

type groupRepository struct {
	q database.Querier
}

// NewGroupRepository creates a new group repository.
func NewGroupRepository(q database.Querier) GroupRepository {
	return &groupRepository{q: q}
}

const groupColumns = `id, group_key, name, suggested_name, responsible_code,
	member_count, created_at, updated_at`

func (r *groupRepository) UpsertByKey(ctx context.Context, groupKey string) (*models.Group, error) {
	now := time.Now()

	query := `
		INSERT INTO groups (group_key, created_at, updated_at)
		VALUES ($1, $2, $2)
		ON CONFLICT (group_key) DO UPDATE SET updated_at = groups.updated_at
		RETURNING ` + groupColumns

	g, err := scanGroup(r.q.QueryRow(ctx, query, groupKey, now))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert group: %w", err)
	}
	return g, nil
}

func (r *groupRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Group, error) {
	query := `SELECT ` + groupColumns + ` FROM groups WHERE id = $1`
	return r.getOne(ctx, query, id)
}

func (r *groupRepository) GetByKey(ctx context.Context, groupKey string) (*models.Group, error) {
	query := `SELECT ` + groupColumns + ` FROM groups WHERE group_key = $1`
	return r.getOne(ctx, query, groupKey)
}

func (r *groupRepository) getOne(ctx context.Context, query string, args ...any) (*models.Group, error) {
	g, err := scanGroup(r.q.QueryRow(ctx, query, args...))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	return g, nil
}

func (r *groupRepository) List(ctx context.Context) ([]*models.Group, error) {
	query := `SELECT ` + groupColumns + ` FROM groups ORDER BY group_key`

	rows, err := r.q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	var groups []*models.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating groups: %w", err)
	}
	return groups, nil
}

func (r *groupRepository) Rename(ctx context.Context, id uuid.UUID, name string) error {
	return r.setColumn(ctx, id, "name", name)
}

func (r *groupRepository) SetSuggestedName(ctx context.Context, id uuid.UUID, suggested string) error {
	return r.setColumn(ctx, id, "suggested_name", suggested)
}

func (r *groupRepository) SetResponsible(ctx context.Context, id uuid.UUID, code string) error {
	return r.setColumn(ctx, id, "responsible_code", code)
}

func (r *groupRepository) setColumn(ctx context.Context, id uuid.UUID, column, value string) error {
	query := `UPDATE groups SET ` + column + ` = $2, updated_at = $3 WHERE id = $1`

	result, err := r.q.Exec(ctx, query, id, value, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update group %s: %w", column, err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *groupRepository) AddMember(ctx context.Context, groupID, entityID uuid.UUID, assignedAt time.Time) error {
	query := `
		INSERT INTO group_memberships (group_id, entity_id, assigned_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (group_id, entity_id) DO NOTHING`

	_, err := r.q.Exec(ctx, query, groupID, entityID, assignedAt)
	if err != nil {
		return fmt.Errorf("failed to add group member: %w", err)
	}
	return nil
}

func (r *groupRepository) RemoveMember(ctx context.Context, groupID, entityID uuid.UUID) error {
	query := `DELETE FROM group_memberships WHERE group_id = $1 AND entity_id = $2`

	_, err := r.q.Exec(ctx, query, groupID, entityID)
	if err != nil {
		return fmt.Errorf("failed to remove group member: %w", err)
	}
	return nil
}

func (r *groupRepository) ListMembers(ctx context.Context, groupID uuid.UUID) ([]*models.GroupMembership, error) {
	query := `
		SELECT group_id, entity_id, assigned_at
		FROM group_memberships
		WHERE group_id = $1
		ORDER BY assigned_at`

	rows, err := r.q.Query(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list group members: %w", err)
	}
	defer rows.Close()

	var members []*models.GroupMembership
	for rows.Next() {
		var m models.GroupMembership
		if err := rows.Scan(&m.GroupID, &m.EntityID, &m.AssignedAt); err != nil {
			return nil, fmt.Errorf("failed to scan group membership: %w", err)
		}
		members = append(members, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating group memberships: %w", err)
	}
	return members, nil
}

func (r *groupRepository) MembershipByEntity(ctx context.Context, entityID uuid.UUID) (*models.GroupMembership, error) {
	query := `
		SELECT group_id, entity_id, assigned_at
		FROM group_memberships
		WHERE entity_id = $1`

	var m models.GroupMembership
	err := r.q.QueryRow(ctx, query, entityID).Scan(&m.GroupID, &m.EntityID, &m.AssignedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	return &m, nil
}

func (r *groupRepository) ListAllMemberships(ctx context.Context) ([]*models.GroupMembership, error) {
	query := `SELECT group_id, entity_id, assigned_at FROM group_memberships`

	rows, err := r.q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	var members []*models.GroupMembership
	for rows.Next() {
		var m models.GroupMembership
		if err := rows.Scan(&m.GroupID, &m.EntityID, &m.AssignedAt); err != nil {
			return nil, fmt.Errorf("failed to scan group membership: %w", err)
		}
		members = append(members, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating group memberships: %w", err)
	}
	return members, nil
}

func (r *groupRepository) RecomputeMemberCount(ctx context.Context, groupID uuid.UUID) (int, error) {
	query := `
		UPDATE groups
		SET member_count = (SELECT COUNT(*) FROM group_memberships WHERE group_id = $1),
			updated_at = $2
		WHERE id = $1
		RETURNING member_count`

	var count int
	err := r.q.QueryRow(ctx, query, groupID, time.Now()).Scan(&count)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, apperrors.ErrNotFound
		}
		return 0, fmt.Errorf("failed to recompute member count: %w", err)
	}
	return count, nil
}

func scanGroup(row pgx.Row) (*models.Group, error) {
	var g models.Group
	err := row.Scan(
		&g.ID,
		&g.GroupKey,
		&g.Name,
		&g.SuggestedName,
		&g.ResponsibleCode,
		&g.MemberCount,
		&g.CreatedAt,
		&g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

var _ GroupRepository = (*groupRepository)(nil)
