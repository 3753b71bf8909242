package models

import (
	"time"

	"github.com/google/uuid"
)

// Group is a cluster of canonical entities sharing a derived group key,
// used for downstream buyer/vendor assignment. MemberCount always equals the
// count of active memberships; it is recomputed inside the same transaction
// that changes membership, never adjusted incrementally.
type Group struct {
	ID       uuid.UUID `json:"id"`
	GroupKey string    `json:"group_key"`

	// Name is the operator-assigned name; it always wins over SuggestedName.
	// SuggestedName comes from the naming collaborator and is never promoted
	// automatically.
	Name          string `json:"name,omitempty"`
	SuggestedName string `json:"suggested_name,omitempty"`

	// ResponsibleCode is the assigned buyer/vendor code.
	ResponsibleCode string `json:"responsible_code,omitempty"`

	MemberCount int       `json:"member_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DisplayName returns the manual name when set, otherwise the suggestion,
// otherwise the raw group key.
func (g *Group) DisplayName() string {
	if g.Name != "" {
		return g.Name
	}
	if g.SuggestedName != "" {
		return g.SuggestedName
	}
	return g.GroupKey
}

// GroupMembership joins a canonical entity to a group.
type GroupMembership struct {
	GroupID    uuid.UUID `json:"group_id"`
	EntityID   uuid.UUID `json:"entity_id"`
	AssignedAt time.Time `json:"assigned_at"`
}
