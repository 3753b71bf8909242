package models

import (
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// Canonical entity status constants. Status moves monotonically toward richer
// linkage (candidate_only/sourced -> candidate_and_sourced) unless archived.
const (
	EntityStatusCandidateOnly       = "candidate_only"
	EntityStatusSourced             = "sourced"
	EntityStatusCandidateAndSourced = "candidate_and_sourced"
	EntityStatusArchived            = "archived"
)

// CanonicalEntity is the single identity per real-world party, merging a
// manually entered candidate with an externally sourced mirrored record.
// At most one entity links to a given candidate and at most one links to a
// given mirrored natural key (1:1 on each side, backed by partial unique
// indexes).
type CanonicalEntity struct {
	ID          uuid.UUID  `json:"id"`
	Status      string     `json:"status"`
	CandidateID *uuid.UUID `json:"candidate_id,omitempty"`

	// Link to a mirrored record by configuration and natural key.
	SourceConfigID *uuid.UUID `json:"source_config_id,omitempty"`
	MirroredKey    *string    `json:"mirrored_key,omitempty"`

	DisplayName string  `json:"display_name"`
	TaxID       *string `json:"tax_id,omitempty"` // normalized, digits and letters only

	// GroupKeyOverride pins the entity to an explicit group regardless of the
	// key derived from the natural-key prefix.
	GroupKeyOverride *string `json:"group_key_override,omitempty"`
	HasGroup         bool    `json:"has_group"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasCandidate reports whether a candidate is linked.
func (e *CanonicalEntity) HasCandidate() bool {
	return e.CandidateID != nil
}

// HasSource reports whether a mirrored record is linked.
func (e *CanonicalEntity) HasSource() bool {
	return e.MirroredKey != nil
}

// LinkedStatus returns the status implied by the current linkage.
func (e *CanonicalEntity) LinkedStatus() string {
	switch {
	case e.HasCandidate() && e.HasSource():
		return EntityStatusCandidateAndSourced
	case e.HasSource():
		return EntityStatusSourced
	default:
		return EntityStatusCandidateOnly
	}
}

// NormalizeTaxID strips separators and whitespace from a tax identifier and
// uppercases it, so "526-030-50-06" and "5260305006" compare equal.
func NormalizeTaxID(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}
