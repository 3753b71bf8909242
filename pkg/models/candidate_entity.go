package models

import (
	"time"

	"github.com/google/uuid"
)

// CandidateEntity is a manually entered pre-identity record, independent of
// the external source. Operators create these ahead of (or instead of) the
// record arriving from the system of record; unification later links them.
type CandidateEntity struct {
	ID        uuid.UUID `json:"id"`
	TradeName string    `json:"trade_name"`
	LegalName string    `json:"legal_name,omitempty"`
	TaxID     string    `json:"tax_id,omitempty"`
	Country   string    `json:"country,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
