// Package connector defines the contract for fetching pages of records from
// an external system of record, plus the SQL-backed implementations.
package connector

import (
	"context"

	"github.com/openmdm/mdm-engine/pkg/models"
)

// Record is one raw external record as delivered by the source.
type Record map[string]any

// Page is one fetched slice of the external table.
type Page struct {
	Records    []Record
	NextCursor string
	HasMore    bool
}

// Connector fetches pages of records for a source table configuration.
// Implementations must supply stable values for the configured natural-key
// fields. Transient failures surface as *apperrors.ConnectorError, rate
// limiting as *apperrors.CapacityError.
type Connector interface {
	// FetchPage returns up to limit records starting at cursor. An empty
	// cursor starts from the beginning. Ordering must be stable across pages
	// of one run.
	FetchPage(ctx context.Context, cfg *models.SourceTableConfig, cursor string, limit int) (*Page, error)

	// TestConnection verifies the source is reachable with valid credentials.
	TestConnection(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}

// Registry resolves a connector by source type.
type Registry struct {
	connectors map[string]Connector
}

// NewRegistry creates an empty connector registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Register adds a connector for a source type, replacing any previous one.
func (r *Registry) Register(sourceType string, c Connector) {
	r.connectors[sourceType] = c
}

// Get returns the connector for a source type.
func (r *Registry) Get(sourceType string) (Connector, bool) {
	c, ok := r.connectors[sourceType]
	return c, ok
}

// Close closes all registered connectors, returning the first error.
func (r *Registry) Close() error {
	var first error
	for _, c := range r.connectors {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
