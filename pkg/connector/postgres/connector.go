// Package postgres implements the source connector for PostgreSQL backed sources.
package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openmdm/mdm-engine/pkg/apperrors"
	"github.com/openmdm/mdm-engine/pkg/connector"
	"github.com/openmdm/mdm-engine/pkg/models"
)

// Connector fetches pages from a PostgreSQL source using stable ORDER BY
// paging over the configured natural-key fields.
type Connector struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// New opens a PostgreSQL connection pool for the given DSN.
func New(ctx context.Context, dsn string, timeout time.Duration) (*Connector, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse source DSN: %w", err)
	}
	poolConfig.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create source pool: %w", err)
	}
	return &Connector{pool: pool, timeout: timeout}, nil
}

// TestConnection verifies the source is reachable.
func (c *Connector) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.pool.Ping(ctx); err != nil {
		return &apperrors.ConnectorError{Source: models.SourceTypePostgres, Err: err}
	}
	return nil
}

// Close releases the underlying pool.
func (c *Connector) Close() error {
	c.pool.Close()
	return nil
}

// FetchPage returns up to limit records starting at the given offset cursor.
func (c *Connector) FetchPage(ctx context.Context, cfg *models.SourceTableConfig, cursor string, limit int) (*connector.Page, error) {
	if err := connector.ValidateIdentifiers(cfg.SourceTable, cfg.KeyFields, cfg.SelectedFields); err != nil {
		return nil, fmt.Errorf("unsafe source configuration: %w", err)
	}

	offset := 0
	if cursor != "" {
		var err error
		offset, err = strconv.Atoi(cursor)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
	}

	query := buildPageQuery(cfg, offset, limit)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	rows, err := c.pool.Query(ctx, query)
	if err != nil {
		return nil, classifyError(err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, fd := range fields {
		cols[i] = fd.Name
	}

	var records []connector.Record
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, classifyError(err)
		}
		rec := make(connector.Record, len(cols))
		for i, col := range cols {
			rec[col] = values[i]
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError(err)
	}

	hasMore := len(records) == limit
	next := ""
	if hasMore {
		next = strconv.Itoa(offset + len(records))
	}

	return &connector.Page{Records: records, NextCursor: next, HasMore: hasMore}, nil
}

func buildPageQuery(cfg *models.SourceTableConfig, offset, limit int) string {
	var cols string
	if cfg.FetchAllFields {
		cols = "*"
	} else {
		cols = quoteAll(fieldSet(cfg))
	}

	return fmt.Sprintf(
		"SELECT %s FROM %s ORDER BY %s OFFSET %d LIMIT %d",
		cols, quote(cfg.SourceTable), quoteAll(cfg.KeyFields), offset, limit,
	)
}

// fieldSet returns key fields plus selected fields, deduplicated, in stable order.
func fieldSet(cfg *models.SourceTableConfig) []string {
	seen := make(map[string]struct{}, len(cfg.KeyFields)+len(cfg.SelectedFields))
	out := make([]string, 0, len(cfg.KeyFields)+len(cfg.SelectedFields))
	for _, f := range append(append([]string{}, cfg.KeyFields...), cfg.SelectedFields...) {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func quote(identifier string) string {
	parts := strings.Split(identifier, ".")
	for i, p := range parts {
		parts[i] = `"` + p + `"`
	}
	return strings.Join(parts, ".")
}

func quoteAll(identifiers []string) string {
	quoted := make([]string, len(identifiers))
	for i, id := range identifiers {
		quoted[i] = quote(id)
	}
	return strings.Join(quoted, ", ")
}

// classifyError maps driver failures onto the engine's error taxonomy.
func classifyError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "too many connections") || strings.Contains(msg, "53300") {
		return &apperrors.CapacityError{Source: models.SourceTypePostgres, Err: err}
	}
	return &apperrors.ConnectorError{Source: models.SourceTypePostgres, Err: err}
}

var _ connector.Connector = (*Connector)(nil)
