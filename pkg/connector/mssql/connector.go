// Package mssql implements the source connector for SQL Server backed ERPs.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/microsoft/go-mssqldb" // SQL Server driver

	"github.com/openmdm/mdm-engine/pkg/apperrors"
	"github.com/openmdm/mdm-engine/pkg/connector"
	"github.com/openmdm/mdm-engine/pkg/models"
)

// Connector fetches pages from a SQL Server source using stable ORDER BY
// paging over the configured natural-key fields.
type Connector struct {
	db      *sql.DB
	timeout time.Duration
}

// New opens a SQL Server connection for the given DSN.
func New(dsn string, timeout time.Duration) (*Connector, error) {
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mssql connection: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Connector{db: db, timeout: timeout}, nil
}

// TestConnection verifies the source is reachable.
func (c *Connector) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.db.PingContext(ctx); err != nil {
		return &apperrors.ConnectorError{Source: models.SourceTypeMSSQL, Err: err}
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *Connector) Close() error {
	return c.db.Close()
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

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, classifyError(err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, classifyError(err)
	}

	hasMore := len(records) == limit
	next := ""
	if hasMore {
		next = strconv.Itoa(offset + len(records))
	}

	return &connector.Page{Records: records, NextCursor: next, HasMore: hasMore}, nil
}

// buildPageQuery builds the paged SELECT. Identifiers were validated above;
// quoting them keeps reserved words working.
func buildPageQuery(cfg *models.SourceTableConfig, offset, limit int) string {
	var cols string
	if cfg.FetchAllFields {
		cols = "*"
	} else {
		cols = quoteAll(fieldSet(cfg))
	}

	return fmt.Sprintf(
		"SELECT %s FROM %s ORDER BY %s OFFSET %d ROWS FETCH NEXT %d ROWS ONLY",
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
		parts[i] = "[" + p + "]"
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

// scanRecords reads all rows into generic records keyed by column name.
func scanRecords(rows *sql.Rows) ([]connector.Record, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var records []connector.Record
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		rec := make(connector.Record, len(cols))
		for i, col := range cols {
			rec[col] = values[i]
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return records, nil
}

// classifyError maps driver failures onto the engine's error taxonomy.
func classifyError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "resource limit") || strings.Contains(msg, "request limit") ||
		strings.Contains(msg, "too many requests") {
		return &apperrors.CapacityError{Source: models.SourceTypeMSSQL, Err: err}
	}
	return &apperrors.ConnectorError{Source: models.SourceTypeMSSQL, Err: err}
}

var _ connector.Connector = (*Connector)(nil)
