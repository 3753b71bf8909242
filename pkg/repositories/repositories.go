// Package repositories contains the data access layer. Each repository is
// bound to a database.Querier at construction, so callers can target either
// the shared pool or a transaction.
package repositories

import "strings"

// prefixColumns qualifies every column in a comma-separated list with a table
// alias, for queries that join against other tables.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
