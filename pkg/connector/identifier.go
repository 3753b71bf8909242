package connector

import (
	"fmt"
	"regexp"

	libinjection "github.com/corazawaf/libinjection-go"
)

// identifierPattern is the whitelist for table and field names that end up
// interpolated into connector SQL. Operators type these into configuration,
// so they get the same scrutiny as any untrusted input.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ValidateIdentifier rejects a table or field name that is not a plain SQL
// identifier or that trips injection detection.
func ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("identifier is empty")
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("identifier %q contains disallowed characters", name)
	}
	if sqli, _ := libinjection.IsSQLi(name); sqli {
		return fmt.Errorf("identifier %q rejected by injection detection", name)
	}
	return nil
}

// ValidateIdentifiers validates a table name and all field names together.
func ValidateIdentifiers(table string, fields ...[]string) error {
	if err := ValidateIdentifier(table); err != nil {
		return fmt.Errorf("table: %w", err)
	}
	for _, group := range fields {
		for _, f := range group {
			if err := ValidateIdentifier(f); err != nil {
				return fmt.Errorf("field: %w", err)
			}
		}
	}
	return nil
}
