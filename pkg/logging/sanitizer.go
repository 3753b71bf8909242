package logging

import (
	"regexp"
)

const (
	// MaxPayloadLogLength is the maximum length of a raw record payload to log.
	MaxPayloadLogLength = 200
	// RedactedText is the replacement text for sensitive data.
	RedactedText = "[REDACTED]"
)

var (
	// Pattern to match potential passwords in connection strings.
	// Matches: password=xxx, pwd=xxx, pass=xxx (until next delimiter)
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)

	// Pattern to match connection string credentials (user:pass@host format).
	connStringPattern = regexp.MustCompile(`://[^:]+:[^@]+@[^/\s]+`)

	// Pattern to match tax-id style values in serialized payloads. Mirrored
	// records carry supplier/customer tax numbers that must not reach logs.
	taxIDPattern = regexp.MustCompile(`(?i)"(tax_?id|vat_?number|nip|tin)"\s*:\s*"[^"]*"`)

	// Pattern to match potential API keys.
	apiKeyPattern = regexp.MustCompile(`(?i)(api[_-]?key|apikey|key)=[A-Za-z0-9-_]{20,}`)
)

// SanitizeConnectionString removes sensitive data from connection strings.
// Use this before logging any connector or database connection string.
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}

	sanitized := passwordPattern.ReplaceAllString(connStr, "${1}="+RedactedText)
	sanitized = connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)

	return sanitized
}

// SanitizePayload masks tax identifiers in a serialized record payload and
// truncates it. Use this before logging any raw external record.
func SanitizePayload(payload string) string {
	if payload == "" {
		return ""
	}

	sanitized := taxIDPattern.ReplaceAllString(payload, `"tax_id":"`+RedactedText+`"`)
	if len(sanitized) > MaxPayloadLogLength {
		sanitized = sanitized[:MaxPayloadLogLength] + "..."
	}

	return sanitized
}

// SanitizeError sanitizes error messages that might contain sensitive data.
// Use this before logging any error from connector or database operations.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()
	sanitized := passwordPattern.ReplaceAllString(errStr, "${1}="+RedactedText)
	sanitized = apiKeyPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
	sanitized = connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)

	return sanitized
}
