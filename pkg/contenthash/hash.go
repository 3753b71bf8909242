// Package contenthash computes deterministic digests over the selected fields
// of an external record, so change detection never depends on field order or
// transport representation.
package contenthash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// fieldSeparator delimits normalized field entries in the hash input.
// A non-printable separator prevents crafted values from colliding with the
// entry framing.
const fieldSeparator = "\x1f"

// Compute returns the hex-encoded SHA-256 digest of the given fields of the
// record payload. Fields are processed in sorted name order regardless of how
// the payload was delivered; missing fields, nulls and empty strings all
// normalize to the same empty sentinel.
func Compute(payload map[string]any, fields []string) string {
	names := make([]string, len(fields))
	copy(names, fields)
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte("="))
		h.Write([]byte(NormalizeValue(payload[name])))
		h.Write([]byte(fieldSeparator))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeValue renders a payload value into its canonical string form.
// Numbers arriving as json float64, as int, or as numeric strings from the
// driver all normalize identically; nil and "" both normalize to the empty
// sentinel. Nested structures fall back to compact JSON with sorted keys.
func NormalizeValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'g', -1, 64)
	case float32:
		return NormalizeValue(float64(val))
	case int:
		return strconv.Itoa(val)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case []byte:
		return string(val)
	default:
		// Maps marshal with sorted keys in encoding/json, which keeps nested
		// structures deterministic too.
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}
