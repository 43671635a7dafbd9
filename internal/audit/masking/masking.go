// Package masking redacts credentials before they reach the audit trail.
package masking

import (
	"net/http"
	"strings"
)

const maskToken = "****"

// MaskSecret keeps an optional "prefix_" and the last four characters.
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	prefix, remainder := splitPrefix(trimmed)
	if len(remainder) <= 4 {
		return prefix + maskToken
	}
	return prefix + maskToken + remainder[len(remainder)-4:]
}

// MaskHeaders copies the named headers, masking every value. Absent headers
// are omitted.
func MaskHeaders(headers http.Header, names ...string) map[string]any {
	if len(headers) == 0 || len(names) == 0 {
		return nil
	}

	out := make(map[string]any, len(names))
	for _, name := range names {
		value := strings.TrimSpace(headers.Get(name))
		if value == "" {
			continue
		}
		out[strings.ToLower(http.CanonicalHeaderKey(name))] = MaskSecret(value)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// MaskJSON returns a copy of input with every string value masked.
func MaskJSON(input map[string]any) map[string]any {
	if len(input) == 0 {
		return nil
	}

	masked := make(map[string]any, len(input))
	for key, value := range input {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		masked[trimmedKey] = maskValue(value)
	}
	if len(masked) == 0 {
		return nil
	}
	return masked
}

func maskValue(value any) any {
	switch cast := value.(type) {
	case string:
		return MaskSecret(cast)
	case map[string]any:
		return MaskJSON(cast)
	case []any:
		out := make([]any, 0, len(cast))
		for _, item := range cast {
			out = append(out, maskValue(item))
		}
		return out
	default:
		return value
	}
}

func splitPrefix(value string) (string, string) {
	idx := strings.LastIndex(value, "_")
	if idx == -1 || idx == len(value)-1 {
		return "", value
	}
	return value[:idx+1], value[idx+1:]
}
