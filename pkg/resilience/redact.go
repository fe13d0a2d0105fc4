package resilience

import (
	"regexp"
	"strings"
)

// RedactedValue replaces sensitive values.
const RedactedValue = "[REDACTED]"

var sensitiveKeyParts = []string{
	"password", "passwd", "token", "secret", "apikey", "api_key", "authorization",
	"credential", "cookie", "private_key", "access_key",
}

var inlineSecret = regexp.MustCompile(`(?i)\b(password|passwd|token|secret|api[_-]?key|authorization)(["']?\s*[:=]\s*["']?)(bearer\s+)?[^\s"',;&]+`)

// IsSensitiveKey reports whether values stored under key must be hidden.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)

	if lower == "key" || strings.HasSuffix(lower, "_key") || strings.HasSuffix(lower, "-key") {
		return true
	}

	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}

	return false
}

// Redact returns a copy of m with sensitive values replaced, descending into
// nested maps and slices. m itself is not modified.
func Redact(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSensitiveKey(k) {
			out[k] = RedactedValue

			continue
		}

		out[k] = redactValue(v)
	}

	return out
}

func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return Redact(val)
	case []any:
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = redactValue(item)
		}

		return items
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, s := range val {
			if IsSensitiveKey(k) {
				out[k] = RedactedValue
			} else {
				out[k] = s
			}
		}

		return out
	case string:
		return RedactString(val)
	default:
		return v
	}
}

// RedactString hides inline credentials such as "token=abc" or
// "Authorization: Bearer xyz" in free text.
func RedactString(s string) string {
	return inlineSecret.ReplaceAllString(s, "${1}${2}"+RedactedValue)
}
