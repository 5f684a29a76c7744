package audit

import "strings"

const redactedValue = "[REDACTED]"

var sensitiveKeyTokens = []string{
	"password",
	"secret",
	"token",
	"key",
	"authorization",
	"checksum",
	"otp",
	"pin",
}

// Sanitize returns a deep copy of details with every value under a
// sensitive-named key masked. No plaintext secret survives into the audit
// trail.
func Sanitize(details map[string]any) map[string]any {
	if len(details) == 0 {
		return map[string]any{}
	}
	return sanitizeMap(details)
}

func sanitizeMap(source map[string]any) map[string]any {
	target := make(map[string]any, len(source))
	for key, value := range source {
		if isSensitiveKey(key) {
			target[key] = maskValue(value)
			continue
		}
		target[key] = sanitizeValue(value)
	}
	return target
}

func sanitizeValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return sanitizeMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = sanitizeValue(typed[i])
		}
		return out
	default:
		return value
	}
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return false
	}
	for _, token := range sensitiveKeyTokens {
		if strings.Contains(key, token) {
			return true
		}
	}
	return false
}

// maskValue keeps the first and last three characters of strings long enough
// to stay unguessable; everything else is fully redacted.
func maskValue(value any) any {
	s, ok := value.(string)
	if !ok {
		return redactedValue
	}
	return MaskString(s)
}

// MaskString partially masks strings of eight characters or more and fully
// redacts shorter ones.
func MaskString(s string) string {
	if len(s) < 8 {
		return redactedValue
	}
	return s[:3] + strings.Repeat("*", len(s)-6) + s[len(s)-3:]
}
