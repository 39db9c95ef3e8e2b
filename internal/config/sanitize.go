package config

import (
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

var sensitiveKeyPattern = regexp.MustCompile(`(?i)token|secret|key|password`)

// Sanitize returns a deep copy of the raw host config with every secret-like
// value replaced by "[REDACTED]": values under keys matching
// token/secret/key/password (case-insensitive), everything under "env", and
// gateway.auth.token.
func Sanitize(raw map[string]any) map[string]any {
	if raw == nil {
		return nil
	}
	out := sanitizeMap(raw, false)
	// gateway.auth.token is covered by the key pattern, but redact explicitly
	// in case the pattern ever narrows.
	if gw, ok := out["gateway"].(map[string]any); ok {
		if auth, ok := gw["auth"].(map[string]any); ok {
			if _, ok := auth["token"]; ok {
				auth["token"] = redacted
			}
		}
	}
	return out
}

func sanitizeMap(m map[string]any, redactAll bool) map[string]any {
	out := make(map[string]any, len(m))
	for key, value := range m {
		redactSubtree := redactAll || strings.EqualFold(key, "env")
		if !redactSubtree && sensitiveKeyPattern.MatchString(key) {
			out[key] = redactValue(value)
			continue
		}
		out[key] = sanitizeValue(value, redactSubtree)
	}
	return out
}

func sanitizeValue(value any, redactAll bool) any {
	switch v := value.(type) {
	case map[string]any:
		return sanitizeMap(v, redactAll)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = sanitizeValue(item, redactAll)
		}
		return out
	default:
		if redactAll {
			return redacted
		}
		return v
	}
}

// redactValue replaces scalars and descends into containers so structure is
// preserved while every leaf under a sensitive key is hidden.
func redactValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return sanitizeMap(v, true)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = redactValue(item)
		}
		return out
	default:
		return redacted
	}
}
