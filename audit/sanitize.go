package audit

import (
	"fmt"
	"strings"
	"time"
)

const truncatedMarker = "...[TRUNCATED]"

// defaultSanitizePatterns are case-insensitive substrings matched against
// map keys. A key matching any pattern, and not present in the safe-key
// allow-list, is redacted regardless of its value's shape.
func defaultSanitizePatterns() []string {
	return []string{
		"password", "apikey", "api_key", "token", "secret",
		"credential", "authorization", "bearer",
	}
}

// isSafeKey reports whether key is exempt from redaction even though it
// may match a sanitize pattern (e.g. "token"). Safe keys are the places
// token accounting lives and must survive sanitization intact.
func isSafeKey(key string) bool {
	lower := strings.ToLower(key)
	switch lower {
	case "tokens", "prompt_tokens", "completion_tokens", "total_tokens", "cached_tokens":
		return true
	}
	if strings.HasSuffix(lower, "_tokens") {
		return true
	}
	if strings.HasPrefix(lower, "token") && strings.HasSuffix(lower, "_count") {
		return true
	}
	return false
}

// Sanitizer recursively redacts sensitive keys and truncates oversized
// string values. It never fails: nil, booleans, numbers and time.Time
// values pass through unchanged, and any other non-map, non-slice value
// is rendered as a string (and truncated) rather than aborting the audit
// write.
type Sanitizer struct {
	patterns      []string
	redactValue   string
	maxInputSize  int
	maxOutputSize int
}

// NewSanitizer returns a Sanitizer configured with the documented
// defaults: the pattern list in defaultSanitizePatterns, redactValue
// "[REDACTED]", and 10,000-character truncation caps for both input and
// output payloads.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{
		patterns:      defaultSanitizePatterns(),
		redactValue:   "[REDACTED]",
		maxInputSize:  10000,
		maxOutputSize: 10000,
	}
}

// AddPattern appends a case-insensitive substring pattern. Fluent.
func (s *Sanitizer) AddPattern(pattern string) *Sanitizer {
	s.patterns = append(s.patterns, strings.ToLower(pattern))
	return s
}

// RemovePattern removes a pattern if present. Fluent.
func (s *Sanitizer) RemovePattern(pattern string) *Sanitizer {
	pattern = strings.ToLower(pattern)
	kept := s.patterns[:0]
	for _, p := range s.patterns {
		if p != pattern {
			kept = append(kept, p)
		}
	}
	s.patterns = kept
	return s
}

// SetRedactValue overrides the placeholder used for redacted values. Fluent.
func (s *Sanitizer) SetRedactValue(v string) *Sanitizer {
	s.redactValue = v
	return s
}

// SetMaxInputSize overrides the input truncation cap. Fluent.
func (s *Sanitizer) SetMaxInputSize(n int) *Sanitizer { s.maxInputSize = n; return s }

// SetMaxOutputSize overrides the output truncation cap. Fluent.
func (s *Sanitizer) SetMaxOutputSize(n int) *Sanitizer { s.maxOutputSize = n; return s }

func (s *Sanitizer) matchesPattern(key string) bool {
	lower := strings.ToLower(key)
	for _, p := range s.patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Sanitize deep-walks v, redacting keys that match a configured pattern
// (unless the key is a safe key) and truncating oversized strings. Maps
// and slices are walked recursively and order is preserved for slices.
// isOutput selects which size cap applies to top-level and nested string
// scalars.
func (s *Sanitizer) Sanitize(v any, isOutput bool) any {
	return s.sanitizeValue(v, isOutput)
}

func (s *Sanitizer) sanitizeValue(v any, isOutput bool) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if s.matchesPattern(k) && !isSafeKey(k) {
				out[k] = s.redactValue
				continue
			}
			out[k] = s.sanitizeValue(inner, isOutput)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = s.sanitizeValue(inner, isOutput)
		}
		return out
	case string:
		return s.truncate(val, isOutput)
	case nil, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, time.Time:
		return v
	default:
		// Anything else (typed structs, channels, whatever a caller hands
		// in) is rendered as a string so sanitization itself never fails.
		return s.truncate(fmt.Sprint(v), isOutput)
	}
}

func (s *Sanitizer) truncate(str string, isOutput bool) string {
	limit := s.maxInputSize
	if isOutput {
		limit = s.maxOutputSize
	}
	if limit <= 0 || len(str) <= limit {
		return str
	}
	return str[:limit] + truncatedMarker
}
