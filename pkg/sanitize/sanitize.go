// Package sanitize bounds payload size, strips secrets, and produces stable
// string forms of structured hook inputs and outputs.
package sanitize

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TruncationMarker terminates any text cut down to the content bound.
const TruncationMarker = "...[truncated]"

// redactKeys are matched as case-insensitive substrings of map keys.
var redactKeys = []string{
	"api_key",
	"token",
	"secret",
	"password",
	"credential",
	"authorization",
}

const redactedPlaceholder = "***REDACTED***"

// maxRedactDepth bounds recursion into nested payload structures.
const maxRedactDepth = 10

// CapText truncates text to at most maxChars, marking the cut. The result
// never exceeds maxChars.
func CapText(text string, maxChars int) string {
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}
	if maxChars <= len(TruncationMarker) {
		return text[:maxChars]
	}
	return text[:maxChars-len(TruncationMarker)] + TruncationMarker
}

// JSONString marshals v deterministically, falling back to fmt formatting
// when the value cannot be marshaled.
func JSONString(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// NormalizeText converts any payload value to a capped string: strings pass
// through, everything else is JSON-encoded. Idempotent for string input.
func NormalizeText(v any, maxChars int) string {
	if s, ok := v.(string); ok {
		return CapText(s, maxChars)
	}
	return CapText(JSONString(v), maxChars)
}

// Redact walks a decoded JSON structure and masks values whose keys look
// secret-bearing. The input is not modified; maps and slices are copied.
func Redact(v any) any {
	return redactValue(v, 0)
}

func redactValue(v any, depth int) any {
	if depth > maxRedactDepth {
		return v
	}
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for key, item := range val {
			if secretKey(key) {
				out[key] = redactedPlaceholder
			} else {
				out[key] = redactValue(item, depth+1)
			}
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(item, depth+1)
		}
		return out
	}
	return v
}

func secretKey(key string) bool {
	low := strings.ToLower(key)
	for _, tok := range redactKeys {
		if strings.Contains(low, tok) {
			return true
		}
	}
	return false
}
