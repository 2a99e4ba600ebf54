package notify

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	scriptTagPattern = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script>`)
	htmlTagPattern   = regexp.MustCompile(`<[^>]*>`)
)

// sanitizeString strips script blocks first, then any remaining HTML tags.
func sanitizeString(s string) string {
	s = scriptTagPattern.ReplaceAllString(s, "")
	s = htmlTagPattern.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// sanitizePayload walks an arbitrary JSON document and sanitizes every
// string leaf, preserving structure and non-string values.
func sanitizePayload(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}

	cleaned, err := json.Marshal(sanitizeValue(doc))
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return cleaned, nil
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case string:
		return sanitizeString(val)
	case map[string]any:
		for k, inner := range val {
			val[k] = sanitizeValue(inner)
		}
		return val
	case []any:
		for i, inner := range val {
			val[i] = sanitizeValue(inner)
		}
		return val
	default:
		return v
	}
}
