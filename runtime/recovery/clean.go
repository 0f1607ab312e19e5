package recovery

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// CleanErrorMessage extracts the human-readable message from a raw provider
// error payload. Providers wrap messages in nested JSON (sometimes truncated
// or malformed); the cleaner repairs the JSON when needed and unwraps nested
// message/error fields. Non-JSON input is returned trimmed.
func CleanErrorMessage(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	payload := raw
	if !json.Valid([]byte(payload)) {
		repaired, err := jsonrepair.JSONRepair(payload)
		if err != nil {
			return raw
		}
		payload = repaired
	}

	var decoded any
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return raw
	}
	if msg := unwrapMessage(decoded, 0); msg != "" {
		return msg
	}
	return raw
}

// unwrapMessage digs through nested error envelopes for the innermost
// message string.
func unwrapMessage(v any, depth int) string {
	if depth > 8 {
		return ""
	}
	switch node := v.(type) {
	case string:
		// A message field may itself contain a JSON envelope.
		trimmed := strings.TrimSpace(node)
		if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
			var inner any
			if err := json.Unmarshal([]byte(trimmed), &inner); err == nil {
				if msg := unwrapMessage(inner, depth+1); msg != "" {
					return msg
				}
			}
		}
		return node
	case map[string]any:
		for _, key := range []string{"message", "error", "detail", "description"} {
			if child, ok := node[key]; ok {
				if msg := unwrapMessage(child, depth+1); msg != "" {
					return msg
				}
			}
		}
	case []any:
		for _, child := range node {
			if msg := unwrapMessage(child, depth+1); msg != "" {
				return msg
			}
		}
	}
	return ""
}
