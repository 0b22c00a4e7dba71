package bridgeclient

import (
	"encoding/json"
	"strings"

	"github.com/aria-bridge/aria-bridge/internal/protocol"
)

const truncationSuffix = "…[truncated]"

// truncateMessage implements spec.md §4.7's truncation rule: messages over
// MaxMessageLength are cut to the first 4000 characters followed by a
// horizontal ellipsis and the literal marker "[truncated]".
func truncateMessage(s string) string {
	runes := []rune(s)
	if len(runes) <= protocol.MaxMessageLength {
		return s
	}
	return string(runes[:protocol.MaxMessageLength]) + truncationSuffix
}

var sensitiveSubstrings = []string{"token", "secret", "password"}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// redactOneLevel redacts sensitive keys one level deep in a JSON object or
// array of objects, per spec.md §4.7: "Nested objects are not descended
// into." Arrays are preserved (each element redacted independently).
func redactOneLevel(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		redactMap(obj)
		out, err := json.Marshal(obj)
		if err != nil {
			return raw
		}
		return out
	}

	var arr []map[string]any
	if err := json.Unmarshal(raw, &arr); err == nil {
		for _, item := range arr {
			redactMap(item)
		}
		out, err := json.Marshal(arr)
		if err != nil {
			return raw
		}
		return out
	}

	return raw
}

func redactMap(m map[string]any) {
	for k := range m {
		if isSensitiveKey(k) {
			m[k] = "[redacted]"
		}
	}
}

// sanitizeEvent applies truncation and redaction on the send path, per
// spec.md §4.7's "Redaction & truncation (on send path)". It returns false
// if the event should be rejected outright (not an object / empty type is
// already enforced by the caller via the protocol.Event struct itself, so
// this only validates the type field).
func sanitizeEvent(e *protocol.Event) bool {
	if e.Type == "" {
		return false
	}
	e.Message = truncateMessage(e.Message)
	e.Args = redactOneLevel(e.Args)
	e.Breadcrumbs = redactOneLevel(e.Breadcrumbs)
	return true
}
