package bridgeclient

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aria-bridge/aria-bridge/internal/protocol"
)

func TestTruncateMessage(t *testing.T) {
	short := "hello"
	assert.Equal(t, short, truncateMessage(short))

	long := strings.Repeat("a", 4001)
	got := truncateMessage(long)
	assert.True(t, strings.HasPrefix(got, strings.Repeat("a", 4000)))
	assert.True(t, strings.HasSuffix(got, truncationSuffix))
}

func TestRedactOneLevel(t *testing.T) {
	raw := json.RawMessage(`{"userToken":"abc","apiSecret":"xyz","password":"p","nested":{"token":"still-here"},"safe":"ok"}`)
	got := redactOneLevel(raw)

	var m map[string]any
	require.NoError(t, json.Unmarshal(got, &m))
	assert.Equal(t, "[redacted]", m["userToken"])
	assert.Equal(t, "[redacted]", m["apiSecret"])
	assert.Equal(t, "[redacted]", m["password"])
	assert.Equal(t, "ok", m["safe"])

	nested, ok := m["nested"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "still-here", nested["token"], "redaction must not descend into nested objects")
}

func TestRedactOneLevelArray(t *testing.T) {
	raw := json.RawMessage(`[{"secretKey":"a"},{"safe":"b"}]`)
	got := redactOneLevel(raw)

	var arr []map[string]any
	require.NoError(t, json.Unmarshal(got, &arr))
	assert.Equal(t, "[redacted]", arr[0]["secretKey"])
	assert.Equal(t, "b", arr[1]["safe"])
}

func TestSanitizeEventRejectsEmptyType(t *testing.T) {
	e := protocol.Event{Message: "hi"}
	assert.False(t, sanitizeEvent(&e))
}
