package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLogger_LogAuthAttempt(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLogger(&buf)

	l.LogAuthAttempt("bridge-1", true, nil)
	l.LogAuthAttempt("", false, errors.New("secret mismatch"))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var first Event
	require.NoError(t, json.Unmarshal(lines[0], &first))
	assert.Equal(t, "auth.attempt", first.EventType)
	assert.Equal(t, "bridge-1", first.ClientID)
	assert.Equal(t, "success", first.Result)
	assert.Empty(t, first.Error)

	var second Event
	require.NoError(t, json.Unmarshal(lines[1], &second))
	assert.Equal(t, "failure", second.Result)
	assert.Equal(t, "secret mismatch", second.Error)
}

func TestJSONLogger_LogSessionEvent(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLogger(&buf)

	l.LogSessionEvent("registered", "c1", "bridge")

	var event Event
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &event))
	assert.Equal(t, "session.registered", event.EventType)
	assert.Equal(t, "c1", event.ClientID)
	assert.Equal(t, "bridge", event.Role)
	assert.Equal(t, "ok", event.Result)
}

func TestJSONLogger_LogControlForward(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLogger(&buf)

	l.LogControlForward("navigate", "consumer-1", 2, false)
	l.LogControlForward("navigate", "consumer-2", 0, true)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var ok Event
	require.NoError(t, json.Unmarshal(lines[0], &ok))
	assert.Equal(t, "success", ok.Result)

	var failed Event
	require.NoError(t, json.Unmarshal(lines[1], &failed))
	assert.Equal(t, "failure", failed.Result)
	assert.NotEmpty(t, failed.Error)
}

func TestNoOpLogger_NeverPanics(t *testing.T) {
	l := NewNoOpLogger()
	assert.NotPanics(t, func() {
		l.LogAuthAttempt("c1", false, errors.New("boom"))
		l.LogSessionEvent("registered", "c1", "bridge")
		l.LogControlForward("navigate", "c1", 1, false)
		l.Log(Event{})
		_ = l.Close()
	})
}
