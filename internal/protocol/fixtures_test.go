package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeType(t *testing.T) {
	typ, err := DecodeType([]byte(`{"type":"auth","secret":"s","role":"bridge"}`))
	require.NoError(t, err)
	assert.Equal(t, "auth", typ)

	_, err = DecodeType([]byte(`{"secret":"s"}`))
	assert.Error(t, err)

	_, err = DecodeType([]byte(`not json`))
	assert.Error(t, err)
}

func TestGoldenAuthSuccess(t *testing.T) {
	msg := AuthSuccess{Type: "auth_success", Role: RoleBridge, ClientID: "c1"}
	b, err := Encode(msg)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "auth_success", got["type"])
	assert.Equal(t, "bridge", got["role"])
	assert.Equal(t, "c1", got["clientId"])
}

func TestGoldenControlForwarded(t *testing.T) {
	msg := ControlForwarded{Type: "control_forwarded", ID: "req-1", Delivered: 1}
	b, err := Encode(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"control_forwarded","id":"req-1","delivered":1}`, string(b))
}

func TestGoldenRateLimitNotice(t *testing.T) {
	msg := RateLimitNotice{Type: "rate_limit_notice", Reason: ReasonRateLimit, RetryAfterMs: 1500, Message: "rate limited"}
	b, err := Encode(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"rate_limit_notice","reason":"rate_limit","retryAfterMs":1500,"message":"rate limited"}`, string(b))
}

func TestMapLogLevel(t *testing.T) {
	cases := map[string]Level{
		"error": LevelErrors,
		"warn":  LevelWarn,
		"debug": LevelTrace,
		"info":  LevelInfo,
		"log":   LevelInfo,
		"other": LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, MapLogLevel(in), "level %q", in)
	}
}

func TestHighestLevelDefaultsToErrors(t *testing.T) {
	assert.Equal(t, LevelErrors, HighestLevel(nil))
}

func TestDeliverable(t *testing.T) {
	highest := HighestLevel([]Level{LevelWarn, LevelInfo})
	assert.True(t, Deliverable(LevelErrors, highest))
	assert.True(t, Deliverable(LevelWarn, highest))
	assert.True(t, Deliverable(LevelInfo, highest))
	assert.False(t, Deliverable(LevelTrace, highest))
}

func TestNormalizeLLMFilterCollapsesUnknown(t *testing.T) {
	assert.Equal(t, LLMFilterOff, NormalizeLLMFilter("bogus"))
	assert.Equal(t, LLMFilterMinimal, NormalizeLLMFilter("MINIMAL"))
}

func TestCapabilitySetCaseInsensitive(t *testing.T) {
	set := NewCapabilitySet([]string{"Screenshot", "Control"})
	assert.True(t, set.Has("screenshot"))
	assert.True(t, set.Has("CONTROL"))
	assert.False(t, set.Has("network"))
}
