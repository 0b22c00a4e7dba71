package broker

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aria-bridge/aria-bridge/internal/audit"
	"github.com/aria-bridge/aria-bridge/internal/protocol"
)

// TestHTTPBridgeLifecycle exercises connect -> hello -> a pending control
// round-trip delivered via control/poll -> control/result -> events ->
// heartbeat -> disconnect, reproducing spec.md §4.6's HTTP polling fallback.
func TestHTTPBridgeLifecycle(t *testing.T) {
	b := NewBroker("s3cr3t", 10*time.Second, 500, 2*time.Second, audit.NewNoOpLogger())
	m := NewHTTPSessionManager(b)

	connectReq := httptest.NewRequest("POST", "/bridge/connect", jsonBody(t, map[string]string{"secret": "s3cr3t"}))
	connectRec := httptest.NewRecorder()
	m.handleConnect(connectRec, connectReq)
	require.Equal(t, 200, connectRec.Code)

	var connectResp struct{ SessionID string `json:"sessionId"` }
	require.NoError(t, json.Unmarshal(connectRec.Body.Bytes(), &connectResp))
	require.NotEmpty(t, connectResp.SessionID)

	helloReq := httptest.NewRequest("POST", "/bridge/hello", jsonBody(t, map[string]any{
		"sessionId": connectResp.SessionID, "capabilities": []string{"control"}, "platform": "node",
	}))
	helloRec := httptest.NewRecorder()
	m.handleHello(helloRec, helloReq)
	require.Equal(t, 200, helloRec.Code)

	consumer := newConsumer("consumer-1", nil, nil, "")
	b.Register(consumer)

	correlator := b.control
	session, ok := b.Session(connectResp.SessionID)
	require.True(t, ok)
	forwarded, failed := correlator.ForwardToBridges(protocol.ControlRequest{ID: "req-1", Action: "ping"}, consumer, []*Session{session})
	require.Nil(t, failed)
	assert.Equal(t, 1, forwarded.Delivered)

	pollReq := httptest.NewRequest("POST", "/bridge/control/poll", jsonBody(t, map[string]string{"sessionId": connectResp.SessionID}))
	pollRec := httptest.NewRecorder()
	m.handleControlPoll(pollRec, pollReq)
	require.Equal(t, 200, pollRec.Code)

	var pollResp struct{ Commands []protocol.ControlRequest `json:"commands"` }
	require.NoError(t, json.Unmarshal(pollRec.Body.Bytes(), &pollResp))
	require.Len(t, pollResp.Commands, 1)
	assert.Equal(t, "req-1", pollResp.Commands[0].ID)

	secondPollReq := httptest.NewRequest("POST", "/bridge/control/poll", jsonBody(t, map[string]string{"sessionId": connectResp.SessionID}))
	secondPollRec := httptest.NewRecorder()
	m.handleControlPoll(secondPollRec, secondPollReq)
	var secondPollResp struct{ Commands []protocol.ControlRequest `json:"commands"` }
	require.NoError(t, json.Unmarshal(secondPollRec.Body.Bytes(), &secondPollResp))
	assert.Empty(t, secondPollResp.Commands, "control/poll must drain, not repeat, queued commands")

	resultReq := httptest.NewRequest("POST", "/bridge/control/result", jsonBody(t, map[string]any{
		"sessionId": connectResp.SessionID, "id": "req-1", "ok": true, "result": "pong",
	}))
	resultRec := httptest.NewRecorder()
	m.handleControlResult(resultRec, resultReq)
	require.Equal(t, 204, resultRec.Code)

	consumerFrames := consumer.sender.(*fakeSender).Events()
	require.Len(t, consumerFrames, 1)
	res, ok := consumerFrames[0].(protocol.ControlResult)
	require.True(t, ok)
	assert.True(t, res.OK)

	eventsReq := httptest.NewRequest("POST", "/bridge/events", jsonBody(t, map[string]any{
		"sessionId": connectResp.SessionID,
		"events":    []map[string]string{{"type": "console", "level": "error", "message": "boom"}},
	}))
	eventsRec := httptest.NewRecorder()
	m.handleEvents(eventsRec, eventsReq)
	assert.Equal(t, 204, eventsRec.Code)

	heartbeatReq := httptest.NewRequest("POST", "/bridge/heartbeat", jsonBody(t, map[string]string{"sessionId": connectResp.SessionID}))
	heartbeatRec := httptest.NewRecorder()
	m.handleHeartbeat(heartbeatRec, heartbeatReq)
	assert.Equal(t, 204, heartbeatRec.Code)

	disconnectReq := httptest.NewRequest("POST", "/bridge/disconnect", jsonBody(t, map[string]string{"sessionId": connectResp.SessionID}))
	disconnectRec := httptest.NewRecorder()
	m.handleDisconnect(disconnectRec, disconnectReq)
	assert.Equal(t, 204, disconnectRec.Code)

	_, stillThere := b.Session(connectResp.SessionID)
	assert.False(t, stillThere, "disconnect must remove the session from the registry")
}

func TestHTTPBridgeConnectRejectsBadSecret(t *testing.T) {
	b := NewBroker("s3cr3t", 10*time.Second, 500, 2*time.Second, audit.NewNoOpLogger())
	m := NewHTTPSessionManager(b)

	req := httptest.NewRequest("POST", "/bridge/connect", jsonBody(t, map[string]string{"secret": "wrong"}))
	rec := httptest.NewRecorder()
	m.handleConnect(rec, req)
	assert.Equal(t, 401, rec.Code)
}

func TestSweepStaleRemovesExpiredHTTPBridges(t *testing.T) {
	b := NewBroker("s3cr3t", 10*time.Second, 500, 2*time.Second, audit.NewNoOpLogger())
	m := NewHTTPSessionManager(b)

	connectReq := httptest.NewRequest("POST", "/bridge/connect", jsonBody(t, map[string]string{"secret": "s3cr3t"}))
	connectRec := httptest.NewRecorder()
	m.handleConnect(connectRec, connectReq)

	var connectResp struct{ SessionID string `json:"sessionId"` }
	require.NoError(t, json.Unmarshal(connectRec.Body.Bytes(), &connectResp))

	session, ok := b.Session(connectResp.SessionID)
	require.True(t, ok)
	session.touchHeartbeat(time.Now().Add(-time.Hour))

	m.SweepStale(15 * time.Second)

	_, stillThere := b.Session(connectResp.SessionID)
	assert.False(t, stillThere)
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(data)
}
