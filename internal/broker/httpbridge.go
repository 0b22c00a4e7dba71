package broker

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/aria-bridge/aria-bridge/internal/protocol"
	"github.com/aria-bridge/aria-bridge/pkg/observability"
)

// httpSender queues frames for later delivery by control/poll instead of
// writing to a live socket, implementing Sender for polling bridges.
type httpSender struct {
	session *Session
}

func (h *httpSender) Send(frame any) error {
	if req, ok := frame.(protocol.ControlRequest); ok {
		h.session.enqueueControl(req)
		return nil
	}
	// Events/acks pushed toward an HTTP bridge have nowhere to go between
	// polls; the reference implementation only ever pushes control
	// requests to HTTP bridges, matching spec.md §4.6.
	return nil
}

func (h *httpSender) Close(int, string) error { return nil }

// HTTPSessionManager implements spec.md §4.6: a polling adapter that
// preserves the same session semantics as the WebSocket transport.
type HTTPSessionManager struct {
	broker *Broker
}

func NewHTTPSessionManager(b *Broker) *HTTPSessionManager {
	return &HTTPSessionManager{broker: b}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func recordHTTP(endpoint string, status int, start time.Time) {
	observability.RecordHTTPRequest(endpoint, http.StatusText(status), time.Since(start))
}

func (m *HTTPSessionManager) handleConnect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var body struct{ Secret string `json:"secret"` }
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "bad request body"})
		recordHTTP("connect", http.StatusInternalServerError, start)
		return
	}

	clientID, ok := m.broker.Authenticate(body.Secret, "")
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid secret"})
		recordHTTP("connect", http.StatusUnauthorized, start)
		return
	}

	session := &Session{ClientID: clientID, Kind: KindHTTPBridge, Role: protocol.RoleBridge, HTTPSessionID: clientID, LastSeen: time.Now()}
	session.sender = &httpSender{session: session}
	m.broker.Register(session)

	writeJSON(w, http.StatusOK, map[string]string{"sessionId": session.HTTPSessionID})
	recordHTTP("connect", http.StatusOK, start)
}

func (m *HTTPSessionManager) session(w http.ResponseWriter, sessionID string) (*Session, bool) {
	s, ok := m.broker.Session(sessionID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown session"})
		return nil, false
	}
	return s, true
}

func (m *HTTPSessionManager) handleHello(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var body struct {
		SessionID    string   `json:"sessionId"`
		Capabilities []string `json:"capabilities"`
		Platform     string   `json:"platform"`
		ProjectID    string   `json:"projectId,omitempty"`
		Route        string   `json:"route,omitempty"`
		URL          string   `json:"url,omitempty"`
		Protocol     int      `json:"protocol,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "bad request body"})
		recordHTTP("hello", http.StatusInternalServerError, start)
		return
	}
	session, ok := m.session(w, body.SessionID)
	if !ok {
		recordHTTP("hello", http.StatusNotFound, start)
		return
	}
	session.SetHello(body.Capabilities, body.Platform, body.ProjectID, body.Route, body.URL, body.Protocol)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "clientId": session.ClientID})
	recordHTTP("hello", http.StatusOK, start)
}

func (m *HTTPSessionManager) handleEvents(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var body struct {
		SessionID string            `json:"sessionId"`
		Events    []protocol.Event  `json:"events"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		recordHTTP("events", http.StatusInternalServerError, start)
		return
	}
	session, ok := m.broker.Session(body.SessionID)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		recordHTTP("events", http.StatusNotFound, start)
		return
	}
	session.touchHeartbeat(time.Now())
	for _, e := range body.Events {
		normalizeEvent(&e)
		m.broker.RouteEvent(session, e)
	}
	w.WriteHeader(http.StatusNoContent)
	recordHTTP("events", http.StatusNoContent, start)
}

func (m *HTTPSessionManager) handleControlResult(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var body struct {
		SessionID string `json:"sessionId"`
		protocol.ControlResult
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		recordHTTP("control_result", http.StatusInternalServerError, start)
		return
	}
	if _, ok := m.broker.Session(body.SessionID); !ok {
		w.WriteHeader(http.StatusNotFound)
		recordHTTP("control_result", http.StatusNotFound, start)
		return
	}
	body.ControlResult.Type = "control_result"
	m.broker.ResolveControlResult(body.ControlResult)
	w.WriteHeader(http.StatusNoContent)
	recordHTTP("control_result", http.StatusNoContent, start)
}

// handleControlPoll returns the accumulated control queue immediately.
// spec.md §9's open question leaves long-poll vs short-poll to the
// implementer; this host short-polls, which is simpler to reason about
// under the single-mutex critical section and still satisfies "clients
// tolerate both".
func (m *HTTPSessionManager) handleControlPoll(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var body struct {
		SessionID string `json:"sessionId"`
		WaitMs    int    `json:"waitMs,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		recordHTTP("control_poll", http.StatusInternalServerError, start)
		return
	}
	session, ok := m.session(w, body.SessionID)
	if !ok {
		recordHTTP("control_poll", http.StatusNotFound, start)
		return
	}
	session.touchHeartbeat(time.Now())
	commands := session.drainControl()
	writeJSON(w, http.StatusOK, map[string]any{"commands": commands})
	recordHTTP("control_poll", http.StatusOK, start)
}

func (m *HTTPSessionManager) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var body struct{ SessionID string `json:"sessionId"` }
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		recordHTTP("heartbeat", http.StatusInternalServerError, start)
		return
	}
	if session, ok := m.broker.Session(body.SessionID); ok {
		session.touchHeartbeat(time.Now())
	}
	w.WriteHeader(http.StatusNoContent)
	recordHTTP("heartbeat", http.StatusNoContent, start)
}

func (m *HTTPSessionManager) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var body struct{ SessionID string `json:"sessionId"` }
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		recordHTTP("disconnect", http.StatusInternalServerError, start)
		return
	}
	m.broker.Unregister(body.SessionID)
	w.WriteHeader(http.StatusNoContent)
	recordHTTP("disconnect", http.StatusNoContent, start)
}

// SweepStale removes HTTP bridge sessions whose heartbeat is older than
// maxAge — spec.md §4.6's periodic staleness sweep.
func (m *HTTPSessionManager) SweepStale(maxAge time.Duration) {
	m.broker.mu.Lock()
	stale := m.broker.registry.StaleHTTPBridges(time.Now(), maxAge)
	m.broker.mu.Unlock()
	for _, s := range stale {
		m.broker.Unregister(s.ClientID)
	}
}
