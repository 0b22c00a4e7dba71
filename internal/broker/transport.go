package broker

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aria-bridge/aria-bridge/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSender implements Sender over a live *websocket.Conn, serializing
// writes behind a mutex since gorilla/websocket connections are not safe
// for concurrent writers.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsSender) Send(frame any) error {
	b, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, b)
}

func (w *wsSender) Close(code int, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return w.conn.Close()
}

// Acceptor is spec.md §4.2's Transport Acceptor: it accepts WebSocket
// upgrades and HTTP bridge-session requests on a single port, grounded on
// the teacher's pkg/observability.Server mux-over-http.Server shape.
type Acceptor struct {
	broker     *Broker
	httpBridge *HTTPSessionManager
	httpServer *http.Server
	addr       string
}

func NewAcceptor(b *Broker, httpBridge *HTTPSessionManager, port int) *Acceptor {
	a := &Acceptor{broker: b, httpBridge: httpBridge, addr: fmt.Sprintf(":%d", port)}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", a.handleWS)
	// The discovery file publishes ws://127.0.0.1:<port> with no path, so
	// WebSocket upgrades are accepted at the root as well.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" || !websocket.IsWebSocketUpgrade(r) {
			http.NotFound(w, r)
			return
		}
		a.handleWS(w, r)
	})
	mux.HandleFunc("/bridge/connect", httpBridge.handleConnect)
	mux.HandleFunc("/bridge/hello", httpBridge.handleHello)
	mux.HandleFunc("/bridge/events", httpBridge.handleEvents)
	mux.HandleFunc("/bridge/control/result", httpBridge.handleControlResult)
	mux.HandleFunc("/bridge/control/poll", httpBridge.handleControlPoll)
	mux.HandleFunc("/bridge/heartbeat", httpBridge.handleHeartbeat)
	mux.HandleFunc("/bridge/disconnect", httpBridge.handleDisconnect)
	a.httpServer = &http.Server{Addr: a.addr, Handler: mux, ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, IdleTimeout: 120 * time.Second}
	return a
}

func (a *Acceptor) Serve() error {
	return a.httpServer.ListenAndServe()
}

func (a *Acceptor) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

// handleWS upgrades the connection, runs the 5s auth gate, and then loops
// reading frames until the socket closes — spec.md §4.2/§4.3.
func (a *Acceptor) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("broker: ws upgrade failed: %v", err)
		return
	}
	sender := &wsSender{conn: conn}
	defer conn.Close()

	session, ok := a.authenticate(conn, sender)
	if !ok {
		return
	}
	a.broker.Register(session)
	defer a.broker.Unregister(session.ClientID)

	a.readLoop(conn, session)
}

func (a *Acceptor) authenticate(conn *websocket.Conn, sender *wsSender) (*Session, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(protocol.AuthTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		_ = sender.Close(protocol.CloseAuthTimeout, protocol.ReasonAuthTimeout)
		return nil, false
	}

	typ, err := protocol.DecodeType(raw)
	if err != nil || typ != "auth" {
		_ = sender.Close(protocol.CloseAuthTimeout, protocol.ReasonAuthRequired)
		return nil, false
	}

	var auth protocol.Auth
	if err := protocol.DecodeInto(raw, &auth); err != nil {
		_ = sender.Close(protocol.CloseAuthTimeout, protocol.ReasonAuthRequired)
		return nil, false
	}

	if auth.Role != protocol.RoleBridge && auth.Role != protocol.RoleConsumer {
		_ = sender.Close(protocol.CloseInvalidRole, protocol.ReasonInvalidRole)
		return nil, false
	}

	clientID, ok := a.broker.Authenticate(auth.Secret, auth.ClientID)
	if !ok {
		_ = sender.Close(protocol.CloseInvalidAuth, protocol.ReasonInvalidAuth)
		return nil, false
	}

	_ = conn.SetReadDeadline(time.Time{})

	session := &Session{ClientID: clientID, Kind: KindWSBridge, Role: auth.Role, sender: sender, LastSeen: time.Now()}
	if auth.Role == protocol.RoleConsumer {
		session.Kind = KindWSConsumer
	}

	_ = sender.Send(protocol.AuthSuccess{Type: "auth_success", Role: auth.Role, ClientID: clientID})
	return session, true
}

func (a *Acceptor) readLoop(conn *websocket.Conn, session *Session) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if typ, terr := protocol.DecodeType(raw); terr == nil && typ == "pong" {
			session.touchHeartbeat(time.Now())
			continue
		}
		a.broker.Dispatch(session, raw)
	}
}
