// Package bridgeclient is the reference bridge client state machine:
// connect, auth/hello handshake, ping/pong heartbeat, jittered exponential
// reconnect, a drop-oldest outbound buffer, and symmetric control
// request/result handling — spec.md §4.7. It is adapted from
// _examples/original_source/go/ariabridge/client.go, generalized to the
// typed state machine and redaction/truncation rules spec.md adds on top
// of that reference.
package bridgeclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aria-bridge/aria-bridge/internal/protocol"
)

// State is one of the Bridge Client State Machine's states from spec.md
// §4.7: Idle -> Connecting -> Authed -> Ready <-> HeartbeatLost -> Closed.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAuthed
	StateReady
	StateHeartbeatLost
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthed:
		return "authed"
	case StateReady:
		return "ready"
	case StateHeartbeatLost:
		return "heartbeat_lost"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ControlHandler answers an incoming control_request. A panic or error
// inside a handler must never terminate the client (spec.md §4.7.6);
// Client.dispatchControl recovers from both.
type ControlHandler func(action string, args json.RawMessage) (result any, err error)

// Config configures a Client. Zero-value timing fields fall back to
// spec.md §4.7's canonical constants.
type Config struct {
	URL          string
	Secret       string
	ClientID     string
	ProjectID    string
	Capabilities []string
	Platform     string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BufferLimit       int

	Logger func(string)
}

func (c *Config) applyDefaults() {
	if len(c.Capabilities) == 0 {
		c.Capabilities = []string{"console", "error"}
	}
	if c.Platform == "" {
		c.Platform = "go"
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = protocol.HeartbeatInterval
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = protocol.HeartbeatTimeout
	}
	if c.BackoffInitial == 0 {
		c.BackoffInitial = protocol.ReconnectInitialDelay
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = protocol.ReconnectMaxDelay
	}
	if c.BufferLimit == 0 {
		c.BufferLimit = protocol.BufferLimit
	}
	if c.Logger == nil {
		c.Logger = func(msg string) { log.Println(msg) }
	}
}

// Client is the reference bridge client. One Client drives exactly one
// logical bridge connection, reconnecting indefinitely until Close is
// called.
type Client struct {
	cfg Config

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	cancel  context.CancelFunc
	pongCh  chan struct{}

	buffer  *outboundBuffer
	backoff *backoff

	handler ControlHandler
}

func New(cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:     cfg,
		state:   StateIdle,
		pongCh:  make(chan struct{}, 1),
		buffer:  newOutboundBuffer(cfg.BufferLimit),
		backoff: newBackoff(cfg.BackoffInitial, cfg.BackoffMax),
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnControl registers the handler invoked for every incoming control_request.
func (c *Client) OnControl(h ControlHandler) {
	c.handler = h
}

// Send enqueues an application event, sanitizing it first. Matches spec.md
// §4.7.3's "send application events immediately; on socket unready, enqueue".
func (c *Client) Send(e protocol.Event) {
	if !sanitizeEvent(&e) {
		return
	}
	c.mu.Lock()
	conn := c.conn
	ready := c.state == StateReady
	c.mu.Unlock()

	if ready && conn != nil {
		if err := c.write(conn, e); err == nil {
			return
		}
	}
	c.buffer.Enqueue(e)
}

func (c *Client) write(conn *websocket.Conn, v any) error {
	b, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

// Run drives the connect/auth/hello/heartbeat/reconnect loop until ctx is
// canceled or Close is called. It never returns until then, matching
// spec.md §4.7's "on any close while running, schedule a reconnect".
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	for {
		if ctx.Err() != nil {
			c.setState(StateClosed)
			return ctx.Err()
		}

		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			c.sleepBackoff(ctx)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		if err := c.handshake(ctx, conn); err != nil {
			c.cfg.Logger(fmt.Sprintf("bridgeclient: handshake failed: %v", err))
			_ = conn.Close()
			c.clearConn()
			c.sleepBackoff(ctx)
			continue
		}

		c.backoff.Reset()
		c.setState(StateReady)
		c.flushBuffer(conn)

		connCtx, connCancel := context.WithCancel(ctx)
		go c.heartbeatLoop(connCtx, conn)
		c.readLoop(connCtx, conn, connCancel)

		_ = conn.Close()
		c.clearConn()
		if ctx.Err() != nil {
			c.setState(StateClosed)
			return ctx.Err()
		}
		c.setState(StateHeartbeatLost)
		c.sleepBackoff(ctx)
	}
}

func (c *Client) clearConn() {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
}

func (c *Client) sleepBackoff(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(c.backoff.Next()):
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: protocol.AuthTimeout}
	header := http.Header{"X-Bridge-Secret": []string{c.cfg.Secret}}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return conn, nil
}

// handshake implements spec.md §4.7.1/.2: send auth, wait for auth_success
// within the heartbeat-timeout window (answering any ping seen along the
// way without it satisfying the gate), then send hello.
func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) error {
	if err := c.write(conn, protocol.Auth{Type: "auth", Secret: c.cfg.Secret, Role: protocol.RoleBridge, ClientID: c.cfg.ClientID}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	if err := c.waitForAuthSuccess(conn); err != nil {
		return err
	}
	c.setState(StateAuthed)

	hello := protocol.Hello{Type: "hello", Capabilities: c.cfg.Capabilities, Platform: c.cfg.Platform, ProjectID: c.cfg.ProjectID, Protocol: protocol.Version}
	if err := c.write(conn, hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	return nil
}

// waitForAuthSuccess blocks until auth_success arrives or the heartbeat
// timeout window elapses, answering any ping seen along the way without
// letting it satisfy the gate — spec.md §4.7.1.
func (c *Client) waitForAuthSuccess(conn *websocket.Conn) error {
	deadline := time.Now().Add(c.cfg.HeartbeatTimeout)
	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("auth_success timeout")
		}
		_ = conn.SetReadDeadline(deadline)
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read during handshake: %w", err)
		}
		typ, err := protocol.DecodeType(raw)
		if err != nil {
			continue
		}
		switch typ {
		case "auth_success":
			return nil
		case "ping":
			_ = c.write(conn, protocol.Pong{Type: "pong"})
		}
	}
}

// flushBuffer drains the outbound buffer in FIFO order and, if any frames
// were dropped while disconnected, appends the single literal info notice
// spec.md §3/§4.7.2 mandates.
func (c *Client) flushBuffer(conn *websocket.Conn) {
	events, dropped := c.buffer.Drain()
	for _, e := range events {
		_ = c.write(conn, e)
	}
	if dropped > 0 {
		notice := protocol.InfoEvent(fmt.Sprintf("bridge buffered drop count=%d", dropped))
		_ = c.write(conn, notice)
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	armed := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(conn, protocol.Ping{Type: "ping"}); err != nil {
				return
			}
			if !armed {
				_ = conn.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))
				armed = true
			}
		case <-c.pongCh:
			_ = conn.SetReadDeadline(time.Time{})
			armed = false
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		typ, err := protocol.DecodeType(raw)
		if err != nil {
			continue
		}
		switch typ {
		case "ping":
			_ = c.write(conn, protocol.Pong{Type: "pong"})
		case "pong":
			select {
			case c.pongCh <- struct{}{}:
			default:
			}
		case "control_request":
			var req protocol.ControlRequest
			if protocol.DecodeInto(raw, &req) == nil {
				c.dispatchControl(conn, req)
			}
		}

		if ctx.Err() != nil {
			return
		}
	}
}

// dispatchControl invokes the registered handler and replies with a
// control_result, recovering from a panic so a handler bug can never take
// down the state machine — spec.md §4.7.6, confirmed by the original Go
// client's unconditional enqueue-on-response pattern.
func (c *Client) dispatchControl(conn *websocket.Conn, req protocol.ControlRequest) {
	if c.handler == nil {
		return
	}

	result, err := c.invokeHandlerSafely(req)
	var resp protocol.ControlResult
	if err != nil {
		resp = protocol.ControlResult{Type: "control_result", ID: req.ID, OK: false, Error: &protocol.ControlError{Message: err.Error()}}
	} else {
		raw, merr := json.Marshal(result)
		if merr != nil {
			resp = protocol.ControlResult{Type: "control_result", ID: req.ID, OK: false, Error: &protocol.ControlError{Message: merr.Error()}}
		} else {
			resp = protocol.ControlResult{Type: "control_result", ID: req.ID, OK: true, Result: raw}
		}
	}
	_ = c.write(conn, resp)
}

func (c *Client) invokeHandlerSafely(req protocol.ControlRequest) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("control handler panic: %v", r)
		}
	}()
	return c.handler(req.Action, req.Args)
}

// Close stops the client and, if connected, closes the socket with a
// normal-closure code. Matches spec.md §4.7.7: the client does not
// reconnect after a user-initiated stop.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		msg := websocket.FormatCloseMessage(protocol.CloseNormal, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return conn.Close()
	}
	return nil
}
