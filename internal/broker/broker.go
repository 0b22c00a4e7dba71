// Package broker implements the workspace-singleton event bus: the
// session registry, filter & routing engine, control correlator, and the
// WebSocket/HTTP transport that front them.
package broker

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aria-bridge/aria-bridge/internal/audit"
	"github.com/aria-bridge/aria-bridge/internal/observability"
	"github.com/aria-bridge/aria-bridge/internal/protocol"
	pkgobservability "github.com/aria-bridge/aria-bridge/pkg/observability"
)

// Broker is the single value that owns the session registry, the pending
// control map, and the per-bridge rate-limit clocks — spec.md §5's
// "Collapse into a single Broker value" design note. A single mutex guards
// the critical sections that must not interleave with session lifecycle
// events; routing and sending happen outside the lock.
type Broker struct {
	secret string

	mu       sync.Mutex
	registry *Registry
	router   *Router
	control  *Correlator
	shots    *ScreenshotGate
	audit    audit.Logger
}

func NewBroker(secret string, overloadWindow time.Duration, overloadLimit int, screenshotInterval time.Duration, auditLogger audit.Logger) *Broker {
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}
	return &Broker{
		secret:   secret,
		registry: NewRegistry(),
		router:   NewRouter(overloadWindow, overloadLimit),
		control:  NewCorrelator(),
		shots:    NewScreenshotGate(screenshotInterval),
		audit:    auditLogger,
	}
}

// Authenticate checks a secret and mints or accepts a clientId, implementing
// the (new) --auth-ok--> (authed:role) edge of spec.md §4.3's state machine.
// Every attempt, successful or not, is written to the audit trail — this is
// the security-sensitive boundary the teacher's AuditLogger.LogAuthAttempt
// was built for.
func (b *Broker) Authenticate(secret, clientID string) (string, bool) {
	if !secretsEqual(secret, b.secret) {
		b.audit.LogAuthAttempt(clientID, false, fmt.Errorf("secret mismatch"))
		return "", false
	}
	if clientID == "" {
		clientID = NewClientID()
	}
	b.audit.LogAuthAttempt(clientID, true, nil)
	return clientID, true
}

// Register adds a freshly authenticated session to the registry and updates
// the connected-session gauges.
func (b *Broker) Register(s *Session) {
	b.mu.Lock()
	b.registry.Add(s)
	bridges, consumers := b.registry.Counts()
	b.mu.Unlock()
	pkgobservability.SetConnectedBridges(bridges)
	pkgobservability.SetConnectedConsumers(consumers)
	b.audit.LogSessionEvent("registered", s.ClientID, string(s.Role))
}

// Unregister removes a session, drops any pending control entries that were
// waiting on it, and updates the connected-session gauges — spec.md §4.3's
// "On close, all registrations ... are removed atomically".
func (b *Broker) Unregister(clientID string) {
	b.mu.Lock()
	s, _ := b.registry.Get(clientID)
	b.registry.Remove(clientID)
	bridges, consumers := b.registry.Counts()
	b.mu.Unlock()
	b.control.DropForSession(clientID)
	pkgobservability.SetConnectedBridges(bridges)
	pkgobservability.SetConnectedConsumers(consumers)
	role := ""
	if s != nil {
		role = string(s.Role)
	}
	b.audit.LogSessionEvent("unregistered", clientID, role)
}

func (b *Broker) Session(clientID string) (*Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registry.Get(clientID)
}

// Stats is a snapshot used by the admin REPL (cmd/aria-bridge) to answer
// `sessions`/`stats` without reaching into broker internals.
type Stats struct {
	Bridges         int
	Consumers       int
	PendingControls int
}

func (b *Broker) Stats() Stats {
	b.mu.Lock()
	bridges, consumers := b.registry.Counts()
	b.mu.Unlock()
	return Stats{Bridges: bridges, Consumers: consumers, PendingControls: b.control.Len()}
}

// SessionSummaries lists every connected session's identity for the admin
// REPL's `sessions` command.
func (b *Broker) SessionSummaries() []SessionSummary {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]SessionSummary, 0)
	for _, s := range b.registry.Bridges() {
		out = append(out, SessionSummary{ClientID: s.ClientID, Role: string(s.Role), Platform: s.Platform})
	}
	for _, s := range b.registry.Consumers() {
		out = append(out, SessionSummary{ClientID: s.ClientID, Role: string(s.Role)})
	}
	return out
}

type SessionSummary struct {
	ClientID string
	Role     string
	Platform string
}

// HandleHello records a bridge's capabilities and replies with hello_ack.
func (b *Broker) HandleHello(s *Session, h protocol.Hello) protocol.HelloAck {
	s.SetHello(h.Capabilities, h.Platform, h.ProjectID, h.Route, h.URL, h.Protocol)
	return protocol.HelloAck{Type: "hello_ack", ClientID: s.ClientID, Protocol: protocol.Version}
}

// HandleSubscribe records a consumer's filter preferences and replies with
// subscribe_ack echoing the normalized filter.
func (b *Broker) HandleSubscribe(s *Session, sub protocol.Subscribe) protocol.SubscribeAck {
	s.SetSubscription(sub.Levels, sub.Capabilities, sub.LLMFilter)
	effective := s.subscriptionOrDefault()
	levels := make([]string, len(effective.Levels))
	for i, l := range effective.Levels {
		levels[i] = string(l)
	}
	caps := make([]string, 0, len(effective.Capabilities))
	for c := range effective.Capabilities {
		caps = append(caps, string(c))
	}
	return protocol.SubscribeAck{
		Type: "subscribe_ack", ClientID: s.ClientID,
		Levels: levels, Capabilities: caps, LLMFilter: string(effective.LLMFilter),
	}
}

// RouteEvent fans a bridge event out to every consumer via the router,
// applying the screenshot rate limit first when applicable.
func (b *Broker) RouteEvent(bridge *Session, e protocol.Event) {
	span := observability.StartSpan("broker.routeEvent", map[string]any{"type": e.Type, "bridge": bridge.ClientID})
	defer span.End()

	b.mu.Lock()
	consumers := b.registry.Consumers()
	b.mu.Unlock()

	if e.Type == "screenshot" {
		hasConsumer := false
		for _, c := range consumers {
			if b.router.Deliver(e, bridge, c, false) {
				hasConsumer = true
				break
			}
		}
		forward, reason, retryAfterMs := b.shots.Evaluate(bridge, e, hasConsumer)
		if !forward {
			notice := protocol.RateLimitNotice{Type: "rate_limit_notice", Reason: reason, RetryAfterMs: retryAfterMs, Message: screenshotNoticeMessage(reason)}
			_ = bridge.Send(notice)
			pkgobservability.RecordEventDropped(reason)
			return
		}
	}

	b.router.Route(e, bridge, consumers, time.Now())
}

func screenshotNoticeMessage(reason string) string {
	switch reason {
	case protocol.ReasonMissingCapability:
		return "bridge did not advertise the screenshot capability"
	case protocol.ReasonInvalidFormat:
		return "screenshot event missing mime or data"
	case protocol.ReasonNoConsumers:
		return "no consumer currently wants this screenshot"
	case protocol.ReasonRateLimit:
		return "screenshot rate limit exceeded"
	default:
		return reason
	}
}

// ForwardControlFromConsumer implements the consumer->bridge half of §4.5
// and sends the resulting control_forwarded/control_result back to origin
// itself (origin is always the caller's own session).
func (b *Broker) ForwardControlFromConsumer(origin *Session, req protocol.ControlRequest) {
	span := observability.StartSpan("broker.forwardControl", map[string]any{"direction": "consumer->bridge", "action": req.Action, "origin": origin.ClientID})
	defer span.End()

	b.mu.Lock()
	bridges := b.registry.Bridges()
	b.mu.Unlock()

	forwarded, failed := b.control.ForwardToBridges(req, origin, bridges)
	if failed != nil {
		span.SetAttribute("delivered", 0)
		b.audit.LogControlForward(req.Action, origin.ClientID, 0, true)
		_ = origin.Send(*failed)
		return
	}
	span.SetAttribute("delivered", forwarded.Delivered)
	b.audit.LogControlForward(req.Action, origin.ClientID, forwarded.Delivered, false)
	_ = origin.Send(forwarded)
}

// ForwardControlFromBridge implements the bridge->consumer half of §4.5.
func (b *Broker) ForwardControlFromBridge(origin *Session, req protocol.ControlRequest) {
	span := observability.StartSpan("broker.forwardControl", map[string]any{"direction": "bridge->consumer", "action": req.Action, "origin": origin.ClientID})
	defer span.End()

	b.mu.Lock()
	consumers := b.registry.Consumers()
	b.mu.Unlock()

	forwarded, failed := b.control.ForwardToConsumers(req, origin, b.router, origin, consumers, time.Now())
	if failed != nil {
		span.SetAttribute("delivered", 0)
		b.audit.LogControlForward(req.Action, origin.ClientID, 0, true)
		_ = origin.Send(*failed)
		return
	}
	span.SetAttribute("delivered", forwarded.Delivered)
	b.audit.LogControlForward(req.Action, origin.ClientID, forwarded.Delivered, false)
	_ = origin.Send(forwarded)
}

// ResolveControlResult delivers an incoming control_result to its pending
// entry's originator, exactly once.
func (b *Broker) ResolveControlResult(result protocol.ControlResult) {
	b.control.Resolve(result)
}

// Dispatch decodes one inbound frame and routes it to the right handler.
// It is called by the WebSocket read loop; the HTTP bridge-events endpoint
// does not go through it but calls normalizeEvent and RouteEvent directly.
func (b *Broker) Dispatch(s *Session, raw []byte) {
	typ, err := protocol.DecodeType(raw)
	if err != nil {
		log.Printf("broker: malformed frame from %s: %v", s.ClientID, err)
		return
	}

	switch typ {
	case "hello":
		var h protocol.Hello
		if json.Unmarshal(raw, &h) == nil {
			if h.Protocol < 1 {
				log.Printf("broker: invalid hello (protocol=%d) from %s, closing", h.Protocol, s.ClientID)
				_ = s.Close(protocol.CloseInvalidHello, protocol.ReasonInvalidHello)
				return
			}
			ack := b.HandleHello(s, h)
			_ = s.Send(ack)
		}
	case "subscribe":
		var sub protocol.Subscribe
		if json.Unmarshal(raw, &sub) == nil {
			ack := b.HandleSubscribe(s, sub)
			_ = s.Send(ack)
		}
	case "ping":
		_ = s.Send(protocol.Pong{Type: "pong"})
	case "pong":
		// the WebSocket read loop consumes pong itself and refreshes LastSeen.
	case "control_request":
		var req protocol.ControlRequest
		if json.Unmarshal(raw, &req) == nil {
			if s.Role == protocol.RoleBridge {
				b.ForwardControlFromBridge(s, req)
			} else {
				b.ForwardControlFromConsumer(s, req)
			}
		}
	case "control_result":
		var res protocol.ControlResult
		if json.Unmarshal(raw, &res) == nil {
			b.ResolveControlResult(res)
		}
	default:
		if s.Role == protocol.RoleBridge {
			var e protocol.Event
			if err := json.Unmarshal(raw, &e); err != nil {
				log.Printf("broker: malformed event from %s: %v", s.ClientID, err)
				return
			}
			normalizeEvent(&e)
			b.RouteEvent(s, e)
		}
	}
}

// normalizeEvent fills missing timestamp/platform/level defaults, per
// spec.md §4.6's HTTP-ingestion defaulting rule (applied uniformly so WS
// bridges get the same treatment). A missing message is left empty.
func normalizeEvent(e *protocol.Event) {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	if e.Platform == "" {
		e.Platform = "unknown"
	}
	if e.Level == "" {
		e.Level = "info"
	}
}
