package broker

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aria-bridge/aria-bridge/internal/protocol"
)

// SessionKind distinguishes the three transports a session can arrive over.
type SessionKind int

const (
	KindWSBridge SessionKind = iota
	KindHTTPBridge
	KindWSConsumer
)

// Subscription holds a consumer's filter preferences, normalized.
type Subscription struct {
	Levels       []protocol.Level
	Capabilities protocol.CapabilitySet
	LLMFilter    protocol.LLMFilter
}

// Sender abstracts the transport-specific write path so the router does not
// need to know whether a session is a live WebSocket or a polling HTTP
// bridge. Implementations must be safe for concurrent use.
type Sender interface {
	Send(frame any) error
	Close(code int, reason string) error
}

// Session is the registry's record of one authenticated connection —
// spec.md §3's polymorphic Session entity.
type Session struct {
	ClientID string
	Kind     SessionKind
	Role     protocol.Role

	mu sync.RWMutex

	// bridge fields
	Capabilities protocol.CapabilitySet
	Platform     string
	ProjectID    string
	Route        string
	URL          string
	Protocol     int
	HasHello     bool

	// consumer fields
	Subscription Subscription

	// HTTP-bridge fields
	HTTPSessionID string
	LastSeen      time.Time
	controlQueue  []protocol.ControlRequest

	sender Sender
}

func (s *Session) Send(frame any) error {
	return s.sender.Send(frame)
}

func (s *Session) Close(code int, reason string) error {
	return s.sender.Close(code, reason)
}

func (s *Session) SetHello(capabilities []string, platform, projectID, route, url string, protoVersion int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Capabilities = protocol.NewCapabilitySet(capabilities)
	s.Platform = platform
	s.ProjectID = projectID
	s.Route = route
	s.URL = url
	s.Protocol = protoVersion
	s.HasHello = true
}

func (s *Session) SetSubscription(levels []string, capabilities []string, llmFilter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	normLevels := make([]protocol.Level, 0, len(levels))
	for _, raw := range levels {
		if l, ok := protocol.NormalizeLevel(raw); ok {
			normLevels = append(normLevels, l)
		}
	}
	s.Subscription = Subscription{
		Levels:       normLevels,
		Capabilities: protocol.NewCapabilitySet(capabilities),
		LLMFilter:    protocol.NormalizeLLMFilter(llmFilter),
	}
}

// subscriptionOrDefault returns the session's effective subscription,
// defaulting empty levels to [errors] per spec.md §4.4.
func (s *Session) subscriptionOrDefault() Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub := s.Subscription
	if len(sub.Levels) == 0 {
		sub.Levels = []protocol.Level{protocol.LevelErrors}
	}
	if sub.LLMFilter == "" {
		sub.LLMFilter = protocol.LLMFilterOff
	}
	return sub
}

// hasCapabilities reports whether the session has received a hello/registration
// frame yet, used by the capability gate's backward-compatible bypass.
func (s *Session) hasCapabilities() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.HasHello
}

func (s *Session) capabilitySet() protocol.CapabilitySet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Capabilities
}

func (s *Session) enqueueControl(req protocol.ControlRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controlQueue = append(s.controlQueue, req)
}

func (s *Session) drainControl() []protocol.ControlRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	drained := s.controlQueue
	s.controlQueue = nil
	return drained
}

func (s *Session) touchHeartbeat(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastSeen = now
}

func (s *Session) stale(now time.Time, maxAge time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return now.Sub(s.LastSeen) > maxAge
}

// Registry tracks every authenticated session, keyed by clientId.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// NewClientID synthesizes an opaque client identifier when a session did not
// supply its own in the auth frame.
func NewClientID() string {
	return uuid.New().String()
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ClientID] = s
}

func (r *Registry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, clientID)
}

func (r *Registry) Get(clientID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[clientID]
	return s, ok
}

// Bridges returns a snapshot of every currently registered bridge session.
func (r *Registry) Bridges() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0)
	for _, s := range r.sessions {
		if s.Role == protocol.RoleBridge {
			out = append(out, s)
		}
	}
	return out
}

// Consumers returns a snapshot of every currently registered consumer session.
func (r *Registry) Consumers() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0)
	for _, s := range r.sessions {
		if s.Role == protocol.RoleConsumer {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) Counts() (bridges, consumers int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.Role == protocol.RoleBridge {
			bridges++
		} else {
			consumers++
		}
	}
	return
}

// StaleHTTPBridges returns HTTP-bridge sessions whose heartbeat has not been
// refreshed within maxAge, for the periodic sweep in spec.md §4.6.
func (r *Registry) StaleHTTPBridges(now time.Time, maxAge time.Duration) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var stale []*Session
	for _, s := range r.sessions {
		if s.Kind == KindHTTPBridge && s.stale(now, maxAge) {
			stale = append(stale, s)
		}
	}
	return stale
}
