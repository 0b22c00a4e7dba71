package broker

import (
	"strings"
	"sync"
	"time"

	"github.com/aria-bridge/aria-bridge/internal/protocol"
	"github.com/aria-bridge/aria-bridge/pkg/observability"
)

// overloadGuard implements the rolling 10s/500-event window from spec.md
// §4.4.4. It is grounded on pkg/security.RateLimiter's client-limiter
// pattern but counts touches rather than gating them directly — the guard
// changes delivery semantics for filtered consumers instead of rejecting
// the touch itself.
type overloadGuard struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	touch  []time.Time
}

func newOverloadGuard(window time.Duration, limit int) *overloadGuard {
	return &overloadGuard{window: window, limit: limit}
}

// Touch records one router touch and reports whether the rolling window is
// currently saturated.
func (g *overloadGuard) Touch(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := now.Add(-g.window)
	live := g.touch[:0]
	for _, t := range g.touch {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	live = append(live, now)
	g.touch = live
	return len(g.touch) >= g.limit
}

// Router implements spec.md §4.4's deliver() predicate and fans events out
// to every consumer that passes it.
type Router struct {
	guard *overloadGuard
}

func NewRouter(window time.Duration, limit int) *Router {
	return &Router{guard: newOverloadGuard(window, limit)}
}

// Deliver evaluates the §4.4 predicate for one (event, bridge, consumer)
// triple.
func (rt *Router) Deliver(e protocol.Event, bridge *Session, consumer *Session, overloaded bool) bool {
	sub := consumer.subscriptionOrDefault()

	// 1. Level gate.
	mapped := protocol.MapLogLevel(e.Level)
	highest := protocol.HighestLevel(sub.Levels)
	if !protocol.Deliverable(mapped, highest) {
		return false
	}

	// 2. Capability gate.
	if protocol.RequiresCapabilityGate(e.Type) {
		if len(sub.Capabilities) > 0 && !sub.Capabilities.Has(e.Type) {
			return false
		}
		if bridge != nil && bridge.hasCapabilities() {
			if !bridge.capabilitySet().Has(e.Type) {
				return false
			}
		}
	}

	// 3 & 4. LLM filter and overload guard — §9 resolves these as override,
	// not additive: while the window is saturated, a filtered consumer
	// receives only errors regardless of its own llm_filter rule.
	if overloaded && sub.LLMFilter != protocol.LLMFilterOff {
		return strings.EqualFold(e.Level, "error")
	}
	if !protocol.AllowsByFilter(sub.LLMFilter, e.Level) {
		return false
	}

	return true
}

// Route fans e out to every consumer, incrementing observability counters
// along the way. It returns the number of consumers the event was delivered
// to.
func (rt *Router) Route(e protocol.Event, bridge *Session, consumers []*Session, now time.Time) int {
	overloaded := rt.guard.Touch(now)
	observability.SetOverloadWindowActive(overloaded)

	delivered := 0
	for _, c := range consumers {
		if rt.Deliver(e, bridge, c, overloaded) {
			if err := c.Send(e); err == nil {
				delivered++
				observability.RecordEventRouted(e.Type, e.Level)
			}
		} else {
			observability.RecordEventDropped("filter")
		}
	}
	return delivered
}
