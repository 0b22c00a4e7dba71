package broker

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aria-bridge/aria-bridge/internal/protocol"
)

// ScreenshotGate enforces the per-bridge minimum interval between screenshot
// events (spec.md §4.4 "Screenshot rate limit"). It is grounded on
// pkg/security.RateLimiter's per-client *rate.Limiter map, specialized to a
// single-token-per-interval limiter since screenshots have no burst
// allowance.
type ScreenshotGate struct {
	minInterval time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewScreenshotGate(minInterval time.Duration) *ScreenshotGate {
	return &ScreenshotGate{minInterval: minInterval, limiters: make(map[string]*rate.Limiter)}
}

func (g *ScreenshotGate) limiterFor(clientID string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[clientID]
	if !ok {
		l = rate.NewLimiter(rate.Every(g.minInterval), 1)
		g.limiters[clientID] = l
	}
	return l
}

// Evaluate decides whether a screenshot event from bridge should be
// forwarded, and if not, which rate_limit_notice reason applies. The clock
// only advances on a true result, per spec.md's "updated only on successful
// forwarding".
func (g *ScreenshotGate) Evaluate(bridge *Session, e protocol.Event, hasConsumer bool) (forward bool, reason string, retryAfterMs int) {
	if bridge.hasCapabilities() && !bridge.capabilitySet().Has(string(protocol.CapabilityScreenshot)) {
		return false, protocol.ReasonMissingCapability, 0
	}
	if e.Mime == "" || e.Data == "" {
		return false, protocol.ReasonInvalidFormat, 0
	}
	if !hasConsumer {
		return false, protocol.ReasonNoConsumers, 0
	}
	if !g.limiterFor(bridge.ClientID).Allow() {
		return false, protocol.ReasonRateLimit, int(g.minInterval.Milliseconds())
	}
	return true, "", 0
}
