package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/aria-bridge/aria-bridge/internal/protocol"
	"github.com/aria-bridge/aria-bridge/pkg/observability"
)

// pendingEntry is spec.md §3's Pending Control Entry.
type pendingEntry struct {
	replyTo *Session
	origin  protocol.Role
}

// Correlator tracks in-flight control_request ids and steers exactly one
// control_result back to each request's originator (spec.md §4.5).
type Correlator struct {
	mu      sync.Mutex
	pending map[string]pendingEntry
}

func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[string]pendingEntry)}
}

// ForwardToBridges implements the consumer→bridge half of §4.5. If no
// bridge advertises the control capability, it synthesizes a failing result
// immediately instead of recording a pending entry.
func (c *Correlator) ForwardToBridges(req protocol.ControlRequest, origin *Session, bridges []*Session) (forwarded protocol.ControlForwarded, failed *protocol.ControlResult) {
	if req.ID == "" {
		req.ID = fmt.Sprintf("%s-%d", origin.ClientID, time.Now().UnixMilli())
	}
	req.Type = "control_request"

	targets := make([]*Session, 0, len(bridges))
	for _, b := range bridges {
		if b.capabilitySet().Has(string(protocol.CapabilityControl)) {
			targets = append(targets, b)
		}
	}

	if len(targets) == 0 {
		observability.RecordControlRequest("consumer", false)
		return protocol.ControlForwarded{}, &protocol.ControlResult{
			Type: "control_result", ID: req.ID, OK: false,
			Error: &protocol.ControlError{Message: "No bridge with control capability is connected"},
		}
	}

	for _, b := range targets {
		_ = b.Send(req)
	}

	c.mu.Lock()
	c.pending[req.ID] = pendingEntry{replyTo: origin, origin: protocol.RoleConsumer}
	c.mu.Unlock()
	observability.SetPendingControlRequests(c.Len())
	observability.RecordControlRequest("consumer", true)

	return protocol.ControlForwarded{Type: "control_forwarded", ID: req.ID, Delivered: len(targets)}, nil
}

// ForwardToConsumers implements the bridge→consumer half of §4.5. Targets
// are every consumer for which Router.Deliver({type:control,level:info})
// passes.
func (c *Correlator) ForwardToConsumers(req protocol.ControlRequest, origin *Session, rt *Router, bridge *Session, consumers []*Session, now time.Time) (forwarded protocol.ControlForwarded, failed *protocol.ControlResult) {
	if req.ID == "" {
		req.ID = fmt.Sprintf("%s-%d", origin.ClientID, time.Now().UnixMilli())
	}
	req.Type = "control_request"

	probe := protocol.Event{Type: "control", Level: "info"}
	targets := make([]*Session, 0, len(consumers))
	for _, cons := range consumers {
		if rt.Deliver(probe, bridge, cons, false) {
			targets = append(targets, cons)
		}
	}

	if len(targets) == 0 {
		observability.RecordControlRequest("bridge", false)
		return protocol.ControlForwarded{}, &protocol.ControlResult{
			Type: "control_result", ID: req.ID, OK: false,
			Error: &protocol.ControlError{Message: "No consumers connected for control"},
		}
	}

	for _, cons := range targets {
		_ = cons.Send(req)
	}

	c.mu.Lock()
	c.pending[req.ID] = pendingEntry{replyTo: origin, origin: protocol.RoleBridge}
	c.mu.Unlock()
	observability.SetPendingControlRequests(c.Len())
	observability.RecordControlRequest("bridge", true)

	return protocol.ControlForwarded{Type: "control_forwarded", ID: req.ID, Delivered: len(targets)}, nil
}

// Resolve delivers an incoming control_result to its pending entry's
// replyTo, exactly once. Duplicates and results for already-resolved or
// never-pending ids are ignored silently, per spec.md §4.5.
func (c *Correlator) Resolve(result protocol.ControlResult) {
	c.mu.Lock()
	entry, ok := c.pending[result.ID]
	if ok {
		delete(c.pending, result.ID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	observability.SetPendingControlRequests(c.Len())
	_ = entry.replyTo.Send(result)
}

// DropForSession removes every pending entry whose replyTo is the given
// session, called when a session disconnects (spec.md §3/§4.3).
func (c *Correlator) DropForSession(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, entry := range c.pending {
		if entry.replyTo.ClientID == clientID {
			delete(c.pending, id)
		}
	}
}

func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
