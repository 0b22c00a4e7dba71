package broker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aria-bridge/aria-bridge/internal/protocol"
)

// fakeSender records every frame sent to it, standing in for a live socket
// in tests.
type fakeSender struct {
	mu          sync.Mutex
	frames      []any
	closed      bool
	closeCode   int
	closeReason string
}

func (f *fakeSender) Send(frame any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSender) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	f.closeReason = reason
	return nil
}

func (f *fakeSender) Closed() (bool, int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode, f.closeReason
}

func (f *fakeSender) Events() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.frames))
	copy(out, f.frames)
	return out
}

func newConsumer(id string, levels []string, caps []string, llmFilter string) *Session {
	s := &Session{ClientID: id, Role: protocol.RoleConsumer, sender: &fakeSender{}}
	s.SetSubscription(levels, caps, llmFilter)
	return s
}

func newBridge(id string, caps []string) *Session {
	s := &Session{ClientID: id, Role: protocol.RoleBridge, sender: &fakeSender{}}
	if caps != nil {
		s.SetHello(caps, "go", "", "", "", protocol.Version)
	}
	return s
}

// TestLevelHierarchy reproduces spec.md §8 scenario 1.
func TestLevelHierarchy(t *testing.T) {
	rt := NewRouter(10*time.Second, 500)
	bridge := newBridge("b1", nil)

	a := newConsumer("a", nil, nil, "")
	b := newConsumer("b", []string{"warn", "info"}, nil, "")
	c := newConsumer("c", []string{"trace"}, nil, "")
	consumers := []*Session{a, b, c}

	levels := []string{"error", "warn", "info", "debug"}
	for _, lvl := range levels {
		e := protocol.Event{Type: "console", Level: lvl, Message: lvl}
		rt.Route(e, bridge, consumers, time.Now())
	}

	assert.Len(t, a.sender.(*fakeSender).Events(), 1)
	assert.Len(t, b.sender.(*fakeSender).Events(), 3)
	assert.Len(t, c.sender.(*fakeSender).Events(), 4)
}

// TestCapabilityGating reproduces spec.md §8 scenario 2.
func TestCapabilityGating(t *testing.T) {
	rt := NewRouter(10*time.Second, 500)
	bridge := newBridge("b1", []string{"screenshot"})
	consumer := newConsumer("c1", []string{"info"}, []string{"screenshot"}, "")

	shot := protocol.Event{Type: "screenshot", Level: "info", Mime: "image/png", Data: "aGVsbG8="}
	rt.Route(shot, bridge, []*Session{consumer}, time.Now())

	pageview := protocol.Event{Type: "pageview", Level: "info"}
	rt.Route(pageview, bridge, []*Session{consumer}, time.Now())

	events := consumer.sender.(*fakeSender).Events()
	assert.Len(t, events, 1)
	got, ok := events[0].(protocol.Event)
	assert.True(t, ok)
	assert.Equal(t, "screenshot", got.Type)
}

// TestOverloadGuardOverridesLLMFilter confirms spec.md §9's resolution of
// the overload-guard open question: once the window saturates, a filtered
// consumer receives only errors even for levels its own llm_filter would
// otherwise have allowed through.
func TestOverloadGuardOverridesLLMFilter(t *testing.T) {
	rt := NewRouter(10*time.Second, 2)
	bridge := newBridge("b1", nil)
	consumer := newConsumer("c1", []string{"trace"}, nil, "minimal")

	now := time.Now()
	rt.Route(protocol.Event{Type: "console", Level: "warn"}, bridge, []*Session{consumer}, now) // 1st touch: window not yet saturated, warn passes minimal
	rt.Route(protocol.Event{Type: "console", Level: "warn"}, bridge, []*Session{consumer}, now) // 2nd touch saturates the window; warn blocked by the override
	rt.Route(protocol.Event{Type: "console", Level: "warn"}, bridge, []*Session{consumer}, now) // still saturated, still blocked
	rt.Route(protocol.Event{Type: "console", Level: "error"}, bridge, []*Session{consumer}, now)

	events := consumer.sender.(*fakeSender).Events()
	if assert.Len(t, events, 2) {
		assert.Equal(t, "warn", events[0].(protocol.Event).Level)
		assert.Equal(t, "error", events[1].(protocol.Event).Level)
	}
}
