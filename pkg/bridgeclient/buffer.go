package bridgeclient

import (
	"sync"

	"github.com/aria-bridge/aria-bridge/internal/protocol"
)

// outboundBuffer is spec.md §3's Bridge Client Outbound Buffer: a bounded,
// drop-oldest ordered list with a dropped counter, grounded on the original
// client's bufMu/buffer/dropped fields but made a standalone type so
// Client.run doesn't have to juggle the lock itself.
type outboundBuffer struct {
	mu      sync.Mutex
	limit   int
	events  []protocol.Event
	dropped int
}

func newOutboundBuffer(limit int) *outboundBuffer {
	if limit <= 0 {
		limit = protocol.BufferLimit
	}
	return &outboundBuffer{limit: limit}
}

// Enqueue appends ev, dropping the oldest entry first if the buffer is at
// capacity.
func (b *outboundBuffer) Enqueue(ev protocol.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) >= b.limit {
		b.events = b.events[1:]
		b.dropped++
	}
	b.events = append(b.events, ev)
}

// Drain returns every buffered event in FIFO order plus the drop count
// observed since the last drain, clearing both.
func (b *outboundBuffer) Drain() ([]protocol.Event, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	events := b.events
	dropped := b.dropped
	b.events = nil
	b.dropped = 0
	return events, dropped
}
