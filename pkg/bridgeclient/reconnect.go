package bridgeclient

import (
	"math"
	"math/rand"
	"time"
)

// backoff implements spec.md §4.7.5's jittered exponential reconnect delay:
// doubling from an initial delay, capped, with a uniform jitter factor in
// [1.0, 1.5] applied immediately before sleeping. Grounded on the original
// client's jitter()/run() loop, pulled out into its own type so the delay
// sequence is independently testable without a socket.
type backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration

	// jitter is overridable in tests to make the sequence deterministic.
	jitter func(time.Duration) time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	return &backoff{initial: initial, max: max, current: initial, jitter: defaultJitter}
}

func defaultJitter(d time.Duration) time.Duration {
	factor := rand.Float64()*0.5 + 1.0 // uniform in [1.0, 1.5]
	return time.Duration(float64(d) * factor)
}

// Next returns the jittered delay to sleep for this attempt and advances
// the underlying (unjittered) delay for the following attempt.
func (b *backoff) Next() time.Duration {
	delay := b.jitter(b.current)
	b.current = time.Duration(math.Min(float64(b.max), float64(b.current)*2))
	return delay
}

// Reset restores the backoff to its initial delay, called after a
// successful (re)connection.
func (b *backoff) Reset() {
	b.current = b.initial
}
