package bridgeclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestBackoffSequenceWithoutJitter reproduces spec.md §8's "Reconnect delay
// sequence without jitter: 1,2,4,8,16,30,30,..." by stubbing the jitter
// function to identity.
func TestBackoffSequenceWithoutJitter(t *testing.T) {
	b := newBackoff(time.Second, 30*time.Second)
	b.jitter = func(d time.Duration) time.Duration { return d }

	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		got := b.Next()
		assert.Equal(t, w*time.Second, got, "attempt %d", i)
	}
}

func TestBackoffResetReturnsToInitial(t *testing.T) {
	b := newBackoff(time.Second, 30*time.Second)
	b.jitter = func(d time.Duration) time.Duration { return d }

	_ = b.Next()
	_ = b.Next()
	b.Reset()
	assert.Equal(t, time.Second, b.jitter(b.current))
}

func TestDefaultJitterStaysInRange(t *testing.T) {
	d := time.Second
	for i := 0; i < 100; i++ {
		got := defaultJitter(d)
		assert.GreaterOrEqual(t, got, d)
		assert.LessOrEqual(t, got, time.Duration(float64(d)*1.5))
	}
}
