package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aria-bridge/aria-bridge/internal/protocol"
)

// TestControlRoundTrip reproduces spec.md §8 scenario 3: a consumer sends
// control_request{id:"req-1"} to a bridge advertising the control
// capability; the correlator should return control_forwarded with
// delivered=1 and, once the bridge replies, send control_result to the
// consumer.
func TestControlRoundTrip(t *testing.T) {
	correlator := NewCorrelator()
	bridge := newBridge("bridge-1", []string{"control"})
	consumer := newConsumer("consumer-1", nil, nil, "")

	forwarded, failed := correlator.ForwardToBridges(protocol.ControlRequest{ID: "req-1", Action: "ping"}, consumer, []*Session{bridge})
	require.Nil(t, failed)
	assert.Equal(t, "req-1", forwarded.ID)
	assert.Equal(t, 1, forwarded.Delivered)
	assert.Equal(t, 1, correlator.Len())

	bridgeFrames := bridge.sender.(*fakeSender).Events()
	require.Len(t, bridgeFrames, 1)
	req, ok := bridgeFrames[0].(protocol.ControlRequest)
	require.True(t, ok)
	assert.Equal(t, "req-1", req.ID)

	correlator.Resolve(protocol.ControlResult{Type: "control_result", ID: "req-1", OK: true})

	consumerFrames := consumer.sender.(*fakeSender).Events()
	require.Len(t, consumerFrames, 1)
	res, ok := consumerFrames[0].(protocol.ControlResult)
	require.True(t, ok)
	assert.True(t, res.OK)
	assert.Equal(t, 0, correlator.Len())
}

func TestControlNoTargetsSynthesizesFailure(t *testing.T) {
	correlator := NewCorrelator()
	consumer := newConsumer("consumer-1", nil, nil, "")

	forwarded, failed := correlator.ForwardToBridges(protocol.ControlRequest{Action: "ping"}, consumer, nil)
	assert.Equal(t, protocol.ControlForwarded{}, forwarded)
	require.NotNil(t, failed)
	assert.False(t, failed.OK)
	assert.Contains(t, failed.Error.Message, "No bridge with control capability")
}

func TestControlResultDuplicateIsIgnored(t *testing.T) {
	correlator := NewCorrelator()
	bridge := newBridge("bridge-1", []string{"control"})
	consumer := newConsumer("consumer-1", nil, nil, "")

	_, _ = correlator.ForwardToBridges(protocol.ControlRequest{ID: "req-1", Action: "ping"}, consumer, []*Session{bridge})
	correlator.Resolve(protocol.ControlResult{Type: "control_result", ID: "req-1", OK: true})
	correlator.Resolve(protocol.ControlResult{Type: "control_result", ID: "req-1", OK: true})

	assert.Len(t, consumer.sender.(*fakeSender).Events(), 1, "the second control_result must be ignored")
}

func TestDropForSessionRemovesPendingEntries(t *testing.T) {
	correlator := NewCorrelator()
	bridge := newBridge("bridge-1", []string{"control"})
	consumer := newConsumer("consumer-1", nil, nil, "")

	_, _ = correlator.ForwardToBridges(protocol.ControlRequest{ID: "req-1", Action: "ping"}, consumer, []*Session{bridge})
	require.Equal(t, 1, correlator.Len())

	correlator.DropForSession(consumer.ClientID)
	assert.Equal(t, 0, correlator.Len())

	correlator.Resolve(protocol.ControlResult{Type: "control_result", ID: "req-1", OK: true})
	assert.Empty(t, consumer.sender.(*fakeSender).Events(), "resolving after the replyTo dropped must be silently ignored")
}

func TestControlBridgeToConsumerNoTargets(t *testing.T) {
	correlator := NewCorrelator()
	rt := NewRouter(10*time.Second, 500)
	bridge := newBridge("bridge-1", nil)

	forwarded, failed := correlator.ForwardToConsumers(protocol.ControlRequest{Action: "eval"}, bridge, rt, bridge, nil, time.Now())
	assert.Equal(t, protocol.ControlForwarded{}, forwarded)
	require.NotNil(t, failed)
	assert.Contains(t, failed.Error.Message, "No consumers connected")
}
