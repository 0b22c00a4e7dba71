package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWorkspaceLockSingleton reproduces spec.md §8 scenario 6's first half:
// host A acquires and publishes, host B fails immediately with "already
// running" because A's pid is alive and its heartbeat is fresh.
func TestWorkspaceLockSingleton(t *testing.T) {
	ws := t.TempDir()

	a := NewWorkspaceLock(ws, time.Hour)
	require.NoError(t, a.Acquire())
	_, err := a.Publish(9100, "secretA")
	require.NoError(t, err)

	b := NewWorkspaceLock(ws, time.Hour)
	err = b.Acquire()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

// TestWorkspaceLockReclaimsDeadPid reproduces the "replace A's lock with a
// fake pid" half of scenario 6: a lock file naming an unreachable pid is
// reclaimed immediately, heartbeat staleness notwithstanding.
func TestWorkspaceLockReclaimsDeadPid(t *testing.T) {
	ws := t.TempDir()

	a := NewWorkspaceLock(ws, time.Hour)
	require.NoError(t, a.Acquire())
	_, err := a.Publish(9100, "secretA")
	require.NoError(t, err)

	const deadPID = 999999
	require.NoError(t, a.writeAtomic(a.lockPath, LockInfo{PID: deadPID, StartedAt: time.Now(), WorkspacePath: ws}))

	c := NewWorkspaceLock(ws, time.Hour)
	assert.NoError(t, c.Acquire(), "a lock naming an unreachable pid must be reclaimed")
}

// TestWorkspaceLockReclaimsStaleHeartbeat reproduces the "waiting past
// staleness" half of scenario 6: even a live pid's lock is reclaimed once
// its discovery heartbeat goes stale.
func TestWorkspaceLockReclaimsStaleHeartbeat(t *testing.T) {
	ws := t.TempDir()
	staleness := 20 * time.Millisecond

	a := NewWorkspaceLock(ws, staleness)
	require.NoError(t, a.Acquire())
	_, err := a.Publish(9100, "secretA")
	require.NoError(t, err)

	time.Sleep(3 * staleness)

	c := NewWorkspaceLock(ws, staleness)
	assert.NoError(t, c.Acquire(), "a stale heartbeat must be reclaimed even though the pid is alive")
}

func TestWorkspaceLockResolveSecretPriority(t *testing.T) {
	ws := t.TempDir()
	w := NewWorkspaceLock(ws, time.Hour)

	envSecret, err := w.ResolveSecret("from-env")
	require.NoError(t, err)
	assert.Equal(t, "from-env", envSecret)

	require.NoError(t, w.Acquire())
	_, err = w.Publish(9100, "from-file")
	require.NoError(t, err)

	fileSecret, err := w.ResolveSecret("")
	require.NoError(t, err)
	assert.Equal(t, "from-file", fileSecret)

	fresh := NewWorkspaceLock(t.TempDir(), time.Hour)
	minted, err := fresh.ResolveSecret("")
	require.NoError(t, err)
	assert.Len(t, minted, 64, "a freshly minted secret is 256 bits of hex")
}

func TestWorkspaceLockHeld(t *testing.T) {
	ws := t.TempDir()
	w := NewWorkspaceLock(ws, time.Hour)
	require.NoError(t, w.Acquire())
	assert.NoError(t, w.Held())

	require.NoError(t, w.Release())
	assert.Error(t, w.Held())
}
