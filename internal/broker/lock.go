package broker

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aria-bridge/aria-bridge/internal/observability"
)

const (
	lockDir      = ".aria"
	lockFileName = "aria-bridge.lock"
	discoverFile = "aria-bridge.json"
)

// LockInfo is spec.md §3's Workspace Lock entity.
type LockInfo struct {
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"startedAt"`
	WorkspacePath string    `json:"workspacePath"`
}

// Discovery is spec.md §3's Discovery Metadata entity, written to
// .aria/aria-bridge.json.
type Discovery struct {
	URL           string    `json:"url"`
	Port          int       `json:"port"`
	Secret        string    `json:"secret"`
	WorkspacePath string    `json:"workspacePath"`
	StartedAt     time.Time `json:"startedAt"`
	PID           int       `json:"pid"`
	HeartbeatAt   time.Time `json:"heartbeatAt"`
}

// WorkspaceLock is the singleton guard described in spec.md §4.1.
type WorkspaceLock struct {
	workspace string
	staleness time.Duration

	lockPath      string
	discoveryPath string

	startedAt time.Time
}

func NewWorkspaceLock(workspace string, staleness time.Duration) *WorkspaceLock {
	dir := filepath.Join(workspace, lockDir)
	return &WorkspaceLock{
		workspace:     workspace,
		staleness:     staleness,
		lockPath:      filepath.Join(dir, lockFileName),
		discoveryPath: filepath.Join(dir, discoverFile),
	}
}

// Acquire implements spec.md §4.1's Acquire operation: reclaim a stale or
// dead lock, otherwise fail loudly naming the conflicting pid.
func (w *WorkspaceLock) Acquire() error {
	span := observability.StartSpan("lock.acquire", map[string]any{"workspace": w.workspace})
	defer span.End()

	if err := os.MkdirAll(filepath.Join(w.workspace, lockDir), 0755); err != nil {
		err = fmt.Errorf("create lock dir: %w", err)
		span.SetError(err)
		return err
	}

	existing, err := w.readLock()
	if err == nil {
		alive := pidAlive(existing.PID)
		stale := w.heartbeatStale()
		if alive && !stale {
			err := fmt.Errorf("host already running: pid %d holds %s", existing.PID, w.lockPath)
			span.SetAttribute("conflict_pid", existing.PID)
			span.SetError(err)
			return err
		}
		log.Printf("broker: Stale lock detected (pid %d, alive=%v), reclaiming %s", existing.PID, alive, w.lockPath)
	} else if !os.IsNotExist(err) {
		err = fmt.Errorf("read lock file: %w", err)
		span.SetError(err)
		return err
	}

	w.startedAt = time.Now()
	info := LockInfo{PID: os.Getpid(), StartedAt: w.startedAt, WorkspacePath: w.workspace}
	if err := w.writeAtomic(w.lockPath, info); err != nil {
		err = fmt.Errorf("write lock file: %w", err)
		span.SetError(err)
		return err
	}
	return nil
}

// Publish implements spec.md §4.1's Publish operation.
func (w *WorkspaceLock) Publish(port int, secret string) (Discovery, error) {
	d := Discovery{
		URL:           fmt.Sprintf("ws://127.0.0.1:%d", port),
		Port:          port,
		Secret:        secret,
		WorkspacePath: w.workspace,
		StartedAt:     w.startedAt,
		PID:           os.Getpid(),
		HeartbeatAt:   time.Now(),
	}
	if err := w.writeAtomic(w.discoveryPath, d); err != nil {
		return Discovery{}, fmt.Errorf("write discovery file: %w", err)
	}
	return d, nil
}

// ResolveSecret implements the secret priority rule: explicit env override
// > previously-written secret > freshly minted random 256-bit hex.
func (w *WorkspaceLock) ResolveSecret(envOverride string) (string, error) {
	if envOverride != "" {
		return envOverride, nil
	}
	if d, err := w.readDiscovery(); err == nil && d.Secret != "" {
		return d.Secret, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("mint secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Heartbeat rewrites heartbeatAt in-place, per spec.md §4.1. Failures here
// are non-fatal: the caller logs and retries on the next tick.
func (w *WorkspaceLock) Heartbeat() error {
	d, err := w.readDiscovery()
	if err != nil {
		return fmt.Errorf("read discovery for heartbeat: %w", err)
	}
	d.HeartbeatAt = time.Now()
	if err := w.writeAtomic(w.discoveryPath, d); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	return nil
}

// Release removes the lock file on orderly shutdown.
func (w *WorkspaceLock) Release() error {
	if err := os.Remove(w.lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// Held reports whether the lock file still names this process, for use as
// a health check (pkg/observability.WorkspaceLockCheck).
func (w *WorkspaceLock) Held() error {
	info, err := w.readLock()
	if err != nil {
		return fmt.Errorf("lock file missing: %w", err)
	}
	if info.PID != os.Getpid() {
		return fmt.Errorf("lock file now names pid %d, not us", info.PID)
	}
	return nil
}

func (w *WorkspaceLock) heartbeatStale() bool {
	d, err := w.readDiscovery()
	if err != nil {
		return true
	}
	return time.Since(d.HeartbeatAt) > w.staleness
}

func (w *WorkspaceLock) readLock() (LockInfo, error) {
	var info LockInfo
	data, err := os.ReadFile(w.lockPath)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("parse lock file: %w", err)
	}
	return info, nil
}

func (w *WorkspaceLock) readDiscovery() (Discovery, error) {
	var d Discovery
	data, err := os.ReadFile(w.discoveryPath)
	if err != nil {
		return d, err
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("parse discovery file: %w", err)
	}
	return d, nil
}

// writeAtomic writes a JSON document via a temp file + rename, so readers
// never observe a partial write (spec.md §4.1's "atomically").
func (w *WorkspaceLock) writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// pidAlive reports whether a process with the given pid can be signaled.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}
