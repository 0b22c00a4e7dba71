package broker

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/aria-bridge/aria-bridge/internal/audit"
	"github.com/aria-bridge/aria-bridge/internal/observability"
	"github.com/aria-bridge/aria-bridge/pkg/config"
	pkgobservability "github.com/aria-bridge/aria-bridge/pkg/observability"
)

// Host wires the workspace lock, the broker, the transport acceptor, and
// the two periodic jobs spec.md §5 names as timers (5s discovery heartbeat,
// 15s HTTP session staleness sweep) into one runnable unit. Grounded on
// cmd/aixgo/main.go's goroutine-plus-error-channel bootstrap, generalized
// to an errgroup because this host supervises three long-running loops
// instead of two, plus a cron scheduler for the periodic jobs the teacher
// never actually used.
type Host struct {
	cfg    *config.Config
	lock   *WorkspaceLock
	broker *Broker
	http   *HTTPSessionManager
	accept *Acceptor
	sched  *cron.Cron
	admin  *pkgobservability.Server

	Port      int
	AdminPort int
	Secret    string
}

func NewHost(cfg *config.Config) *Host {
	lock := NewWorkspaceLock(cfg.Workspace, cfg.Timeouts.LockStaleness)
	return &Host{cfg: cfg, lock: lock}
}

// Start acquires the workspace lock, binds a port, publishes discovery, and
// wires the broker + acceptor. It does not block; call Run to serve.
func (h *Host) Start() error {
	if err := h.lock.Acquire(); err != nil {
		return fmt.Errorf("acquire workspace lock: %w", err)
	}

	secret, err := h.lock.ResolveSecret(h.cfg.Secret)
	if err != nil {
		return fmt.Errorf("resolve secret: %w", err)
	}
	h.Secret = secret

	port, err := choosePort(h.cfg.Port)
	if err != nil {
		return fmt.Errorf("choose port: %w", err)
	}
	h.Port = port

	if _, err := h.lock.Publish(port, secret); err != nil {
		return fmt.Errorf("publish discovery: %w", err)
	}

	h.broker = NewBroker(secret, h.cfg.Timeouts.OverloadWindow, h.cfg.Timeouts.OverloadLimit, h.cfg.Timeouts.ScreenshotMinInterval, audit.NewJSONLogger(os.Stdout))
	h.http = NewHTTPSessionManager(h.broker)
	h.accept = NewAcceptor(h.broker, h.http, port)

	h.sched = cron.New(cron.WithSeconds())
	if _, err := h.sched.AddFunc("@every 5s", h.tickHeartbeat); err != nil {
		return fmt.Errorf("schedule discovery heartbeat: %w", err)
	}
	if _, err := h.sched.AddFunc("@every 15s", h.tickStaleSweep); err != nil {
		return fmt.Errorf("schedule staleness sweep: %w", err)
	}

	if err := observability.Init(observability.Config{
		ServiceName:  observability.DefaultServiceName,
		Enabled:      h.cfg.Observability.Enabled,
		ExporterType: h.cfg.Observability.ExporterType,
		OTLPEndpoint: h.cfg.Observability.OTLPEndpoint,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	pkgobservability.InitMetrics()
	healthChecker := pkgobservability.InitHealthChecker()
	healthChecker.RegisterCheck(pkgobservability.WorkspaceLockCheck(func(context.Context) error { return h.lock.Held() }))

	adminPort, err := choosePort(h.cfg.AdminPort)
	if err != nil {
		return fmt.Errorf("choose admin port: %w", err)
	}
	h.AdminPort = adminPort
	h.admin = pkgobservability.NewServer(adminPort)

	return nil
}

func (h *Host) tickHeartbeat() {
	if err := h.lock.Heartbeat(); err != nil {
		log.Printf("broker: heartbeat write failed: %v", err)
	}
}

func (h *Host) tickStaleSweep() {
	h.http.SweepStale(protocolSessionStaleness(h.cfg))
}

func protocolSessionStaleness(cfg *config.Config) time.Duration {
	if cfg.Timeouts.HTTPSessionStaleness > 0 {
		return cfg.Timeouts.HTTPSessionStaleness
	}
	return 15 * time.Second
}

// Run serves the transport acceptor and the cron scheduler until ctx is
// canceled, then performs an orderly shutdown — spec.md §5's SIGINT/SIGTERM
// handling, with the signal itself wired up by the caller (cmd/aria-bridge).
func (h *Host) Run(ctx context.Context) error {
	h.sched.Start()
	defer h.sched.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := h.accept.Serve(); err != nil && err.Error() != "http: Server closed" {
			return fmt.Errorf("transport acceptor: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return h.accept.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := h.admin.Start(); err != nil && err.Error() != "http: Server closed" {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return h.admin.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if relErr := h.lock.Release(); relErr != nil {
		log.Printf("broker: release lock failed: %v", relErr)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if obsErr := observability.Shutdown(shutdownCtx); obsErr != nil {
		log.Printf("broker: tracing shutdown failed: %v", obsErr)
	}
	return err
}

// Broker exposes the underlying broker for the admin REPL.
func (h *Host) Broker() *Broker { return h.broker }

// choosePort binds preferred (or an ephemeral port when preferred is 0),
// falling back to the next available port on conflict, per spec.md §4.1's
// Publish operation.
func choosePort(preferred int) (int, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", preferred))
	if err != nil {
		ln, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return 0, fmt.Errorf("bind any port: %w", err)
		}
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port, nil
}
