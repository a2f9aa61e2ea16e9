// Package runtime assembles the pieces of a running skiff instance: the
// instance marker, the supervised backend, the session manager with its
// bridges, the monitor, and the local socket server. Startup is ordered so
// the socket only answers once everything behind it exists; shutdown walks
// the same order in reverse.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/skiff-dev/skiff/internal/bridge"
	"github.com/skiff-dev/skiff/internal/buildinfo"
	"github.com/skiff-dev/skiff/internal/config"
	skifferrors "github.com/skiff-dev/skiff/internal/errors"
	"github.com/skiff-dev/skiff/internal/monitor"
	"github.com/skiff-dev/skiff/internal/observability"
	"github.com/skiff-dev/skiff/internal/paths"
	"github.com/skiff-dev/skiff/internal/portlease"
	"github.com/skiff-dev/skiff/internal/session"
	"github.com/skiff-dev/skiff/internal/sockserv"
	"github.com/skiff-dev/skiff/internal/supervisor"
)

// Runtime is one skiff instance.
type Runtime struct {
	cfg        *config.Config
	instanceID string
	markerPath string
	socketPath string
	startedAt  time.Time

	exits    *session.ExitCache
	sessions *session.Manager
	bridges  *bridge.Registry
	super    *supervisor.Supervisor
	mon      *monitor.Monitor
	server   *sockserv.Server

	mu       sync.Mutex
	started  bool
	shutdown bool
}

// New wires a runtime from config. Nothing starts until Start.
func New(cfg *config.Config) (*Runtime, error) {
	if cfg.BackendCommand() == "" {
		return nil, skifferrors.BackendCommandMissing()
	}

	socketPath, err := cfg.SocketPath()
	if err != nil {
		return nil, fmt.Errorf("resolve socket path: %w", err)
	}

	markerPath, err := paths.MarkerPath()
	if err != nil {
		return nil, fmt.Errorf("resolve marker path: %w", err)
	}

	r := &Runtime{
		cfg:        cfg,
		instanceID: uuid.NewString(),
		markerPath: markerPath,
		socketPath: socketPath,
		exits:      session.NewExitCache(),
		bridges:    bridge.NewRegistry(),
	}

	r.sessions = session.NewManager(cfg.KillGrace(), r.exits.Record)

	negotiator := portlease.New(
		cfg.BackendPort(),
		cfg.PortSpan(),
		markerPath,
		r.instanceID,
		buildinfo.Version,
	)

	r.super = supervisor.New(supervisor.Config{
		Command:        cfg.BackendCommand(),
		Args:           cfg.BackendArgs(),
		InstanceID:     r.instanceID,
		ProbeInterval:  cfg.ProbeInterval(),
		ProbeTimeout:   cfg.ProbeTimeout(),
		UnhealthyGrace: cfg.UnhealthyGrace(),
		HealthyReset:   cfg.HealthyReset(),
		MaxRestarts:    cfg.MaxRestarts(),
		BackoffBase:    cfg.BackoffBase(),
		BackoffCap:     cfg.BackoffCap(),
		KillGrace:      cfg.KillGrace(),
	}, negotiator, r.refreshMarker)

	r.mon = monitor.New(cfg.MonitorInterval(), cfg.DrainGrace(), monitor.Deps{
		Sessions: r.sessions,
		Bridges:  r.bridges,
		Backend:  r.super,
		Exits:    r.exits,
	})

	r.server = sockserv.New(socketPath, cfg.ReadTimeout(), sockserv.Deps{
		Sessions: &sessionService{runtime: r},
		Bridges:  r.bridges,
		Status:   r.super,
		Exits:    r.exits,
	})

	return r, nil
}

// InstanceID identifies this runtime across the marker and backend env.
func (r *Runtime) InstanceID() string { return r.instanceID }

// SocketPath is where the protocol socket listens.
func (r *Runtime) SocketPath() string { return r.socketPath }

// Health returns the monitor's latest snapshot.
func (r *Runtime) Health() monitor.Health { return r.mon.Health() }

// Subscribe exposes backend state transitions for callers that need to
// react to the supervisor giving up.
func (r *Runtime) Subscribe() (<-chan supervisor.StateChange, func()) {
	return r.super.Subscribe()
}

// Start claims the instance marker, starts the supervisor and monitor, and
// finally binds the socket. A live marker from another process refuses
// startup.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("runtime already started")
	}
	r.started = true
	r.mu.Unlock()

	logger := observability.FromContext(ctx)

	if err := r.claimMarker(); err != nil {
		return err
	}

	if err := r.super.Start(ctx); err != nil {
		_ = portlease.RemoveMarker(r.markerPath)
		return err
	}

	r.mon.Start(ctx)

	if err := r.server.Start(ctx); err != nil {
		r.mon.Stop()
		r.super.Stop()
		_ = portlease.RemoveMarker(r.markerPath)
		return err
	}

	logger.Info("runtime started",
		"instance_id", r.instanceID,
		"socket", r.socketPath,
		"pid", os.Getpid())

	return nil
}

// WaitBackendReady blocks until the backend first reports healthy. A
// stopped supervisor or an expired ctx fails the wait.
func (r *Runtime) WaitBackendReady(ctx context.Context) error {
	events, cancel := r.super.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return skifferrors.BackendStartFailed(ctx.Err())
		case ev, ok := <-events:
			if !ok {
				return skifferrors.BackendStartFailed(nil)
			}
			switch ev.State {
			case supervisor.StateHealthy:
				return nil
			case supervisor.StateStopped:
				return skifferrors.BackendStartFailed(ev.Err)
			}
		}
	}
}

// Shutdown tears the runtime down in reverse start order: socket first so
// no new work arrives, then monitor, sessions, backend, marker.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil
	}
	r.shutdown = true
	r.mu.Unlock()

	logger := observability.FromContext(ctx)

	var errs []error

	if err := r.server.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close socket server: %w", err))
	}

	r.mon.Stop()

	if err := r.sessions.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close sessions: %w", err))
	}

	r.super.Stop()

	if err := portlease.RemoveMarker(r.markerPath); err != nil {
		errs = append(errs, err)
	}

	logger.Info("runtime stopped", "instance_id", r.instanceID)

	return errors.Join(errs...)
}

// claimMarker refuses to start while another live process owns the marker,
// and replaces markers left behind by dead ones.
func (r *Runtime) claimMarker() error {
	existing, err := portlease.ReadMarker(r.markerPath)
	if err != nil {
		return err
	}

	if existing != nil && existing.PID != os.Getpid() && processAlive(existing.PID) {
		return skifferrors.RuntimeAlreadyRunning(existing.PID)
	}

	r.startedAt = time.Now()

	return portlease.WriteMarker(r.markerPath, portlease.Marker{
		PID:        os.Getpid(),
		InstanceID: r.instanceID,
		Version:    buildinfo.Version,
		StartedAt:  r.startedAt,
	})
}

// refreshMarker records the backend's pid and port after each (re)start.
func (r *Runtime) refreshMarker(lease *portlease.Lease, backendPID int) {
	_ = portlease.WriteMarker(r.markerPath, portlease.Marker{
		PID:        os.Getpid(),
		BackendPID: backendPID,
		Port:       lease.Port,
		InstanceID: r.instanceID,
		Version:    buildinfo.Version,
		StartedAt:  r.startedAt,
	})
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	err := unix.Kill(pid, 0)

	return err == nil || errors.Is(err, unix.EPERM)
}

// sessionService adapts the session manager for the socket server, creating
// one forward bridge per spawned session.
type sessionService struct {
	runtime *Runtime
}

func (s *sessionService) Spawn(ctx context.Context, opts session.SpawnOptions) (*session.Session, error) {
	r := s.runtime

	sess, err := r.sessions.Spawn(ctx, opts)
	if err != nil {
		return nil, err
	}

	r.bridges.Add(sess.ID, bridge.New(ctx, sess.ID, sess.PTY(), r.cfg.RingSize()))

	return sess, nil
}

func (s *sessionService) Resize(id string, rows, cols uint16) error {
	return s.runtime.sessions.Resize(id, rows, cols)
}

func (s *sessionService) Kill(id string) error {
	return s.runtime.sessions.Kill(id)
}

func (s *sessionService) List() []*session.Session {
	return s.runtime.sessions.List()
}
