// Package supervisor keeps the backend HTTP process alive. It negotiates a
// port, starts the backend, probes its health endpoint, and restarts it with
// exponential backoff when it exits or stays unhealthy past the grace period.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	skifferrors "github.com/skiff-dev/skiff/internal/errors"
	"github.com/skiff-dev/skiff/internal/observability"
	"github.com/skiff-dev/skiff/internal/portlease"
)

// State names one phase of the backend lifecycle.
type State string

const (
	StateStarting   State = "starting"
	StateHealthy    State = "healthy"
	StateUnhealthy  State = "unhealthy"
	StateRestarting State = "restarting"
	StateStopped    State = "stopped"
)

// Snapshot is a point-in-time view of the supervised backend.
type Snapshot struct {
	State        State
	RestartCount int
	Port         int
	PID          int
	Err          error
	Since        time.Time
}

// StateChange is delivered to subscribers on every transition.
type StateChange struct {
	State        State
	RestartCount int
	Port         int
	Err          error
	At           time.Time
}

// PortAcquirer yields a usable backend port. Satisfied by
// portlease.Negotiator.
type PortAcquirer interface {
	Acquire(ctx context.Context) (*portlease.Lease, error)
}

// Config carries the knobs the supervisor runs with. Zero durations are
// replaced with conservative defaults in New.
type Config struct {
	Command        string
	Args           []string
	InstanceID     string
	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration
	UnhealthyGrace time.Duration
	HealthyReset   time.Duration
	MaxRestarts    int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	KillGrace      time.Duration
}

func (c *Config) fillDefaults() {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 2 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = time.Second
	}
	if c.UnhealthyGrace <= 0 {
		c.UnhealthyGrace = 5 * time.Second
	}
	if c.HealthyReset <= 0 {
		c.HealthyReset = 60 * time.Second
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 15 * time.Second
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 5 * time.Second
	}
}

// OnLease is invoked after each successful port acquisition, before the
// backend process starts. The runtime uses it to refresh the instance marker.
type OnLease func(lease *portlease.Lease, backendPID int)

// Supervisor drives the backend lifecycle state machine.
type Supervisor struct {
	cfg      Config
	ports    PortAcquirer
	onLease  OnLease
	probeCli *http.Client

	mu       sync.Mutex
	state    State
	restarts int
	port     int
	pid      int
	lastErr  error
	since    time.Time
	subs     map[int]chan StateChange
	nextSub  int
	started  bool

	cancel context.CancelFunc
	done   chan struct{}

	// Injectable for tests.
	startProcess func(ctx context.Context, port int) (Process, error)
	probe        func(ctx context.Context, port int) error
}

// New builds a supervisor. onLease may be nil.
func New(cfg Config, ports PortAcquirer, onLease OnLease) *Supervisor {
	cfg.fillDefaults()

	s := &Supervisor{
		cfg:     cfg,
		ports:   ports,
		onLease: onLease,
		probeCli: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   cfg.ProbeTimeout,
		},
		state: StateStopped,
		subs:  make(map[int]chan StateChange),
		done:  make(chan struct{}),
	}
	s.startProcess = func(ctx context.Context, port int) (Process, error) {
		return startBackend(ctx, cfg.Command, cfg.Args, port, cfg.InstanceID)
	}
	s.probe = s.httpProbe

	return s
}

// SetProcessStarter replaces how backend processes are launched. Call it
// before Start; tests substitute stub processes this way.
func (s *Supervisor) SetProcessStarter(fn func(ctx context.Context, port int) (Process, error)) {
	s.startProcess = fn
}

// SetProber replaces the health probe. Call it before Start.
func (s *Supervisor) SetProber(fn func(ctx context.Context, port int) error) {
	s.probe = fn
}

// Start launches the supervision loop. It returns once the loop is running;
// the backend reaching Healthy is observed through Subscribe or
// CurrentState. A supervisor is one-shot: once stopped it stays stopped.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already started")
	}
	s.started = true
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	go s.run(runCtx, observability.FromContext(ctx))

	return nil
}

// Stop terminates the backend and halts supervision. Safe to call twice.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-s.done
}

// CurrentState returns a snapshot of the backend.
func (s *Supervisor) CurrentState() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		State:        s.state,
		RestartCount: s.restarts,
		Port:         s.port,
		PID:          s.pid,
		Err:          s.lastErr,
		Since:        s.since,
	}
}

// Subscribe registers for state change events. Intermediate transitions may
// be dropped for slow consumers; the terminal Stopped event is always
// buffered ahead of cancellation. The returned func cancels the
// subscription.
func (s *Supervisor) Subscribe() (<-chan StateChange, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan StateChange, 16)
	s.subs[id] = ch

	// Seed with the current state so late subscribers see where things
	// stand without waiting for the next transition.
	ch <- StateChange{State: s.state, RestartCount: s.restarts, Port: s.port, Err: s.lastErr, At: time.Now()}

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}

	return ch, cancel
}

func (s *Supervisor) setState(state State, err error) {
	s.mu.Lock()
	s.state = state
	s.lastErr = err
	s.since = time.Now()

	ev := StateChange{
		State:        state,
		RestartCount: s.restarts,
		Port:         s.port,
		Err:          err,
		At:           s.since,
	}

	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	s.mu.Unlock()
}

func (s *Supervisor) run(ctx context.Context, logger *slog.Logger) {
	defer close(s.done)
	defer s.markStopped()

	for {
		if ctx.Err() != nil {
			return
		}

		s.setState(StateStarting, nil)

		lease, err := s.ports.Acquire(ctx)
		if err != nil {
			logger.Error("port negotiation failed", "error", err)
			s.recordFatal(fmt.Errorf("acquire port: %w", err))
			return
		}

		s.mu.Lock()
		s.port = lease.Port
		s.mu.Unlock()

		proc, err := s.startProcess(ctx, lease.Port)
		if err != nil {
			logger.Error("backend start failed", "port", lease.Port, "error", err)
			if !s.nextAttempt(ctx, err) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.pid = proc.PID()
		s.mu.Unlock()

		if s.onLease != nil {
			s.onLease(lease, proc.PID())
		}

		logger.Info("backend started",
			"port", lease.Port,
			"pid", proc.PID(),
			"outcome", string(lease.Outcome))

		err = s.superviseOnce(ctx, lease.Port, proc)
		if ctx.Err() != nil {
			proc.Terminate(s.cfg.KillGrace)
			return
		}

		logger.Warn("backend episode ended", "port", lease.Port, "error", err)

		if !s.nextAttempt(ctx, err) {
			return
		}
	}
}

// superviseOnce watches a single backend incarnation until it exits or stays
// unhealthy past the grace period.
func (s *Supervisor) superviseOnce(ctx context.Context, port int, proc Process) error {
	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()

	var unhealthySince time.Time
	var healthySince time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case waitErr := <-proc.Done():
			// A dead process is unhealthy immediately; the grace period
			// only applies to probe failures, not the transition.
			err := fmt.Errorf("backend exited: %w: %v", skifferrors.ErrBackendUnhealthy, waitErr)
			s.setState(StateUnhealthy, err)
			return err

		case <-ticker.C:
			if err := s.probe(ctx, port); err == nil {
				now := time.Now()
				unhealthySince = time.Time{}
				if healthySince.IsZero() {
					healthySince = now
				}
				if s.snapState() != StateHealthy {
					s.setState(StateHealthy, nil)
				}
				s.maybeResetRestarts(healthySince, now)
				continue
			}

			healthySince = time.Time{}
			if unhealthySince.IsZero() {
				unhealthySince = time.Now()
				s.setState(StateUnhealthy, skifferrors.ErrBackendUnhealthy)
			}
			if time.Since(unhealthySince) >= s.cfg.UnhealthyGrace {
				proc.Terminate(s.cfg.KillGrace)
				return fmt.Errorf("health probes failed for %s: %w", s.cfg.UnhealthyGrace, skifferrors.ErrBackendUnhealthy)
			}
		}
	}
}

// maybeResetRestarts forgives past restarts once the backend has been
// continuously healthy for the reset window.
func (s *Supervisor) maybeResetRestarts(healthySince, now time.Time) {
	if now.Sub(healthySince) < s.cfg.HealthyReset {
		return
	}

	s.mu.Lock()
	changed := s.restarts != 0
	s.restarts = 0
	s.mu.Unlock()

	if changed {
		s.setState(StateHealthy, nil)
	}
}

// nextAttempt charges one restart against the budget and sleeps the backoff.
// It reports false when the budget is exhausted or the context is done.
func (s *Supervisor) nextAttempt(ctx context.Context, cause error) bool {
	s.mu.Lock()
	s.restarts++
	count := s.restarts
	s.mu.Unlock()

	if count > s.cfg.MaxRestarts {
		s.recordFatal(fmt.Errorf("restart budget exhausted after %d attempts: %w: %v",
			count-1, skifferrors.ErrBackendFatal, cause))
		return false
	}

	s.setState(StateRestarting, cause)

	backoff := s.cfg.BackoffBase << (count - 1)
	if backoff > s.cfg.BackoffCap || backoff <= 0 {
		backoff = s.cfg.BackoffCap
	}

	select {
	case <-ctx.Done():
		return false
	case <-time.After(backoff):
		return true
	}
}

func (s *Supervisor) snapState() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

func (s *Supervisor) recordFatal(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Supervisor) markStopped() {
	s.mu.Lock()
	err := s.lastErr
	s.mu.Unlock()

	s.setState(StateStopped, err)
}

func (s *Supervisor) httpProbe(ctx context.Context, port int) error {
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	url := "http://127.0.0.1:" + strconv.Itoa(port) + "/healthz"
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := s.probeCli.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthz returned %d", resp.StatusCode)
	}

	return nil
}
