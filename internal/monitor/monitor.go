// Package monitor reconciles the runtime's session table against its
// bridges and keeps a cheap health snapshot for the status surface.
// Finished bridges linger for a drain grace so late attachers can still
// collect the replay tail and exit marker, then get swept.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/skiff-dev/skiff/internal/bridge"
	"github.com/skiff-dev/skiff/internal/observability"
	"github.com/skiff-dev/skiff/internal/session"
	"github.com/skiff-dev/skiff/internal/supervisor"
)

// Health is a point-in-time view of the whole runtime.
type Health struct {
	Backend   supervisor.Snapshot
	Sessions  int
	Bridges   int
	CheckedAt time.Time
}

// SessionLister is the slice of the session manager the monitor reads.
type SessionLister interface {
	List() []*session.Session
}

// BackendSource reports the supervised backend's state and its transitions.
type BackendSource interface {
	CurrentState() supervisor.Snapshot
	Subscribe() (<-chan supervisor.StateChange, func())
}

// ExitStore lets the monitor drop exit records it has swept.
type ExitStore interface {
	Forget(sessionID string)
}

// Deps bundles the monitor's collaborators. Exits may be nil.
type Deps struct {
	Sessions SessionLister
	Bridges  *bridge.Registry
	Backend  BackendSource
	Exits    ExitStore
}

// Monitor runs the reconciliation loop.
type Monitor struct {
	interval   time.Duration
	drainGrace time.Duration
	deps       Deps

	mu           sync.Mutex
	last         Health
	pendingDrain map[string]time.Time

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	now func() time.Time
}

// New builds a monitor. Zero durations get conservative defaults.
func New(interval, drainGrace time.Duration, deps Deps) *Monitor {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if drainGrace <= 0 {
		drainGrace = 3 * time.Second
	}

	return &Monitor{
		interval:     interval,
		drainGrace:   drainGrace,
		deps:         deps,
		pendingDrain: make(map[string]time.Time),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		now:          time.Now,
	}
}

// Start launches the loop. It reconciles once immediately so Health is
// meaningful right away, and again on backend restarts so cleanup does
// not wait for the next tick.
func (m *Monitor) Start(ctx context.Context) {
	m.reconcile(ctx)

	events, unsubscribe := m.deps.Backend.Subscribe()

	go func() {
		defer close(m.done)
		defer unsubscribe()

		logger := observability.FromContext(ctx)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				if ev.State == supervisor.StateRestarting || ev.State == supervisor.StateStopped {
					logger.Debug("backend transition", "state", string(ev.State), "restarts", ev.RestartCount)
					m.reconcile(ctx)
				}
			case <-ticker.C:
				m.reconcile(ctx)
			}
		}
	}()
}

// Stop halts the loop. Safe to call twice.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

// Health returns the latest reconciled snapshot.
func (m *Monitor) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.last
}

func (m *Monitor) reconcile(ctx context.Context) {
	logger := observability.FromContext(ctx)
	now := m.now()

	live := make(map[string]struct{})
	sessions := m.deps.Sessions.List()
	for _, s := range sessions {
		live[s.ID] = struct{}{}
	}

	for _, id := range m.deps.Bridges.IDs() {
		if _, ok := live[id]; ok {
			continue
		}

		b, err := m.deps.Bridges.Get(id)
		if err != nil {
			continue
		}

		select {
		case <-b.Done():
		default:
			// Session reaped but the PTY tail is still draining.
			continue
		}

		m.mu.Lock()
		since, pending := m.pendingDrain[id]
		if !pending {
			m.pendingDrain[id] = now
			m.mu.Unlock()
			continue
		}
		m.mu.Unlock()

		if now.Sub(since) < m.drainGrace {
			continue
		}

		m.deps.Bridges.Remove(id)
		if m.deps.Exits != nil {
			m.deps.Exits.Forget(id)
		}
		m.mu.Lock()
		delete(m.pendingDrain, id)
		m.mu.Unlock()

		logger.Debug("swept finished session", "session_id", id)
	}

	m.mu.Lock()
	m.last = Health{
		Backend:   m.deps.Backend.CurrentState(),
		Sessions:  len(sessions),
		Bridges:   m.deps.Bridges.Len(),
		CheckedAt: now,
	}
	m.mu.Unlock()
}
