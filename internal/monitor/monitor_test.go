package monitor

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skiff-dev/skiff/internal/bridge"
	"github.com/skiff-dev/skiff/internal/session"
	"github.com/skiff-dev/skiff/internal/supervisor"
)

type fakeSessions struct {
	mu   sync.Mutex
	list []*session.Session
}

func (f *fakeSessions) List() []*session.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*session.Session(nil), f.list...)
}

func (f *fakeSessions) set(list []*session.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.list = list
}

type fakeBackend struct {
	snap   supervisor.Snapshot
	events chan supervisor.StateChange
}

func (f *fakeBackend) CurrentState() supervisor.Snapshot { return f.snap }

func (f *fakeBackend) Subscribe() (<-chan supervisor.StateChange, func()) {
	return f.events, func() {}
}

type forgetRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (f *forgetRecorder) Forget(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
}

func (f *forgetRecorder) forgotten() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

type closablePipe struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newClosablePipe() *closablePipe {
	r, w := io.Pipe()
	return &closablePipe{r: r, w: w}
}

func (p *closablePipe) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *closablePipe) Write(b []byte) (int, error) { return len(b), nil }
func (p *closablePipe) Close() error                { _ = p.w.Close(); return p.r.Close() }

func TestHealthSnapshot(t *testing.T) {
	sessions := &fakeSessions{}
	registry := bridge.NewRegistry()
	backend := &fakeBackend{snap: supervisor.Snapshot{State: supervisor.StateHealthy, Port: 4732}}

	m := New(10*time.Millisecond, 50*time.Millisecond, Deps{
		Sessions: sessions,
		Bridges:  registry,
		Backend:  backend,
	})
	m.Start(context.Background())
	defer m.Stop()

	h := m.Health()
	assert.Equal(t, supervisor.StateHealthy, h.Backend.State)
	assert.Equal(t, 4732, h.Backend.Port)
	assert.Zero(t, h.Sessions)
	assert.False(t, h.CheckedAt.IsZero())
}

func TestFinishedBridgeSweptAfterDrainGrace(t *testing.T) {
	sessions := &fakeSessions{}
	registry := bridge.NewRegistry()
	forgets := &forgetRecorder{}

	// A bridge whose session is already gone from the table.
	pipe := newClosablePipe()
	b := bridge.New(context.Background(), "gone", pipe, 1024)
	registry.Add("gone", b)

	m := New(10*time.Millisecond, 50*time.Millisecond, Deps{
		Sessions: sessions,
		Bridges:  registry,
		Backend:  &fakeBackend{},
		Exits:    forgets,
	})
	m.Start(context.Background())
	defer m.Stop()

	// Still draining: the bridge must not be swept while the PTY is open.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, registry.Len())

	// End of stream starts the drain clock.
	require.NoError(t, pipe.Close())

	require.Eventually(t, func() bool {
		return registry.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"gone"}, forgets.forgotten())
}

func TestLiveSessionBridgeIsKept(t *testing.T) {
	registry := bridge.NewRegistry()

	pipe := newClosablePipe()
	defer pipe.Close()

	b := bridge.New(context.Background(), "live", pipe, 1024)
	registry.Add("live", b)

	sessions := &fakeSessions{}
	sessions.set([]*session.Session{{ID: "live"}})

	m := New(10*time.Millisecond, 20*time.Millisecond, Deps{
		Sessions: sessions,
		Bridges:  registry,
		Backend:  &fakeBackend{},
	})
	m.Start(context.Background())
	defer m.Stop()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, registry.Len())
}

func TestBackendRestartTriggersImmediateReconcile(t *testing.T) {
	registry := bridge.NewRegistry()
	backend := &fakeBackend{events: make(chan supervisor.StateChange, 4)}

	pipe := newClosablePipe()
	b := bridge.New(context.Background(), "orphan", pipe, 1024)
	registry.Add("orphan", b)
	require.NoError(t, pipe.Close())

	// Interval long enough that only transition events drive reconciliation.
	m := New(time.Hour, time.Millisecond, Deps{
		Sessions: &fakeSessions{},
		Bridges:  registry,
		Backend:  backend,
	})
	m.Start(context.Background())
	defer m.Stop()

	require.Eventually(t, func() bool {
		select {
		case backend.events <- supervisor.StateChange{State: supervisor.StateRestarting}:
		default:
		}
		return registry.Len() == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestStopIsIdempotent(t *testing.T) {
	m := New(10*time.Millisecond, 20*time.Millisecond, Deps{
		Sessions: &fakeSessions{},
		Bridges:  bridge.NewRegistry(),
		Backend:  &fakeBackend{},
	})
	m.Start(context.Background())

	m.Stop()
	m.Stop()
}
