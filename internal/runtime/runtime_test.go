//go:build unix

package runtime

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skiff-dev/skiff/internal/client"
	"github.com/skiff-dev/skiff/internal/config"
	skifferrors "github.com/skiff-dev/skiff/internal/errors"
	"github.com/skiff-dev/skiff/internal/portlease"
	"github.com/skiff-dev/skiff/internal/protocol"
	"github.com/skiff-dev/skiff/internal/supervisor"
)

type stubProc struct {
	doneCh chan error
}

func newStubProc() *stubProc { return &stubProc{doneCh: make(chan error, 1)} }

func (p *stubProc) PID() int           { return os.Getpid() }
func (p *stubProc) Done() <-chan error { return p.doneCh }
func (p *stubProc) Terminate(time.Duration) {
	select {
	case p.doneCh <- nil:
		close(p.doneCh)
	default:
	}
}

func testRuntime(t *testing.T) *Runtime {
	t.Helper()

	t.Setenv("XDG_STATE_HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg := config.Load()
	require.NoError(t, cfg.Set("backend.command", "fake-backend"))
	require.NoError(t, cfg.Set("backend.probe_interval", "10ms"))
	require.NoError(t, cfg.Set("backend.probe_timeout", "5ms"))
	require.NoError(t, cfg.Set("monitor.interval", "20ms"))

	r, err := New(cfg)
	require.NoError(t, err)

	// A stub backend keeps the lifecycle real without spawning anything.
	r.super.SetProcessStarter(func(ctx context.Context, port int) (supervisor.Process, error) {
		return newStubProc(), nil
	})
	r.super.SetProber(func(ctx context.Context, port int) error { return nil })

	return r
}

func TestRuntimeLifecycle(t *testing.T) {
	r := testRuntime(t)

	ctx := context.Background()
	require.NoError(t, r.Start(ctx))

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, r.WaitBackendReady(waitCtx))

	// The marker records this process while the runtime lives.
	marker, err := portlease.ReadMarker(r.markerPath)
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, os.Getpid(), marker.PID)
	assert.Equal(t, r.InstanceID(), marker.InstanceID)
	assert.NotZero(t, marker.Port)

	// Sessions work end to end through the socket.
	c, err := client.Dial(ctx, r.SocketPath())
	require.NoError(t, err)
	defer c.Close()

	opCtx, cancelOp := context.WithTimeout(ctx, 10*time.Second)
	defer cancelOp()

	id, err := c.Spawn(opCtx, protocol.SpawnRequest{Program: "sleep", Args: []string{"30"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		h := r.Health()
		return h.Sessions == 1 && h.Backend.State == supervisor.StateHealthy
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, c.Kill(opCtx, id))

	shutCtx, cancelShut := context.WithTimeout(ctx, 10*time.Second)
	defer cancelShut()
	require.NoError(t, r.Shutdown(shutCtx))

	// Marker and socket are gone afterwards.
	marker, err = portlease.ReadMarker(r.markerPath)
	require.NoError(t, err)
	assert.Nil(t, marker)

	_, err = os.Stat(r.SocketPath())
	assert.True(t, os.IsNotExist(err))

	// Shutdown twice is fine.
	require.NoError(t, r.Shutdown(context.Background()))
}

func TestRuntimeRefusesLiveMarker(t *testing.T) {
	r := testRuntime(t)

	// Another live process owns the marker.
	other := exec.Command("sleep", "60")
	require.NoError(t, other.Start())
	t.Cleanup(func() {
		_ = other.Process.Kill()
		_, _ = other.Process.Wait()
	})

	require.NoError(t, portlease.WriteMarker(r.markerPath, portlease.Marker{
		PID:        other.Process.Pid,
		InstanceID: "someone-else",
		Version:    "0.0.1",
		StartedAt:  time.Now(),
	}))

	err := r.Start(context.Background())
	require.Error(t, err)

	var cliErr *skifferrors.CLIError
	require.ErrorAs(t, err, &cliErr)
	assert.Equal(t, skifferrors.ExitGeneral, cliErr.Code)
}

func TestRuntimeReplacesDeadMarker(t *testing.T) {
	r := testRuntime(t)

	// A marker from a process that no longer exists.
	require.NoError(t, portlease.WriteMarker(r.markerPath, portlease.Marker{
		PID:        1 << 30,
		InstanceID: "ghost",
		Version:    "0.0.1",
		StartedAt:  time.Now().Add(-time.Hour),
	}))

	require.NoError(t, r.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	}()

	marker, err := portlease.ReadMarker(r.markerPath)
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, r.InstanceID(), marker.InstanceID)
}

func TestNewRequiresBackendCommand(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg := config.Load()

	_, err := New(cfg)
	require.Error(t, err)

	var cliErr *skifferrors.CLIError
	require.ErrorAs(t, err, &cliErr)
	assert.Equal(t, skifferrors.ExitConfig, cliErr.Code)
}
