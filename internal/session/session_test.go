//go:build unix

package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	skifferrors "github.com/skiff-dev/skiff/internal/errors"
)

func waitDone(t *testing.T, s *Session, timeout time.Duration) {
	t.Helper()

	select {
	case <-s.Done():
	case <-time.After(timeout):
		t.Fatalf("session %s did not exit in %s", s.ID, timeout)
	}
}

func TestSpawnReapsExitCode(t *testing.T) {
	var (
		mu    sync.Mutex
		exits []ExitInfo
	)

	m := NewManager(time.Second, func(info ExitInfo) {
		mu.Lock()
		exits = append(exits, info)
		mu.Unlock()
	})

	s, err := m.Spawn(context.Background(), SpawnOptions{
		Program: "sh",
		Args:    []string{"-c", "exit 3"},
	})
	require.NoError(t, err)

	waitDone(t, s, 5*time.Second)

	code, ok := s.ExitCode()
	assert.True(t, ok)
	assert.Equal(t, 3, code)
	assert.False(t, s.Killed())

	// The session leaves the table before the hook fires.
	_, err = m.Get(s.ID)
	assert.ErrorIs(t, err, skifferrors.ErrSessionNotFound)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(exits) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, s.ID, exits[0].SessionID)
	assert.Equal(t, 3, exits[0].ExitCode)
	assert.False(t, exits[0].Killed)
}

func TestSpawnOutputReadableFromPTY(t *testing.T) {
	m := NewManager(time.Second, nil)

	s, err := m.Spawn(context.Background(), SpawnOptions{
		Program: "sh",
		Args:    []string{"-c", "echo ready; sleep 30"},
	})
	require.NoError(t, err)
	defer func() { _ = m.Kill(s.ID) }()

	buf := make([]byte, 1024)
	deadline := time.Now().Add(5 * time.Second)
	var out strings.Builder
	for time.Now().Before(deadline) {
		n, err := s.PTY().Read(buf)
		if n > 0 {
			out.Write(buf[:n])
		}
		if strings.Contains(out.String(), "ready") {
			return
		}
		if err != nil {
			break
		}
	}

	t.Fatalf("expected %q in PTY output, got %q", "ready", out.String())
}

func TestResize(t *testing.T) {
	m := NewManager(time.Second, nil)

	s, err := m.Spawn(context.Background(), SpawnOptions{
		Program: "sleep",
		Args:    []string{"30"},
	})
	require.NoError(t, err)
	defer func() { _ = m.Kill(s.ID) }()

	require.NoError(t, m.Resize(s.ID, 50, 120))

	ws, err := pty.GetsizeFull(s.PTY())
	require.NoError(t, err)
	assert.Equal(t, uint16(50), ws.Rows)
	assert.Equal(t, uint16(120), ws.Cols)
}

func TestResizeUnknownSession(t *testing.T) {
	m := NewManager(time.Second, nil)

	err := m.Resize("no-such-session", 24, 80)
	assert.ErrorIs(t, err, skifferrors.ErrSessionNotFound)
}

func TestKillIsIdempotentWhileAlive(t *testing.T) {
	m := NewManager(500*time.Millisecond, nil)

	// Ignore SIGTERM so the session stays alive between the two kills.
	s, err := m.Spawn(context.Background(), SpawnOptions{
		Program: "sh",
		Args:    []string{"-c", `trap "" TERM; sleep 60`},
	})
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)

	require.NoError(t, m.Kill(s.ID))
	require.NoError(t, m.Kill(s.ID))

	waitDone(t, s, 5*time.Second)

	assert.True(t, s.Killed())
	code, ok := s.ExitCode()
	assert.True(t, ok)
	assert.Equal(t, -1, code)

	// Once reaped, the id is gone.
	err = m.Kill(s.ID)
	assert.ErrorIs(t, err, skifferrors.ErrSessionNotFound)
}

func TestKillAfterExitReportsSessionNotFound(t *testing.T) {
	m := NewManager(time.Second, nil)

	s, err := m.Spawn(context.Background(), SpawnOptions{
		Program: "sh",
		Args:    []string{"-c", "exit 0"},
	})
	require.NoError(t, err)

	waitDone(t, s, 5*time.Second)

	// Reaping removes the id from the table, so every kill from here on
	// reports the same not-found error rather than silently succeeding.
	err = m.Kill(s.ID)
	assert.ErrorIs(t, err, skifferrors.ErrSessionNotFound)
	err = m.Kill(s.ID)
	assert.ErrorIs(t, err, skifferrors.ErrSessionNotFound)
}

func TestKillEscalatesToSIGKILL(t *testing.T) {
	m := NewManager(100*time.Millisecond, nil)

	s, err := m.Spawn(context.Background(), SpawnOptions{
		Program: "sh",
		Args:    []string{"-c", `trap "" TERM; sleep 60`},
	})
	require.NoError(t, err)

	// Give the shell a moment to install the trap.
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, m.Kill(s.ID))
	waitDone(t, s, 5*time.Second)
	assert.True(t, s.Killed())
}

func TestCloseKillsEverything(t *testing.T) {
	m := NewManager(time.Second, nil)

	for range 3 {
		_, err := m.Spawn(context.Background(), SpawnOptions{
			Program: "sleep",
			Args:    []string{"60"},
		})
		require.NoError(t, err)
	}
	require.Len(t, m.List(), 3)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.Close(ctx))

	assert.Empty(t, m.List())

	// Spawning on a closed manager fails.
	_, err := m.Spawn(context.Background(), SpawnOptions{Program: "sleep", Args: []string{"1"}})
	assert.ErrorIs(t, err, skifferrors.ErrSpawnFailed)
}

func TestListOrderedByStartTime(t *testing.T) {
	m := NewManager(time.Second, nil)

	ids := make([]string, 0, 3)
	for range 3 {
		s, err := m.Spawn(context.Background(), SpawnOptions{
			Program: "sleep",
			Args:    []string{"60"},
		})
		require.NoError(t, err)
		ids = append(ids, s.ID)
		time.Sleep(5 * time.Millisecond)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	}()

	listed := m.List()
	require.Len(t, listed, 3)
	for i, s := range listed {
		assert.Equal(t, ids[i], s.ID)
	}
}

func TestSessionEnv(t *testing.T) {
	t.Setenv("TERM", "dumb")
	t.Setenv("SKIFF_TEST_SENTINEL", "orig")

	env := sessionEnv(map[string]string{
		"SKIFF_TEST_SENTINEL": "override",
		"SKIFF_TEST_EXTRA":    "added",
	})

	assert.Contains(t, env, "TERM=dumb")
	assert.Contains(t, env, "SKIFF_TEST_SENTINEL=override")
	assert.Contains(t, env, "SKIFF_TEST_EXTRA=added")
	assert.NotContains(t, env, "SKIFF_TEST_SENTINEL=orig")
}
