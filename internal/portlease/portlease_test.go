package portlease

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	skifferrors "github.com/skiff-dev/skiff/internal/errors"
)

func testNegotiator(t *testing.T) *Negotiator {
	t.Helper()

	n := New(4732, 4, filepath.Join(t.TempDir(), "instance.toml"), "instance-current", "1.2.0")
	n.ProbeTimeout = 200 * time.Millisecond
	n.ReclaimGrace = 500 * time.Millisecond

	return n
}

// fakeBind returns a bind function that fails for every port in busy.
func fakeBind(busy map[int]bool) func(int) (net.Listener, error) {
	return func(port int) (net.Listener, error) {
		if busy[port] {
			return nil, fmt.Errorf("bind 127.0.0.1:%d: address already in use", port)
		}

		// A listener on an OS-chosen port stands in for the probe bind.
		return net.Listen("tcp", "127.0.0.1:0")
	}
}

func TestAcquire_PreferredFree(t *testing.T) {
	n := testNegotiator(t)
	n.bind = fakeBind(map[int]bool{})
	n.probe = func(context.Context, int) (*Greeting, error) {
		t.Fatal("probe must not run when the preferred port is free")
		return nil, nil
	}

	lease, err := n.Acquire(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 4732, lease.Port)
	assert.Equal(t, OutcomeFree, lease.Outcome)
}

func TestAcquire_ForeignOccupantGetsAlternate(t *testing.T) {
	n := testNegotiator(t)
	n.bind = fakeBind(map[int]bool{4732: true})
	n.probe = func(context.Context, int) (*Greeting, error) {
		return &Greeting{App: "postgres", PID: 999}, nil
	}

	terminated := false
	n.terminate = func(context.Context, int) error {
		terminated = true
		return nil
	}

	lease, err := n.Acquire(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 4733, lease.Port)
	assert.Equal(t, OutcomeAlternate, lease.Outcome)
	assert.False(t, terminated, "a foreign occupant must never be terminated")
}

func TestAcquire_UnresponsiveOccupantGetsAlternate(t *testing.T) {
	n := testNegotiator(t)
	n.bind = fakeBind(map[int]bool{4732: true})
	n.probe = func(context.Context, int) (*Greeting, error) {
		return nil, errors.New("connection refused")
	}

	lease, err := n.Acquire(t.Context())
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlternate, lease.Outcome)
}

func TestAcquire_ReclaimsVerifiedStaleInstance(t *testing.T) {
	n := testNegotiator(t)

	require.NoError(t, WriteMarker(n.MarkerPath, Marker{
		PID:        100,
		BackendPID: 4242,
		Port:       4732,
		InstanceID: "instance-old",
		Version:    "1.1.9",
		StartedAt:  time.Now().Add(-time.Hour),
	}))

	busy := map[int]bool{4732: true}
	n.bind = fakeBind(busy)
	n.probe = func(context.Context, int) (*Greeting, error) {
		return &Greeting{App: BackendApp, Version: "1.1.9", InstanceID: "instance-old", PID: 4242}, nil
	}

	var terminatedPID int
	n.terminate = func(_ context.Context, pid int) error {
		terminatedPID = pid
		delete(busy, 4732) // port frees once the stale process dies
		return nil
	}

	lease, err := n.Acquire(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 4732, lease.Port)
	assert.Equal(t, OutcomeReclaimed, lease.Outcome)
	assert.Equal(t, 4242, terminatedPID)
}

func TestAcquire_PIDMismatchIsNotReclaimed(t *testing.T) {
	n := testNegotiator(t)

	require.NoError(t, WriteMarker(n.MarkerPath, Marker{BackendPID: 4242, InstanceID: "instance-old"}))

	n.bind = fakeBind(map[int]bool{4732: true})
	n.probe = func(context.Context, int) (*Greeting, error) {
		// Same app name but a pid the marker never recorded.
		return &Greeting{App: BackendApp, Version: "1.1.9", InstanceID: "instance-old", PID: 7777}, nil
	}
	n.terminate = func(context.Context, int) error {
		t.Fatal("must not terminate on pid mismatch")
		return nil
	}

	lease, err := n.Acquire(t.Context())
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlternate, lease.Outcome)
}

func TestAcquire_MajorVersionMismatchIsNotReclaimed(t *testing.T) {
	n := testNegotiator(t)

	require.NoError(t, WriteMarker(n.MarkerPath, Marker{BackendPID: 4242, InstanceID: "instance-old"}))

	n.bind = fakeBind(map[int]bool{4732: true})
	n.probe = func(context.Context, int) (*Greeting, error) {
		return &Greeting{App: BackendApp, Version: "2.0.0", InstanceID: "instance-old", PID: 4242}, nil
	}
	n.terminate = func(context.Context, int) error {
		t.Fatal("must not terminate across major versions")
		return nil
	}

	lease, err := n.Acquire(t.Context())
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlternate, lease.Outcome)
}

func TestAcquire_PortExhausted(t *testing.T) {
	n := testNegotiator(t)

	busy := map[int]bool{}
	for port := 4732; port <= 4732+n.Span; port++ {
		busy[port] = true
	}

	n.bind = fakeBind(busy)
	n.probe = func(context.Context, int) (*Greeting, error) {
		return nil, errors.New("connection refused")
	}

	_, err := n.Acquire(t.Context())
	assert.ErrorIs(t, err, skifferrors.ErrPortExhausted)
}

func TestAcquire_RealListenerOccupiesPreferred(t *testing.T) {
	// A plain TCP listener that never speaks HTTP is a non-stale occupant:
	// Acquire must pick an alternate and leave it running.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	port := listener.Addr().(*net.TCPAddr).Port

	n := New(port, 4, filepath.Join(t.TempDir(), "instance.toml"), "instance-current", "1.2.0")
	n.ProbeTimeout = 200 * time.Millisecond

	lease, err := n.Acquire(t.Context())
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlternate, lease.Outcome)
	assert.NotEqual(t, port, lease.Port)

	// The occupant is still alive.
	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	_ = conn.Close()
}

func TestVersionCompatible(t *testing.T) {
	tests := []struct {
		name     string
		current  string
		occupant string
		want     bool
	}{
		{"same major", "1.2.0", "1.0.5", true},
		{"different major", "1.2.0", "2.0.0", false},
		{"dev build accepts versioned", "dev", "1.2.0", true},
		{"garbage occupant version", "1.2.0", "not-a-version", false},
		{"dev build rejects garbage", "dev", "???", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, versionCompatible(tt.current, tt.occupant))
		})
	}
}

func TestMarkerRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instance.toml")

	// Missing marker is not an error.
	m, err := ReadMarker(path)
	require.NoError(t, err)
	assert.Nil(t, m)

	want := Marker{
		PID:        123,
		BackendPID: 456,
		Port:       4732,
		InstanceID: "instance-a",
		Version:    "1.2.0",
		StartedAt:  time.Now().UTC().Truncate(time.Second),
	}

	require.NoError(t, WriteMarker(path, want))

	got, err := ReadMarker(path)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.BackendPID, got.BackendPID)
	assert.Equal(t, want.InstanceID, got.InstanceID)

	require.NoError(t, RemoveMarker(path))
	require.NoError(t, RemoveMarker(path)) // idempotent
}
