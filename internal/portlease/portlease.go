// Package portlease negotiates the backend's local listen port.
//
// The negotiator tries the preferred port first. When the port is taken it
// probes the occupant with the backend greeting handshake: only a process
// that identifies as a compatible skiff backend, and whose pid matches the
// instance marker left by a prior run, is treated as a stale instance and
// reclaimed. Any other occupant keeps its port and the negotiator probes a
// bounded range of alternates instead.
package portlease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/sys/unix"

	skifferrors "github.com/skiff-dev/skiff/internal/errors"
	"github.com/skiff-dev/skiff/internal/observability"
)

// BackendApp is the application name a reclaimable occupant must report.
const BackendApp = "skiff-backend"

// Outcome describes how the lease's port was obtained.
type Outcome string

const (
	// OutcomeFree means the preferred port bound on the first attempt.
	OutcomeFree Outcome = "free"
	// OutcomeReclaimed means a stale instance was terminated to free the preferred port.
	OutcomeReclaimed Outcome = "reclaimed"
	// OutcomeAlternate means a different port in the probe range was chosen.
	OutcomeAlternate Outcome = "alternate"
)

// Lease is the negotiation result, consumed once by the supervisor. The probe
// listener is already closed; the port is expected to be bound by the backend
// immediately after.
type Lease struct {
	Port    int
	Outcome Outcome
}

// Greeting is the identity a running backend reports on its health endpoint.
type Greeting struct {
	App        string `json:"app"`
	Version    string `json:"version"`
	InstanceID string `json:"instance_id"`
	PID        int    `json:"pid"`
}

// Negotiator acquires a port lease for the supervised backend.
type Negotiator struct {
	// Preferred is the first port attempted.
	Preferred int

	// Span is how many consecutive alternates are probed after Preferred.
	Span int

	// MarkerPath locates the instance marker from a prior run.
	MarkerPath string

	// InstanceID identifies this run; a greeting carrying the same id is not stale.
	InstanceID string

	// Version is this build's version, used for the compatibility gate.
	Version string

	// ProbeTimeout bounds the greeting request to an occupant.
	ProbeTimeout time.Duration

	// ReclaimGrace bounds SIGTERM-to-SIGKILL escalation of a stale instance.
	ReclaimGrace time.Duration

	// Injectable for tests.
	bind      func(port int) (net.Listener, error)
	probe     func(ctx context.Context, port int) (*Greeting, error)
	terminate func(ctx context.Context, pid int) error
}

// New returns a negotiator with the default bind/probe/terminate wiring.
func New(preferred, span int, markerPath, instanceID, version string) *Negotiator {
	n := &Negotiator{
		Preferred:    preferred,
		Span:         span,
		MarkerPath:   markerPath,
		InstanceID:   instanceID,
		Version:      version,
		ProbeTimeout: 1 * time.Second,
		ReclaimGrace: 3 * time.Second,
	}

	n.bind = defaultBind
	n.probe = n.defaultProbe
	n.terminate = n.defaultTerminate

	return n
}

// Acquire negotiates a port. It never terminates a process it has not
// verified to be a stale instance of this application.
func (n *Negotiator) Acquire(ctx context.Context) (*Lease, error) {
	logger := observability.FromContext(ctx).With("component", "portlease")

	listener, err := n.bind(n.Preferred)
	if err == nil {
		_ = listener.Close()

		logger.Debug("preferred port free", "port", n.Preferred)

		return &Lease{Port: n.Preferred, Outcome: OutcomeFree}, nil
	}

	logger.Debug("preferred port occupied", "port", n.Preferred, "error", err.Error())

	if lease := n.tryReclaim(ctx); lease != nil {
		return lease, nil
	}

	for port := n.Preferred + 1; port <= n.Preferred+n.Span; port++ {
		listener, bindErr := n.bind(port)
		if bindErr != nil {
			continue
		}

		_ = listener.Close()

		logger.Info("using alternate port", "port", port, "preferred", n.Preferred)

		return &Lease{Port: port, Outcome: OutcomeAlternate}, nil
	}

	return nil, fmt.Errorf("ports %d-%d: %w", n.Preferred, n.Preferred+n.Span, skifferrors.ErrPortExhausted)
}

// tryReclaim returns a lease on the preferred port if its occupant is a
// verified stale instance, nil otherwise.
func (n *Negotiator) tryReclaim(ctx context.Context) *Lease {
	logger := observability.FromContext(ctx).With("component", "portlease")

	greeting, err := n.probe(ctx, n.Preferred)
	if err != nil || greeting == nil {
		return nil
	}

	if !n.reclaimable(greeting) {
		logger.Debug("occupant is not a stale instance, leaving it alone",
			"app", greeting.App, "pid", greeting.PID)

		return nil
	}

	logger.Warn("reclaiming port from stale instance",
		"port", n.Preferred, "stale_pid", greeting.PID, "stale_version", greeting.Version)

	if err := n.terminate(ctx, greeting.PID); err != nil {
		logger.Error("failed to terminate stale instance", "pid", greeting.PID, "error", err.Error())

		return nil
	}

	// The kernel may hold the socket briefly after process exit.
	deadline := time.Now().Add(n.ReclaimGrace)

	for time.Now().Before(deadline) {
		listener, bindErr := n.bind(n.Preferred)
		if bindErr == nil {
			_ = listener.Close()

			return &Lease{Port: n.Preferred, Outcome: OutcomeReclaimed}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(100 * time.Millisecond):
		}
	}

	return nil
}

// reclaimable applies the stale-instance checks: same application, a
// different instance than ours, a compatible version, and a pid matching the
// marker a prior run left behind.
func (n *Negotiator) reclaimable(g *Greeting) bool {
	if g.App != BackendApp || g.PID <= 0 {
		return false
	}

	if g.InstanceID == "" || g.InstanceID == n.InstanceID {
		return false
	}

	if !versionCompatible(n.Version, g.Version) {
		return false
	}

	marker, err := ReadMarker(n.MarkerPath)
	if err != nil || marker == nil {
		return false
	}

	return marker.BackendPID == g.PID
}

// versionCompatible accepts occupants from the same major version line.
// Dev builds ("dev") accept any parseable occupant version.
func versionCompatible(current, occupant string) bool {
	occVer, err := semver.NewVersion(occupant)
	if err != nil {
		return false
	}

	curVer, err := semver.NewVersion(current)
	if err != nil {
		// Unversioned dev builds trust any well-formed occupant version.
		return true
	}

	return curVer.Major() == occVer.Major()
}

func defaultBind(port int) (net.Listener, error) {
	return net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
}

func (n *Negotiator) defaultProbe(ctx context.Context, port int) (*Greeting, error) {
	probeCtx, cancel := context.WithTimeout(ctx, n.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet,
		fmt.Sprintf("http://127.0.0.1:%d/healthz", port), nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("greeting status %d", resp.StatusCode)
	}

	var greeting Greeting
	if err := json.NewDecoder(resp.Body).Decode(&greeting); err != nil {
		return nil, fmt.Errorf("decode greeting: %w", err)
	}

	return &greeting, nil
}

func (n *Negotiator) defaultTerminate(ctx context.Context, pid int) error {
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}

		return fmt.Errorf("signal stale instance: %w", err)
	}

	deadline := time.Now().Add(n.ReclaimGrace)

	for time.Now().Before(deadline) {
		if err := unix.Kill(pid, 0); errors.Is(err, unix.ESRCH) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("force kill stale instance: %w", err)
	}

	return nil
}
