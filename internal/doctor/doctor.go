// Package doctor provides diagnostic checks for Skiff runtime health.
//
// This package implements a check framework that validates:
//   - Backend command presence and executability
//   - Runtime state (instance marker and socket liveness)
//   - State directory permissions
//   - Preferred backend port availability
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/skiff-dev/skiff/internal/config"
	"github.com/skiff-dev/skiff/internal/paths"
	"github.com/skiff-dev/skiff/internal/portlease"
)

// Status represents the result of a diagnostic check.
type Status int

const (
	// StatusPass indicates the check passed.
	StatusPass Status = iota
	// StatusWarn indicates a non-critical issue.
	StatusWarn
	// StatusFail indicates a critical failure.
	StatusFail
)

// Symbol returns the display glyph for the status.
func (s Status) Symbol() string {
	switch s {
	case StatusPass:
		return "✓"
	case StatusWarn:
		return "!"
	case StatusFail:
		return "✗"
	default:
		return "?"
	}
}

// String returns the machine-readable status name.
func (s Status) String() string {
	switch s {
	case StatusPass:
		return "pass"
	case StatusWarn:
		return "warn"
	case StatusFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Result holds the outcome of a single check.
type Result struct {
	Name    string `yaml:"name" json:"name"`
	Status  Status `yaml:"-" json:"-"`
	State   string `yaml:"status" json:"status"`
	Message string `yaml:"message" json:"message"`
	Detail  string `yaml:"detail,omitempty" json:"detail,omitempty"`
}

// Check is a diagnostic check function.
type Check func(ctx context.Context) Result

// Runner executes diagnostic checks.
type Runner struct {
	checks []namedCheck
}

type namedCheck struct {
	name  string
	check Check
}

// New creates a new diagnostic runner.
func New() *Runner {
	r := &Runner{}

	r.AddCheck("Backend Command", checkBackendCommand)
	r.AddCheck("State Directory", checkStateDirectory)
	r.AddCheck("Runtime", checkRuntime)
	r.AddCheck("Backend Port", checkBackendPort)

	return r
}

// AddCheck registers a diagnostic check.
func (r *Runner) AddCheck(name string, check Check) {
	r.checks = append(r.checks, namedCheck{name: name, check: check})
}

// Run executes all registered checks and returns the results.
func (r *Runner) Run(ctx context.Context) []Result {
	results := make([]Result, 0, len(r.checks))

	for _, nc := range r.checks {
		result := nc.check(ctx)
		result.Name = nc.name
		result.State = result.Status.String()
		results = append(results, result)
	}

	return results
}

// Summary returns counts of passed, failed, and warning checks.
func Summary(results []Result) (passed, failed, warnings int) {
	for _, r := range results {
		switch r.Status {
		case StatusPass:
			passed++
		case StatusFail:
			failed++
		case StatusWarn:
			warnings++
		}
	}

	return passed, failed, warnings
}

// checkBackendCommand verifies the configured backend is runnable.
func checkBackendCommand(_ context.Context) Result {
	cfg := config.Load()
	command := cfg.BackendCommand()

	if command == "" {
		return Result{
			Status:  StatusFail,
			Message: "not configured",
			Detail:  "Set backend.command in the config or pass --backend to 'skiff run'",
		}
	}

	resolved, err := exec.LookPath(command)
	if err != nil {
		return Result{
			Status:  StatusFail,
			Message: fmt.Sprintf("'%s' not found", command),
			Detail:  "The backend command must be on PATH or an absolute path",
		}
	}

	return Result{
		Status:  StatusPass,
		Message: resolved,
	}
}

// checkStateDirectory verifies the state root exists and is writable.
func checkStateDirectory(_ context.Context) Result {
	stateDir, err := paths.StateRoot()
	if err != nil {
		return Result{Status: StatusFail, Message: fmt.Sprintf("unresolvable: %v", err)}
	}

	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return Result{Status: StatusFail, Message: fmt.Sprintf("cannot create %s", stateDir)}
	}

	probe := filepath.Join(stateDir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return Result{Status: StatusFail, Message: fmt.Sprintf("not writable: %s", stateDir)}
	}
	_ = os.Remove(probe)

	return Result{Status: StatusPass, Message: stateDir}
}

// checkRuntime inspects the instance marker and probes the socket.
func checkRuntime(_ context.Context) Result {
	markerPath, err := paths.MarkerPath()
	if err != nil {
		return Result{Status: StatusFail, Message: fmt.Sprintf("unresolvable marker path: %v", err)}
	}

	marker, err := portlease.ReadMarker(markerPath)
	if err != nil {
		return Result{
			Status:  StatusWarn,
			Message: "marker unreadable",
			Detail:  err.Error(),
		}
	}

	if marker == nil {
		return Result{Status: StatusPass, Message: "not running"}
	}

	if !pidAlive(marker.PID) {
		return Result{
			Status:  StatusWarn,
			Message: fmt.Sprintf("stale marker (pid %d is dead)", marker.PID),
			Detail:  "Run 'skiff stop' to clean it up",
		}
	}

	socketPath, err := paths.SocketPath()
	if err == nil {
		if conn, dialErr := net.DialTimeout("unix", socketPath, time.Second); dialErr == nil {
			_ = conn.Close()
			return Result{
				Status:  StatusPass,
				Message: fmt.Sprintf("running (pid %d, backend port %d)", marker.PID, marker.Port),
			}
		}
	}

	return Result{
		Status:  StatusWarn,
		Message: fmt.Sprintf("pid %d is alive but the socket does not answer", marker.PID),
		Detail:  "The runtime may still be starting, or the socket file was removed",
	}
}

// checkBackendPort reports whether the preferred port is free, ours, or
// taken by a stranger.
func checkBackendPort(_ context.Context) Result {
	cfg := config.Load()
	port := cfg.BackendPort()

	markerPath, err := paths.MarkerPath()
	if err == nil {
		if marker, _ := portlease.ReadMarker(markerPath); marker != nil && marker.Port == port && pidAlive(marker.PID) {
			return Result{
				Status:  StatusPass,
				Message: fmt.Sprintf("%d in use by this runtime's backend", port),
			}
		}
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return Result{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d is occupied", port),
			Detail:  fmt.Sprintf("The negotiator will probe %d alternates above it", cfg.PortSpan()),
		}
	}
	_ = ln.Close()

	return Result{Status: StatusPass, Message: fmt.Sprintf("%d is free", port)}
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	err := unix.Kill(pid, 0)

	return err == nil || err == unix.EPERM
}
