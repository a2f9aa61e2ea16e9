//go:build unix

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	skifferrors "github.com/skiff-dev/skiff/internal/errors"
)

// Process is the supervisor's handle on one backend incarnation.
type Process interface {
	// PID returns the OS process id.
	PID() int

	// Done is closed-with-error when the process exits. A nil receive means
	// clean exit.
	Done() <-chan error

	// Terminate sends SIGTERM to the process group, escalating to SIGKILL
	// after the grace period.
	Terminate(grace time.Duration)
}

type backendProcess struct {
	cmd    *exec.Cmd
	pgid   int
	waitCh chan error
}

// startBackend launches the backend command bound to the leased port. The
// port travels in both argv (--port) and the environment so either backend
// convention works.
func startBackend(ctx context.Context, command string, args []string, port int, instanceID string) (Process, error) {
	if command == "" {
		return nil, fmt.Errorf("no backend command: %w", skifferrors.ErrSpawnFailed)
	}

	argv := append(append([]string{}, args...), "--port", strconv.Itoa(port))

	cmd := exec.CommandContext(ctx, command, argv...)
	cmd.Env = append(os.Environ(),
		"SKIFF_BACKEND_PORT="+strconv.Itoa(port),
		"SKIFF_INSTANCE_ID="+instanceID,
	)
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start backend: %w: %v", skifferrors.ErrSpawnFailed, err)
	}

	proc := &backendProcess{cmd: cmd, waitCh: make(chan error, 1)}

	if pgid, err := unix.Getpgid(cmd.Process.Pid); err == nil {
		proc.pgid = pgid
	}

	go func() {
		proc.waitCh <- cmd.Wait()
		close(proc.waitCh)
	}()

	return proc, nil
}

func (p *backendProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}

	return p.cmd.Process.Pid
}

func (p *backendProcess) Done() <-chan error {
	return p.waitCh
}

func (p *backendProcess) Terminate(grace time.Duration) {
	if p.cmd.Process == nil {
		return
	}

	p.signal(unix.SIGTERM)

	select {
	case <-p.waitCh:
		return
	case <-time.After(grace):
	}

	p.signal(unix.SIGKILL)

	select {
	case <-p.waitCh:
	case <-time.After(grace):
	}
}

func (p *backendProcess) signal(sig unix.Signal) {
	if p.pgid > 0 {
		if err := unix.Kill(-p.pgid, sig); err == nil || errors.Is(err, unix.ESRCH) {
			return
		}
	}

	_ = unix.Kill(p.cmd.Process.Pid, sig)
}
