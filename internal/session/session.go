//go:build unix

// Package session owns PTY-backed terminal sessions. Each session is a child
// process attached to a pseudo-terminal; the manager tracks them by id,
// resizes and kills them, and reaps exits through a waiter goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	skifferrors "github.com/skiff-dev/skiff/internal/errors"
	"github.com/skiff-dev/skiff/internal/observability"
	"github.com/skiff-dev/skiff/internal/terminal"
)

const (
	defaultRows uint16 = 24
	defaultCols uint16 = 80
)

// SpawnOptions configures a new terminal session. An empty Program spawns
// the user's login shell.
type SpawnOptions struct {
	Program string
	Args    []string
	Dir     string
	Env     map[string]string
	Rows    uint16
	Cols    uint16
}

// ExitInfo describes a finished session. Delivered to the manager's exit
// hook after the session is removed from the table.
type ExitInfo struct {
	SessionID string
	ExitCode  int
	Killed    bool
}

// Session is one live PTY-backed process.
type Session struct {
	ID        string
	Program   string
	Args      []string
	Dir       string
	StartedAt time.Time

	cmd  *exec.Cmd
	ptmx *os.File

	mu       sync.Mutex
	killed   bool
	exited   bool
	exitCode int
	done     chan struct{}
}

// PTY returns the master side of the session's pseudo-terminal. The bridge
// reads output from it, writes input to it, and closes it once the stream
// ends; the manager never closes it.
func (s *Session) PTY() *os.File { return s.ptmx }

// Done is closed once the process has exited and been reaped.
func (s *Session) Done() <-chan struct{} { return s.done }

// ExitCode reports the exit status. ok is false while the process runs.
func (s *Session) ExitCode() (code int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.exitCode, s.exited
}

// Killed reports whether the session was torn down by a kill request rather
// than exiting on its own.
func (s *Session) Killed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.killed
}

// Manager is the session table. The exit hook runs on the waiter goroutine
// after the session is removed, so a hook that calls back into the manager
// will not deadlock.
type Manager struct {
	killGrace time.Duration
	onExit    func(ExitInfo)

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	waiters  sync.WaitGroup

	// Injectable for tests.
	startPTYWithSize func(cmd *exec.Cmd, ws *pty.Winsize) (*os.File, error)
	setPTYSize       func(f *os.File, ws *pty.Winsize) error
	newID            func() string
}

// NewManager builds an empty session table. onExit may be nil.
func NewManager(killGrace time.Duration, onExit func(ExitInfo)) *Manager {
	if killGrace <= 0 {
		killGrace = 5 * time.Second
	}

	return &Manager{
		killGrace:        killGrace,
		onExit:           onExit,
		sessions:         make(map[string]*Session),
		startPTYWithSize: pty.StartWithSize,
		setPTYSize:       pty.Setsize,
		newID:            uuid.NewString,
	}
}

// Spawn starts a new session and returns it once the process is running.
func (m *Manager) Spawn(ctx context.Context, opts SpawnOptions) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("manager closed: %w", skifferrors.ErrSpawnFailed)
	}
	m.mu.Unlock()

	program := opts.Program
	if program == "" {
		program = terminal.LoginShell()
	}

	rows, cols := opts.Rows, opts.Cols
	if rows == 0 {
		rows = defaultRows
	}
	if cols == 0 {
		cols = defaultCols
	}

	cmd := exec.Command(program, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = sessionEnv(opts.Env)

	ptmx, err := m.startPTYWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("spawn %q: %w: %v", program, skifferrors.ErrSpawnFailed, err)
	}

	s := &Session{
		ID:        m.newID(),
		Program:   program,
		Args:      opts.Args,
		Dir:       opts.Dir,
		StartedAt: time.Now(),
		cmd:       cmd,
		ptmx:      ptmx,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.waiters.Add(1)
	m.mu.Unlock()

	go m.reap(ctx, s)

	observability.FromContext(ctx).Info("session spawned",
		"session_id", s.ID,
		"program", program,
		"pid", cmd.Process.Pid)

	return s, nil
}

// Get returns the live session with the given id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, skifferrors.SessionNotFound(id)
	}

	return s, nil
}

// List returns live sessions ordered by start time.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })

	return out
}

// Resize changes the PTY window size of a live session.
func (m *Manager) Resize(id string, rows, cols uint16) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}

	if err := m.setPTYSize(s.ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("resize session %s: %w", id, err)
	}

	return nil
}

// Kill terminates a session's process group, escalating from SIGTERM to
// SIGKILL after the grace period. Killing a session that is already being
// killed is a no-op; killing an unknown id is an error.
func (m *Manager) Kill(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.killed || s.exited {
		s.mu.Unlock()
		return nil
	}
	s.killed = true
	s.mu.Unlock()

	go m.terminate(s)

	return nil
}

// Close kills every live session and waits for the reapers, bounded by ctx.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Kill(id); err != nil && !errors.Is(err, skifferrors.ErrSessionNotFound) {
			return err
		}
	}

	finished := make(chan struct{})
	go func() {
		m.waiters.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) terminate(s *Session) {
	pid := s.cmd.Process.Pid

	// pty.StartWithSize runs the child in its own session, so pid == pgid.
	signalGroup(pid, unix.SIGTERM)

	select {
	case <-s.done:
		return
	case <-time.After(m.killGrace):
	}

	signalGroup(pid, unix.SIGKILL)
}

func signalGroup(pid int, sig unix.Signal) {
	if err := unix.Kill(-pid, sig); err == nil || errors.Is(err, unix.ESRCH) {
		return
	}

	_ = unix.Kill(pid, sig)
}

// reap waits for the process, records its exit status, removes the session
// from the table, and fires the exit hook. The PTY master stays open: the
// reader that owns it closes it after draining the kernel-buffered tail,
// which arrives as EIO after the child is gone.
func (m *Manager) reap(ctx context.Context, s *Session) {
	defer m.waiters.Done()

	err := s.cmd.Wait()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	s.mu.Lock()
	s.exited = true
	s.exitCode = code
	killed := s.killed
	s.mu.Unlock()

	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()

	close(s.done)

	observability.FromContext(ctx).Info("session exited",
		"session_id", s.ID,
		"exit_code", code,
		"killed", killed)

	if m.onExit != nil {
		m.onExit(ExitInfo{SessionID: s.ID, ExitCode: code, Killed: killed})
	}
}

func sessionEnv(extra map[string]string) []string {
	env := os.Environ()

	merged := make(map[string]int, len(env))
	for i, kv := range env {
		for j := 0; j < len(kv); j++ {
			if kv[j] == '=' {
				merged[kv[:j]] = i
				break
			}
		}
	}

	set := func(key, val string) {
		if i, ok := merged[key]; ok {
			env[i] = key + "=" + val
			return
		}
		merged[key] = len(env)
		env = append(env, key+"="+val)
	}

	if _, ok := merged["TERM"]; !ok {
		set("TERM", "xterm-256color")
	}

	for k, v := range extra {
		set(k, v)
	}

	return env
}
