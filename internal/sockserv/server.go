// Package sockserv serves the runtime's framed protocol over a local unix
// socket. Each connection gets its own read loop; writes to a connection are
// serialized so concurrent event sources never interleave frames.
package sockserv

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/skiff-dev/skiff/internal/bridge"
	skifferrors "github.com/skiff-dev/skiff/internal/errors"
	"github.com/skiff-dev/skiff/internal/observability"
	"github.com/skiff-dev/skiff/internal/protocol"
	"github.com/skiff-dev/skiff/internal/session"
	"github.com/skiff-dev/skiff/internal/supervisor"
)

// SessionService is the slice of the session manager the server needs.
type SessionService interface {
	Spawn(ctx context.Context, opts session.SpawnOptions) (*session.Session, error)
	Resize(id string, rows, cols uint16) error
	Kill(id string) error
	List() []*session.Session
}

// BridgeProvider resolves a session's forward bridge.
type BridgeProvider interface {
	Get(sessionID string) (*bridge.Bridge, error)
}

// StatusSource exposes the backend supervisor to status subscribers.
type StatusSource interface {
	Subscribe() (<-chan supervisor.StateChange, func())
	CurrentState() supervisor.Snapshot
}

// ExitSource reports how a session ended, waiting out the window between
// PTY end of stream and process reaping.
type ExitSource interface {
	Await(ctx context.Context, sessionID string) (session.ExitInfo, bool)
}

// Deps bundles the server's collaborators.
type Deps struct {
	Sessions SessionService
	Bridges  BridgeProvider
	Status   StatusSource
	Exits    ExitSource
}

// Server accepts local clients on a unix socket.
type Server struct {
	socketPath  string
	deps        Deps
	maxFrame    int
	readTimeout time.Duration

	mu       sync.Mutex
	ln       net.Listener
	conns    map[*serverConn]struct{}
	closed   bool
	handlers sync.WaitGroup
}

// New builds a server for the given socket path. readTimeout bounds how long
// a started frame may take to arrive in full; <= 0 applies a default.
func New(socketPath string, readTimeout time.Duration, deps Deps) *Server {
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}

	return &Server{
		socketPath:  socketPath,
		deps:        deps,
		maxFrame:    protocol.DefaultMaxFrame,
		readTimeout: readTimeout,
		conns:       make(map[*serverConn]struct{}),
	}
}

// Start binds the socket and begins accepting. A leftover socket file from a
// crashed instance is removed if nothing answers on it; a live listener
// means another instance owns this runtime directory.
func (s *Server) Start(ctx context.Context) error {
	if err := s.clearStaleSocket(); err != nil {
		return err
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("restrict socket permissions: %w", err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go s.acceptLoop(ctx)

	observability.FromContext(ctx).Info("socket server listening", "path", s.socketPath)

	return nil
}

// Close stops accepting, closes every connection, and removes the socket
// file.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}

	for _, c := range conns {
		c.close()
	}

	s.handlers.Wait()
	_ = os.Remove(s.socketPath)

	return err
}

func (s *Server) clearStaleSocket() error {
	if _, err := os.Stat(s.socketPath); err != nil {
		return nil
	}

	probe, err := net.DialTimeout("unix", s.socketPath, 500*time.Millisecond)
	if err == nil {
		_ = probe.Close()
		return skifferrors.New(skifferrors.ExitGeneral,
			fmt.Sprintf("Another Skiff runtime already owns %s", s.socketPath)).
			WithHint("Stop it with 'skiff stop' before starting a new one")
	}

	if err := os.Remove(s.socketPath); err != nil {
		return fmt.Errorf("remove stale socket %s: %w", s.socketPath, err)
	}

	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	logger := observability.FromContext(ctx)

	for {
		c, err := s.ln.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			logger.Warn("accept failed", "error", err)
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		sc := newServerConn(s, c)

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = c.Close()
			return
		}
		s.conns[sc] = struct{}{}
		s.handlers.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.handlers.Done()
			sc.serve(ctx)
			s.mu.Lock()
			delete(s.conns, sc)
			s.mu.Unlock()
		}()
	}
}
