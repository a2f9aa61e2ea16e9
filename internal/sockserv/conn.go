package sockserv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/skiff-dev/skiff/internal/bridge"
	skifferrors "github.com/skiff-dev/skiff/internal/errors"
	"github.com/skiff-dev/skiff/internal/observability"
	"github.com/skiff-dev/skiff/internal/protocol"
	"github.com/skiff-dev/skiff/internal/session"
)

// exitAwaitTimeout bounds how long a link waits for the reaper to record a
// session's exit status after the PTY stream ends.
const exitAwaitTimeout = 5 * time.Second

type serverConn struct {
	server *Server
	c      net.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	detachers map[string]func()
	statusOff func()
	closed    bool
}

func newServerConn(s *Server, c net.Conn) *serverConn {
	return &serverConn{
		server:    s,
		c:         c,
		detachers: make(map[string]func()),
	}
}

func (sc *serverConn) serve(ctx context.Context) {
	defer sc.close()

	logger := observability.FromContext(ctx)

	for {
		frame, err := sc.readFrame()
		if err != nil {
			switch {
			case errors.Is(err, skifferrors.ErrProtocolError):
				// A malformed frame poisons only this connection.
				sc.writeError(frame.SessionID, err)
				logger.Warn("closing connection on protocol error", "error", err)
			case errors.Is(err, os.ErrDeadlineExceeded):
				sc.writeError("", fmt.Errorf("%w: frame not completed within %s",
					skifferrors.ErrProtocolError, sc.server.readTimeout))
				logger.Warn("closing stalled connection", "timeout", sc.server.readTimeout.String())
			}
			return
		}

		if err := sc.handle(ctx, frame); err != nil {
			sc.writeError(frame.SessionID, err)
		}
	}
}

// readFrame waits indefinitely for the start of the next frame, then holds
// the remainder to the server's read timeout so a half-sent frame cannot
// park this connection's handler forever.
func (sc *serverConn) readFrame() (protocol.Frame, error) {
	_ = sc.c.SetReadDeadline(time.Time{})

	var first [1]byte
	if _, err := io.ReadFull(sc.c, first[:]); err != nil {
		return protocol.Frame{}, err
	}

	_ = sc.c.SetReadDeadline(time.Now().Add(sc.server.readTimeout))

	return protocol.Read(io.MultiReader(bytes.NewReader(first[:]), sc.c), sc.server.maxFrame)
}

func (sc *serverConn) handle(ctx context.Context, frame protocol.Frame) error {
	deps := sc.server.deps

	switch frame.Type {
	case protocol.TypeSpawn:
		var req protocol.SpawnRequest
		if err := frame.DecodePayload(&req); err != nil {
			return err
		}

		s, err := deps.Sessions.Spawn(ctx, session.SpawnOptions{
			Program: req.Program,
			Args:    req.Args,
			Dir:     req.Dir,
			Env:     envToMap(req.Env),
			Rows:    req.Rows,
			Cols:    req.Cols,
		})
		if err != nil {
			return err
		}

		return sc.writeFrame(protocol.TypeSpawnResult, s.ID, 0, protocol.SpawnResult{SessionID: s.ID})

	case protocol.TypeAttach:
		var req protocol.AttachRequest
		if len(frame.Payload) > 0 {
			if err := frame.DecodePayload(&req); err != nil {
				return err
			}
		}

		b, err := deps.Bridges.Get(frame.SessionID)
		if err != nil {
			return err
		}

		sink := &linkSink{conn: sc, sessionID: frame.SessionID, exits: deps.Exits}
		detach := b.Attach(sink, req.Replay)

		sc.mu.Lock()
		if prev, ok := sc.detachers[frame.SessionID]; ok {
			prev()
		}
		sc.detachers[frame.SessionID] = detach
		sc.mu.Unlock()

		return sc.writeFrame(protocol.TypeAttachOK, frame.SessionID, 0, protocol.AttachOK{SessionID: frame.SessionID})

	case protocol.TypeDetach:
		sc.mu.Lock()
		detach, ok := sc.detachers[frame.SessionID]
		delete(sc.detachers, frame.SessionID)
		sc.mu.Unlock()

		if ok {
			detach()
		}

		return nil

	case protocol.TypeInput:
		var data protocol.Data
		if err := frame.DecodePayload(&data); err != nil {
			return err
		}

		b, err := deps.Bridges.Get(frame.SessionID)
		if err != nil {
			return err
		}

		return b.Write(data.Data)

	case protocol.TypeResize:
		var req protocol.ResizeRequest
		if err := frame.DecodePayload(&req); err != nil {
			return err
		}

		return deps.Sessions.Resize(frame.SessionID, req.Rows, req.Cols)

	case protocol.TypeKill:
		if err := deps.Sessions.Kill(frame.SessionID); err != nil {
			return err
		}

		return sc.writeFrame(protocol.TypeKillOK, frame.SessionID, 0, nil)

	case protocol.TypeStatusSubscribe:
		sc.subscribeStatus()
		return nil

	default:
		return protocol.ErrInvalidFrame
	}
}

// subscribeStatus streams supervisor transitions to the client until the
// connection closes. A second subscribe replaces the first.
func (sc *serverConn) subscribeStatus() {
	events, cancel := sc.server.deps.Status.Subscribe()

	sc.mu.Lock()
	if sc.statusOff != nil {
		sc.statusOff()
	}
	sc.statusOff = cancel
	closed := sc.closed
	sc.mu.Unlock()

	if closed {
		cancel()
		return
	}

	go func() {
		for ev := range events {
			payload := protocol.StatusEvent{
				State:        string(ev.State),
				RestartCount: ev.RestartCount,
				Port:         ev.Port,
				Sessions:     len(sc.server.deps.Sessions.List()),
			}
			if ev.Err != nil {
				payload.Error = ev.Err.Error()
			}

			if err := sc.writeFrame(protocol.TypeStatusEvent, "", 0, payload); err != nil {
				cancel()
				return
			}
		}
	}()
}

func (sc *serverConn) writeFrame(frameType protocol.Type, sessionID string, seq uint64, payload any) error {
	frame, err := protocol.New(frameType, sessionID, seq, payload)
	if err != nil {
		return err
	}

	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()

	return protocol.Write(sc.c, frame)
}

func (sc *serverConn) writeError(sessionID string, err error) {
	_ = sc.writeFrame(protocol.TypeError, sessionID, 0, protocol.ErrorEvent{
		Kind:    skifferrors.KindOf(err),
		Message: err.Error(),
	})
}

func (sc *serverConn) close() {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return
	}
	sc.closed = true
	detachers := make([]func(), 0, len(sc.detachers))
	for _, d := range sc.detachers {
		detachers = append(detachers, d)
	}
	sc.detachers = make(map[string]func())
	statusOff := sc.statusOff
	sc.statusOff = nil
	sc.mu.Unlock()

	for _, d := range detachers {
		d()
	}
	if statusOff != nil {
		statusOff()
	}

	_ = sc.c.Close()
}

// linkSink forwards one attached link's output chunks as frames, then the
// exit marker once the stream ends.
type linkSink struct {
	conn      *serverConn
	sessionID string
	exits     ExitSource
}

func (l *linkSink) WriteChunk(c bridge.Chunk) error {
	return l.conn.writeFrame(protocol.TypeOutput, l.sessionID, c.Seq, protocol.Data{Data: c.Data})
}

func (l *linkSink) StreamEnded() {
	payload := protocol.ExitEvent{}

	if l.exits != nil {
		ctx, cancel := context.WithTimeout(context.Background(), exitAwaitTimeout)
		defer cancel()

		if info, ok := l.exits.Await(ctx, l.sessionID); ok {
			payload.ExitCode = info.ExitCode
			payload.Killed = info.Killed
		}
	}

	_ = l.conn.writeFrame(protocol.TypeExit, l.sessionID, 0, payload)
}

func envToMap(env []string) map[string]string {
	if len(env) == 0 {
		return nil
	}

	out := make(map[string]string, len(env))
	for _, kv := range env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				out[kv[:i]] = kv[i+1:]
				break
			}
		}
	}

	return out
}
