// Package client speaks the runtime's framed protocol from the CLI side of
// the unix socket.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	skifferrors "github.com/skiff-dev/skiff/internal/errors"
	"github.com/skiff-dev/skiff/internal/protocol"
)

// Client is one connection to the runtime socket. Safe for concurrent
// writers; reads are expected from a single goroutine.
type Client struct {
	conn     net.Conn
	writeMu  sync.Mutex
	maxFrame int
	inputSeq atomic.Uint64
}

// Dial connects to the runtime socket.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	if _, err := os.Stat(socketPath); err != nil {
		return nil, skifferrors.RuntimeNotRunning(socketPath)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		// A socket file with nobody listening is a leftover from a runtime
		// that died without cleaning up.
		if errors.Is(err, unix.ECONNREFUSED) {
			return nil, skifferrors.StaleSocket(socketPath)
		}
		return nil, skifferrors.SocketDialFailed(socketPath, err)
	}

	return &Client{conn: conn, maxFrame: protocol.DefaultMaxFrame}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// Send writes one frame.
func (c *Client) Send(frameType protocol.Type, sessionID string, seq uint64, payload any) error {
	frame, err := protocol.New(frameType, sessionID, seq, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return protocol.Write(c.conn, frame)
}

// Recv reads the next frame, honoring ctx's deadline.
func (c *Client) Recv(ctx context.Context) (protocol.Frame, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}

	return protocol.Read(c.conn, c.maxFrame)
}

// roundtrip sends a request and reads frames until the wanted response type
// arrives. Output and status frames in between are skipped; an error frame
// fails the call.
func (c *Client) roundtrip(ctx context.Context, frameType protocol.Type, sessionID string, payload any, want protocol.Type) (protocol.Frame, error) {
	if err := c.Send(frameType, sessionID, 0, payload); err != nil {
		return protocol.Frame{}, err
	}

	for {
		frame, err := c.Recv(ctx)
		if err != nil {
			return protocol.Frame{}, err
		}

		switch frame.Type {
		case want:
			return frame, nil
		case protocol.TypeError:
			var ev protocol.ErrorEvent
			if err := frame.DecodePayload(&ev); err != nil {
				return protocol.Frame{}, err
			}
			return protocol.Frame{}, remoteError(ev)
		default:
			// Unrelated traffic on this connection; keep reading.
		}
	}
}

// Spawn creates a session and returns its id.
func (c *Client) Spawn(ctx context.Context, req protocol.SpawnRequest) (string, error) {
	frame, err := c.roundtrip(ctx, protocol.TypeSpawn, "", req, protocol.TypeSpawnResult)
	if err != nil {
		return "", err
	}

	var res protocol.SpawnResult
	if err := frame.DecodePayload(&res); err != nil {
		return "", err
	}

	return res.SessionID, nil
}

// Attach joins a session's output stream on this connection. Subsequent
// Recv calls deliver output frames and the final exit frame.
func (c *Client) Attach(ctx context.Context, sessionID string, replay bool) error {
	_, err := c.roundtrip(ctx, protocol.TypeAttach, sessionID, protocol.AttachRequest{Replay: replay}, protocol.TypeAttachOK)
	return err
}

// Detach leaves a session's output stream.
func (c *Client) Detach(sessionID string) error {
	return c.Send(protocol.TypeDetach, sessionID, 0, nil)
}

// Input sends terminal input to a session. Frames carry a per-connection
// monotonic sequence number for ordering diagnostics.
func (c *Client) Input(sessionID string, data []byte) error {
	return c.Send(protocol.TypeInput, sessionID, c.inputSeq.Add(1), protocol.Data{Data: data})
}

// Resize propagates a window size change.
func (c *Client) Resize(sessionID string, rows, cols uint16) error {
	return c.Send(protocol.TypeResize, sessionID, 0, protocol.ResizeRequest{Rows: rows, Cols: cols})
}

// Kill terminates a session and waits for the acknowledgement.
func (c *Client) Kill(ctx context.Context, sessionID string) error {
	_, err := c.roundtrip(ctx, protocol.TypeKill, sessionID, nil, protocol.TypeKillOK)
	return err
}

// Status subscribes to backend status and returns the first event.
func (c *Client) Status(ctx context.Context) (protocol.StatusEvent, error) {
	frame, err := c.roundtrip(ctx, protocol.TypeStatusSubscribe, "", nil, protocol.TypeStatusEvent)
	if err != nil {
		return protocol.StatusEvent{}, err
	}

	var ev protocol.StatusEvent
	if err := frame.DecodePayload(&ev); err != nil {
		return protocol.StatusEvent{}, err
	}

	return ev, nil
}

// remoteError rebuilds a local error from a wire error event so callers can
// keep using errors.Is against the runtime sentinels.
func remoteError(ev protocol.ErrorEvent) error {
	sentinels := map[skifferrors.Kind]error{
		skifferrors.KindPortExhausted:    skifferrors.ErrPortExhausted,
		skifferrors.KindBackendUnhealthy: skifferrors.ErrBackendUnhealthy,
		skifferrors.KindBackendFatal:     skifferrors.ErrBackendFatal,
		skifferrors.KindSessionNotFound:  skifferrors.ErrSessionNotFound,
		skifferrors.KindSpawnFailed:      skifferrors.ErrSpawnFailed,
		skifferrors.KindProtocolError:    skifferrors.ErrProtocolError,
		skifferrors.KindLinkIO:           skifferrors.ErrLinkIO,
	}

	if sentinel, ok := sentinels[ev.Kind]; ok {
		return fmt.Errorf("%w: %s", sentinel, ev.Message)
	}

	return errors.New(ev.Message)
}
