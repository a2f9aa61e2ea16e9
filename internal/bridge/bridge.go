// Package bridge fans a session's PTY output out to any number of attached
// clients and funnels their input back in. Output ordering is preserved per
// link; a link that cannot keep up is detached rather than allowed to stall
// the others.
package bridge

import (
	"context"
	"fmt"
	"io"
	"sync"

	skifferrors "github.com/skiff-dev/skiff/internal/errors"
	"github.com/skiff-dev/skiff/internal/observability"
)

const (
	readChunkSize = 32 * 1024

	// linkQueueDepth bounds how far one link may fall behind before it is
	// forcibly detached.
	linkQueueDepth = 64
)

// Chunk is one ordered slice of session output. Seq increases by one per
// chunk across the whole session; a replayed ring snapshot reuses the seq
// window it originally occupied, delivered as a single chunk with the seq of
// the next live chunk minus one.
type Chunk struct {
	Seq  uint64
	Data []byte
}

// Sink receives a link's ordered output stream. WriteChunk returning an
// error detaches the link. StreamEnded fires exactly once after the last
// chunk, when the PTY reaches end of stream.
type Sink interface {
	WriteChunk(c Chunk) error
	StreamEnded()
}

type link struct {
	sink   Sink
	queue  chan Chunk
	closed chan struct{}
	once   sync.Once
}

func (l *link) detach() {
	l.once.Do(func() { close(l.closed) })
}

// Bridge ties one session's PTY to its attached links.
type Bridge struct {
	sessionID string
	pty       io.ReadWriteCloser
	ring      *Ring

	mu       sync.Mutex
	links    map[int]*link
	nextLink int
	seq      uint64
	eof      bool

	writeMu sync.Mutex

	done chan struct{}
}

// New starts pumping the session's PTY. The bridge owns pty outright: it
// reads until end of stream, then closes it, so the buffered tail that
// accumulates between the child's exit and EIO is never lost. Callers must
// not read or close it themselves.
func New(ctx context.Context, sessionID string, pty io.ReadWriteCloser, ringSize int) *Bridge {
	b := &Bridge{
		sessionID: sessionID,
		pty:       pty,
		ring:      NewRing(ringSize),
		links:     make(map[int]*link),
		done:      make(chan struct{}),
	}

	go b.pump(ctx)

	return b
}

// Done is closed after the PTY hits end of stream and every link has been
// told.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Attach registers a sink. With replay, the ring's current contents are
// delivered first as one chunk; live chunks follow with no gap and no
// duplication. Attaching after end of stream still replays, then ends the
// stream immediately. The returned func detaches the link.
func (b *Bridge) Attach(sink Sink, replay bool) func() {
	l := &link{
		sink:   sink,
		queue:  make(chan Chunk, linkQueueDepth),
		closed: make(chan struct{}),
	}

	b.mu.Lock()
	id := b.nextLink
	b.nextLink++

	if replay && b.ring.Len() > 0 {
		l.queue <- Chunk{Seq: b.seq, Data: b.ring.Bytes()}
	}

	eof := b.eof
	if eof {
		close(l.queue)
	} else {
		b.links[id] = l
	}
	b.mu.Unlock()

	go b.serve(l)

	detach := func() {
		b.mu.Lock()
		delete(b.links, id)
		b.mu.Unlock()
		l.detach()
	}

	return detach
}

// Write sends client input to the session. Concurrent writers are
// serialized so interleaved input never splits mid-chunk.
func (b *Bridge) Write(p []byte) error {
	b.mu.Lock()
	eof := b.eof
	b.mu.Unlock()

	if eof {
		return fmt.Errorf("session %s: %w", b.sessionID, skifferrors.ErrSessionNotFound)
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	if _, err := b.pty.Write(p); err != nil {
		return fmt.Errorf("input to session %s: %w: %v", b.sessionID, skifferrors.ErrLinkIO, err)
	}

	return nil
}

// LinkCount reports the number of attached links.
func (b *Bridge) LinkCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.links)
}

func (b *Bridge) pump(ctx context.Context) {
	defer close(b.done)

	logger := observability.FromContext(ctx)
	buf := make([]byte, readChunkSize)

	for {
		n, err := b.pty.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			b.fanOut(data)
		}
		if err != nil {
			// A PTY master returns EIO once the child exits; either way
			// the stream is over.
			b.endStream()
			if err != io.EOF {
				logger.Debug("pty stream closed", "session_id", b.sessionID, "error", err)
			}
			return
		}
	}
}

func (b *Bridge) fanOut(data []byte) {
	b.mu.Lock()
	b.seq++
	c := Chunk{Seq: b.seq, Data: data}
	b.ring.Write(data)

	var stalled []*link
	for id, l := range b.links {
		select {
		case l.queue <- c:
		default:
			delete(b.links, id)
			stalled = append(stalled, l)
		}
	}
	b.mu.Unlock()

	for _, l := range stalled {
		l.detach()
	}
}

func (b *Bridge) endStream() {
	b.mu.Lock()
	b.eof = true
	for id, l := range b.links {
		delete(b.links, id)
		close(l.queue)
	}
	b.mu.Unlock()

	// Closing under writeMu lets an in-flight input chunk finish first.
	b.writeMu.Lock()
	_ = b.pty.Close()
	b.writeMu.Unlock()
}

// serve drains one link's queue in order. A closed queue means end of
// stream; a closed link means detached.
func (b *Bridge) serve(l *link) {
	for {
		select {
		case <-l.closed:
			return
		case c, ok := <-l.queue:
			if !ok {
				l.sink.StreamEnded()
				return
			}
			if err := l.sink.WriteChunk(c); err != nil {
				l.detach()
				return
			}
		}
	}
}
