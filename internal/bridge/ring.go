package bridge

// Ring is a fixed-capacity byte buffer that discards its oldest data when
// full. It backs the replay that late-attaching clients receive.
type Ring struct {
	buf   []byte
	start int
	size  int
}

// NewRing builds a ring holding at most capacity bytes.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}

	return &Ring{buf: make([]byte, capacity)}
}

// Write appends p, evicting the oldest bytes once capacity is exceeded. A
// write larger than the whole ring keeps only its tail.
func (r *Ring) Write(p []byte) {
	if len(p) >= len(r.buf) {
		copy(r.buf, p[len(p)-len(r.buf):])
		r.start = 0
		r.size = len(r.buf)
		return
	}

	end := (r.start + r.size) % len(r.buf)
	n := copy(r.buf[end:], p)
	copy(r.buf, p[n:])

	r.size += len(p)
	if r.size > len(r.buf) {
		r.start = (r.start + r.size - len(r.buf)) % len(r.buf)
		r.size = len(r.buf)
	}
}

// Bytes returns the buffered data oldest-first as a fresh slice.
func (r *Ring) Bytes() []byte {
	out := make([]byte, r.size)
	n := copy(out, r.buf[r.start:min(r.start+r.size, len(r.buf))])
	copy(out[n:], r.buf[:r.size-n])

	return out
}

// Len reports the number of buffered bytes.
func (r *Ring) Len() int { return r.size }
