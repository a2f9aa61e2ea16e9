// Package protocol defines the framed control+data protocol spoken over the
// local runtime socket. Each frame is a 4-byte big-endian length prefix
// followed by a JSON envelope. The envelope carries a type tag, an optional
// session id, a sequence number for ordering diagnostics, and a typed payload.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	skifferrors "github.com/skiff-dev/skiff/internal/errors"
)

// Version is the protocol schema version carried in every frame.
const Version = 1

// DefaultMaxFrame bounds a single frame body.
const DefaultMaxFrame = 1 << 20 // 1 MiB

// Framing errors. Both unwrap to the runtime protocol-error sentinel so the
// socket server can classify them uniformly.
var (
	ErrInvalidFrame  = fmt.Errorf("%w: invalid frame", skifferrors.ErrProtocolError)
	ErrFrameTooLarge = fmt.Errorf("%w: frame too large", skifferrors.ErrProtocolError)
	ErrVersion       = fmt.Errorf("%w: unsupported protocol version", skifferrors.ErrProtocolError)
)

// Type tags a frame variant.
type Type string

// Frame types. Requests flow client→runtime, events runtime→client;
// input/output flow both ways through an attached link.
const (
	TypeSpawn           Type = "spawn"
	TypeSpawnResult     Type = "spawn_result"
	TypeAttach          Type = "attach"
	TypeAttachOK        Type = "attach_ok"
	TypeDetach          Type = "detach"
	TypeInput           Type = "input"
	TypeOutput          Type = "output"
	TypeResize          Type = "resize"
	TypeKill            Type = "kill"
	TypeKillOK          Type = "kill_ok"
	TypeExit            Type = "exit"
	TypeStatusSubscribe Type = "status_subscribe"
	TypeStatusEvent     Type = "status_event"
	TypeError           Type = "error"
)

// Frame is the wire envelope.
type Frame struct {
	V         int             `json:"v"`
	Type      Type            `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New builds a frame with an encoded payload. A nil payload yields an empty
// payload field, which is valid for payload-free types (detach, kill_ok, ...).
func New(frameType Type, sessionID string, seq uint64, payload any) (Frame, error) {
	frame := Frame{
		V:         Version,
		Type:      frameType,
		SessionID: sessionID,
		Seq:       seq,
	}

	if frameType == "" {
		return Frame{}, fmt.Errorf("%w: type is required", ErrInvalidFrame)
	}

	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal payload: %w", err)
		}

		frame.Payload = body
	}

	return frame, nil
}

// Validate checks the envelope invariants.
func (f Frame) Validate() error {
	if f.V != Version {
		return ErrVersion
	}

	if f.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidFrame)
	}

	return nil
}

// DecodePayload unmarshals the payload into dst.
func (f Frame) DecodePayload(dst any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%w: empty payload for %s", ErrInvalidFrame, f.Type)
	}

	if err := json.Unmarshal(f.Payload, dst); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", ErrInvalidFrame, f.Type, err)
	}

	return nil
}

// Write encodes and writes one length-prefixed frame.
func Write(w io.Writer, f Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}

	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	if len(body) > DefaultMaxFrame {
		return ErrFrameTooLarge
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}

	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}

	return nil
}

// Read reads and decodes one length-prefixed frame. maxFrameSize <= 0 applies
// DefaultMaxFrame.
func Read(r io.Reader, maxFrameSize int) (Frame, error) {
	limit := maxFrameSize
	if limit <= 0 {
		limit = DefaultMaxFrame
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, fmt.Errorf("read frame length: %w", err)
	}

	size := int(binary.BigEndian.Uint32(lenBuf[:]))
	if size <= 0 || size > limit {
		return Frame{}, ErrFrameTooLarge
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("read frame body: %w", err)
	}

	var frame Frame
	if err := json.Unmarshal(body, &frame); err != nil {
		return Frame{}, fmt.Errorf("%w: decode frame: %v", ErrInvalidFrame, err)
	}

	if err := frame.Validate(); err != nil {
		return Frame{}, err
	}

	return frame, nil
}
