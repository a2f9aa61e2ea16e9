package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	skifferrors "github.com/skiff-dev/skiff/internal/errors"
)

func TestRoundTrip_Spawn(t *testing.T) {
	frame, err := New(TypeSpawn, "", 0, SpawnRequest{
		Program: "/bin/zsh",
		Args:    []string{"-l"},
		Dir:     "/home/user",
		Rows:    40,
		Cols:    120,
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, frame))

	decoded, err := Read(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, TypeSpawn, decoded.Type)

	var req SpawnRequest
	require.NoError(t, decoded.DecodePayload(&req))
	assert.Equal(t, "/bin/zsh", req.Program)
	assert.Equal(t, uint16(120), req.Cols)
}

func TestRoundTrip_OutputCarriesBytesAndSeq(t *testing.T) {
	payload := Data{Data: []byte("ping\r\n\x1b[0m")}

	frame, err := New(TypeOutput, "sess-1", 42, payload)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, frame))

	decoded, err := Read(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), decoded.Seq)
	assert.Equal(t, "sess-1", decoded.SessionID)

	var out Data
	require.NoError(t, decoded.DecodePayload(&out))
	assert.Equal(t, payload.Data, out.Data)
}

func TestRoundTrip_PayloadFreeTypes(t *testing.T) {
	for _, frameType := range []Type{TypeDetach, TypeKill, TypeKillOK, TypeStatusSubscribe} {
		frame, err := New(frameType, "sess-1", 0, nil)
		require.NoError(t, err)

		var buf bytes.Buffer
		require.NoError(t, Write(&buf, frame))

		decoded, err := Read(&buf, 0)
		require.NoError(t, err, "type %s", frameType)
		assert.Equal(t, frameType, decoded.Type)
		assert.Empty(t, decoded.Payload)
	}
}

func TestRead_RejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(DefaultMaxFrame+1))
	buf.Write(lenBuf[:])

	_, err := Read(&buf, 0)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.ErrorIs(t, err, skifferrors.ErrProtocolError)
}

func TestRead_RejectsZeroLength(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte{0, 0, 0, 0}), 0)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestRead_TruncatedBody(t *testing.T) {
	var buf bytes.Buffer

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], 100)
	buf.Write(lenBuf[:])
	buf.WriteString("{\"v\":1")

	_, err := Read(&buf, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestRead_MalformedJSON(t *testing.T) {
	body := []byte("not json at all")

	var buf bytes.Buffer

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	buf.Write(lenBuf[:])
	buf.Write(body)

	_, err := Read(&buf, 0)
	assert.ErrorIs(t, err, skifferrors.ErrProtocolError)
}

func TestRead_WrongVersion(t *testing.T) {
	body := []byte(`{"v":99,"type":"spawn"}`)

	var buf bytes.Buffer

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	buf.Write(lenBuf[:])
	buf.Write(body)

	_, err := Read(&buf, 0)
	assert.ErrorIs(t, err, ErrVersion)
}

func TestNew_RequiresType(t *testing.T) {
	_, err := New("", "", 0, nil)
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestDecodePayload_EmptyPayload(t *testing.T) {
	frame, err := New(TypeDetach, "sess-1", 0, nil)
	require.NoError(t, err)

	var req AttachRequest
	err = frame.DecodePayload(&req)
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestWrite_CustomLimit(t *testing.T) {
	frame, err := New(TypeOutput, "sess-1", 1, Data{Data: bytes.Repeat([]byte{'x'}, 512)})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, frame))

	_, err = Read(&buf, 16)
	assert.True(t, errors.Is(err, ErrFrameTooLarge))
}
