package ws_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyhub/alert-dispatch/internal/ws"
)

// maskedFrame builds a client-style masked frame for tests.
func maskedFrame(op ws.Opcode, fin bool, payload []byte, key [4]byte) []byte {
	b0 := byte(op)
	if fin {
		b0 |= 0x80
	}
	var out []byte
	n := len(payload)
	switch {
	case n < 126:
		out = []byte{b0, 0x80 | byte(n)}
	case n <= 0xFFFF:
		out = []byte{b0, 0x80 | 126, 0, 0}
		binary.BigEndian.PutUint16(out[2:], uint16(n))
	default:
		out = make([]byte, 10)
		out[0], out[1] = b0, 0x80|127
		binary.BigEndian.PutUint64(out[2:], uint64(n))
	}
	out = append(out, key[:]...)
	for i, c := range payload {
		out = append(out, c^key[i%4])
	}
	return out
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	sizes := []struct {
		name    string
		n       int
		hdrLen  int
		lenByte byte
	}{
		{"empty", 0, 2, 0},
		{"short", 125, 2, 125},
		{"16-bit lower bound", 126, 4, 126},
		{"16-bit upper bound", 65535, 4, 126},
		{"64-bit", 65536, 10, 127},
		{"64-bit large", 200000, 10, 127},
	}

	for _, tc := range sizes {
		t.Run(tc.name, func(t *testing.T) {
			payload := bytes.Repeat([]byte{'a'}, tc.n)
			frame := ws.Encode(payload)

			require.Len(t, frame, tc.hdrLen+tc.n)
			assert.Equal(t, byte(0x81), frame[0], "FIN + text opcode")
			assert.Equal(t, tc.lenByte, frame[1], "mask bit clear, length marker")

			got, consumed, err := ws.Decode(frame)
			require.NoError(t, err)
			assert.Equal(t, len(frame), consumed)
			assert.True(t, got.Fin)
			assert.False(t, got.Masked)
			assert.Equal(t, ws.OpText, got.Opcode)
			assert.True(t, bytes.Equal(payload, got.Payload))
		})
	}
}

func TestDecode_Unmasks(t *testing.T) {
	key := [4]byte{0x37, 0xfa, 0x21, 0x3d}
	for _, n := range []int{5, 300, 70000} {
		payload := bytes.Repeat([]byte("hello"), n/5)
		f, consumed, err := ws.Decode(maskedFrame(ws.OpText, true, payload, key))
		require.NoError(t, err)
		assert.True(t, f.Masked)
		assert.Equal(t, payload, f.Payload)
		assert.Greater(t, consumed, len(payload))
	}
}

func TestDecode_RFCExample(t *testing.T) {
	// RFC 6455 §5.7: single-frame masked text message containing "Hello".
	frame := []byte{0x81, 0x85, 0x37, 0xfa, 0x21, 0x3d, 0x7f, 0x9f, 0x4d, 0x51, 0x58}
	f, n, err := ws.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	assert.Equal(t, "Hello", string(f.Payload))
}

func TestDecode_Incomplete(t *testing.T) {
	full := ws.Encode(bytes.Repeat([]byte{'x'}, 300))
	masked := maskedFrame(ws.OpText, true, []byte("hi there"), [4]byte{1, 2, 3, 4})
	long := ws.Encode(bytes.Repeat([]byte{'y'}, 70000))

	cases := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"one byte", []byte{0x81}},
		{"16-bit length with one extension byte", []byte{0x81, 126, 0x01}},
		{"64-bit length partially present", long[:6]},
		{"mask key partially present", masked[:4]},
		{"payload short by one", full[:len(full)-1]},
		{"masked payload short", masked[:len(masked)-2]},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, n, err := ws.Decode(tc.buf)
			assert.ErrorIs(t, err, ws.ErrIncomplete)
			assert.Zero(t, n)
			assert.Nil(t, f.Payload)
		})
	}
}

func TestDecode_ConsumesOnlyFirstFrame(t *testing.T) {
	buf := append(ws.Encode([]byte("one")), ws.Encode([]byte("two"))...)

	f1, n1, err := ws.Decode(buf)
	require.NoError(t, err)
	f2, n2, err := ws.Decode(buf[n1:])
	require.NoError(t, err)

	assert.Equal(t, "one", string(f1.Payload))
	assert.Equal(t, "two", string(f2.Payload))
	assert.Equal(t, len(buf), n1+n2)
}

func TestDecode_CloseAndControlFrames(t *testing.T) {
	f, _, err := ws.Decode(maskedFrame(ws.OpClose, true, []byte{0x03, 0xe8}, [4]byte{9, 9, 9, 9}))
	require.NoError(t, err)
	assert.True(t, f.IsClose())
	assert.Nil(t, f.Payload)

	f, _, err = ws.Decode(maskedFrame(ws.OpPing, true, []byte("keepalive"), [4]byte{1, 1, 1, 1}))
	require.NoError(t, err)
	assert.Equal(t, ws.OpPing, f.Opcode)
	assert.Nil(t, f.Payload)

	f, _, err = ws.Decode(maskedFrame(ws.OpBinary, true, []byte{1, 2, 3}, [4]byte{}))
	require.NoError(t, err)
	assert.Nil(t, f.Payload)

	closeFrame := ws.EncodeClose()
	f, n, err := ws.Decode(closeFrame)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, f.IsClose())
}

func TestDecode_ProtocolErrors(t *testing.T) {
	badLen := make([]byte, 10)
	badLen[0], badLen[1] = 0x81, 127
	binary.BigEndian.PutUint64(badLen[2:], 1<<63)

	cases := []struct {
		name string
		buf  []byte
	}{
		{"64-bit length msb set", badLen},
		{"reserved bits", []byte{0xC1, 0x00}},
		{"unknown opcode", []byte{0x83, 0x00}},
		{"oversize control frame", append([]byte{0x89, 126, 0x00, 0x80}, make([]byte, 128)...)},
		{"fragmented control frame", []byte{0x09, 0x00}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := ws.Decode(tc.buf)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ws.ErrProtocol), "got %v", err)
		})
	}
}

func TestHeaderLen(t *testing.T) {
	h, n, err := ws.HeaderLen(maskedFrame(ws.OpText, true, bytes.Repeat([]byte{'z'}, 1000), [4]byte{}))
	require.NoError(t, err)
	assert.Equal(t, 8, h)
	assert.Equal(t, uint64(1000), n)

	_, _, err = ws.HeaderLen([]byte{0x81, 127, 0})
	assert.ErrorIs(t, err, ws.ErrIncomplete)
}
