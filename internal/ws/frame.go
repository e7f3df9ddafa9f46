// Package ws implements the server side of the RFC 6455 wire protocol:
// the opening handshake, frame encoding and decoding, and the JSON
// application messages exchanged inside text frames.
//
// Everything here is a pure transform over byte slices. Connection state,
// buffering and teardown live in the gateway package.
package ws

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Opcode identifies the frame type (RFC 6455 §5.2).
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	}
	return fmt.Sprintf("opcode(0x%x)", byte(o))
}

// IsControl reports whether o is a control opcode (close, ping, pong).
func (o Opcode) IsControl() bool { return o&0x8 != 0 }

func (o Opcode) isKnown() bool {
	switch o {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	}
	return false
}

const (
	finBit  = 0x80
	rsvBits = 0x70
	opMask  = 0x0F
	maskBit = 0x80
	lenMask = 0x7F

	len16Marker = 126
	len64Marker = 127

	maxControlPayload = 125
)

var (
	// ErrIncomplete means the buffer does not yet hold a whole frame.
	// Callers keep the bytes and retry once more data arrives.
	ErrIncomplete = errors.New("ws: incomplete frame")

	// ErrProtocol marks a frame that violates RFC 6455. The connection must be closed.
	ErrProtocol = errors.New("ws: protocol error")
)

// Frame is one decoded wire unit.
// Payload is populated for text and continuation frames only.
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Masked  bool
	Payload []byte
}

// IsClose reports whether the frame is the peer's close signal.
func (f Frame) IsClose() bool { return f.Opcode == OpClose }

// Encode wraps text in a single unfragmented, unmasked text frame.
// Server-to-client frames are never masked.
func Encode(text []byte) []byte {
	return encode(OpText, text)
}

// EncodeClose returns a close frame with no status code.
func EncodeClose() []byte {
	return encode(OpClose, nil)
}

func encode(op Opcode, payload []byte) []byte {
	n := len(payload)

	var header []byte
	switch {
	case n < len16Marker:
		header = []byte{finBit | byte(op), byte(n)}
	case n <= 0xFFFF:
		header = make([]byte, 4)
		header[0] = finBit | byte(op)
		header[1] = len16Marker
		binary.BigEndian.PutUint16(header[2:], uint16(n))
	default:
		header = make([]byte, 10)
		header[0] = finBit | byte(op)
		header[1] = len64Marker
		binary.BigEndian.PutUint64(header[2:], uint64(n))
	}

	out := make([]byte, 0, len(header)+n)
	out = append(out, header...)
	return append(out, payload...)
}

// Decode parses the first frame in buf and returns it together with the
// number of bytes it occupied. It returns ErrIncomplete whenever the length
// extension, mask key or payload is not fully present, and never a
// truncated payload. buf is not modified; the returned payload is a copy.
func Decode(buf []byte) (Frame, int, error) {
	if len(buf) < 2 {
		return Frame{}, 0, ErrIncomplete
	}

	b0, b1 := buf[0], buf[1]
	f := Frame{
		Fin:    b0&finBit != 0,
		Opcode: Opcode(b0 & opMask),
		Masked: b1&maskBit != 0,
	}

	if b0&rsvBits != 0 {
		return Frame{}, 0, fmt.Errorf("%w: reserved bits set", ErrProtocol)
	}
	if !f.Opcode.isKnown() {
		return Frame{}, 0, fmt.Errorf("%w: unknown %s", ErrProtocol, f.Opcode)
	}

	pos := 2
	length := uint64(b1 & lenMask)
	switch length {
	case len16Marker:
		if len(buf) < pos+2 {
			return Frame{}, 0, ErrIncomplete
		}
		length = uint64(binary.BigEndian.Uint16(buf[pos:]))
		pos += 2
	case len64Marker:
		if len(buf) < pos+8 {
			return Frame{}, 0, ErrIncomplete
		}
		length = binary.BigEndian.Uint64(buf[pos:])
		if length>>63 != 0 {
			return Frame{}, 0, fmt.Errorf("%w: 64-bit length has most significant bit set", ErrProtocol)
		}
		pos += 8
	}

	if f.Opcode.IsControl() && (length > maxControlPayload || !f.Fin) {
		return Frame{}, 0, fmt.Errorf("%w: invalid %s frame", ErrProtocol, f.Opcode)
	}

	var key [4]byte
	if f.Masked {
		if len(buf) < pos+4 {
			return Frame{}, 0, ErrIncomplete
		}
		copy(key[:], buf[pos:pos+4])
		pos += 4
	}

	if uint64(len(buf)-pos) < length {
		return Frame{}, 0, ErrIncomplete
	}
	end := pos + int(length)

	if f.Opcode == OpText || f.Opcode == OpContinuation {
		payload := make([]byte, length)
		copy(payload, buf[pos:end])
		if f.Masked {
			for i := range payload {
				payload[i] ^= key[i%4]
			}
		}
		f.Payload = payload
	}

	return f, end, nil
}

// HeaderLen returns how many bytes of buf belong to the header of the frame
// it starts with, and the payload length that header declares.
// It is used by readers that need to reject oversize frames before the payload arrives.
func HeaderLen(buf []byte) (header int, payload uint64, err error) {
	if len(buf) < 2 {
		return 0, 0, ErrIncomplete
	}
	header = 2
	payload = uint64(buf[1] & lenMask)
	switch payload {
	case len16Marker:
		if len(buf) < 4 {
			return 0, 0, ErrIncomplete
		}
		payload = uint64(binary.BigEndian.Uint16(buf[2:]))
		header += 2
	case len64Marker:
		if len(buf) < 10 {
			return 0, 0, ErrIncomplete
		}
		payload = binary.BigEndian.Uint64(buf[2:])
		header += 8
	}
	if buf[1]&maskBit != 0 {
		header += 4
	}
	return header, payload, nil
}
