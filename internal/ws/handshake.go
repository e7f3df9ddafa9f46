package ws

import (
	"crypto/sha1" //nolint:gosec // mandated by RFC 6455 §4.2.2
	"encoding/base64"
	"errors"
	"io"
	"strings"
)

// acceptGUID is the fixed GUID appended to the client key (RFC 6455 §1.3).
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// ErrMissingKey is returned when the upgrade request has no Sec-WebSocket-Key.
var ErrMissingKey = errors.New("ws: missing Sec-WebSocket-Key")

// Negotiate computes the Sec-WebSocket-Accept token for a client key.
func Negotiate(clientKey string) (string, error) {
	key := strings.TrimSpace(clientKey)
	if key == "" {
		return "", ErrMissingKey
	}
	sum := sha1.Sum([]byte(key + acceptGUID)) //nolint:gosec
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// WriteUpgrade writes the 101 response that turns the stream into a framed connection.
func WriteUpgrade(w io.Writer, accept string) error {
	_, err := io.WriteString(w, "HTTP/1.1 101 Switching Protocols\r\n"+
		"Upgrade: websocket\r\n"+
		"Connection: Upgrade\r\n"+
		"Sec-WebSocket-Accept: "+accept+"\r\n\r\n")
	return err
}

// WriteBadRequest writes the response sent to a failed handshake before the socket is dropped.
func WriteBadRequest(w io.Writer) error {
	_, err := io.WriteString(w, "HTTP/1.1 400 Bad Request\r\nConnection: close\r\nContent-Length: 0\r\n\r\n")
	return err
}
