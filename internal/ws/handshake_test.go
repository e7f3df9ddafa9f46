package ws_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyhub/alert-dispatch/internal/ws"
)

func TestNegotiate_RFCVector(t *testing.T) {
	got, err := ws.Negotiate("dGhlIHNhbXBsZSBub25jZQ==")
	require.NoError(t, err)
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", got)
}

func TestNegotiate_Deterministic(t *testing.T) {
	a, err := ws.Negotiate("x3JJHMbDL1EzLkh9GBhXDw==")
	require.NoError(t, err)
	b, err := ws.Negotiate("x3JJHMbDL1EzLkh9GBhXDw==")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, "HSmrc0sMlYUkAGmm5OPpG2HaGWk=", a)
}

func TestNegotiate_MissingKey(t *testing.T) {
	for _, key := range []string{"", "   "} {
		_, err := ws.Negotiate(key)
		assert.ErrorIs(t, err, ws.ErrMissingKey)
	}
}

func TestWriteUpgrade(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ws.WriteUpgrade(&buf, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="))
	assert.Equal(t,
		"HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n\r\n",
		buf.String())
}

func TestWriteBadRequest(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ws.WriteBadRequest(&buf))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("HTTP/1.1 400 Bad Request\r\n")))
}

func TestEncodeMessage(t *testing.T) {
	m, err := ws.NewMessage(ws.TypePong, "", map[string]int{"n": 1})
	require.NoError(t, err)
	frame, err := ws.EncodeMessage(m)
	require.NoError(t, err)

	f, _, err := ws.Decode(frame)
	require.NoError(t, err)
	back, err := ws.ParseMessage(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, ws.TypePong, back.Type)
	assert.JSONEq(t, `{"n":1}`, string(back.Data))
}
