package gateway

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/notifyhub/alert-dispatch/internal/events"
	"github.com/notifyhub/alert-dispatch/internal/ws"
)

const readChunk = 4096

// topics lists the subscription topics a client may name.
var topics = map[string]bool{
	events.TopicNotifications: true,
	events.TopicJobs:          true,
	events.TopicDisasters:     true,
	events.TopicAgents:        true,
}

// reader owns the inbound side of one connection: the byte buffer, the
// fragment being reassembled and message dispatch.
type reader struct {
	g      *Gateway
	c      *Connection
	logger *zap.Logger

	buf         []byte
	fragment    []byte
	fragmenting bool
}

func newReader(g *Gateway, c *Connection, logger *zap.Logger) *reader {
	return &reader{g: g, c: c, logger: logger}
}

func (r *reader) run(pending []byte) {
	r.buf = append(r.buf, pending...)
	chunk := make([]byte, readChunk)

	for {
		if done := r.drain(); done {
			return
		}

		n, err := r.c.nc.Read(chunk)
		if n > 0 {
			r.buf = append(r.buf, chunk[:n]...)
		}
		if err != nil {
			if r.c.Closed() {
				return
			}
			reason := "read error"
			if errors.Is(err, io.EOF) {
				reason = "peer disconnected"
			}
			r.c.Close(reason)
			return
		}
	}
}

// drain decodes every complete frame in the buffer. It returns true when
// the connection has been closed.
func (r *reader) drain() bool {
	for {
		if err := r.checkSize(); err != nil {
			r.protocolError(err)
			return true
		}

		f, n, err := ws.Decode(r.buf)
		if errors.Is(err, ws.ErrIncomplete) {
			return false
		}
		if err != nil {
			r.protocolError(err)
			return true
		}
		r.buf = append(r.buf[:0], r.buf[n:]...)
		r.c.touch(r.g.now())

		switch f.Opcode {
		case ws.OpClose:
			_ = r.c.write(ws.EncodeClose())
			r.c.Close("close frame")
			return true
		case ws.OpText:
			if r.fragmenting {
				r.protocolError(fmt.Errorf("%w: text frame inside fragmented message", ws.ErrProtocol))
				return true
			}
			if f.Fin {
				r.dispatch(f.Payload)
				continue
			}
			r.fragment = f.Payload
			r.fragmenting = true
		case ws.OpContinuation:
			if !r.fragmenting {
				r.protocolError(fmt.Errorf("%w: continuation without a first frame", ws.ErrProtocol))
				return true
			}
			r.fragment = append(r.fragment, f.Payload...)
			if len(r.fragment) > r.g.opts.MaxMessageBytes {
				r.protocolError(fmt.Errorf("%w: message exceeds %d bytes", ws.ErrProtocol, r.g.opts.MaxMessageBytes))
				return true
			}
			if f.Fin {
				msg := r.fragment
				r.fragment, r.fragmenting = nil, false
				r.dispatch(msg)
			}
		default:
			// ping, pong and binary frames carry nothing for us.
		}
	}
}

// checkSize rejects a frame as soon as its header declares a payload larger
// than the message limit, before the payload is buffered.
func (r *reader) checkSize() error {
	_, size, err := ws.HeaderLen(r.buf)
	if err != nil {
		return nil
	}
	if size > uint64(r.g.opts.MaxMessageBytes) {
		return fmt.Errorf("%w: frame of %d bytes exceeds %d", ws.ErrProtocol, size, r.g.opts.MaxMessageBytes)
	}
	return nil
}

func (r *reader) protocolError(err error) {
	r.logger.Warn("protocol error", zap.Error(err))
	_ = r.c.write(ws.EncodeClose())
	r.c.Close("protocol error")
}

// dispatch handles one complete application message.
func (r *reader) dispatch(payload []byte) {
	msg, err := ws.ParseMessage(payload)
	if err != nil {
		r.g.hooks.OnMessage("invalid")
		r.g.reply(r.c, ws.TypeError, func(m *ws.Message) { m.Error = "invalid message format" })
		return
	}
	r.g.hooks.OnMessage(msg.Type)

	switch msg.Type {
	case ws.TypePing:
		r.g.reply(r.c, ws.TypePong, nil)
	case ws.TypeSubscribe, ws.TypeUnsubscribe:
		if unknown := unknownTopics(msg.Channels); len(unknown) > 0 {
			r.g.reply(r.c, ws.TypeError, func(m *ws.Message) {
				m.Error = "unknown topic: " + strings.Join(unknown, ", ")
			})
			return
		}
		var current []string
		if msg.Type == ws.TypeSubscribe {
			current = r.c.Subscribe(msg.Channels...)
		} else {
			current = r.c.Unsubscribe(msg.Channels...)
		}
		r.g.reply(r.c, ws.TypeSubscribed, func(m *ws.Message) { m.Channels = current })
	default:
		r.g.reply(r.c, ws.TypeError, func(m *ws.Message) {
			m.Error = fmt.Sprintf("unknown message type %q", msg.Type)
		})
	}
}

func unknownTopics(names []string) []string {
	var out []string
	for _, n := range names {
		if !topics[n] {
			out = append(out, n)
		}
	}
	return out
}
