// Package gateway serves the live status feed. It upgrades connections with
// the ws handshake, reads frames off each socket, answers application
// messages and fans bus events out to subscribed connections.
package gateway

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyhub/alert-dispatch/internal/events"
	"github.com/notifyhub/alert-dispatch/internal/ws"
)

const (
	defaultStatusInterval  = 5 * time.Second
	defaultMaxMessageBytes = 64 << 10
	defaultWriteTimeout    = 5 * time.Second
	handshakeTimeout       = 10 * time.Second
)

// StatusFunc builds the snapshot pushed on every status tick.
type StatusFunc func(ctx context.Context) any

// Options tune the gateway. Zero values use defaults. IdleTimeout closes a
// connection that has sent nothing for that long; zero disables it.
type Options struct {
	StatusInterval  time.Duration
	MaxMessageBytes int
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
}

func (o *Options) fill() {
	if o.StatusInterval <= 0 {
		o.StatusInterval = defaultStatusInterval
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = defaultMaxMessageBytes
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
}

// MetricHooks lets the metrics package observe the gateway without the
// gateway importing it. Nil fields are ignored.
type MetricHooks struct {
	OnConnect    func()
	OnDisconnect func(lifetime time.Duration)
	OnMessage    func(msgType string)
}

func (h *MetricHooks) fill() {
	if h.OnConnect == nil {
		h.OnConnect = func() {}
	}
	if h.OnDisconnect == nil {
		h.OnDisconnect = func(time.Duration) {}
	}
	if h.OnMessage == nil {
		h.OnMessage = func(string) {}
	}
}

// Gateway accepts socket connections and keeps them in a Registry.
type Gateway struct {
	reg    *Registry
	status StatusFunc
	opts   Options
	logger *zap.Logger
	hooks  MetricHooks
	feed   <-chan events.Event
	unsub  func()
	wg     sync.WaitGroup
	now    func() time.Time
}

// New creates a gateway. status may be nil, in which case no status
// messages are sent.
func New(reg *Registry, bus events.Bus, status StatusFunc, opts Options, logger *zap.Logger, hooks MetricHooks) *Gateway {
	opts.fill()
	hooks.fill()
	if bus == nil {
		bus = events.Nop{}
	}
	// Subscribe now so events published before Run starts are buffered.
	ch, unsub := bus.Subscribe(256)
	return &Gateway{
		reg:    reg,
		status: status,
		opts:   opts,
		logger: logger,
		hooks:  hooks,
		feed:   ch,
		unsub:  unsub,
		now:    time.Now,
	}
}

// Registry returns the registry the gateway registers connections in.
func (g *Gateway) Registry() *Registry { return g.reg }

// ServeHTTP upgrades an HTTP request and takes over the underlying socket.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	accept, err := ws.Negotiate(r.Header.Get("Sec-WebSocket-Key"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "connection does not support upgrade", http.StatusInternalServerError)
		return
	}
	nc, rw, err := hj.Hijack()
	if err != nil {
		g.logger.Error("hijack failed", zap.Error(err))
		return
	}
	_ = nc.SetDeadline(time.Time{})

	if err := ws.WriteUpgrade(nc, accept); err != nil {
		_ = nc.Close()
		return
	}
	g.start(nc, buffered(rw.Reader))
}

// Serve accepts raw connections on ln and performs the handshake itself.
// It returns nil once ctx is cancelled.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			g.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		go g.handshake(nc)
	}
}

// Run forwards bus events to subscribed connections until ctx is done.
func (g *Gateway) Run(ctx context.Context) {
	defer g.unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-g.feed:
			if !ok {
				return
			}
			topic := events.TopicOf(e.Type)
			if topic == "" {
				continue
			}
			msg, err := ws.NewMessage(ws.TypeEvent, topic, e)
			if err != nil {
				g.logger.Error("failed to encode event", zap.String("type", e.Type), zap.Error(err))
				continue
			}
			_, _ = g.reg.Broadcast(topic, msg)
		}
	}
}

// Shutdown sends a close frame to every connection, tears them down and
// waits for their goroutines.
func (g *Gateway) Shutdown() {
	closeFrame := ws.EncodeClose()
	for _, c := range g.reg.connections() {
		_ = c.write(closeFrame)
		c.Close("server shutdown")
	}
	g.wg.Wait()
}

// handshake reads the upgrade request from a raw connection.
func (g *Gateway) handshake(nc net.Conn) {
	_ = nc.SetReadDeadline(time.Now().Add(handshakeTimeout))
	br := bufio.NewReader(nc)
	req, err := http.ReadRequest(br)
	if err != nil {
		_ = ws.WriteBadRequest(nc)
		_ = nc.Close()
		return
	}

	accept, err := ws.Negotiate(req.Header.Get("Sec-WebSocket-Key"))
	if err != nil {
		g.logger.Debug("handshake rejected", zap.String("remote", nc.RemoteAddr().String()), zap.Error(err))
		_ = ws.WriteBadRequest(nc)
		_ = nc.Close()
		return
	}
	_ = nc.SetReadDeadline(time.Time{})

	if err := ws.WriteUpgrade(nc, accept); err != nil {
		_ = nc.Close()
		return
	}
	g.start(nc, buffered(br))
}

// start registers an upgraded socket and runs its goroutines.
func (g *Gateway) start(nc net.Conn, pending []byte) {
	c := newConnection(uuid.NewString(), nc, g.opts.WriteTimeout, g.now())
	log := g.logger.With(zap.String("conn_id", c.ID), zap.String("remote", nc.RemoteAddr().String()))
	c.onClose = func(c *Connection, reason string) {
		g.reg.Unregister(c.ID)
		g.hooks.OnDisconnect(g.now().Sub(c.CreatedAt))
		log.Info("connection closed", zap.String("reason", reason))
	}

	g.reg.Register(c)
	g.hooks.OnConnect()
	log.Info("connection opened")

	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		g.statusLoop(c)
	}()
	go func() {
		defer g.wg.Done()
		newReader(g, c, log).run(pending)
	}()
}

// statusLoop pushes a snapshot to c on every tick until c is closed, and
// closes c once it has been idle past the idle timeout.
func (g *Gateway) statusLoop(c *Connection) {
	if g.status == nil && g.opts.IdleTimeout <= 0 {
		return
	}
	t := time.NewTicker(g.opts.StatusInterval)
	defer t.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if c.Closed() {
				return
			}
			if g.opts.IdleTimeout > 0 && g.now().Sub(c.LastActivity()) > g.opts.IdleTimeout {
				_ = c.write(ws.EncodeClose())
				c.Close("idle timeout")
				return
			}
			if g.status == nil {
				continue
			}
			msg, err := ws.NewMessage(ws.TypeStatus, "", g.status(context.Background()))
			if err != nil {
				g.logger.Error("failed to encode status", zap.Error(err))
				continue
			}
			frame, err := ws.EncodeMessage(msg)
			if err != nil {
				continue
			}
			// A destroyed socket fails here and is torn down and unregistered.
			if sendFrame(c, frame) != nil {
				return
			}
		}
	}
}

// reply encodes and sends a message to c.
func (g *Gateway) reply(c *Connection, typ string, mutate func(m *ws.Message)) {
	m := ws.Message{Type: typ, Timestamp: g.now().UTC()}
	if mutate != nil {
		mutate(&m)
	}
	frame, err := ws.EncodeMessage(m)
	if err != nil {
		return
	}
	_ = sendFrame(c, frame)
}

func buffered(br *bufio.Reader) []byte {
	n := br.Buffered()
	if n == 0 {
		return nil
	}
	b, _ := br.Peek(n)
	return append([]byte(nil), b...)
}
