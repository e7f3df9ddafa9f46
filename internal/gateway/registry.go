package gateway

import (
	"errors"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/notifyhub/alert-dispatch/internal/ws"
)

// ErrConnectionNotFound is returned by Send for an ID that is not registered.
var ErrConnectionNotFound = errors.New("gateway: connection not found")

// Connection is one open socket. Other components address it by ID only;
// the Registry is the single holder of the pointer.
type Connection struct {
	ID        string
	CreatedAt time.Time

	nc           net.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex

	mu           sync.RWMutex
	topics       map[string]struct{}
	lastActivity time.Time

	closed  atomic.Bool
	once    sync.Once
	done    chan struct{}
	onClose func(c *Connection, reason string)
}

func newConnection(id string, nc net.Conn, writeTimeout time.Duration, now time.Time) *Connection {
	return &Connection{
		ID:           id,
		CreatedAt:    now,
		nc:           nc,
		writeTimeout: writeTimeout,
		topics:       make(map[string]struct{}),
		lastActivity: now,
		done:         make(chan struct{}),
	}
}

// Subscribe adds topics and returns the resulting subscription set.
func (c *Connection) Subscribe(topics ...string) []string {
	c.mu.Lock()
	for _, t := range topics {
		c.topics[t] = struct{}{}
	}
	c.mu.Unlock()
	return c.Topics()
}

// Unsubscribe removes topics and returns the resulting subscription set.
func (c *Connection) Unsubscribe(topics ...string) []string {
	c.mu.Lock()
	for _, t := range topics {
		delete(c.topics, t)
	}
	c.mu.Unlock()
	return c.Topics()
}

// Topics returns the subscribed topics, sorted.
func (c *Connection) Topics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Wants reports whether an event on topic should reach this connection.
// A connection with no subscriptions receives every topic.
func (c *Connection) Wants(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.topics) == 0 {
		return true
	}
	_, ok := c.topics[topic]
	return ok
}

// LastActivity is when the connection last sent a frame.
func (c *Connection) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

func (c *Connection) touch(at time.Time) {
	c.mu.Lock()
	c.lastActivity = at
	c.mu.Unlock()
}

// Closed reports whether teardown has started.
func (c *Connection) Closed() bool { return c.closed.Load() }

// Close tears the connection down. Only the first call has any effect.
func (c *Connection) Close(reason string) {
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.done)
		_ = c.nc.Close()
		if c.onClose != nil {
			c.onClose(c, reason)
		}
	})
}

// write sends one encoded frame. Writes are serialized per connection and
// bounded by the write timeout.
func (c *Connection) write(frame []byte) error {
	if c.Closed() {
		return net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err := c.nc.Write(frame)
	return err
}

// Registry owns every live connection.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

func (r *Registry) Register(c *Connection) {
	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()
}

// Unregister removes a connection and reports whether it was present.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	return true
}

func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// IDs returns the registered connection IDs, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Send writes one message to a single connection. A failed write tears the
// connection down.
func (r *Registry) Send(id string, msg ws.Message) error {
	c, ok := r.Get(id)
	if !ok {
		return ErrConnectionNotFound
	}
	frame, err := ws.EncodeMessage(msg)
	if err != nil {
		return err
	}
	return sendFrame(c, frame)
}

// Broadcast writes msg to every connection that wants topic and returns the
// number of successful writes. Connections whose write fails are torn down.
func (r *Registry) Broadcast(topic string, msg ws.Message) (int, error) {
	frame, err := ws.EncodeMessage(msg)
	if err != nil {
		return 0, err
	}

	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		if c.Wants(topic) {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if sendFrame(c, frame) == nil {
			sent++
		}
	}
	return sent, nil
}

func (r *Registry) connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

func sendFrame(c *Connection, frame []byte) error {
	if err := c.write(frame); err != nil {
		c.Close("write failed")
		return err
	}
	return nil
}
