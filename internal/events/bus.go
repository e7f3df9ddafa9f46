// Package events is the in-process listener list that connects the job
// pipeline to the socket gateway.
//
// Publish never blocks: subscribers own buffered channels and a slow
// subscriber drops events rather than stalling a worker.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the pipeline.
const (
	NotificationStatus = "notification.status"
	JobCompleted       = "job.completed"
	JobRetrying        = "job.retrying"
	JobFailed          = "job.failed"
	DisasterUpdate     = "disaster.update"
	AgentStatus        = "agent.status"
)

// Topics group event types for socket subscriptions.
const (
	TopicNotifications = "notifications"
	TopicJobs          = "jobs"
	TopicDisasters     = "disasters"
	TopicAgents        = "agents"
)

// TopicOf maps an event type onto the subscription topic it is delivered under.
func TopicOf(eventType string) string {
	switch eventType {
	case NotificationStatus:
		return TopicNotifications
	case JobCompleted, JobRetrying, JobFailed:
		return TopicJobs
	case DisasterUpdate:
		return TopicDisasters
	case AgentStatus:
		return TopicAgents
	}
	return ""
}

// Event is a small, JSON-serializable signal.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Bus is a fan-out of events to registered listeners.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	// Sends happen under the read lock so unsubscribe cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Nop discards every event. Useful where no listener is wired.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}
