package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/alert-dispatch/internal/domain"
	"github.com/notifyhub/alert-dispatch/internal/events"
	"github.com/notifyhub/alert-dispatch/internal/queue"
)

// ErrUnknownAgent is returned for tasks addressed to an unregistered agent.
var ErrUnknownAgent = errors.New("unknown agent")

// AgentFunc runs one task for an agent.
type AgentFunc func(ctx context.Context, task string, data json.RawMessage) error

// AgentStatus is the observable state of an agent.
type AgentStatus struct {
	Name      string     `json:"name"`
	Running   bool       `json:"running"`
	Runs      int        `json:"runs"`
	Failures  int        `json:"failures"`
	LastTask  string     `json:"lastTask,omitempty"`
	LastRun   *time.Time `json:"lastRun,omitempty"`
	LastError string     `json:"lastError,omitempty"`
}

// Announcement is the payload the announce agent publishes.
type Announcement struct {
	Agent string          `json:"agent"`
	Task  string          `json:"task"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// AgentHandler is the handler of the agent-tasks queue. It dispatches to
// registered agents and tracks their status for snapshots.
type AgentHandler struct {
	mu     sync.RWMutex
	agents map[string]AgentFunc
	status map[string]*AgentStatus
	bus    events.Bus
	logger *zap.Logger
	now    func() time.Time
}

func NewAgentHandler(bus events.Bus, logger *zap.Logger) *AgentHandler {
	if bus == nil {
		bus = events.Nop{}
	}
	h := &AgentHandler{
		agents: make(map[string]AgentFunc),
		status: make(map[string]*AgentStatus),
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
	h.Register("announce", h.announce)
	return h
}

// Register adds or replaces an agent.
func (h *AgentHandler) Register(name string, fn AgentFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.agents[name] = fn
	if _, ok := h.status[name]; !ok {
		h.status[name] = &AgentStatus{Name: name}
	}
}

func (h *AgentHandler) Handle(ctx context.Context, job *queue.Job) error {
	var p domain.AgentTaskPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return queue.Permanent(fmt.Errorf("decode agent payload: %w", err))
	}
	if p.AgentName == "" || p.Task == "" {
		return queue.Permanent(domain.ErrInvalidAgent)
	}

	h.mu.Lock()
	fn, ok := h.agents[p.AgentName]
	if !ok {
		h.mu.Unlock()
		return queue.Permanent(fmt.Errorf("%w: %s", ErrUnknownAgent, p.AgentName))
	}
	st := h.status[p.AgentName]
	st.Running = true
	st.LastTask = p.Task
	h.mu.Unlock()
	h.publish(p.AgentName)

	defer func() {
		if r := recover(); r != nil {
			h.settle(p.AgentName, st, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()
	err := fn(ctx, p.Task, p.Data)
	h.settle(p.AgentName, st, err)

	if err != nil {
		h.logger.Warn("agent task failed",
			zap.String("agent", p.AgentName), zap.String("task", p.Task), zap.Error(err))
		return fmt.Errorf("agent %s task %s: %w", p.AgentName, p.Task, err)
	}
	return nil
}

// settle records the end of a run and publishes the new status.
func (h *AgentHandler) settle(name string, st *AgentStatus, err error) {
	now := h.now().UTC()
	h.mu.Lock()
	st.Running = false
	st.Runs++
	st.LastRun = &now
	st.LastError = ""
	if err != nil {
		st.Failures++
		st.LastError = err.Error()
	}
	h.mu.Unlock()
	h.publish(name)
}

// Statuses returns a copy of every agent's status, sorted by name.
func (h *AgentHandler) Statuses() []AgentStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]AgentStatus, 0, len(h.status))
	for _, st := range h.status {
		out = append(out, copyStatus(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (h *AgentHandler) publish(name string) {
	h.mu.RLock()
	st := copyStatus(h.status[name])
	h.mu.RUnlock()
	h.bus.Publish(events.Event{Type: events.AgentStatus, Data: st})
}

// announce broadcasts its task data to socket viewers.
func (h *AgentHandler) announce(_ context.Context, task string, data json.RawMessage) error {
	h.bus.Publish(events.Event{
		Type: events.AgentStatus,
		Data: Announcement{Agent: "announce", Task: task, Data: data},
	})
	return nil
}

func copyStatus(st *AgentStatus) AgentStatus {
	c := *st
	if st.LastRun != nil {
		t := *st.LastRun
		c.LastRun = &t
	}
	return c
}
