package service

import (
	"context"
	"time"

	"github.com/notifyhub/alert-dispatch/internal/jobs"
	"github.com/notifyhub/alert-dispatch/internal/queue"
)

// ConnectionCounter reports the number of live socket connections.
type ConnectionCounter interface {
	Len() int
}

// AgentLister reports agent statuses.
type AgentLister interface {
	Statuses() []jobs.AgentStatus
}

// Snapshot is the periodic status pushed to socket viewers.
type Snapshot struct {
	Queues      []queue.Stats      `json:"queues"`
	Connections int                `json:"connections"`
	Agents      []jobs.AgentStatus `json:"agents"`
	Timestamp   time.Time          `json:"timestamp"`
}

// StatusService assembles system snapshots.
type StatusService struct {
	store  *queue.Store
	conns  ConnectionCounter
	agents AgentLister
	now    func() time.Time
}

// NewStatusService creates a status service. conns and agents may be nil.
func NewStatusService(store *queue.Store, conns ConnectionCounter, agents AgentLister) *StatusService {
	return &StatusService{store: store, conns: conns, agents: agents, now: time.Now}
}

func (s *StatusService) Snapshot(_ context.Context) Snapshot {
	snap := Snapshot{
		Queues:    s.store.AllStats(),
		Agents:    []jobs.AgentStatus{},
		Timestamp: s.now().UTC(),
	}
	if s.conns != nil {
		snap.Connections = s.conns.Len()
	}
	if s.agents != nil {
		snap.Agents = s.agents.Statuses()
	}
	return snap
}
