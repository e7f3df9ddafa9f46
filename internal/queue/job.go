package queue

import (
	"encoding/json"
	"time"
)

// Name identifies one of the registered queues.
type Name string

const (
	Notifications Name = "notifications"
	Disasters     Name = "disasters"
	AgentTasks    Name = "agent-tasks"
)

// Names lists the registered queues in a stable order.
var Names = []Name{Notifications, Disasters, AgentTasks}

// State is the lifecycle state of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

func (s State) IsValid() bool {
	switch s {
	case StateWaiting, StateActive, StateCompleted, StateFailed:
		return true
	}
	return false
}

// DefaultMaxAttempts is used when neither the job nor its queue sets a ceiling.
const DefaultMaxAttempts = 3

// Job is a unit of deferred work. A retried job keeps its ID and is the
// same record moved back to waiting with a later AvailableAt.
type Job struct {
	ID          string          `json:"id"`
	Queue       Name            `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Backoff     Backoff         `json:"backoff"`
	AvailableAt time.Time       `json:"available_at"`
	State       State           `json:"state"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`

	// CorrelationID ties the job to the request that enqueued it.
	CorrelationID string `json:"correlation_id,omitempty"`

	seq   uint64 // enqueue order, FIFO tie-break
	index int    // heap position while waiting
}

func (j *Job) clone() *Job {
	c := *j
	c.index = -1
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// EnqueueOptions tune a single job. Zero values fall back to queue defaults.
type EnqueueOptions struct {
	JobID       string
	Priority    int
	Delay       time.Duration
	MaxAttempts int
	Backoff     *Backoff

	CorrelationID string
}

// Stats is a point-in-time count of jobs per state in one queue.
type Stats struct {
	Queue     Name `json:"queue"`
	Waiting   int  `json:"waiting"`
	Active    int  `json:"active"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Paused    bool `json:"paused"`
}

// Total is the number of jobs the counters account for.
func (s Stats) Total() int { return s.Waiting + s.Active + s.Completed + s.Failed }

// Outcome describes what a failure did to a job.
type Outcome struct {
	Job           *Job
	Retrying      bool
	NextAttemptAt time.Time
}

// QueueConfig carries the per-queue policy.
type QueueConfig struct {
	Name             Name
	Concurrency      int
	MaxAttempts      int
	Backoff          Backoff
	RemoveOnComplete bool
}

// DefaultQueues returns the built-in policy of the three registered queues.
func DefaultQueues() []QueueConfig {
	return []QueueConfig{
		{
			Name:             Notifications,
			Concurrency:      5,
			MaxAttempts:      DefaultMaxAttempts,
			Backoff:          Backoff{Strategy: BackoffExponential, Delay: 5 * time.Second},
			RemoveOnComplete: true,
		},
		{
			Name:        Disasters,
			Concurrency: 10,
			MaxAttempts: DefaultMaxAttempts,
			Backoff:     Backoff{Strategy: BackoffExponential, Delay: 2 * time.Second},
		},
		{
			Name:        AgentTasks,
			Concurrency: 5,
			MaxAttempts: DefaultMaxAttempts,
			Backoff:     Backoff{Strategy: BackoffExponential, Delay: 2 * time.Second},
		},
	}
}
