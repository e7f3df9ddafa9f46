package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the single source of truth for job state.
//
// Every transition (enqueue, claim, complete, fail, pause, resume, clear,
// prune) happens under one mutex, so no two workers can claim the same job
// and Clear can never remove a job that has already been claimed.
//
// Within a queue, available jobs are served by priority, then availability,
// then enqueue order. Delayed jobs (initial delay or backoff) sit in a
// separate heap and are promoted once their AvailableAt passes.
type Store struct {
	mu      sync.Mutex
	queues  map[Name]*queueState
	jobs    map[string]*Job
	seq     uint64
	journal Journal
	logger  *zap.Logger
	now     func() time.Time
}

type queueState struct {
	cfg     QueueConfig
	paused  bool
	ready   readyHeap
	delayed delayedHeap
	active  int

	// Counters, not retained records: notifications drop completed jobs
	// and the retention sweeper prunes history, but both still count here.
	completed int
	failed    int

	wake chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithJournal persists every transition through j.
func WithJournal(j Journal) Option { return func(s *Store) { s.journal = j } }

// WithLogger sets the logger used for journal failures.
func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.logger = l } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// NewStore creates a store holding the given queues.
func NewStore(queues []QueueConfig, opts ...Option) *Store {
	s := &Store{
		queues:  make(map[Name]*queueState, len(queues)),
		jobs:    make(map[string]*Job),
		journal: NopJournal{},
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	for _, cfg := range queues {
		if cfg.Concurrency <= 0 {
			cfg.Concurrency = 1
		}
		if cfg.MaxAttempts <= 0 {
			cfg.MaxAttempts = DefaultMaxAttempts
		}
		if cfg.Backoff.Strategy == "" {
			cfg.Backoff.Strategy = BackoffExponential
		}
		s.queues[cfg.Name] = &queueState{cfg: cfg, wake: make(chan struct{}, 1)}
	}
	return s
}

// Config returns the policy of a queue.
func (s *Store) Config(name Name) (QueueConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.queue(name)
	if err != nil {
		return QueueConfig{}, err
	}
	return q.cfg, nil
}

// Enqueue adds a waiting job. It fails with ErrUnknownQueue for any name
// that is not registered, before anything is stored.
func (s *Store) Enqueue(ctx context.Context, name Name, payload []byte, opts EnqueueOptions) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queue(name)
	if err != nil {
		return nil, err
	}

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := s.jobs[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, id)
	}

	now := s.now()
	j := &Job{
		ID:          id,
		Queue:       name,
		Payload:     append([]byte(nil), payload...),
		Priority:    opts.Priority,
		MaxAttempts: opts.MaxAttempts,
		Backoff:     q.cfg.Backoff,
		AvailableAt: now,
		State:       StateWaiting,
		CreatedAt:   now,
		UpdatedAt:   now,

		CorrelationID: opts.CorrelationID,
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = q.cfg.MaxAttempts
	}
	if opts.Backoff != nil {
		j.Backoff = *opts.Backoff
	}
	if opts.Delay > 0 {
		j.AvailableAt = now.Add(opts.Delay)
	}

	if err := s.journal.Save(ctx, *j); err != nil {
		return nil, fmt.Errorf("journal job: %w", err)
	}

	s.seq++
	j.seq = s.seq
	s.jobs[id] = j
	s.pushWaiting(q, j, now)
	q.signal()

	return j.clone(), nil
}

// Claim returns the next eligible job of a queue and marks it active.
// ok is false when the queue is paused, at its concurrency ceiling, or has
// no job whose AvailableAt has passed.
func (s *Store) Claim(name Name) (job *Job, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queue(name)
	if err != nil {
		return nil, false
	}

	now := s.now()
	q.promote(now)
	if q.paused || q.active >= q.cfg.Concurrency || q.ready.Len() == 0 {
		return nil, false
	}

	j := heap.Pop(&q.ready).(*Job)
	j.State = StateActive
	j.UpdatedAt = now
	q.active++
	s.persist(j)

	// Chain the wake-up so idle peers pick up the rest of a backlog.
	if q.ready.Len() > 0 && q.active < q.cfg.Concurrency {
		q.signal()
	}
	return j.clone(), true
}

// Complete records handler success for an active job.
func (s *Store) Complete(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, q, err := s.activeJob(id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	j.State = StateCompleted
	j.UpdatedAt = now
	j.FinishedAt = &now
	j.LastError = ""
	q.active--
	q.completed++
	s.persistCounts(q)

	out := j.clone()
	if q.cfg.RemoveOnComplete {
		delete(s.jobs, id)
		s.remove(id)
	} else {
		s.persist(j)
	}
	q.signal()
	return out, nil
}

// Fail records handler failure for an active job. The job returns to waiting
// with a backoff delay while attempts remain; otherwise it becomes terminal
// failed and is retained for inspection. Permanent errors skip the retry.
func (s *Store) Fail(id string, cause error) (Outcome, error) {
	return s.FailWith(id, cause, nil)
}

// FailWith is Fail with a settle callback. settle receives the decided
// outcome while the job is still active, so no slot can claim a retried job
// before settle returns.
func (s *Store) FailWith(id string, cause error, settle func(Outcome)) (Outcome, error) {
	s.mu.Lock()
	j, _, err := s.activeJob(id)
	if err != nil {
		s.mu.Unlock()
		return Outcome{}, err
	}
	now := s.now()
	out := failOutcome(j, cause, now)
	s.mu.Unlock()

	if settle != nil {
		settle(out)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	j, q, err := s.activeJob(id)
	if err != nil {
		return Outcome{}, err
	}

	j.Attempts = out.Job.Attempts
	j.UpdatedAt = now
	j.LastError = out.Job.LastError
	q.active--

	if out.Retrying {
		j.State = StateWaiting
		j.AvailableAt = out.NextAttemptAt
		s.pushWaiting(q, j, s.now())
		s.persist(j)
		q.signal()
		return Outcome{Job: j.clone(), Retrying: true, NextAttemptAt: j.AvailableAt}, nil
	}

	j.State = StateFailed
	j.FinishedAt = &now
	q.failed++
	s.persist(j)
	s.persistCounts(q)
	q.signal()
	return Outcome{Job: j.clone()}, nil
}

// failOutcome decides what a failure does to j without applying it.
func failOutcome(j *Job, cause error, now time.Time) Outcome {
	next := j.clone()
	next.Attempts++
	next.UpdatedAt = now
	if cause != nil {
		next.LastError = cause.Error()
	}
	if next.Attempts < next.MaxAttempts && !IsPermanent(cause) {
		next.State = StateWaiting
		next.AvailableAt = now.Add(next.Backoff.Duration(next.Attempts))
		return Outcome{Job: next, Retrying: true, NextAttemptAt: next.AvailableAt}
	}
	next.State = StateFailed
	next.FinishedAt = &now
	return Outcome{Job: next}
}

// Stats returns the per-state counts of a queue.
func (s *Store) Stats(name Name) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.queue(name)
	if err != nil {
		return Stats{}, err
	}
	return q.stats(), nil
}

// AllStats returns stats for every registered queue in registration order.
func (s *Store) AllStats() []Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Stats, 0, len(s.queues))
	for _, name := range s.names() {
		out = append(out, s.queues[name].stats())
	}
	return out
}

// Pause stops claiming from a queue. Waiting jobs are kept.
func (s *Store) Pause(name Name) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.queue(name)
	if err != nil {
		return err
	}
	q.paused = true
	return nil
}

// Resume restarts claiming from a paused queue.
func (s *Store) Resume(name Name) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.queue(name)
	if err != nil {
		return err
	}
	q.paused = false
	q.signal()
	return nil
}

// Clear removes every waiting job of a queue and returns how many were
// removed. Active and historical jobs are untouched.
func (s *Store) Clear(name Name) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.queue(name)
	if err != nil {
		return 0, err
	}

	ids := make([]string, 0, q.ready.Len()+q.delayed.Len())
	for _, j := range q.ready {
		ids = append(ids, j.ID)
	}
	for _, j := range q.delayed {
		ids = append(ids, j.ID)
	}
	for _, id := range ids {
		delete(s.jobs, id)
	}
	q.ready = nil
	q.delayed = nil
	s.remove(ids...)
	return len(ids), nil
}

// Job returns a copy of a retained job.
func (s *Store) Job(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j.clone(), nil
}

// Jobs lists retained jobs of a queue, oldest first. An empty state lists all.
func (s *Store) Jobs(name Name, state State) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.queue(name); err != nil {
		return nil, err
	}
	var out []*Job
	for _, j := range s.jobs {
		if j.Queue != name || (state != "" && j.State != state) {
			continue
		}
		out = append(out, j.clone())
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	return out, nil
}

// Prune drops completed and failed job records that finished before cutoff.
// Counters are kept so stats stay consistent. It returns the number dropped.
func (s *Store) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, j := range s.jobs {
		if j.State != StateCompleted && j.State != StateFailed {
			continue
		}
		if j.FinishedAt != nil && j.FinishedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		delete(s.jobs, id)
	}
	s.remove(ids...)
	return len(ids)
}

// Wake returns a channel signalled whenever a queue may have a claimable job.
func (s *Store) Wake(name Name) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.queue(name)
	if err != nil {
		return nil
	}
	return q.wake
}

// NextAvailable returns when the earliest delayed job of a queue becomes
// claimable. ok is false when nothing is delayed.
func (s *Store) NextAvailable(name Name) (at time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.queue(name)
	if err != nil || q.delayed.Len() == 0 {
		return time.Time{}, false
	}
	return q.delayed[0].AvailableAt, true
}

// Restore reloads journaled jobs and counters. Jobs that were active when
// the process stopped go back to waiting, so they run again (at-least-once).
// Queues without saved counters count their retained finished jobs instead.
func (s *Store) Restore(ctx context.Context) (int, error) {
	loaded, err := s.journal.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load journal: %w", err)
	}
	counts, err := s.journal.LoadCounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("load journal counts: %w", err)
	}
	saved := make(map[Name]Counts, len(counts))
	for _, c := range counts {
		saved[c.Queue] = c
	}
	sort.SliceStable(loaded, func(a, b int) bool { return loaded[a].CreatedAt.Before(loaded[b].CreatedAt) })

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	restored := 0
	for i := range loaded {
		j := loaded[i]
		q, err := s.queue(j.Queue)
		if err != nil {
			s.logger.Warn("skipping journaled job for unknown queue",
				zap.String("job_id", j.ID), zap.String("queue", string(j.Queue)))
			continue
		}
		if _, exists := s.jobs[j.ID]; exists {
			continue
		}

		s.seq++
		rec := j
		rec.seq = s.seq
		rec.index = -1

		switch rec.State {
		case StateWaiting, StateActive:
			if rec.State == StateActive {
				rec.State = StateWaiting
				rec.UpdatedAt = now
				s.persist(&rec)
			}
			s.jobs[rec.ID] = &rec
			s.pushWaiting(q, &rec, now)
		case StateCompleted:
			q.completed++
			s.jobs[rec.ID] = &rec
		case StateFailed:
			q.failed++
			s.jobs[rec.ID] = &rec
		default:
			continue
		}
		restored++
	}
	for name, c := range saved {
		if q, ok := s.queues[name]; ok {
			q.completed = c.Completed
			q.failed = c.Failed
		}
	}
	for _, q := range s.queues {
		q.signal()
	}
	return restored, nil
}

// ---- private helpers (callers hold s.mu) ----

func (s *Store) queue(name Name) (*queueState, error) {
	q, ok := s.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, name)
	}
	return q, nil
}

func (s *Store) names() []Name {
	out := make([]Name, 0, len(s.queues))
	for _, n := range Names {
		if _, ok := s.queues[n]; ok {
			out = append(out, n)
		}
	}
	for n := range s.queues {
		known := false
		for _, k := range Names {
			known = known || k == n
		}
		if !known {
			out = append(out, n)
		}
	}
	return out
}

func (s *Store) activeJob(id string) (*Job, *queueState, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil, ErrJobNotFound
	}
	if j.State != StateActive {
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrNotActive, id, j.State)
	}
	return j, s.queues[j.Queue], nil
}

func (s *Store) pushWaiting(q *queueState, j *Job, now time.Time) {
	if j.AvailableAt.After(now) {
		heap.Push(&q.delayed, j)
		return
	}
	heap.Push(&q.ready, j)
}

// persist writes a transition through the journal. In-memory state stays
// authoritative; a journal failure is logged, not propagated.
func (s *Store) persist(j *Job) {
	if err := s.journal.Save(context.Background(), *j); err != nil {
		s.logger.Error("journal save failed", zap.String("job_id", j.ID), zap.Error(err))
	}
}

func (s *Store) persistCounts(q *queueState) {
	c := Counts{Queue: q.cfg.Name, Completed: q.completed, Failed: q.failed}
	if err := s.journal.SaveCounts(context.Background(), c); err != nil {
		s.logger.Error("journal counts save failed", zap.String("queue", string(c.Queue)), zap.Error(err))
	}
}

func (s *Store) remove(ids ...string) {
	if len(ids) == 0 {
		return
	}
	if err := s.journal.Delete(context.Background(), ids...); err != nil {
		s.logger.Error("journal delete failed", zap.Int("count", len(ids)), zap.Error(err))
	}
}

func (q *queueState) promote(now time.Time) {
	for q.delayed.Len() > 0 && !q.delayed[0].AvailableAt.After(now) {
		j := heap.Pop(&q.delayed).(*Job)
		heap.Push(&q.ready, j)
	}
}

func (q *queueState) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queueState) stats() Stats {
	return Stats{
		Queue:     q.cfg.Name,
		Waiting:   q.ready.Len() + q.delayed.Len(),
		Active:    q.active,
		Completed: q.completed,
		Failed:    q.failed,
		Paused:    q.paused,
	}
}
