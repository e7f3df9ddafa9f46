package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/alert-dispatch/internal/domain"
	"github.com/notifyhub/alert-dispatch/internal/events"
	"github.com/notifyhub/alert-dispatch/internal/queue"
)

// JobEvent is the payload of the job.* events.
type JobEvent struct {
	JobID         string     `json:"jobId"`
	Queue         queue.Name `json:"queue"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"maxAttempts"`
	Error         string     `json:"error,omitempty"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`
	CorrelationID string     `json:"correlationId,omitempty"`
}

// slot is a single goroutine that claims jobs of one queue, runs the handler,
// and reports the result back to the store.
type slot struct {
	d       *Dispatcher
	queue   queue.Name
	handler Handler
	logger  *zap.Logger
}

func newSlot(d *Dispatcher, name queue.Name, h Handler, logger *zap.Logger) *slot {
	return &slot{d: d, queue: name, handler: h, logger: logger}
}

// Run blocks until ctx is cancelled, processing one job per iteration.
func (s *slot) Run(ctx context.Context) {
	s.logger.Debug("worker started")
	for {
		if ctx.Err() != nil {
			s.logger.Debug("worker stopping")
			return
		}
		job, ok := s.d.store.Claim(s.queue)
		if ok {
			s.process(ctx, job)
			continue
		}
		if !s.wait(ctx) {
			s.logger.Debug("worker stopping")
			return
		}
	}
}

// wait sleeps until the queue is signalled, the earliest delayed job becomes
// available, or the poll interval passes. It returns false on cancellation.
func (s *slot) wait(ctx context.Context) bool {
	d := s.d.opts.PollInterval
	if at, ok := s.d.store.NextAvailable(s.queue); ok {
		if until := time.Until(at); until < d {
			d = max(until, time.Millisecond)
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-s.d.store.Wake(s.queue):
	case <-timer.C:
	}
	return true
}

func (s *slot) process(ctx context.Context, job *queue.Job) {
	start := time.Now()
	log := s.logger.With(zap.String("job_id", job.ID), zap.Int("attempt", job.Attempts+1))
	if job.CorrelationID != "" {
		log = log.With(zap.String("correlation_id", job.CorrelationID))
	}

	// A claimed job runs to completion even when shutdown starts. Jobs it
	// enqueues inherit its correlation ID.
	hctx := domain.WithCorrelationID(context.WithoutCancel(ctx), job.CorrelationID)
	if s.d.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(hctx, s.d.opts.JobTimeout)
		defer cancel()
	}

	err := s.call(hctx, job)
	took := time.Since(start)

	if err == nil {
		done, cerr := s.d.store.Complete(job.ID)
		if cerr != nil {
			log.Error("failed to complete job", zap.Error(cerr))
			return
		}
		s.d.hooks.OnCompleted(s.queue, took)
		s.publish(events.JobCompleted, done, "", nil)
		log.Debug("job completed", zap.Duration("took", took))
		return
	}

	// The observer settles its record before a retried job can be claimed again.
	var settle func(queue.Outcome)
	if obs, ok := s.handler.(OutcomeObserver); ok {
		settle = func(out queue.Outcome) {
			if out.Retrying {
				obs.OnRetry(hctx, out)
				return
			}
			obs.OnFailed(hctx, out)
		}
	}

	out, ferr := s.d.store.FailWith(job.ID, err, settle)
	if ferr != nil {
		log.Error("failed to record job failure", zap.Error(ferr))
		return
	}

	if out.Retrying {
		log.Warn("job attempt failed, retrying",
			zap.Error(err),
			zap.Time("next_attempt_at", out.NextAttemptAt),
		)
		s.d.hooks.OnRetry(s.queue)
		next := out.NextAttemptAt
		s.publish(events.JobRetrying, out.Job, err.Error(), &next)
		return
	}

	log.Error("job failed", zap.Error(err), zap.Int("attempts", out.Job.Attempts))
	s.d.hooks.OnFailed(s.queue)
	s.publish(events.JobFailed, out.Job, err.Error(), nil)
}

// call runs the handler, turning a panic into an ordinary failure so one bad
// job cannot take the slot down.
func (s *slot) call(ctx context.Context, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic",
				zap.String("job_id", job.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler.Handle(ctx, job)
}

func (s *slot) publish(typ string, job *queue.Job, errMsg string, next *time.Time) {
	s.d.bus.Publish(events.Event{
		Type: typ,
		Data: JobEvent{
			JobID:         job.ID,
			Queue:         job.Queue,
			Attempts:      job.Attempts,
			MaxAttempts:   job.MaxAttempts,
			Error:         errMsg,
			NextAttemptAt: next,
			CorrelationID: job.CorrelationID,
		},
	})
}
