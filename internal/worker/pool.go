package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/alert-dispatch/internal/events"
	"github.com/notifyhub/alert-dispatch/internal/queue"
)

// Handler processes one job. A nil error completes the job; any other error
// fails this attempt. Wrap with queue.Permanent to skip remaining retries.
type Handler interface {
	Handle(ctx context.Context, job *queue.Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *queue.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *queue.Job) error { return f(ctx, job) }

// OutcomeObserver is implemented by handlers that track failure outcomes in
// their own records. It is called once the outcome is decided and before a
// retried job becomes claimable again.
type OutcomeObserver interface {
	OnRetry(ctx context.Context, out queue.Outcome)
	OnFailed(ctx context.Context, out queue.Outcome)
}

// MetricHooks carries the metric callback functions injected by main.
// Using a struct keeps the dispatcher constructor signature clean.
type MetricHooks struct {
	OnCompleted func(q queue.Name, took time.Duration)
	OnRetry     func(q queue.Name)
	OnFailed    func(q queue.Name)
}

func (h *MetricHooks) fill() {
	if h.OnCompleted == nil {
		h.OnCompleted = func(queue.Name, time.Duration) {}
	}
	if h.OnRetry == nil {
		h.OnRetry = func(queue.Name) {}
	}
	if h.OnFailed == nil {
		h.OnFailed = func(queue.Name) {}
	}
}

// Options tune the dispatcher.
type Options struct {
	// PollInterval bounds how long an idle slot sleeps without a wake signal.
	PollInterval time.Duration
	// JobTimeout bounds a single handler call. Zero means no limit.
	JobTimeout time.Duration
}

// Dispatcher runs the registered handlers against the store, one goroutine
// per unit of queue concurrency.
type Dispatcher struct {
	store    *queue.Store
	bus      events.Bus
	opts     Options
	logger   *zap.Logger
	hooks    MetricHooks
	handlers map[queue.Name]Handler
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher. bus may be nil.
func NewDispatcher(store *queue.Store, bus events.Bus, opts Options, logger *zap.Logger, hooks MetricHooks) *Dispatcher {
	if bus == nil {
		bus = events.Nop{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	hooks.fill()
	return &Dispatcher{
		store:    store,
		bus:      bus,
		opts:     opts,
		logger:   logger,
		hooks:    hooks,
		handlers: make(map[queue.Name]Handler),
	}
}

// Register binds the handler of a queue. It must be called before Start.
func (d *Dispatcher) Register(name queue.Name, h Handler) error {
	if _, err := d.store.Config(name); err != nil {
		return err
	}
	if _, exists := d.handlers[name]; exists {
		return fmt.Errorf("handler for queue %q already registered", name)
	}
	d.handlers[name] = h
	return nil
}

// Start launches the worker slots as goroutines.
// Cancelling ctx stops claiming; jobs already claimed run to completion.
func (d *Dispatcher) Start(ctx context.Context) {
	for name, h := range d.handlers {
		cfg, err := d.store.Config(name)
		if err != nil {
			continue
		}
		for i := 0; i < cfg.Concurrency; i++ {
			s := newSlot(d, name, h, d.logger.With(zap.String("queue", string(name)), zap.Int("slot", i)))
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				s.Run(ctx)
			}()
		}
		d.logger.Info("queue workers started", zap.String("queue", string(name)), zap.Int("concurrency", cfg.Concurrency))
	}
}

// Wait blocks until every slot has returned after ctx is cancelled.
// Call this after cancelling the context to ensure in-flight jobs finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
