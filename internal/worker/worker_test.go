package worker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/alert-dispatch/internal/domain"
	"github.com/notifyhub/alert-dispatch/internal/events"
	"github.com/notifyhub/alert-dispatch/internal/queue"
	"github.com/notifyhub/alert-dispatch/internal/worker"
)

// fastQueues mirrors the default policy with millisecond backoff.
func fastQueues() []queue.QueueConfig {
	qs := queue.DefaultQueues()
	for i := range qs {
		qs[i].Backoff.Delay = 5 * time.Millisecond
	}
	return qs
}

type harness struct {
	store *queue.Store
	bus   events.Bus
	disp  *worker.Dispatcher
}

func newHarness() *harness {
	store := queue.NewStore(fastQueues())
	bus := events.New()
	disp := worker.NewDispatcher(store, bus, worker.Options{PollInterval: 10 * time.Millisecond}, zap.NewNop(), worker.MetricHooks{})
	return &harness{store: store, bus: bus, disp: disp}
}

func (h *harness) start(t *testing.T) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.disp.Start(ctx)
	t.Cleanup(func() {
		cancel()
		h.disp.Wait()
	})
	return cancel
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// recorder is a handler that also observes outcomes.
type recorder struct {
	fn func(ctx context.Context, job *queue.Job) error

	mu      sync.Mutex
	retries []int
	failed  []int
}

func (r *recorder) Handle(ctx context.Context, job *queue.Job) error { return r.fn(ctx, job) }

func (r *recorder) OnRetry(_ context.Context, out queue.Outcome) {
	r.mu.Lock()
	r.retries = append(r.retries, out.Job.Attempts)
	r.mu.Unlock()
}

func (r *recorder) OnFailed(_ context.Context, out queue.Outcome) {
	r.mu.Lock()
	r.failed = append(r.failed, out.Job.Attempts)
	r.mu.Unlock()
}

func TestDispatcher_CompletesJob(t *testing.T) {
	h := newHarness()
	ch, unsub := h.bus.Subscribe(8)
	defer unsub()

	var got atomic.Value
	if err := h.disp.Register(queue.Disasters, worker.HandlerFunc(func(_ context.Context, j *queue.Job) error {
		got.Store(string(j.Payload))
		return nil
	})); err != nil {
		t.Fatal(err)
	}
	h.start(t)

	job, err := h.store.Enqueue(context.Background(), queue.Disasters, []byte(`{"disasterId":"d1"}`), queue.EnqueueOptions{})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case e := <-ch:
		if e.Type != events.JobCompleted {
			t.Fatalf("expected job.completed, got %s", e.Type)
		}
		if data := e.Data.(worker.JobEvent); data.JobID != job.ID {
			t.Fatalf("unexpected event data: %+v", data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for completion event")
	}

	if got.Load() != `{"disasterId":"d1"}` {
		t.Fatalf("handler saw payload %v", got.Load())
	}
	st, _ := h.store.Stats(queue.Disasters)
	if st.Completed != 1 || st.Active != 0 || st.Waiting != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestDispatcher_PropagatesCorrelationID(t *testing.T) {
	h := newHarness()
	ch, unsub := h.bus.Subscribe(8)
	defer unsub()

	seen := make(chan string, 1)
	if err := h.disp.Register(queue.AgentTasks, worker.HandlerFunc(func(ctx context.Context, _ *queue.Job) error {
		seen <- domain.CorrelationID(ctx)
		return nil
	})); err != nil {
		t.Fatal(err)
	}
	h.start(t)

	if _, err := h.store.Enqueue(context.Background(), queue.AgentTasks, []byte(`{}`),
		queue.EnqueueOptions{CorrelationID: "req-42"}); err != nil {
		t.Fatal(err)
	}

	select {
	case id := <-seen:
		if id != "req-42" {
			t.Fatalf("handler context carried %q", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handler never ran")
	}
	select {
	case e := <-ch:
		if data := e.Data.(worker.JobEvent); data.CorrelationID != "req-42" {
			t.Fatalf("event lost the correlation id: %+v", data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for completion event")
	}
}

// TestDispatcher_RetriesThenFails runs a handler that always fails and checks
// it is invoked exactly maxAttempts times with observer callbacks in order.
func TestDispatcher_RetriesThenFails(t *testing.T) {
	h := newHarness()
	ch, unsub := h.bus.Subscribe(16)
	defer unsub()

	var calls atomic.Int32
	rec := &recorder{fn: func(context.Context, *queue.Job) error {
		calls.Add(1)
		return errors.New("provider unavailable")
	}}
	if err := h.disp.Register(queue.AgentTasks, rec); err != nil {
		t.Fatal(err)
	}
	h.start(t)

	job, _ := h.store.Enqueue(context.Background(), queue.AgentTasks, []byte(`{}`), queue.EnqueueOptions{})

	var types []string
	for len(types) < 3 {
		select {
		case e := <-ch:
			types = append(types, e.Type)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out, events so far: %v", types)
		}
	}
	want := []string{events.JobRetrying, events.JobRetrying, events.JobFailed}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, types)
		}
	}

	// Give a misbehaving dispatcher the chance to run a fourth attempt.
	time.Sleep(50 * time.Millisecond)
	if n := calls.Load(); n != 3 {
		t.Fatalf("expected exactly 3 handler calls, got %d", n)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.retries) != 2 || rec.retries[0] != 1 || rec.retries[1] != 2 {
		t.Fatalf("unexpected retry callbacks: %v", rec.retries)
	}
	if len(rec.failed) != 1 || rec.failed[0] != 3 {
		t.Fatalf("unexpected failed callbacks: %v", rec.failed)
	}

	stored, err := h.store.Job(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != queue.StateFailed || stored.LastError != "provider unavailable" {
		t.Fatalf("unexpected final job: %+v", stored)
	}
}

func TestDispatcher_PermanentFailure(t *testing.T) {
	h := newHarness()
	var calls atomic.Int32
	_ = h.disp.Register(queue.AgentTasks, worker.HandlerFunc(func(context.Context, *queue.Job) error {
		calls.Add(1)
		return queue.Permanent(errors.New("unknown agent"))
	}))
	h.start(t)

	_, _ = h.store.Enqueue(context.Background(), queue.AgentTasks, []byte(`{}`), queue.EnqueueOptions{})
	waitFor(t, "terminal failure", func() bool {
		st, _ := h.store.Stats(queue.AgentTasks)
		return st.Failed == 1
	})
	time.Sleep(30 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Fatalf("permanent failure must not retry, got %d calls", n)
	}
}

func TestDispatcher_RecoversPanic(t *testing.T) {
	h := newHarness()
	var calls atomic.Int32
	_ = h.disp.Register(queue.Disasters, worker.HandlerFunc(func(context.Context, *queue.Job) error {
		if calls.Add(1) == 1 {
			panic("nil map write")
		}
		return nil
	}))
	h.start(t)

	job, _ := h.store.Enqueue(context.Background(), queue.Disasters, []byte(`{}`), queue.EnqueueOptions{})
	waitFor(t, "completion after panic", func() bool {
		st, _ := h.store.Stats(queue.Disasters)
		return st.Completed == 1
	})

	stored, err := h.store.Job(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Attempts != 1 {
		t.Fatalf("panic should count as one failed attempt, got %d", stored.Attempts)
	}
}

func TestDispatcher_RespectsConcurrency(t *testing.T) {
	qs := fastQueues()
	for i := range qs {
		if qs[i].Name == queue.AgentTasks {
			qs[i].Concurrency = 2
		}
	}
	store := queue.NewStore(qs)
	disp := worker.NewDispatcher(store, nil, worker.Options{PollInterval: 10 * time.Millisecond}, zap.NewNop(), worker.MetricHooks{})

	var inFlight, peak atomic.Int32
	_ = disp.Register(queue.AgentTasks, worker.HandlerFunc(func(context.Context, *queue.Job) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); disp.Wait() }()
	disp.Start(ctx)

	for i := 0; i < 6; i++ {
		_, _ = store.Enqueue(ctx, queue.AgentTasks, []byte(`{}`), queue.EnqueueOptions{})
	}
	waitFor(t, "all jobs completed", func() bool {
		st, _ := store.Stats(queue.AgentTasks)
		return st.Completed == 6
	})
	if p := peak.Load(); p > 2 {
		t.Fatalf("concurrency ceiling exceeded: peak %d", p)
	}
}

// TestDispatcher_InFlightSurvivesShutdown cancels the dispatcher while a job
// runs and checks the job still completes with a live context.
func TestDispatcher_InFlightSurvivesShutdown(t *testing.T) {
	store := queue.NewStore(fastQueues())
	disp := worker.NewDispatcher(store, nil, worker.Options{PollInterval: 10 * time.Millisecond}, zap.NewNop(), worker.MetricHooks{})

	started := make(chan struct{})
	release := make(chan struct{})
	var ctxErr atomic.Value
	_ = disp.Register(queue.Disasters, worker.HandlerFunc(func(ctx context.Context, _ *queue.Job) error {
		close(started)
		<-release
		ctxErr.Store(ctx.Err() == nil)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	disp.Start(ctx)
	_, _ = store.Enqueue(ctx, queue.Disasters, []byte(`{}`), queue.EnqueueOptions{})

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never started")
	}
	cancel()
	close(release)
	disp.Wait()

	if ctxErr.Load() != true {
		t.Fatal("handler context must not be cancelled by shutdown")
	}
	st, _ := store.Stats(queue.Disasters)
	if st.Completed != 1 {
		t.Fatalf("in-flight job should complete, got %+v", st)
	}
}

func TestDispatcher_RegisterValidation(t *testing.T) {
	h := newHarness()
	noop := worker.HandlerFunc(func(context.Context, *queue.Job) error { return nil })

	if err := h.disp.Register("emails", noop); !errors.Is(err, queue.ErrUnknownQueue) {
		t.Fatalf("expected ErrUnknownQueue, got %v", err)
	}
	if err := h.disp.Register(queue.Disasters, noop); err != nil {
		t.Fatal(err)
	}
	if err := h.disp.Register(queue.Disasters, noop); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestDispatcher_MetricHooks(t *testing.T) {
	store := queue.NewStore(fastQueues())
	var completed, retried, failed atomic.Int32
	hooks := worker.MetricHooks{
		OnCompleted: func(queue.Name, time.Duration) { completed.Add(1) },
		OnRetry:     func(queue.Name) { retried.Add(1) },
		OnFailed:    func(queue.Name) { failed.Add(1) },
	}
	disp := worker.NewDispatcher(store, nil, worker.Options{PollInterval: 10 * time.Millisecond}, zap.NewNop(), hooks)
	_ = disp.Register(queue.AgentTasks, worker.HandlerFunc(func(_ context.Context, j *queue.Job) error {
		if string(j.Payload) == `"bad"` {
			return errors.New("bad")
		}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); disp.Wait() }()
	disp.Start(ctx)

	_, _ = store.Enqueue(ctx, queue.AgentTasks, []byte(`"ok"`), queue.EnqueueOptions{})
	_, _ = store.Enqueue(ctx, queue.AgentTasks, []byte(`"bad"`), queue.EnqueueOptions{})

	waitFor(t, "hooks", func() bool {
		return completed.Load() == 1 && failed.Load() == 1
	})
	if r := retried.Load(); r != 2 {
		t.Fatalf("expected 2 retry hooks, got %d", r)
	}
}
