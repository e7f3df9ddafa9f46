package service

import (
	"go.uber.org/zap"

	"github.com/notifyhub/alert-dispatch/internal/queue"
)

// QueueAdmin exposes inspection and control of the queues to operators.
type QueueAdmin struct {
	store  *queue.Store
	logger *zap.Logger
}

func NewQueueAdmin(store *queue.Store, logger *zap.Logger) *QueueAdmin {
	return &QueueAdmin{store: store, logger: logger}
}

func (a *QueueAdmin) GetQueueStats(name queue.Name) (queue.Stats, error) {
	return a.store.Stats(name)
}

func (a *QueueAdmin) GetAllQueueStats() []queue.Stats {
	return a.store.AllStats()
}

func (a *QueueAdmin) PauseQueue(name queue.Name) error {
	if err := a.store.Pause(name); err != nil {
		return err
	}
	a.logger.Info("queue paused", zap.String("queue", string(name)))
	return nil
}

func (a *QueueAdmin) ResumeQueue(name queue.Name) error {
	if err := a.store.Resume(name); err != nil {
		return err
	}
	a.logger.Info("queue resumed", zap.String("queue", string(name)))
	return nil
}

// ClearQueue removes the waiting jobs of a queue and returns how many went.
func (a *QueueAdmin) ClearQueue(name queue.Name) (int, error) {
	n, err := a.store.Clear(name)
	if err != nil {
		return 0, err
	}
	a.logger.Warn("queue cleared", zap.String("queue", string(name)), zap.Int("removed", n))
	return n, nil
}

func (a *QueueAdmin) GetJob(id string) (*queue.Job, error) {
	return a.store.Job(id)
}

// ListJobs lists retained jobs of a queue; an empty state lists every state.
func (a *QueueAdmin) ListJobs(name queue.Name, state queue.State) ([]*queue.Job, error) {
	return a.store.Jobs(name, state)
}
