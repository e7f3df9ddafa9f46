package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/notifyhub/alert-dispatch/internal/queue"
)

// Sweeper prunes completed and failed job history older than maxAge on a
// cron schedule. Queue counters are unaffected.
type Sweeper struct {
	store    *queue.Store
	schedule string
	maxAge   time.Duration
	logger   *zap.Logger
}

func NewSweeper(store *queue.Store, schedule string, maxAge time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{store: store, schedule: schedule, maxAge: maxAge, logger: logger}
}

// Run blocks until ctx is cancelled, sweeping on every schedule tick.
func (sw *Sweeper) Run(ctx context.Context) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(sw.schedule)
	if err != nil {
		return fmt.Errorf("parse retention schedule %q: %w", sw.schedule, err)
	}

	c := cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC))
	c.Schedule(sched, cron.FuncJob(func() { sw.Sweep() }))
	c.Start()

	sw.logger.Info("retention sweeper started",
		zap.String("schedule", sw.schedule),
		zap.Duration("max_age", sw.maxAge),
	)

	<-ctx.Done()
	<-c.Stop().Done()
	sw.logger.Info("retention sweeper stopping")
	return nil
}

// Sweep prunes once and returns how many records were dropped.
func (sw *Sweeper) Sweep() int { return sw.SweepAt(time.Now()) }

// SweepAt prunes history that finished before now minus the max age.
func (sw *Sweeper) SweepAt(now time.Time) int {
	n := sw.store.Prune(now.Add(-sw.maxAge))
	if n > 0 {
		sw.logger.Info("pruned job history", zap.Int("count", n))
	}
	return n
}
