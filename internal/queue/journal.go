package queue

import "context"

// Counts are the cumulative finished-job counters of one queue. They outlive
// the job records they count, which may be removed or pruned.
type Counts struct {
	Queue     Name
	Completed int
	Failed    int
}

// Journal persists job records so queue state survives a restart.
// The SQLite implementation lives in the storage package.
type Journal interface {
	Save(ctx context.Context, j Job) error
	Delete(ctx context.Context, ids ...string) error
	Load(ctx context.Context) ([]Job, error)
	SaveCounts(ctx context.Context, c Counts) error
	LoadCounts(ctx context.Context) ([]Counts, error)
}

// NopJournal keeps nothing; the store is then memory-only.
type NopJournal struct{}

func (NopJournal) Save(context.Context, Job) error              { return nil }
func (NopJournal) Delete(context.Context, ...string) error      { return nil }
func (NopJournal) Load(context.Context) ([]Job, error)          { return nil, nil }
func (NopJournal) SaveCounts(context.Context, Counts) error     { return nil }
func (NopJournal) LoadCounts(context.Context) ([]Counts, error) { return nil, nil }
