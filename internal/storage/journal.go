package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/notifyhub/alert-dispatch/internal/queue"
)

//go:embed schema.sql
var schema string

// SQLiteJournal persists job records in a single SQLite file so queue state
// survives a restart. It implements queue.Journal.
type SQLiteJournal struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the journal database at path and
// applies the schema.
func OpenSQLite(ctx context.Context, path string, busyTimeout time.Duration, logger *zap.Logger) (*SQLiteJournal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("journal path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer; the store already serializes transitions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()),
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}

	if logger != nil {
		logger.Info("job journal opened", zap.String("path", path))
	}
	return &SQLiteJournal{db: db}, nil
}

// Close releases the database handle.
func (j *SQLiteJournal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Save upserts the full job record.
func (j *SQLiteJournal) Save(ctx context.Context, job queue.Job) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO jobs (id, queue, payload, priority, attempts, max_attempts,
			backoff_strategy, backoff_delay_ms, available_at, state, last_error,
			created_at, updated_at, finished_at, correlation_id)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			priority         = excluded.priority,
			attempts         = excluded.attempts,
			max_attempts     = excluded.max_attempts,
			backoff_strategy = excluded.backoff_strategy,
			backoff_delay_ms = excluded.backoff_delay_ms,
			available_at     = excluded.available_at,
			state            = excluded.state,
			last_error       = excluded.last_error,
			updated_at       = excluded.updated_at,
			finished_at      = excluded.finished_at`,
		job.ID, string(job.Queue), []byte(job.Payload), job.Priority, job.Attempts, job.MaxAttempts,
		string(job.Backoff.Strategy), job.Backoff.Delay.Milliseconds(), job.AvailableAt.UnixNano(),
		string(job.State), nullStr(job.LastError),
		job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano(), nullTime(job.FinishedAt),
		nullStr(job.CorrelationID),
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

// Delete removes job records. Unknown ids are ignored.
func (j *SQLiteJournal) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM jobs WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("prepare delete: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("delete job %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Load returns every journaled job, oldest first.
func (j *SQLiteJournal) Load(ctx context.Context) ([]queue.Job, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, queue, payload, priority, attempts, max_attempts,
			backoff_strategy, backoff_delay_ms, available_at, state, last_error,
			created_at, updated_at, finished_at, correlation_id
		FROM jobs
		ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	defer rows.Close()

	var out []queue.Job
	for rows.Next() {
		var (
			job                   queue.Job
			name, strategy, state string
			payload               []byte
			delayMS, availableAt  int64
			createdAt, updatedAt  int64
			lastError             sql.NullString
			finishedAt            sql.NullInt64
			correlationID         sql.NullString
		)
		if err := rows.Scan(&job.ID, &name, &payload, &job.Priority, &job.Attempts, &job.MaxAttempts,
			&strategy, &delayMS, &availableAt, &state, &lastError,
			&createdAt, &updatedAt, &finishedAt, &correlationID); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		job.Queue = queue.Name(name)
		job.Payload = payload
		job.Backoff = queue.Backoff{Strategy: queue.Strategy(strategy), Delay: time.Duration(delayMS) * time.Millisecond}
		job.AvailableAt = time.Unix(0, availableAt).UTC()
		job.State = queue.State(state)
		job.LastError = lastError.String
		job.CorrelationID = correlationID.String
		job.CreatedAt = time.Unix(0, createdAt).UTC()
		job.UpdatedAt = time.Unix(0, updatedAt).UTC()
		if finishedAt.Valid {
			t := time.Unix(0, finishedAt.Int64).UTC()
			job.FinishedAt = &t
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// SaveCounts upserts the finished-job counters of one queue.
func (j *SQLiteJournal) SaveCounts(ctx context.Context, c queue.Counts) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO queue_counters (queue, completed, failed) VALUES (?,?,?)
		ON CONFLICT(queue) DO UPDATE SET
			completed = excluded.completed,
			failed    = excluded.failed`,
		string(c.Queue), c.Completed, c.Failed,
	)
	if err != nil {
		return fmt.Errorf("save counters of %s: %w", c.Queue, err)
	}
	return nil
}

// LoadCounts returns the saved counters of every queue.
func (j *SQLiteJournal) LoadCounts(ctx context.Context) ([]queue.Counts, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT queue, completed, failed FROM queue_counters ORDER BY queue`)
	if err != nil {
		return nil, fmt.Errorf("load counters: %w", err)
	}
	defer rows.Close()

	var out []queue.Counts
	for rows.Next() {
		var (
			c    queue.Counts
			name string
		)
		if err := rows.Scan(&name, &c.Completed, &c.Failed); err != nil {
			return nil, fmt.Errorf("scan counters: %w", err)
		}
		c.Queue = queue.Name(name)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counters: %w", err)
	}
	return out, nil
}

// Count returns the number of journaled jobs.
func (j *SQLiteJournal) Count(ctx context.Context) (int, error) {
	var n int
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
