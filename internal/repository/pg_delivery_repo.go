package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/alert-dispatch/internal/domain"
)

const deliveryColumns = `id, job_id, channel, recipient, message, metadata, priority, status,
       attempts, max_attempts, next_retry_at, provider_msg_id, sent_at,
       delivered_at, read_at, failed_at, error_message, created_at, updated_at`

type pgDeliveryRepository struct {
	pool *pgxpool.Pool
}

// NewPgDeliveryRepository returns a DeliveryRepository backed by PostgreSQL.
func NewPgDeliveryRepository(pool *pgxpool.Pool) DeliveryRepository {
	return &pgDeliveryRepository{pool: pool}
}

func (r *pgDeliveryRepository) Create(ctx context.Context, d *domain.DeliveryRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO deliveries
			(id, job_id, channel, recipient, message, metadata, priority, status,
			 attempts, max_attempts, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		d.ID, d.JobID, d.Channel, d.Recipient, d.Message, nullJSON(d.Metadata), d.Priority, d.Status,
		d.Attempts, d.MaxAttempts, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrConflict
		}
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

func (r *pgDeliveryRepository) GetByID(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = $1`, id)

	d, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return d, err
}

func (r *pgDeliveryRepository) List(ctx context.Context, f domain.ListFilter) ([]*domain.DeliveryRecord, int, error) {
	where, args := buildListWhere(f)
	offset := (f.Page - 1) * f.Limit

	// Count total matching rows for pagination metadata.
	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM deliveries"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count deliveries: %w", err)
	}

	args = append(args, f.Limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM deliveries%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, deliveryColumns, where, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var out []*domain.DeliveryRecord
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

func (r *pgDeliveryRepository) MarkSending(ctx context.Context, id string, attempt int, at time.Time) error {
	return r.transition(ctx, id, domain.StatusSending, sendingSources(),
		`attempts = $3, next_retry_at = NULL, updated_at = $4`, attempt, at)
}

func (r *pgDeliveryRepository) MarkSent(ctx context.Context, id, providerMsgID string, at time.Time) error {
	return r.transition(ctx, id, domain.StatusSent, domain.SourcesFor(domain.StatusSent),
		`provider_msg_id = $3, sent_at = $4, error_message = NULL, updated_at = $4`, providerMsgID, at)
}

func (r *pgDeliveryRepository) MarkRetrying(ctx context.Context, id string, attempts int, nextRetry, at time.Time) error {
	return r.transition(ctx, id, domain.StatusQueued, retrySources(),
		`attempts = $3, next_retry_at = $4, error_message = NULL, updated_at = $5`, attempts, nextRetry, at)
}

func (r *pgDeliveryRepository) MarkFailed(ctx context.Context, id string, attempts int, errMsg string, at time.Time) error {
	return r.transition(ctx, id, domain.StatusFailed, domain.SourcesFor(domain.StatusFailed),
		`attempts = $3, error_message = $4, failed_at = $5, next_retry_at = NULL, updated_at = $5`, attempts, errMsg, at)
}

func (r *pgDeliveryRepository) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	return r.transition(ctx, id, domain.StatusDelivered, domain.SourcesFor(domain.StatusDelivered),
		`delivered_at = $3, updated_at = $3`, at)
}

func (r *pgDeliveryRepository) MarkRead(ctx context.Context, id string, at time.Time) error {
	return r.transition(ctx, id, domain.StatusRead, domain.SourcesFor(domain.StatusRead),
		`read_at = $3, updated_at = $3`, at)
}

// transition applies set only when the row's status is one of from, so two
// concurrent writers can never move a record backwards. $1 is the id and $2
// the allowed source statuses; set's own placeholders start at $3.
func (r *pgDeliveryRepository) transition(ctx context.Context, id string, to domain.DeliveryStatus, from []domain.DeliveryStatus, set string, args ...any) error {
	query := fmt.Sprintf(`UPDATE deliveries SET status = '%s', %s WHERE id = $1 AND status = ANY($2)`, to, set)
	params := append([]any{id, statusStrings(from)}, args...)

	tag, err := r.pool.Exec(ctx, query, params...)
	if err != nil {
		return fmt.Errorf("update delivery %s to %s: %w", id, to, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current domain.DeliveryStatus
	err = r.pool.QueryRow(ctx, `SELECT status FROM deliveries WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read delivery status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current, to)
}

// ---- helpers ----

// scanDelivery reads a single delivery row from any pgx row type.
func scanDelivery(row pgx.Row) (*domain.DeliveryRecord, error) {
	var (
		d    domain.DeliveryRecord
		meta []byte
	)
	err := row.Scan(
		&d.ID, &d.JobID, &d.Channel, &d.Recipient, &d.Message, &meta, &d.Priority, &d.Status,
		&d.Attempts, &d.MaxAttempts, &d.NextRetryAt, &d.ProviderMsgID, &d.SentAt,
		&d.DeliveredAt, &d.ReadAt, &d.FailedAt, &d.ErrorMessage, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		d.Metadata = meta
	}
	return &d, nil
}

// buildListWhere builds a parameterised WHERE clause from a ListFilter.
func buildListWhere(f domain.ListFilter) (string, []any) {
	var conditions []string
	var args []any

	add := func(condition string, val any) {
		args = append(args, val)
		conditions = append(conditions, fmt.Sprintf(condition, len(args)))
	}

	if f.Status != nil {
		add("status = $%d", string(*f.Status))
	}
	if f.Channel != nil {
		add("channel = $%d", string(*f.Channel))
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func statusStrings(in []domain.DeliveryStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
