package repository

import (
	"context"
	"time"

	"github.com/notifyhub/alert-dispatch/internal/domain"
)

// DeliveryRepository defines all persistence operations for delivery records.
// The pgx implementation is in pg_delivery_repo.go; memory_delivery_repo.go
// serves tests and database-less deployments.
//
// Every Mark method is a conditional transition: it returns
// domain.ErrNotFound for an unknown id and wraps domain.ErrInvalidTransition
// when the record's current status does not allow the move.
type DeliveryRepository interface {
	Create(ctx context.Context, r *domain.DeliveryRecord) error
	GetByID(ctx context.Context, id string) (*domain.DeliveryRecord, error)
	List(ctx context.Context, filter domain.ListFilter) ([]*domain.DeliveryRecord, int, error)

	// MarkSending records the start of an attempt. Re-marking a record that is
	// already sending (a job re-run after a restart) is allowed.
	MarkSending(ctx context.Context, id string, attempt int, at time.Time) error
	MarkSent(ctx context.Context, id, providerMsgID string, at time.Time) error
	// MarkRetrying moves the record back to queued with the attempts made so far.
	MarkRetrying(ctx context.Context, id string, attempts int, nextRetry, at time.Time) error
	MarkFailed(ctx context.Context, id string, attempts int, errMsg string, at time.Time) error
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	MarkRead(ctx context.Context, id string, at time.Time) error
}

// sendingSources and retrySources add the same-status refresh to the
// transition table for the two edges a re-run job may repeat.
func sendingSources() []domain.DeliveryStatus {
	return append(domain.SourcesFor(domain.StatusSending), domain.StatusSending)
}

func retrySources() []domain.DeliveryStatus {
	return append(domain.SourcesFor(domain.StatusQueued), domain.StatusQueued)
}
