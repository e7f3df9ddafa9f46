// Package notify turns notification jobs into provider sends and keeps the
// delivery record in step with the job's lifecycle.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/alert-dispatch/internal/domain"
	"github.com/notifyhub/alert-dispatch/internal/events"
	"github.com/notifyhub/alert-dispatch/internal/provider"
	"github.com/notifyhub/alert-dispatch/internal/queue"
	"github.com/notifyhub/alert-dispatch/internal/repository"
)

// Limiter throttles sends per channel.
type Limiter interface {
	Wait(ctx context.Context, ch domain.Channel) error
}

// MetricHooks carries the metric callbacks injected by main.
type MetricHooks struct {
	OnSent   func(ch domain.Channel, latency time.Duration)
	OnFailed func(ch domain.Channel)
}

// StatusEvent is the payload of notification.status events.
type StatusEvent struct {
	DeliveryID    string                `json:"deliveryId"`
	Channel       domain.Channel        `json:"channel"`
	Recipient     string                `json:"recipient"`
	Status        domain.DeliveryStatus `json:"status"`
	Attempts      int                   `json:"attempts"`
	ProviderMsgID string                `json:"providerMessageId,omitempty"`
	NextRetryAt   *time.Time            `json:"nextRetryAt,omitempty"`
	Error         string                `json:"error,omitempty"`
}

// Driver is the handler of the notifications queue. It also implements
// worker.OutcomeObserver so retries and terminal failures reach the record.
type Driver struct {
	repo    repository.DeliveryRepository
	sender  provider.Provider
	limiter Limiter
	bus     events.Bus
	logger  *zap.Logger
	hooks   MetricHooks
	now     func() time.Time
}

func NewDriver(
	repo repository.DeliveryRepository,
	sender provider.Provider,
	limiter Limiter,
	bus events.Bus,
	logger *zap.Logger,
	hooks MetricHooks,
) *Driver {
	if bus == nil {
		bus = events.Nop{}
	}
	if hooks.OnSent == nil {
		hooks.OnSent = func(domain.Channel, time.Duration) {}
	}
	if hooks.OnFailed == nil {
		hooks.OnFailed = func(domain.Channel) {}
	}
	return &Driver{
		repo: repo, sender: sender, limiter: limiter, bus: bus,
		logger: logger, hooks: hooks, now: time.Now,
	}
}

// Handle performs one delivery attempt.
func (d *Driver) Handle(ctx context.Context, job *queue.Job) error {
	start := d.now()

	p, err := decodePayload(job)
	if err != nil {
		return queue.Permanent(err)
	}
	log := d.logger.With(
		zap.String("delivery_id", p.DeliveryID),
		zap.String("channel", string(p.Channel)),
	)

	rec, err := d.repo.GetByID(ctx, p.DeliveryID)
	if errors.Is(err, domain.ErrNotFound) {
		return queue.Permanent(fmt.Errorf("delivery record %s: %w", p.DeliveryID, err))
	}
	if err != nil {
		return fmt.Errorf("load delivery record: %w", err)
	}

	// A job re-run after a restart may find its record already settled.
	switch rec.Status {
	case domain.StatusSent, domain.StatusDelivered, domain.StatusRead:
		log.Info("delivery already sent, skipping", zap.String("status", string(rec.Status)))
		return nil
	case domain.StatusFailed:
		return queue.Permanent(fmt.Errorf("delivery record %s already failed", rec.ID))
	}

	attempt := job.Attempts + 1
	if err := d.repo.MarkSending(ctx, rec.ID, attempt, d.now().UTC()); err != nil {
		return fmt.Errorf("mark sending: %w", err)
	}
	d.publish(rec, domain.StatusSending, attempt, "", nil, "")

	// Block here until the per-channel rate limiter grants a token.
	if err := d.limiter.Wait(ctx, rec.Channel); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	resp, err := d.sender.Send(ctx, rec)
	if err != nil {
		log.Warn("provider send failed", zap.Error(err), zap.Int("attempt", attempt))
		if provider.IsPermanent(err) {
			return queue.Permanent(err)
		}
		return err
	}

	sentAt := d.now().UTC()
	if err := d.repo.MarkSent(ctx, rec.ID, resp.MessageID, sentAt); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}

	elapsed := sentAt.Sub(start)
	d.hooks.OnSent(rec.Channel, elapsed)
	d.publish(rec, domain.StatusSent, attempt, resp.MessageID, nil, "")
	log.Info("notification sent", zap.String("provider_msg_id", resp.MessageID), zap.Duration("latency", elapsed))
	return nil
}

// OnRetry returns the record to queued with the attempts made so far.
func (d *Driver) OnRetry(ctx context.Context, out queue.Outcome) {
	id := deliveryID(out.Job)
	next := out.NextAttemptAt.UTC()
	if err := d.repo.MarkRetrying(ctx, id, out.Job.Attempts, next, d.now().UTC()); err != nil {
		d.logger.Error("failed to mark delivery for retry", zap.String("delivery_id", id), zap.Error(err))
		return
	}
	if rec, err := d.repo.GetByID(ctx, id); err == nil {
		d.publish(rec, domain.StatusQueued, out.Job.Attempts, "", &next, "")
	}
}

// OnFailed settles the record as failed with the last error.
func (d *Driver) OnFailed(ctx context.Context, out queue.Outcome) {
	id := deliveryID(out.Job)
	errMsg := out.Job.LastError
	if errMsg == "" {
		errMsg = "delivery failed"
	}
	if err := d.repo.MarkFailed(ctx, id, out.Job.Attempts, errMsg, d.now().UTC()); err != nil {
		d.logger.Error("failed to mark delivery as failed", zap.String("delivery_id", id), zap.Error(err))
		return
	}
	rec, err := d.repo.GetByID(ctx, id)
	if err != nil {
		return
	}
	d.hooks.OnFailed(rec.Channel)
	d.publish(rec, domain.StatusFailed, out.Job.Attempts, "", nil, errMsg)
}

func (d *Driver) publish(rec *domain.DeliveryRecord, status domain.DeliveryStatus, attempts int, msgID string, next *time.Time, errMsg string) {
	d.bus.Publish(events.Event{
		Type: events.NotificationStatus,
		Data: StatusEvent{
			DeliveryID:    rec.ID,
			Channel:       rec.Channel,
			Recipient:     rec.Recipient,
			Status:        status,
			Attempts:      attempts,
			ProviderMsgID: msgID,
			NextRetryAt:   next,
			Error:         errMsg,
		},
	})
}

func decodePayload(job *queue.Job) (domain.NotificationPayload, error) {
	var p domain.NotificationPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return p, fmt.Errorf("decode notification payload: %w", err)
	}
	if p.DeliveryID == "" {
		p.DeliveryID = job.ID
	}
	if !p.Channel.IsValid() {
		return p, fmt.Errorf("%w: %q", domain.ErrInvalidChannel, p.Channel)
	}
	return p, nil
}

// deliveryID resolves the record of a job. Records share the job's ID
// unless the payload says otherwise.
func deliveryID(job *queue.Job) string {
	var p domain.NotificationPayload
	if err := json.Unmarshal(job.Payload, &p); err == nil && p.DeliveryID != "" {
		return p.DeliveryID
	}
	return job.ID
}
