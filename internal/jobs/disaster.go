package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/notifyhub/alert-dispatch/internal/domain"
	"github.com/notifyhub/alert-dispatch/internal/events"
	"github.com/notifyhub/alert-dispatch/internal/queue"
)

// RecipientDirectory resolves who must be alerted about a disaster.
type RecipientDirectory interface {
	Recipients(ctx context.Context, disasterID string, alert domain.DisasterAlert) ([]domain.Recipient, error)
}

// NotificationEnqueuer submits one notification and returns its job id.
type NotificationEnqueuer interface {
	EnqueueNotification(ctx context.Context, req domain.NotificationRequest) (string, error)
}

// DisasterUpdate is the payload of disaster.update events.
type DisasterUpdate struct {
	DisasterID    string                 `json:"disasterId"`
	Type          domain.DisasterJobType `json:"type"`
	Data          json.RawMessage        `json:"data,omitempty"`
	Notifications int                    `json:"notifications"`
}

// DisasterHandler is the handler of the disasters queue.
type DisasterHandler struct {
	directory RecipientDirectory
	notifier  NotificationEnqueuer
	bus       events.Bus
	logger    *zap.Logger
}

func NewDisasterHandler(dir RecipientDirectory, notifier NotificationEnqueuer, bus events.Bus, logger *zap.Logger) *DisasterHandler {
	if bus == nil {
		bus = events.Nop{}
	}
	return &DisasterHandler{directory: dir, notifier: notifier, bus: bus, logger: logger}
}

// Handle fans a created or escalated disaster out into one notification per
// recipient, and announces every disaster change on the bus.
func (h *DisasterHandler) Handle(ctx context.Context, job *queue.Job) error {
	var p domain.DisasterPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return queue.Permanent(fmt.Errorf("decode disaster payload: %w", err))
	}
	if p.DisasterID == "" || !p.Type.IsValid() {
		return queue.Permanent(fmt.Errorf("%w: id=%q type=%q", domain.ErrInvalidDisaster, p.DisasterID, p.Type))
	}
	log := h.logger.With(zap.String("disaster_id", p.DisasterID), zap.String("type", string(p.Type)))

	sent := 0
	if p.Type == domain.DisasterCreated || p.Type == domain.DisasterEscalated {
		n, err := h.fanOut(ctx, p, log)
		if err != nil {
			return err
		}
		sent = n
	}

	h.bus.Publish(events.Event{
		Type: events.DisasterUpdate,
		Data: DisasterUpdate{DisasterID: p.DisasterID, Type: p.Type, Data: p.Data, Notifications: sent},
	})
	log.Info("disaster job processed", zap.Int("notifications", sent))
	return nil
}

// fanOut enqueues the notifications. Individual enqueue failures are logged;
// the job only fails when nothing could be enqueued, so a retry does not
// duplicate alerts that already went out.
func (h *DisasterHandler) fanOut(ctx context.Context, p domain.DisasterPayload, log *zap.Logger) (int, error) {
	var alert domain.DisasterAlert
	if len(p.Data) > 0 {
		if err := json.Unmarshal(p.Data, &alert); err != nil {
			return 0, queue.Permanent(fmt.Errorf("decode disaster alert: %w", err))
		}
	}
	message := alert.Message
	if message == "" {
		message = alert.Title
	}
	if message == "" {
		return 0, queue.Permanent(fmt.Errorf("%w: alert has no message", domain.ErrInvalidMessage))
	}

	recipients, err := h.directory.Recipients(ctx, p.DisasterID, alert)
	if err != nil {
		return 0, fmt.Errorf("resolve recipients: %w", err)
	}

	meta, _ := json.Marshal(map[string]string{
		"disasterId": p.DisasterID,
		"severity":   alert.Severity,
		"region":     alert.Region,
		"subject":    alert.Title,
	})
	priority := domain.PriorityForSeverity(alert.Severity)

	var errs []error
	sent := 0
	for _, r := range recipients {
		if len(alert.Channels) > 0 && !slices.Contains(alert.Channels, r.Channel) {
			continue
		}
		_, err := h.notifier.EnqueueNotification(ctx, domain.NotificationRequest{
			Channel:   r.Channel,
			Recipient: r.Address,
			Message:   message,
			Metadata:  meta,
			Priority:  priority,
		})
		if err != nil {
			log.Warn("could not enqueue disaster notification",
				zap.String("channel", string(r.Channel)), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		sent++
	}
	if sent == 0 && len(errs) > 0 {
		return 0, fmt.Errorf("enqueue notifications: %w", errors.Join(errs...))
	}
	return sent, nil
}
