package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyhub/alert-dispatch/internal/domain"
	"github.com/notifyhub/alert-dispatch/internal/events"
	"github.com/notifyhub/alert-dispatch/internal/notify"
	"github.com/notifyhub/alert-dispatch/internal/queue"
	"github.com/notifyhub/alert-dispatch/internal/repository"
)

// MaxBatchSize caps the number of notifications accepted in one batch.
const MaxBatchSize = 1000

// idempotencyNamespace derives stable record IDs from client idempotency keys.
var idempotencyNamespace = uuid.MustParse("6f1c0a3e-8d4b-4f7a-9a51-2a3c5e7d9b10")

// JobService coordinates the delivery repository and the queue store.
// HTTP handlers and job handlers depend on this service, not on each other.
type JobService struct {
	repo   repository.DeliveryRepository
	store  *queue.Store
	bus    events.Bus
	logger *zap.Logger
	now    func() time.Time
}

func NewJobService(repo repository.DeliveryRepository, store *queue.Store, bus events.Bus, logger *zap.Logger) *JobService {
	if bus == nil {
		bus = events.Nop{}
	}
	return &JobService{repo: repo, store: store, bus: bus, logger: logger, now: time.Now}
}

// EnqueueNotification validates, persists and enqueues a notification and
// returns its job id.
func (s *JobService) EnqueueNotification(ctx context.Context, req domain.NotificationRequest) (string, error) {
	rec, _, err := s.CreateNotification(ctx, req, "")
	if err != nil {
		return "", err
	}
	return rec.JobID, nil
}

// CreateNotification is EnqueueNotification with the full record returned.
//
// Idempotency: when a key is given the record ID is derived from it, so a
// repeated request finds the existing record and returns it with true.
func (s *JobService) CreateNotification(ctx context.Context, req domain.NotificationRequest, idempotencyKey string) (*domain.DeliveryRecord, bool, error) {
	if err := req.Validate(); err != nil {
		return nil, false, err
	}

	rec := s.buildRecord(req, idempotencyKey)
	if err := s.repo.Create(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrConflict) && idempotencyKey != "" {
			existing, gerr := s.repo.GetByID(ctx, rec.ID)
			if gerr != nil {
				return nil, false, fmt.Errorf("idempotency lookup: %w", gerr)
			}
			return existing, true, nil
		}
		return nil, false, fmt.Errorf("persist delivery: %w", err)
	}

	if err := s.enqueue(ctx, rec, req); err != nil {
		return nil, false, err
	}
	return rec, false, nil
}

// CreateBatch validates every request first, then creates and enqueues each.
// Nothing is created when any request is invalid.
func (s *JobService) CreateBatch(ctx context.Context, reqs []domain.NotificationRequest) ([]*domain.DeliveryRecord, error) {
	if len(reqs) == 0 {
		return nil, domain.ErrBatchEmpty
	}
	if len(reqs) > MaxBatchSize {
		return nil, domain.ErrBatchTooLarge
	}
	for i := range reqs {
		if err := reqs[i].Validate(); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
	}

	out := make([]*domain.DeliveryRecord, 0, len(reqs))
	for i, req := range reqs {
		rec, _, err := s.CreateNotification(ctx, req, "")
		if err != nil {
			return out, fmt.Errorf("item %d: %w", i, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// EnqueueDisasterJob submits a disaster change. Created and escalated alerts
// carry their severity's priority.
func (s *JobService) EnqueueDisasterJob(ctx context.Context, disasterID string, typ domain.DisasterJobType, data json.RawMessage) (string, error) {
	if disasterID == "" || !typ.IsValid() {
		return "", domain.ErrInvalidDisaster
	}
	payload, err := json.Marshal(domain.DisasterPayload{DisasterID: disasterID, Type: typ, Data: data})
	if err != nil {
		return "", fmt.Errorf("marshal disaster payload: %w", err)
	}

	var alert domain.DisasterAlert
	_ = json.Unmarshal(data, &alert)

	job, err := s.store.Enqueue(ctx, queue.Disasters, payload, queue.EnqueueOptions{
		Priority:      domain.PriorityForSeverity(alert.Severity),
		CorrelationID: domain.CorrelationID(ctx),
	})
	if err != nil {
		return "", fmt.Errorf("enqueue disaster job: %w", err)
	}
	s.logger.Info("disaster job enqueued",
		zap.String("job_id", job.ID), zap.String("disaster_id", disasterID), zap.String("type", string(typ)))
	return job.ID, nil
}

// EnqueueAgentTask submits a task for an agent, optionally delayed.
func (s *JobService) EnqueueAgentTask(ctx context.Context, agentName, task string, data json.RawMessage, delay time.Duration) (string, error) {
	if agentName == "" || task == "" {
		return "", domain.ErrInvalidAgent
	}
	payload, err := json.Marshal(domain.AgentTaskPayload{AgentName: agentName, Task: task, Data: data})
	if err != nil {
		return "", fmt.Errorf("marshal agent payload: %w", err)
	}
	job, err := s.store.Enqueue(ctx, queue.AgentTasks, payload, queue.EnqueueOptions{
		Delay:         delay,
		CorrelationID: domain.CorrelationID(ctx),
	})
	if err != nil {
		return "", fmt.Errorf("enqueue agent task: %w", err)
	}
	return job.ID, nil
}

func (s *JobService) GetDelivery(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	return s.repo.GetByID(ctx, id)
}

// ListDeliveries returns one page of records, newest first, and the total
// number of matches. Page defaults to 1 and Limit to 20, capped at 100.
func (s *JobService) ListDeliveries(ctx context.Context, filter domain.ListFilter) ([]*domain.DeliveryRecord, int, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit < 1 {
		filter.Limit = 20
	}
	if filter.Limit > 100 {
		filter.Limit = 100
	}
	return s.repo.List(ctx, filter)
}

// MarkDelivered records an external delivery receipt.
func (s *JobService) MarkDelivered(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	if err := s.repo.MarkDelivered(ctx, id, s.now().UTC()); err != nil {
		return nil, err
	}
	return s.receipt(ctx, id, domain.StatusDelivered)
}

// MarkRead records an external read receipt.
func (s *JobService) MarkRead(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	if err := s.repo.MarkRead(ctx, id, s.now().UTC()); err != nil {
		return nil, err
	}
	return s.receipt(ctx, id, domain.StatusRead)
}

// ---- private helpers ----

func (s *JobService) buildRecord(req domain.NotificationRequest, idempotencyKey string) *domain.DeliveryRecord {
	now := s.now().UTC()
	id := uuid.NewString()
	if idempotencyKey != "" {
		id = uuid.NewSHA1(idempotencyNamespace, []byte(idempotencyKey)).String()
	}

	maxAttempts := queue.DefaultMaxAttempts
	if cfg, err := s.store.Config(queue.Notifications); err == nil {
		maxAttempts = cfg.MaxAttempts
	}

	return &domain.DeliveryRecord{
		ID:          id,
		JobID:       id,
		Channel:     req.Channel,
		Recipient:   req.Recipient,
		Message:     req.Message,
		Metadata:    req.Metadata,
		Priority:    req.Priority,
		Status:      domain.StatusQueued,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// enqueue places the record's job on the notifications queue. The queued
// event goes out first so viewers never see it after a worker's sending or
// sent. A record whose job could not be enqueued is settled as failed so it
// never looks pending.
func (s *JobService) enqueue(ctx context.Context, rec *domain.DeliveryRecord, req domain.NotificationRequest) error {
	payload, err := json.Marshal(domain.NotificationPayload{
		DeliveryID: rec.ID,
		Channel:    req.Channel,
		Recipient:  req.Recipient,
		Message:    req.Message,
		Metadata:   req.Metadata,
	})
	if err == nil {
		s.publish(rec, domain.StatusQueued)
		_, err = s.store.Enqueue(ctx, queue.Notifications, payload, queue.EnqueueOptions{
			JobID:         rec.ID,
			Priority:      rec.Priority,
			CorrelationID: domain.CorrelationID(ctx),
		})
	}
	if err != nil {
		msg := "enqueue failed: " + err.Error()
		if merr := s.repo.MarkFailed(ctx, rec.ID, 0, msg, s.now().UTC()); merr != nil {
			s.logger.Error("failed to mark unqueued delivery as failed", zap.String("id", rec.ID), zap.Error(merr))
		} else {
			s.publish(rec, domain.StatusFailed)
		}
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

func (s *JobService) receipt(ctx context.Context, id string, status domain.DeliveryStatus) (*domain.DeliveryRecord, error) {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(rec, status)
	return rec, nil
}

func (s *JobService) publish(rec *domain.DeliveryRecord, status domain.DeliveryStatus) {
	s.bus.Publish(events.Event{
		Type: events.NotificationStatus,
		Data: notify.StatusEvent{
			DeliveryID: rec.ID,
			Channel:    rec.Channel,
			Recipient:  rec.Recipient,
			Status:     status,
			Attempts:   rec.Attempts,
		},
	})
}
