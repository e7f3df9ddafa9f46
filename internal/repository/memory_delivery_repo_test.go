package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/notifyhub/alert-dispatch/internal/domain"
	"github.com/notifyhub/alert-dispatch/internal/repository"
)

func seed(t *testing.T, repo *repository.MemoryDeliveryRepository, id string, ch domain.Channel, created time.Time) {
	t.Helper()
	err := repo.Create(context.Background(), &domain.DeliveryRecord{
		ID: id, JobID: id, Channel: ch, Recipient: "+15551234567", Message: "Evacuate now",
		Status: domain.StatusQueued, MaxAttempts: 3, CreatedAt: created, UpdatedAt: created,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestMemoryDeliveryRepository_Lifecycle(t *testing.T) {
	repo := repository.NewMemoryDeliveryRepository()
	ctx := context.Background()
	now := time.Now().UTC()
	seed(t, repo, "d1", domain.ChannelSMS, now)

	steps := []struct {
		name string
		run  func() error
		want domain.DeliveryStatus
	}{
		{"sending", func() error { return repo.MarkSending(ctx, "d1", 1, now) }, domain.StatusSending},
		{"retry", func() error { return repo.MarkRetrying(ctx, "d1", 1, now.Add(5*time.Second), now) }, domain.StatusQueued},
		{"sending again", func() error { return repo.MarkSending(ctx, "d1", 2, now) }, domain.StatusSending},
		{"sent", func() error { return repo.MarkSent(ctx, "d1", "prov-1", now) }, domain.StatusSent},
		{"delivered", func() error { return repo.MarkDelivered(ctx, "d1", now) }, domain.StatusDelivered},
		{"read", func() error { return repo.MarkRead(ctx, "d1", now) }, domain.StatusRead},
	}
	for _, s := range steps {
		if err := s.run(); err != nil {
			t.Fatalf("%s: %v", s.name, err)
		}
		got, _ := repo.GetByID(ctx, "d1")
		if got.Status != s.want {
			t.Fatalf("%s: expected %s, got %s", s.name, s.want, got.Status)
		}
	}

	got, _ := repo.GetByID(ctx, "d1")
	if got.Attempts != 2 || got.ProviderMsgID == nil || *got.ProviderMsgID != "prov-1" {
		t.Fatalf("unexpected final record: %+v", got)
	}
	if got.SentAt == nil || got.DeliveredAt == nil || got.ReadAt == nil {
		t.Fatal("expected sent, delivered and read timestamps")
	}
	if got.NextRetryAt != nil {
		t.Fatal("next retry must be cleared once sending resumes")
	}
}

func TestMemoryDeliveryRepository_RejectsBackwardMoves(t *testing.T) {
	repo := repository.NewMemoryDeliveryRepository()
	ctx := context.Background()
	now := time.Now().UTC()
	seed(t, repo, "d1", domain.ChannelEmail, now)

	if err := repo.MarkFailed(ctx, "d1", 3, "smtp timeout", now); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		run  func() error
	}{
		{"sending after failed", func() error { return repo.MarkSending(ctx, "d1", 4, now) }},
		{"sent after failed", func() error { return repo.MarkSent(ctx, "d1", "x", now) }},
		{"retry after failed", func() error { return repo.MarkRetrying(ctx, "d1", 4, now, now) }},
		{"delivered after failed", func() error { return repo.MarkDelivered(ctx, "d1", now) }},
		{"read after failed", func() error { return repo.MarkRead(ctx, "d1", now) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, domain.ErrInvalidTransition) {
				t.Fatalf("expected ErrInvalidTransition, got %v", err)
			}
		})
	}

	got, _ := repo.GetByID(ctx, "d1")
	if got.Status != domain.StatusFailed || got.ErrorMessage == nil || *got.ErrorMessage != "smtp timeout" {
		t.Fatalf("failed record must stay untouched: %+v", got)
	}
	if got.FailedAt == nil || got.Attempts != 3 {
		t.Fatalf("expected failedAt and attempts=3: %+v", got)
	}
}

func TestMemoryDeliveryRepository_ReadBeforeDeliveredAllowed(t *testing.T) {
	repo := repository.NewMemoryDeliveryRepository()
	ctx := context.Background()
	now := time.Now().UTC()
	seed(t, repo, "d1", domain.ChannelPush, now)
	_ = repo.MarkSending(ctx, "d1", 1, now)
	_ = repo.MarkSent(ctx, "d1", "p", now)

	if err := repo.MarkRead(ctx, "d1", now); err != nil {
		t.Fatalf("sent -> read should be allowed: %v", err)
	}
	if err := repo.MarkDelivered(ctx, "d1", now); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("read -> delivered must be rejected, got %v", err)
	}
}

func TestMemoryDeliveryRepository_NotFoundAndConflict(t *testing.T) {
	repo := repository.NewMemoryDeliveryRepository()
	ctx := context.Background()

	if _, err := repo.GetByID(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := repo.MarkSent(ctx, "missing", "x", time.Now()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	seed(t, repo, "d1", domain.ChannelSMS, time.Now())
	err := repo.Create(ctx, &domain.DeliveryRecord{ID: "d1"})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestMemoryDeliveryRepository_ListFilterAndPaging(t *testing.T) {
	repo := repository.NewMemoryDeliveryRepository()
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	seed(t, repo, "a", domain.ChannelSMS, base)
	seed(t, repo, "b", domain.ChannelEmail, base.Add(time.Minute))
	seed(t, repo, "c", domain.ChannelSMS, base.Add(2*time.Minute))
	seed(t, repo, "d", domain.ChannelSMS, base.Add(3*time.Minute))

	sms := domain.ChannelSMS
	page, total, err := repo.List(ctx, domain.ListFilter{Channel: &sms, Page: 1, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 {
		t.Fatalf("expected 3 sms records, got %d", total)
	}
	if len(page) != 2 || page[0].ID != "d" || page[1].ID != "c" {
		t.Fatalf("expected newest first [d c], got %v", ids(page))
	}

	page, _, _ = repo.List(ctx, domain.ListFilter{Channel: &sms, Page: 2, Limit: 2})
	if len(page) != 1 || page[0].ID != "a" {
		t.Fatalf("expected [a] on page 2, got %v", ids(page))
	}

	from := base.Add(90 * time.Second)
	page, total, _ = repo.List(ctx, domain.ListFilter{From: &from, Page: 1, Limit: 10})
	if total != 2 {
		t.Fatalf("expected 2 records after %v, got %d (%v)", from, total, ids(page))
	}
}

func ids(recs []*domain.DeliveryRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
