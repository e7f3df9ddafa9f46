package repository

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/notifyhub/alert-dispatch/internal/domain"
)

// MemoryDeliveryRepository is a hand-written, in-memory implementation of
// DeliveryRepository. It backs unit tests and DELIVERY_STORE=memory.
type MemoryDeliveryRepository struct {
	mu      sync.RWMutex
	records map[string]*domain.DeliveryRecord

	// Optional error overrides, set in tests to simulate failure paths.
	CreateErr  error
	GetByIDErr error
}

func NewMemoryDeliveryRepository() *MemoryDeliveryRepository {
	return &MemoryDeliveryRepository{records: make(map[string]*domain.DeliveryRecord)}
}

func (m *MemoryDeliveryRepository) Create(_ context.Context, d *domain.DeliveryRecord) error {
	if m.CreateErr != nil {
		return m.CreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[d.ID]; exists {
		return domain.ErrConflict
	}
	m.records[d.ID] = cloneRecord(d)
	return nil
}

func (m *MemoryDeliveryRepository) GetByID(_ context.Context, id string) (*domain.DeliveryRecord, error) {
	if m.GetByIDErr != nil {
		return nil, m.GetByIDErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneRecord(d), nil
}

func (m *MemoryDeliveryRepository) List(_ context.Context, f domain.ListFilter) ([]*domain.DeliveryRecord, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*domain.DeliveryRecord, 0, len(m.records))
	for _, d := range m.records {
		if f.Status != nil && d.Status != *f.Status {
			continue
		}
		if f.Channel != nil && d.Channel != *f.Channel {
			continue
		}
		if f.From != nil && d.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && d.CreatedAt.After(*f.To) {
			continue
		}
		matched = append(matched, d)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	if f.Limit > 0 {
		start := max(f.Page-1, 0) * f.Limit
		if start > total {
			start = total
		}
		matched = matched[start:min(start+f.Limit, total)]
	}

	out := make([]*domain.DeliveryRecord, len(matched))
	for i, d := range matched {
		out[i] = cloneRecord(d)
	}
	return out, total, nil
}

func (m *MemoryDeliveryRepository) MarkSending(_ context.Context, id string, attempt int, at time.Time) error {
	return m.transition(id, domain.StatusSending, sendingSources(), func(d *domain.DeliveryRecord) {
		d.Attempts = attempt
		d.NextRetryAt = nil
		d.UpdatedAt = at
	})
}

func (m *MemoryDeliveryRepository) MarkSent(_ context.Context, id, providerMsgID string, at time.Time) error {
	return m.transition(id, domain.StatusSent, domain.SourcesFor(domain.StatusSent), func(d *domain.DeliveryRecord) {
		d.ProviderMsgID = &providerMsgID
		d.SentAt = &at
		d.ErrorMessage = nil
		d.UpdatedAt = at
	})
}

func (m *MemoryDeliveryRepository) MarkRetrying(_ context.Context, id string, attempts int, nextRetry, at time.Time) error {
	return m.transition(id, domain.StatusQueued, retrySources(), func(d *domain.DeliveryRecord) {
		d.Attempts = attempts
		d.NextRetryAt = &nextRetry
		d.ErrorMessage = nil
		d.UpdatedAt = at
	})
}

func (m *MemoryDeliveryRepository) MarkFailed(_ context.Context, id string, attempts int, errMsg string, at time.Time) error {
	return m.transition(id, domain.StatusFailed, domain.SourcesFor(domain.StatusFailed), func(d *domain.DeliveryRecord) {
		d.Attempts = attempts
		d.ErrorMessage = &errMsg
		d.FailedAt = &at
		d.NextRetryAt = nil
		d.UpdatedAt = at
	})
}

func (m *MemoryDeliveryRepository) MarkDelivered(_ context.Context, id string, at time.Time) error {
	return m.transition(id, domain.StatusDelivered, domain.SourcesFor(domain.StatusDelivered), func(d *domain.DeliveryRecord) {
		d.DeliveredAt = &at
		d.UpdatedAt = at
	})
}

func (m *MemoryDeliveryRepository) MarkRead(_ context.Context, id string, at time.Time) error {
	return m.transition(id, domain.StatusRead, domain.SourcesFor(domain.StatusRead), func(d *domain.DeliveryRecord) {
		d.ReadAt = &at
		d.UpdatedAt = at
	})
}

func (m *MemoryDeliveryRepository) transition(id string, to domain.DeliveryStatus, from []domain.DeliveryStatus, apply func(*domain.DeliveryRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !slices.Contains(from, d.Status) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, d.Status, to)
	}
	d.Status = to
	apply(d)
	return nil
}

func cloneRecord(d *domain.DeliveryRecord) *domain.DeliveryRecord {
	c := *d
	if d.Metadata != nil {
		c.Metadata = append([]byte(nil), d.Metadata...)
	}
	return &c
}
