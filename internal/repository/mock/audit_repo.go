package mock

import (
	"context"
	"sync"
	"time"

	"github.com/veridianops/assessd/internal/domain"
	"github.com/veridianops/assessd/internal/repository"
)

var _ repository.AuditRepository = (*MockAuditRepository)(nil)

// MockAuditRepository is an in-memory audit trail for testing.
type MockAuditRepository struct {
	mu     sync.RWMutex
	events []domain.AuditEvent
	nextID int64

	AppendFunc func(ctx context.Context, event *domain.AuditEvent) error
}

// NewMockAuditRepository creates a new mock audit repository.
func NewMockAuditRepository() *MockAuditRepository {
	return &MockAuditRepository{nextID: 1}
}

func (m *MockAuditRepository) Append(ctx context.Context, event *domain.AuditEvent) error {
	if m.AppendFunc != nil {
		return m.AppendFunc(ctx, event)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.ID = m.nextID
	m.nextID++
	m.events = append(m.events, *event)
	return nil
}

// all returns a copy of every recorded event in insertion order.
func (m *MockAuditRepository) all() []domain.AuditEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.AuditEvent, len(m.events))
	copy(out, m.events)
	return out
}

func (m *MockAuditRepository) List(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.AuditEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if filter.AssessmentID != "" && e.AssessmentID != filter.AssessmentID {
			continue
		}
		if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && e.Timestamp.After(*filter.Until) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
