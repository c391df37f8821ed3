package mock

import (
	"context"
	"sync"

	"github.com/veridianops/assessd/internal/events"
)

// Ensure MockPublisher implements events.Publisher.
var _ events.Publisher = (*MockPublisher)(nil)

// MockPublisher is a mock lifecycle event publisher for testing.
type MockPublisher struct {
	mu        sync.Mutex
	published []events.LifecycleEvent

	PublishFn  func(ctx context.Context, event *events.LifecycleEvent) error
	HealthyVal bool
}

// NewMockPublisher creates a new mock publisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{HealthyVal: true}
}

func (m *MockPublisher) Publish(ctx context.Context, event *events.LifecycleEvent) error {
	if m.PublishFn != nil {
		return m.PublishFn(ctx, event)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, *event)
	return nil
}

func (m *MockPublisher) Healthy() bool {
	return m.HealthyVal
}

func (m *MockPublisher) Close() error {
	return nil
}

// Published returns a copy of all published events (for test assertions).
func (m *MockPublisher) Published() []events.LifecycleEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]events.LifecycleEvent, len(m.published))
	copy(out, m.published)
	return out
}
