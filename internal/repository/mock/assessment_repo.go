package mock

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/veridianops/assessd/internal/domain"
	"github.com/veridianops/assessd/internal/repository"
)

// Ensure MockAssessmentRepository implements the persistence interfaces.
var (
	_ repository.AssessmentRepository = (*MockAssessmentRepository)(nil)
	_ repository.BackupStore          = (*MockAssessmentRepository)(nil)
)

// MockAssessmentRepository is an in-memory repository for testing. It
// reproduces the optimistic-locking semantics of the real adapter: a write
// against a stale version fails with domain.ErrVersionConflict.
type MockAssessmentRepository struct {
	mu          sync.RWMutex
	assessments map[string]*domain.Assessment
	events      []domain.AuditEvent
	nextEventID int64
	audit       *MockAuditRepository

	// Hook functions for injecting errors
	CreateFunc            func(ctx context.Context, a *domain.Assessment, event *domain.AuditEvent) error
	GetByIDFunc           func(ctx context.Context, id string) (*domain.Assessment, error)
	UpdateWithVersionFunc func(ctx context.Context, id string, expectedVersion int, mut repository.Mutation, event *domain.AuditEvent) (*domain.Assessment, error)
}

// NewMockAssessmentRepository creates a new mock repository.
func NewMockAssessmentRepository() *MockAssessmentRepository {
	return &MockAssessmentRepository{
		assessments: make(map[string]*domain.Assessment),
		nextEventID: 1,
	}
}

func clone(a *domain.Assessment) *domain.Assessment {
	cp := *a
	if a.ResultData != nil {
		rd := *a.ResultData
		cp.ResultData = &rd
	}
	if a.CompletedAt != nil {
		ts := *a.CompletedAt
		cp.CompletedAt = &ts
	}
	if a.RequestData.Options != nil {
		cp.RequestData.Options = make(map[string]string, len(a.RequestData.Options))
		for k, v := range a.RequestData.Options {
			cp.RequestData.Options[k] = v
		}
	}
	return &cp
}

// UseAuditSink routes audit events written through this repository into the
// shared audit repository, mirroring the real adapters sharing one
// audit_events table.
func (m *MockAssessmentRepository) UseAuditSink(audit *MockAuditRepository) {
	m.audit = audit
}

func (m *MockAssessmentRepository) appendEvent(event *domain.AuditEvent) {
	if event == nil {
		return
	}
	if m.audit != nil {
		m.audit.Append(context.Background(), event)
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.ID = m.nextEventID
	m.nextEventID++
	m.events = append(m.events, *event)
}

func (m *MockAssessmentRepository) Create(ctx context.Context, a *domain.Assessment, event *domain.AuditEvent) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, a, event)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.assessments[a.AssessmentID]; exists {
		return domain.ErrDuplicateID
	}
	m.assessments[a.AssessmentID] = clone(a)
	m.appendEvent(event)
	return nil
}

func (m *MockAssessmentRepository) GetByID(ctx context.Context, id string) (*domain.Assessment, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assessments[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clone(a), nil
}

func (m *MockAssessmentRepository) UpdateWithVersion(ctx context.Context, id string, expectedVersion int, mut repository.Mutation, event *domain.AuditEvent) (*domain.Assessment, error) {
	if m.UpdateWithVersionFunc != nil {
		return m.UpdateWithVersionFunc(ctx, id, expectedVersion, mut, event)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assessments[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if a.Version != expectedVersion {
		return nil, domain.ErrVersionConflict
	}

	updated := clone(a)
	updated.Version++
	updated.UpdatedAt = time.Now().UTC()
	if mut.State != nil {
		updated.State = *mut.State
	}
	if mut.Progress != nil {
		updated.Progress = *mut.Progress
	}
	if mut.Message != nil {
		updated.Message = *mut.Message
	}
	if mut.ResultData != nil {
		rd := *mut.ResultData
		updated.ResultData = &rd
	}
	if mut.ErrorMessage != nil {
		updated.ErrorMessage = *mut.ErrorMessage
	}
	if mut.RetryCount != nil {
		updated.RetryCount = *mut.RetryCount
	}
	if mut.CompletedAt != nil {
		ts := *mut.CompletedAt
		updated.CompletedAt = &ts
	} else if mut.ClearCompletedAt {
		updated.CompletedAt = nil
	}

	m.assessments[id] = updated
	m.appendEvent(event)
	return clone(updated), nil
}

func (m *MockAssessmentRepository) List(ctx context.Context, filter domain.ListFilter, page domain.Page) (*domain.AssessmentPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*domain.Assessment
	for _, a := range m.assessments {
		if !matchesFilter(a, filter) {
			continue
		}
		matched = append(matched, clone(a))
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].AssessmentID < matched[j].AssessmentID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if page.Limit <= 0 {
		page.Limit = 20
	}
	if page.Offset < 0 {
		page.Offset = 0
	}

	total := len(matched)
	start := page.Offset
	if start > total {
		start = total
	}
	end := start + page.Limit
	if end > total {
		end = total
	}

	return &domain.AssessmentPage{
		Items:  matched[start:end],
		Total:  total,
		Limit:  page.Limit,
		Offset: page.Offset,
	}, nil
}

func matchesFilter(a *domain.Assessment, filter domain.ListFilter) bool {
	if len(filter.States) > 0 {
		found := false
		for _, s := range filter.States {
			if a.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.ServerSearch != "" &&
		!strings.Contains(strings.ToLower(a.RequestData.ServerName), strings.ToLower(filter.ServerSearch)) {
		return false
	}
	if filter.CreatedAfter != nil && a.CreatedAt.Before(*filter.CreatedAfter) {
		return false
	}
	if filter.CreatedBefore != nil && a.CreatedAt.After(*filter.CreatedBefore) {
		return false
	}
	return true
}

func (m *MockAssessmentRepository) ListIDsByState(ctx context.Context, state domain.AssessmentState) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, a := range m.assessments {
		if a.State == state {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MockAssessmentRepository) CountByState(ctx context.Context) (map[domain.AssessmentState]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[domain.AssessmentState]int)
	for _, a := range m.assessments {
		counts[a.State]++
	}
	return counts, nil
}

func (m *MockAssessmentRepository) MetricsAggregate(ctx context.Context) (*repository.MetricsAggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agg := &repository.MetricsAggregate{}
	var totalSecs float64
	for _, a := range m.assessments {
		switch a.State {
		case domain.StateCompleted:
			agg.Completed++
			if a.CompletedAt != nil {
				totalSecs += a.CompletedAt.Sub(a.CreatedAt).Seconds()
				if agg.FirstCompletedAt == nil || a.CompletedAt.Before(*agg.FirstCompletedAt) {
					ts := *a.CompletedAt
					agg.FirstCompletedAt = &ts
				}
				if agg.LastCompletedAt == nil || a.CompletedAt.After(*agg.LastCompletedAt) {
					ts := *a.CompletedAt
					agg.LastCompletedAt = &ts
				}
			}
		case domain.StateFailed:
			agg.Failed++
		case domain.StateCancelled:
			agg.Cancelled++
		}
	}
	if agg.Completed > 0 {
		agg.AvgProcessingSecs = totalSecs / float64(agg.Completed)
	}
	return agg, nil
}

// Backup exports all rows; the mock skips encryption so the payload holds
// records verbatim.
func (m *MockAssessmentRepository) Backup(ctx context.Context, compressed bool) (*repository.Backup, error) {
	return m.export(nil, compressed)
}

func (m *MockAssessmentRepository) IncrementalBackup(ctx context.Context, since time.Time, compressed bool) (*repository.Backup, error) {
	return m.export(&since, compressed)
}

func (m *MockAssessmentRepository) export(since *time.Time, compressed bool) (*repository.Backup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exported := []*domain.Assessment{}
	for _, a := range m.assessments {
		if since != nil && a.UpdatedAt.Before(*since) {
			continue
		}
		exported = append(exported, clone(a))
	}
	sort.Slice(exported, func(i, j int) bool {
		return exported[i].AssessmentID < exported[j].AssessmentID
	})

	data, err := json.Marshal(exported)
	if err != nil {
		return nil, err
	}
	if compressed {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(data); err != nil {
			return nil, err
		}
		if err := gz.Close(); err != nil {
			return nil, err
		}
		data = buf.Bytes()
	}

	return &repository.Backup{
		CreatedAt:   time.Now().UTC(),
		Since:       since,
		Compressed:  compressed,
		RecordCount: len(exported),
		Data:        data,
	}, nil
}

func (m *MockAssessmentRepository) Restore(ctx context.Context, b *repository.Backup) (int, error) {
	data := b.Data
	if b.Compressed {
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return 0, err
		}
		data, err = io.ReadAll(gz)
		if err != nil {
			return 0, err
		}
	}

	var restored []*domain.Assessment
	if err := json.Unmarshal(data, &restored); err != nil {
		return 0, fmt.Errorf("%w: backup payload: %v", domain.ErrValidation, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range restored {
		m.assessments[a.AssessmentID] = clone(a)
	}
	return len(restored), nil
}

// Events returns a copy of all recorded audit events (for test assertions).
func (m *MockAssessmentRepository) Events() []domain.AuditEvent {
	if m.audit != nil {
		return m.audit.all()
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.AuditEvent, len(m.events))
	copy(out, m.events)
	return out
}

// Put stores an assessment directly, bypassing uniqueness and audit hooks
// (for test setup).
func (m *MockAssessmentRepository) Put(a *domain.Assessment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assessments[a.AssessmentID] = clone(a)
}

// GetAll returns all stored assessments (for test assertions).
func (m *MockAssessmentRepository) GetAll() []*domain.Assessment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*domain.Assessment, 0, len(m.assessments))
	for _, a := range m.assessments {
		result = append(result, clone(a))
	}
	return result
}
