package mock

import (
	"context"
	"sync"

	"github.com/veridianops/assessd/internal/evaluator"
)

// Ensure MockEvaluator implements evaluator.Evaluator.
var _ evaluator.Evaluator = (*MockEvaluator)(nil)

// MockEvaluator is a scriptable compliance evaluator for testing.
type MockEvaluator struct {
	mu    sync.Mutex
	calls int

	// EvaluateFn overrides the default behavior entirely.
	EvaluateFn func(ctx context.Context, req *evaluator.Request) (*evaluator.Result, error)

	// FailuresBeforeSuccess makes the first N calls fail with failErr
	// (default evaluator.ErrUnavailable) before returning Result.
	FailuresBeforeSuccess int
	FailErr               error

	// Result is returned on success. Nil falls back to a fixed default.
	Result *evaluator.Result
}

// NewMockEvaluator creates a new mock evaluator.
func NewMockEvaluator() *MockEvaluator {
	return &MockEvaluator{}
}

func (m *MockEvaluator) Evaluate(ctx context.Context, req *evaluator.Request) (*evaluator.Result, error) {
	if m.EvaluateFn != nil {
		m.mu.Lock()
		m.calls++
		m.mu.Unlock()
		return m.EvaluateFn(ctx, req)
	}

	m.mu.Lock()
	m.calls++
	call := m.calls
	m.mu.Unlock()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if call <= m.FailuresBeforeSuccess {
		if m.FailErr != nil {
			return nil, m.FailErr
		}
		return nil, evaluator.ErrUnavailable
	}

	if m.Result != nil {
		result := *m.Result
		return &result, nil
	}
	return &evaluator.Result{
		ComplianceScore: 85,
		Violations:      3,
		Recommendations: []string{"enable disk encryption"},
		Summary:         "baseline checks passed",
	}, nil
}

// Calls returns how many times Evaluate was invoked.
func (m *MockEvaluator) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
