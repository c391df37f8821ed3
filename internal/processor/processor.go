// Package processor drives pending assessments through evaluation. It owns
// retry against the evaluator, per-assessment cancellation, and bounded
// batch fan-out; every state change goes through the store so the audit
// trail and the state machine stay authoritative.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/veridianops/assessd/internal/domain"
	"github.com/veridianops/assessd/internal/evaluator"
	"github.com/veridianops/assessd/internal/metrics"
	"github.com/veridianops/assessd/internal/retry"
	"github.com/veridianops/assessd/internal/store"
)

const defaultBatchWorkers = 4

// Config controls evaluator retry behavior and batch concurrency.
type Config struct {
	Retry        retry.Config
	BatchWorkers int
}

// Outcome reports the per-assessment result of a batch run.
type Outcome struct {
	AssessmentID string                 `json:"assessment_id"`
	State        domain.AssessmentState `json:"state,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

// BatchResult summarizes a ProcessBatch run. A failed item never aborts
// the rest of the batch.
type BatchResult struct {
	ProcessedCount int       `json:"processed_count"`
	FailedCount    int       `json:"failed_count"`
	Outcomes       []Outcome `json:"outcomes"`
}

// Processor runs assessments against the compliance evaluator.
type Processor struct {
	store  *store.Store
	eval   evaluator.Evaluator
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// New creates a Processor.
func New(st *store.Store, eval evaluator.Evaluator, cfg Config, logger *zap.Logger) *Processor {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.BatchWorkers <= 0 {
		cfg.BatchWorkers = defaultBatchWorkers
	}
	return &Processor{
		store:    st,
		eval:     eval,
		cfg:      cfg,
		logger:   logger,
		inflight: make(map[string]context.CancelFunc),
	}
}

// Process runs a single pending assessment to a terminal or failed state.
// The returned record reflects the final stored state. Processing an
// assessment that is not pending yields ErrInvalidTransition from the
// store; a missing id yields ErrNotFound.
func (p *Processor) Process(ctx context.Context, id string) (*domain.Assessment, error) {
	a, err := p.store.GetFresh(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := a.CheckIntegrity(); err != nil {
		return p.failCorrupt(ctx, a, err)
	}

	a, err = p.store.StartProcessing(ctx, id)
	if err != nil {
		return nil, err
	}

	metrics.ProcessingActive.Inc()
	defer metrics.ProcessingActive.Dec()

	procCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.register(id, cancel)
	defer p.unregister(id)

	p.logger.Info("Processing assessment",
		zap.String("assessment_id", id),
		zap.String("server_name", a.RequestData.ServerName),
		zap.String("assessment_type", string(a.RequestData.AssessmentType)),
	)

	req := &evaluator.Request{
		AssessmentID:   a.AssessmentID,
		ServerName:     a.RequestData.ServerName,
		AssessmentType: a.RequestData.AssessmentType,
		Options:        a.RequestData.Options,
		Credentials:    a.RequestData.Credentials,
	}

	var result *evaluator.Result
	attempts := 0
	evalErr := retry.Do(procCtx, p.cfg.Retry, evaluator.IsTransient, func() error {
		attempts++
		if attempts > 1 {
			metrics.EvaluatorRetries.Inc()
			p.logger.Warn("Retrying evaluator call",
				zap.String("assessment_id", id),
				zap.Int("attempt", attempts),
			)
		}
		r, err := p.eval.Evaluate(procCtx, req)
		if err != nil {
			return err
		}
		result = r
		return nil
	})

	if evalErr != nil {
		if procCtx.Err() != nil && ctx.Err() == nil {
			return p.resolveCancelled(ctx, id)
		}
		if ctx.Err() != nil {
			return p.abortInterrupted(id, ctx.Err())
		}
		if errors.Is(evalErr, context.Canceled) || errors.Is(evalErr, context.DeadlineExceeded) {
			return nil, evalErr
		}
		return p.finalize(ctx, id, func() (*domain.Assessment, error) {
			return p.store.FailAssessment(ctx, id, fmt.Sprintf("evaluation failed after %d attempt(s): %v", attempts, evalErr))
		})
	}

	return p.finalize(ctx, id, func() (*domain.Assessment, error) {
		return p.store.CompleteAssessment(ctx, id, &domain.ResultData{
			ComplianceScore: result.ComplianceScore,
			Violations:      result.Violations,
			Recommendations: result.Recommendations,
			Summary:         result.Summary,
		})
	})
}

// Cancel aborts an in-flight assessment, or cancels a pending one that
// has not started. The stored record moves to cancelled first so a racing
// finalize loses the version check.
func (p *Processor) Cancel(ctx context.Context, id, reason string) (*domain.Assessment, error) {
	a, err := p.store.CancelAssessment(ctx, id, reason)
	if errors.Is(err, domain.ErrVersionConflict) {
		// A progress write slipped in between read and CAS. The record
		// is re-read inside CancelAssessment, so one more try settles it.
		a, err = p.store.CancelAssessment(ctx, id, reason)
	}
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	cancel, ok := p.inflight[id]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return a, nil
}

// ProcessBatch fans ids out across a fixed-size worker pool. Outcomes
// keep the input order.
func (p *Processor) ProcessBatch(ctx context.Context, ids []string) *BatchResult {
	result := &BatchResult{Outcomes: make([]Outcome, len(ids))}
	if len(ids) == 0 {
		return result
	}

	workers := p.cfg.BatchWorkers
	if workers > len(ids) {
		workers = len(ids)
	}

	p.logger.Info("Starting batch processing",
		zap.Int("assessments", len(ids)),
		zap.Int("workers", workers),
	)

	type job struct {
		index int
		id    string
	}
	jobs := make(chan job)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("Batch worker panic recovered", zap.Any("panic", r))
				}
			}()
			for j := range jobs {
				a, err := p.Process(ctx, j.id)
				out := Outcome{AssessmentID: j.id}
				if a != nil {
					out.State = a.State
				}
				if err != nil {
					out.Error = err.Error()
				}
				result.Outcomes[j.index] = out
			}
		}()
	}

	for i, id := range ids {
		select {
		case <-ctx.Done():
			// Mark the rest as not attempted and stop feeding workers.
			for rest := i; rest < len(ids); rest++ {
				result.Outcomes[rest] = Outcome{AssessmentID: ids[rest], Error: ctx.Err().Error()}
			}
			close(jobs)
			wg.Wait()
			p.tally(result)
			return result
		case jobs <- job{index: i, id: id}:
		}
	}
	close(jobs)
	wg.Wait()
	p.tally(result)
	return result
}

func (p *Processor) tally(result *BatchResult) {
	for _, out := range result.Outcomes {
		if out.State == domain.StateCompleted {
			result.ProcessedCount++
		} else {
			result.FailedCount++
		}
	}
}

// failCorrupt routes a corrupt record to failed through the regular state
// machine so the defect is visible in the audit trail. The record is never
// silently repaired.
func (p *Processor) failCorrupt(ctx context.Context, a *domain.Assessment, corruption error) (*domain.Assessment, error) {
	p.logger.Error("Assessment failed integrity check",
		zap.String("assessment_id", a.AssessmentID),
		zap.Error(corruption),
	)

	if a.State == domain.StatePending {
		if _, err := p.store.StartProcessing(ctx, a.AssessmentID); err != nil {
			return nil, fmt.Errorf("%w (quarantine failed: %v)", corruption, err)
		}
		if _, err := p.store.FailAssessment(ctx, a.AssessmentID, "integrity check failed: "+corruption.Error()); err != nil {
			return nil, fmt.Errorf("%w (quarantine failed: %v)", corruption, err)
		}
	}
	return nil, corruption
}

// finalize applies a terminal transition, resolving the race against an
// external cancel: if the version check fails because the record was
// cancelled while the evaluator ran, the outcome is cancelled and the
// result is discarded.
func (p *Processor) finalize(ctx context.Context, id string, apply func() (*domain.Assessment, error)) (*domain.Assessment, error) {
	a, err := apply()
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, domain.ErrVersionConflict) && !errors.Is(err, domain.ErrInvalidTransition) {
		return nil, err
	}

	current, readErr := p.store.GetFresh(ctx, id)
	if readErr != nil {
		return nil, err
	}
	if current.State == domain.StateCancelled {
		p.logger.Info("Assessment cancelled during evaluation, result discarded",
			zap.String("assessment_id", id),
		)
		return current, nil
	}
	return nil, err
}

// resolveCancelled settles an aborted run after Cancel fired mid-flight.
func (p *Processor) resolveCancelled(ctx context.Context, id string) (*domain.Assessment, error) {
	current, err := p.store.GetFresh(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.State == domain.StateCancelled {
		return current, nil
	}
	// Registry fired but the stored cancel did not land; finish it here.
	return p.store.CancelAssessment(ctx, id, "processing aborted")
}

// abortInterrupted records an evaluation cut short by the caller's own
// context. The dead context cannot carry the write, so the failure is
// stored on a detached one; without it the record would sit in
// processing until someone cancelled it by hand.
func (p *Processor) abortInterrupted(id string, cause error) (*domain.Assessment, error) {
	bg := store.WithActor(context.Background(), "processor")
	if _, err := p.finalize(bg, id, func() (*domain.Assessment, error) {
		return p.store.FailAssessment(bg, id, fmt.Sprintf("processing aborted: %v", cause))
	}); err != nil {
		p.logger.Warn("could not record aborted processing",
			zap.String("assessment_id", id),
			zap.Error(err))
	}
	return nil, cause
}

func (p *Processor) register(id string, cancel context.CancelFunc) {
	p.mu.Lock()
	p.inflight[id] = cancel
	p.mu.Unlock()
}

func (p *Processor) unregister(id string) {
	p.mu.Lock()
	delete(p.inflight, id)
	p.mu.Unlock()
}
