// Package store owns the canonical view of assessment state. Every state
// transition goes through here: the lifecycle graph is enforced before any
// I/O, durable writes are delegated to the repository under optimistic
// locking, and each mutation appends an audit event, invalidates the read
// cache, and fans out a lifecycle event.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veridianops/assessd/internal/cache"
	"github.com/veridianops/assessd/internal/domain"
	"github.com/veridianops/assessd/internal/events"
	"github.com/veridianops/assessd/internal/metrics"
	"github.com/veridianops/assessd/internal/repository"
)

const maxPageLimit = 100

type actorKey struct{}

// WithActor records the caller identity used for audit events.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the caller identity, defaulting to "system".
func ActorFrom(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return "system"
}

// Store exposes CRUD plus state-transition operations over assessments.
type Store struct {
	repo      repository.AssessmentRepository
	audit     repository.AuditRepository
	publisher events.Publisher
	cache     cache.AssessmentCache
	legacy    LegacySource
	logger    *zap.Logger
}

// Option configures optional Store collaborators.
type Option func(*Store)

// WithLegacySource attaches the pre-migration record source.
func WithLegacySource(src LegacySource) Option {
	return func(s *Store) { s.legacy = src }
}

// New creates an assessment store.
func New(repo repository.AssessmentRepository, audit repository.AuditRepository, pub events.Publisher, c cache.AssessmentCache, logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		repo:      repo,
		audit:     audit,
		publisher: pub,
		cache:     c,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateAssessment validates the request and persists a new assessment at
// version 1 in the pending state.
func (s *Store) CreateAssessment(ctx context.Context, req *domain.CreateRequest) (*domain.Assessment, error) {
	if err := s.validateCreate(ctx, req); err != nil {
		return nil, err
	}

	id := req.AssessmentID
	if id == "" {
		generated, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate UUIDv7: %w", err)
		}
		id = generated.String()
	}

	now := time.Now().UTC()
	a := &domain.Assessment{
		AssessmentID: id,
		State:        domain.StatePending,
		Version:      1,
		Progress:     0,
		Priority:     req.Priority,
		RequestData:  req.RequestData,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	a.RequestData.Credentials = req.Credentials

	event := &domain.AuditEvent{
		AssessmentID: id,
		EventType:    domain.AuditCreated,
		Actor:        ActorFrom(ctx),
		Timestamp:    now,
		Detail:       detailJSON(map[string]any{"state": a.State, "server_name": a.RequestData.ServerName}),
	}
	if err := s.repo.Create(ctx, a, event); err != nil {
		if errors.Is(err, domain.ErrDuplicateID) {
			s.logger.Warn("Duplicate assessment id", zap.String("assessment_id", id))
		}
		return nil, err
	}

	s.fanout(ctx, a)
	s.logger.Info("Assessment created",
		zap.String("assessment_id", id),
		zap.String("assessment_type", string(a.RequestData.AssessmentType)),
	)
	return a, nil
}

// BatchCreateAssessments validates each request independently. A failure
// in one element does not roll back others already committed.
func (s *Store) BatchCreateAssessments(ctx context.Context, reqs []*domain.CreateRequest) []domain.BatchOutcome {
	outcomes := make([]domain.BatchOutcome, 0, len(reqs))
	for _, req := range reqs {
		a, err := s.CreateAssessment(ctx, req)
		if err != nil {
			outcomes = append(outcomes, domain.BatchOutcome{
				AssessmentID: req.AssessmentID,
				OK:           false,
				Error:        err.Error(),
			})
			continue
		}
		outcomes = append(outcomes, domain.BatchOutcome{AssessmentID: a.AssessmentID, OK: true})
	}
	return outcomes
}

// StartProcessing transitions a pending assessment into processing.
func (s *Store) StartProcessing(ctx context.Context, id string) (*domain.Assessment, error) {
	return s.transition(ctx, id, domain.StateProcessing, domain.AuditProcessing, func(a *domain.Assessment, mut *repository.Mutation) {
		msg := "processing started"
		mut.Message = &msg
	})
}

// UpdateProgress records progress for an assessment currently processing.
// Out-of-range progress is rejected before any I/O.
func (s *Store) UpdateProgress(ctx context.Context, id string, progress int, message string) (*domain.Assessment, error) {
	if progress < 0 || progress > 100 {
		s.auditRejection(ctx, id, fmt.Sprintf("progress %d outside [0,100]", progress))
		return nil, fmt.Errorf("%w: progress %d outside [0,100]", domain.ErrValidation, progress)
	}

	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.State != domain.StateProcessing {
		return nil, fmt.Errorf("%w: progress update requires processing, state is %s", domain.ErrInvalidTransition, a.State)
	}

	mut := repository.Mutation{Progress: &progress, Message: &message}
	event := &domain.AuditEvent{
		AssessmentID: id,
		EventType:    domain.AuditUpdated,
		Actor:        ActorFrom(ctx),
		Detail:       detailJSON(map[string]any{"progress": progress, "message": message}),
	}
	updated, err := s.repo.UpdateWithVersion(ctx, id, a.Version, mut, event)
	if err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			metrics.VersionConflicts.Inc()
		}
		return nil, err
	}

	s.fanout(ctx, updated)
	return updated, nil
}

// CompleteAssessment finalizes a processing assessment with its result.
func (s *Store) CompleteAssessment(ctx context.Context, id string, result *domain.ResultData) (*domain.Assessment, error) {
	if result == nil {
		return nil, fmt.Errorf("%w: completion requires result data", domain.ErrValidation)
	}
	a, err := s.transition(ctx, id, domain.StateCompleted, domain.AuditCompleted, func(a *domain.Assessment, mut *repository.Mutation) {
		full := 100
		msg := "assessment completed"
		mut.Progress = &full
		mut.Message = &msg
		mut.ResultData = result
	})
	if err != nil {
		return nil, err
	}
	metrics.AssessmentsTotal.WithLabelValues(string(a.RequestData.AssessmentType), string(domain.StateCompleted)).Inc()
	metrics.ProcessingDuration.WithLabelValues(string(a.RequestData.AssessmentType)).
		Observe(a.CompletedAt.Sub(a.CreatedAt).Seconds())
	return a, nil
}

// FailAssessment finalizes a processing assessment as failed.
func (s *Store) FailAssessment(ctx context.Context, id string, errMsg string) (*domain.Assessment, error) {
	a, err := s.transition(ctx, id, domain.StateFailed, domain.AuditFailed, func(a *domain.Assessment, mut *repository.Mutation) {
		mut.ErrorMessage = &errMsg
	})
	if err != nil {
		return nil, err
	}
	metrics.AssessmentsTotal.WithLabelValues(string(a.RequestData.AssessmentType), string(domain.StateFailed)).Inc()
	return a, nil
}

// CancelAssessment cancels a pending or in-flight assessment.
func (s *Store) CancelAssessment(ctx context.Context, id string, reason string) (*domain.Assessment, error) {
	if reason == "" {
		reason = "cancelled by request"
	}
	a, err := s.transition(ctx, id, domain.StateCancelled, domain.AuditCancelled, func(a *domain.Assessment, mut *repository.Mutation) {
		mut.ErrorMessage = &reason
	})
	if err != nil {
		return nil, err
	}
	metrics.AssessmentsTotal.WithLabelValues(string(a.RequestData.AssessmentType), string(domain.StateCancelled)).Inc()
	return a, nil
}

// RetryFailedAssessments moves every failed assessment back to pending,
// incrementing its retry count. Returns the ids actually retried.
func (s *Store) RetryFailedAssessments(ctx context.Context) ([]string, error) {
	ids, err := s.repo.ListIDsByState(ctx, domain.StateFailed)
	if err != nil {
		return nil, err
	}

	var retried []string
	for _, id := range ids {
		a, err := s.repo.GetByID(ctx, id)
		if err != nil {
			continue
		}
		if a.State != domain.StateFailed {
			continue
		}

		nextRetry := a.RetryCount + 1
		zero := 0
		empty := ""
		msg := "queued for retry"
		pending := domain.StatePending
		mut := repository.Mutation{
			State:            &pending,
			Progress:         &zero,
			Message:          &msg,
			ErrorMessage:     &empty,
			RetryCount:       &nextRetry,
			ClearCompletedAt: true,
		}
		event := &domain.AuditEvent{
			AssessmentID: id,
			EventType:    domain.AuditRetried,
			Actor:        ActorFrom(ctx),
			Detail:       detailJSON(map[string]any{"retry_count": nextRetry}),
		}
		updated, err := s.repo.UpdateWithVersion(ctx, id, a.Version, mut, event)
		if err != nil {
			// A concurrent transition won the race; skip rather than abort
			// the sweep.
			s.logger.Debug("Retry skipped", zap.String("assessment_id", id), zap.Error(err))
			continue
		}

		s.fanout(ctx, updated)
		retried = append(retried, id)
	}

	s.logger.Info("Retried failed assessments", zap.Int("count", len(retried)))
	return retried, nil
}

// GetAssessment returns an assessment, served from the read cache when a
// fresh entry exists.
func (s *Store) GetAssessment(ctx context.Context, id string) (*domain.Assessment, error) {
	if s.cache != nil {
		if cached, ok, err := s.cache.Get(ctx, id); err == nil && ok {
			return cached, nil
		}
	}
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, a); err != nil {
			s.logger.Debug("Cache set failed", zap.String("assessment_id", id), zap.Error(err))
		}
	}
	return a, nil
}

// GetFresh returns an assessment straight from storage, bypassing the cache.
func (s *Store) GetFresh(ctx context.Context, id string) (*domain.Assessment, error) {
	return s.repo.GetByID(ctx, id)
}

// ListAssessments returns a filtered page plus total-count metadata.
func (s *Store) ListAssessments(ctx context.Context, filter domain.ListFilter, page domain.Page) (*domain.AssessmentPage, error) {
	for _, state := range filter.States {
		if !state.IsValid() {
			return nil, fmt.Errorf("%w: unknown state filter %q", domain.ErrValidation, state)
		}
	}
	if filter.ServerSearch != "" {
		if err := domain.CheckSafeText("search", filter.ServerSearch); err != nil {
			return nil, err
		}
	}
	if page.Limit > maxPageLimit {
		page.Limit = maxPageLimit
	}
	return s.repo.List(ctx, filter, page)
}

// GetStats aggregates assessment counts by state plus the success rate
// over terminal assessments.
func (s *Store) GetStats(ctx context.Context) (*domain.Stats, error) {
	counts, err := s.repo.CountByState(ctx)
	if err != nil {
		return nil, err
	}
	stats := &domain.Stats{ByState: counts}
	for _, n := range counts {
		stats.Total += n
	}
	terminal := counts[domain.StateCompleted] + counts[domain.StateFailed] + counts[domain.StateCancelled]
	if terminal > 0 {
		stats.SuccessRate = float64(counts[domain.StateCompleted]) / float64(terminal)
	}
	return stats, nil
}

// GetMetrics derives throughput, average processing time, and error rate
// from the stored population.
func (s *Store) GetMetrics(ctx context.Context) (*domain.Metrics, error) {
	agg, err := s.repo.MetricsAggregate(ctx)
	if err != nil {
		return nil, err
	}
	m := &domain.Metrics{AvgProcessingSecs: agg.AvgProcessingSecs}
	if agg.Completed+agg.Failed > 0 {
		m.ErrorRate = float64(agg.Failed) / float64(agg.Completed+agg.Failed)
	}
	if agg.FirstCompletedAt != nil && agg.LastCompletedAt != nil {
		window := agg.LastCompletedAt.Sub(*agg.FirstCompletedAt)
		if window <= 0 {
			window = time.Hour
		}
		m.Throughput = float64(agg.Completed) / window.Hours()
	}
	return m, nil
}

// GetAuditTrail returns audit events for an assessment or time range.
func (s *Store) GetAuditTrail(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEvent, error) {
	return s.audit.List(ctx, filter)
}

// transition enforces the lifecycle graph and applies a terminal or
// processing transition under optimistic locking.
func (s *Store) transition(ctx context.Context, id string, to domain.AssessmentState, eventType domain.AuditEventType, apply func(*domain.Assessment, *repository.Mutation)) (*domain.Assessment, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.State.CanTransition(to) {
		s.auditRejection(ctx, id, fmt.Sprintf("transition %s -> %s denied", a.State, to))
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, a.State, to)
	}

	mut := repository.Mutation{State: &to}
	if to.IsTerminal() {
		now := time.Now().UTC()
		mut.CompletedAt = &now
	}
	if apply != nil {
		apply(a, &mut)
	}

	event := &domain.AuditEvent{
		AssessmentID: id,
		EventType:    eventType,
		Actor:        ActorFrom(ctx),
		Detail:       detailJSON(map[string]any{"from": a.State, "to": to}),
	}
	updated, err := s.repo.UpdateWithVersion(ctx, id, a.Version, mut, event)
	if err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			metrics.VersionConflicts.Inc()
		}
		return nil, err
	}

	s.fanout(ctx, updated)
	s.logger.Info("Assessment transitioned",
		zap.String("assessment_id", id),
		zap.String("from", string(a.State)),
		zap.String("to", string(to)),
		zap.Int("version", updated.Version),
	)
	return updated, nil
}

// fanout invalidates the read cache and publishes a lifecycle event. Both
// are best-effort: the durable write already committed.
func (s *Store) fanout(ctx context.Context, a *domain.Assessment) {
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, a.AssessmentID); err != nil {
			s.logger.Warn("Cache invalidation failed", zap.String("assessment_id", a.AssessmentID), zap.Error(err))
		}
	}
	if s.publisher == nil {
		return
	}
	err := s.publisher.Publish(ctx, &events.LifecycleEvent{
		AssessmentID: a.AssessmentID,
		State:        a.State,
		Version:      a.Version,
		Progress:     a.Progress,
		Message:      a.Message,
		Actor:        ActorFrom(ctx),
	})
	if err != nil {
		s.logger.Warn("Lifecycle event publish failed",
			zap.String("assessment_id", a.AssessmentID),
			zap.Error(err),
		)
	}
}

func (s *Store) auditRejection(ctx context.Context, id, reason string) {
	metrics.RequestsRejected.WithLabelValues("store").Inc()
	if s.audit == nil {
		return
	}
	event := &domain.AuditEvent{
		AssessmentID: id,
		EventType:    domain.AuditRejected,
		Actor:        ActorFrom(ctx),
		Detail:       detailJSON(map[string]any{"reason": reason}),
	}
	if err := s.audit.Append(ctx, event); err != nil {
		s.logger.Warn("Audit append failed", zap.String("assessment_id", id), zap.Error(err))
	}
}

func (s *Store) validateCreate(ctx context.Context, req *domain.CreateRequest) error {
	reject := func(err error) error {
		s.auditRejection(ctx, req.AssessmentID, err.Error())
		return err
	}

	if req.AssessmentID != "" {
		if err := domain.CheckIdentifier(req.AssessmentID); err != nil {
			return reject(err)
		}
	}
	if strings.TrimSpace(req.RequestData.ServerName) == "" {
		return reject(fmt.Errorf("%w: server name must not be empty", domain.ErrValidation))
	}
	if err := domain.CheckSafeText("server_name", req.RequestData.ServerName); err != nil {
		return reject(err)
	}
	if !req.RequestData.AssessmentType.IsValid() {
		return reject(fmt.Errorf("%w: unknown assessment type %q", domain.ErrValidation, req.RequestData.AssessmentType))
	}
	if req.RequestData.ScheduledAt != "" {
		if _, err := time.Parse(time.RFC3339, req.RequestData.ScheduledAt); err != nil {
			return reject(fmt.Errorf("%w: scheduled_at must be RFC3339: %v", domain.ErrValidation, err))
		}
	}
	if req.Priority < 0 {
		return reject(fmt.Errorf("%w: priority must be non-negative", domain.ErrValidation))
	}
	for key, value := range req.RequestData.Options {
		if !domain.AllowedOptionKeys[key] && !strings.HasPrefix(key, "x-legacy-") {
			return reject(fmt.Errorf("%w: unknown option key %q", domain.ErrValidation, key))
		}
		if err := domain.CheckSafeText("options."+key, value); err != nil {
			return reject(err)
		}
	}
	return nil
}

func detailJSON(fields map[string]any) string {
	raw, err := json.Marshal(fields)
	if err != nil {
		return ""
	}
	return string(raw)
}
