package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/veridianops/assessd/internal/domain"
)

// LegacySource reads assessment records from the pre-migration system.
type LegacySource interface {
	Fetch(ctx context.Context, id string) (*domain.LegacyRecord, error)
}

// LegacySourceFunc adapts a function into a LegacySource.
type LegacySourceFunc func(ctx context.Context, id string) (*domain.LegacyRecord, error)

func (f LegacySourceFunc) Fetch(ctx context.Context, id string) (*domain.LegacyRecord, error) {
	return f(ctx, id)
}

// MigrateLegacyAssessment imports a legacy record into the current schema
// at state pending.
//
// Sanitization policy: structural defects are auto-corrected with defaults
// (missing timestamps, negative priority, empty server name), because
// they have exactly one sane repair. Semantic values are
// preserved even when unrecognized (an unknown assessment type is kept
// verbatim, unknown option keys are quarantined under an x-legacy- prefix),
// because they carry operator intent the migration must not destroy. Every
// applied correction is listed in the migration audit event.
func (s *Store) MigrateLegacyAssessment(ctx context.Context, legacyID string) (*domain.Assessment, error) {
	if s.legacy == nil {
		return nil, fmt.Errorf("no legacy source configured")
	}

	record, err := s.legacy.Fetch(ctx, legacyID)
	if err != nil {
		return nil, fmt.Errorf("fetch legacy record %q: %w", legacyID, err)
	}

	if existing, err := s.repo.GetByID(ctx, record.ID); err == nil {
		s.logger.Warn("Migration collision",
			zap.String("assessment_id", record.ID),
			zap.String("existing_server", existing.RequestData.ServerName),
		)
		return nil, fmt.Errorf("%w: %s", domain.ErrMigrationCollision, record.ID)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	var corrections []string
	note := func(format string, args ...any) {
		corrections = append(corrections, fmt.Sprintf(format, args...))
	}

	serverName := strings.TrimSpace(record.ServerName)
	if serverName == "" {
		serverName = "legacy-" + record.ID
		note("empty server_name replaced with %q", serverName)
	}

	assessmentType := domain.AssessmentType(record.AssessmentType)
	if assessmentType == "" {
		assessmentType = domain.TypeCompliance
		note("missing assessment_type defaulted to %q", assessmentType)
	}
	// An unrecognized but present type is preserved verbatim.

	priority := record.Priority
	if priority < 0 {
		priority = 0
		note("negative priority %d clamped to 0", record.Priority)
	}

	options := make(map[string]string, len(record.Options))
	for key, value := range record.Options {
		if domain.AllowedOptionKeys[key] {
			options[key] = value
			continue
		}
		quarantined := "x-legacy-" + key
		options[quarantined] = value
		note("unknown option %q quarantined as %q", key, quarantined)
	}

	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
		note("missing created_at defaulted to migration time")
	}

	now := time.Now().UTC()
	a := &domain.Assessment{
		AssessmentID: record.ID,
		State:        domain.StatePending,
		Version:      1,
		Progress:     0,
		Message:      record.Message,
		Priority:     priority,
		RequestData: domain.RequestData{
			ServerName:     serverName,
			AssessmentType: assessmentType,
			Options:        options,
		},
		CreatedAt: createdAt,
		UpdatedAt: now,
	}

	event := &domain.AuditEvent{
		AssessmentID: a.AssessmentID,
		EventType:    domain.AuditMigrated,
		Actor:        ActorFrom(ctx),
		Timestamp:    now,
		Detail:       detailJSON(map[string]any{"corrections": corrections}),
	}
	if err := s.repo.Create(ctx, a, event); err != nil {
		if errors.Is(err, domain.ErrDuplicateID) {
			return nil, fmt.Errorf("%w: %s", domain.ErrMigrationCollision, record.ID)
		}
		return nil, err
	}

	s.fanout(ctx, a)
	s.logger.Info("Legacy assessment migrated",
		zap.String("assessment_id", a.AssessmentID),
		zap.Int("corrections", len(corrections)),
	)
	return a, nil
}
