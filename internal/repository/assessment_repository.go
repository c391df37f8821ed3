package repository

import (
	"context"
	"time"

	"github.com/veridianops/assessd/internal/domain"
)

// Mutation describes the fields an optimistic-locking update applies.
// Nil pointers leave the stored value unchanged. The repository bumps
// version and updated_at itself; callers never set those directly.
type Mutation struct {
	State        *domain.AssessmentState
	Progress     *int
	Message      *string
	ResultData   *domain.ResultData
	ErrorMessage *string
	RetryCount   *int
	CompletedAt  *time.Time

	// ClearCompletedAt nulls completed_at; the retry edge moves a failed
	// record back to a non-terminal state.
	ClearCompletedAt bool
}

// MetricsAggregate holds the raw numbers GetMetrics derives its view from.
type MetricsAggregate struct {
	Completed         int
	Failed            int
	Cancelled         int
	AvgProcessingSecs float64
	FirstCompletedAt  *time.Time
	LastCompletedAt   *time.Time
}

// AssessmentRepository defines the interface for assessment persistence.
// Implementations must be safe for concurrent use. Every mutation runs
// inside a transaction that also appends the corresponding audit event,
// so a partial update is never observable.
type AssessmentRepository interface {
	// Create inserts a new assessment. Returns domain.ErrDuplicateID if
	// the id already exists.
	Create(ctx context.Context, a *domain.Assessment, event *domain.AuditEvent) error

	// GetByID retrieves an assessment by its id.
	GetByID(ctx context.Context, id string) (*domain.Assessment, error)

	// UpdateWithVersion applies mut if and only if the stored version
	// equals expectedVersion, atomically bumping the version by one.
	// A stale version yields domain.ErrVersionConflict; the updated
	// record is returned on success.
	UpdateWithVersion(ctx context.Context, id string, expectedVersion int, mut Mutation, event *domain.AuditEvent) (*domain.Assessment, error)

	// List returns a page of assessments matching the filter plus the
	// total match count for pagination metadata.
	List(ctx context.Context, filter domain.ListFilter, page domain.Page) (*domain.AssessmentPage, error)

	// ListIDsByState returns the ids of all assessments in the given state.
	ListIDsByState(ctx context.Context, state domain.AssessmentState) ([]string, error)

	// CountByState returns assessment counts grouped by state.
	CountByState(ctx context.Context) (map[domain.AssessmentState]int, error)

	// MetricsAggregate computes throughput/error-rate inputs over the
	// stored population.
	MetricsAggregate(ctx context.Context) (*MetricsAggregate, error)
}

// AuditRepository appends and queries the immutable audit trail. Append is
// for events with no accompanying assessment mutation (rejections); events
// tied to a mutation ride inside the repository transaction instead.
type AuditRepository interface {
	Append(ctx context.Context, event *domain.AuditEvent) error
	List(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEvent, error)
}

// Backup is a point-in-time export of all assessment rows.
type Backup struct {
	CreatedAt   time.Time  `json:"created_at"`
	Since       *time.Time `json:"since,omitempty"`
	Compressed  bool       `json:"compressed"`
	RecordCount int        `json:"record_count"`
	Data        []byte     `json:"data"`
}

// BackupStore produces and consumes assessment backups.
type BackupStore interface {
	// Backup exports every assessment row, optionally gzip-compressed.
	Backup(ctx context.Context, compressed bool) (*Backup, error)

	// IncrementalBackup exports only rows updated at or after since.
	IncrementalBackup(ctx context.Context, since time.Time, compressed bool) (*Backup, error)

	// Restore loads a backup and reports how many rows were restored.
	Restore(ctx context.Context, b *Backup) (int, error)
}
