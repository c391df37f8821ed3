package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veridianops/assessd/internal/domain"
	"github.com/veridianops/assessd/internal/repository"
)

var _ repository.AuditRepository = (*pgAuditRepo)(nil)

type pgAuditRepo struct {
	pool *pgxpool.Pool
}

// NewAuditRepository creates a PostgreSQL-backed audit trail repository.
func NewAuditRepository(pool *pgxpool.Pool) *pgAuditRepo {
	return &pgAuditRepo{pool: pool}
}

func (r *pgAuditRepo) Append(ctx context.Context, event *domain.AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO audit_events (assessment_id, event_type, actor, ts, detail)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		event.AssessmentID, event.EventType, event.Actor, event.Timestamp, event.Detail,
	).Scan(&event.ID)
	if err != nil {
		return mapError("append audit event", err)
	}
	return nil
}

func (r *pgAuditRepo) List(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEvent, error) {
	where := []string{"TRUE"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.AssessmentID != "" {
		where = append(where, "assessment_id = "+arg(filter.AssessmentID))
	}
	if filter.Since != nil {
		where = append(where, "ts >= "+arg(*filter.Since))
	}
	if filter.Until != nil {
		where = append(where, "ts <= "+arg(*filter.Until))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, assessment_id, event_type, actor, ts, detail
		FROM audit_events WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY ts DESC, id DESC LIMIT ` + arg(limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError("list audit events", err)
	}
	defer rows.Close()

	var events []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		if err := rows.Scan(&e.ID, &e.AssessmentID, &e.EventType, &e.Actor, &e.Timestamp, &e.Detail); err != nil {
			return nil, mapError("scan audit event", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
