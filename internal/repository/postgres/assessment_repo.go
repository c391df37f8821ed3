package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veridianops/assessd/internal/crypto"
	"github.com/veridianops/assessd/internal/domain"
	"github.com/veridianops/assessd/internal/repository"
)

// Ensure pgAssessmentRepo implements the persistence interfaces.
var (
	_ repository.AssessmentRepository = (*pgAssessmentRepo)(nil)
	_ repository.BackupStore          = (*pgAssessmentRepo)(nil)
)

const assessmentColumns = `assessment_id, state, version, progress, message, priority,
	request_data, credentials_enc, result_data, error_message, retry_count,
	created_at, updated_at, completed_at`

type pgAssessmentRepo struct {
	pool   *pgxpool.Pool
	cipher *crypto.FieldCipher
}

// NewAssessmentRepository creates a PostgreSQL-backed assessment repository.
// cipher may be nil to disable credentials-at-rest encryption.
func NewAssessmentRepository(pool *pgxpool.Pool, cipher *crypto.FieldCipher) *pgAssessmentRepo {
	return &pgAssessmentRepo{pool: pool, cipher: cipher}
}

func (r *pgAssessmentRepo) sealCredentials(plain string) (string, error) {
	if r.cipher == nil {
		return plain, nil
	}
	return r.cipher.Encrypt(plain)
}

func (r *pgAssessmentRepo) openCredentials(stored string) (string, error) {
	if r.cipher == nil {
		return stored, nil
	}
	return r.cipher.Decrypt(stored)
}

func (r *pgAssessmentRepo) Create(ctx context.Context, a *domain.Assessment, event *domain.AuditEvent) error {
	reqJSON, err := json.Marshal(a.RequestData)
	if err != nil {
		return fmt.Errorf("postgres: marshal request_data: %w", err)
	}
	creds, err := r.sealCredentials(a.RequestData.Credentials)
	if err != nil {
		return fmt.Errorf("postgres: encrypt credentials: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return mapError("begin create", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO assessments (assessment_id, state, version, progress, message, priority,
			request_data, credentials_enc, error_message, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.AssessmentID, a.State, a.Version, a.Progress, a.Message, a.Priority,
		reqJSON, creds, a.ErrorMessage, a.RetryCount, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return mapError("create assessment", err)
	}

	if err := insertAuditTx(ctx, tx, event); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError("commit create", err)
	}
	return nil
}

func (r *pgAssessmentRepo) GetByID(ctx context.Context, id string) (*domain.Assessment, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+assessmentColumns+` FROM assessments WHERE assessment_id = $1`, id)
	return r.scanAssessment(row)
}

func (r *pgAssessmentRepo) UpdateWithVersion(ctx context.Context, id string, expectedVersion int, mut repository.Mutation, event *domain.AuditEvent) (*domain.Assessment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, mapError("begin update", err)
	}
	defer tx.Rollback(ctx)

	set := []string{"version = version + 1", "updated_at = $3"}
	args := []any{id, expectedVersion, time.Now().UTC()}
	add := func(expr string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf(expr, len(args)))
	}
	if mut.State != nil {
		add("state = $%d", *mut.State)
	}
	if mut.Progress != nil {
		add("progress = $%d", *mut.Progress)
	}
	if mut.Message != nil {
		add("message = $%d", *mut.Message)
	}
	if mut.ResultData != nil {
		resJSON, err := json.Marshal(mut.ResultData)
		if err != nil {
			return nil, fmt.Errorf("postgres: marshal result_data: %w", err)
		}
		add("result_data = $%d", resJSON)
	}
	if mut.ErrorMessage != nil {
		add("error_message = $%d", *mut.ErrorMessage)
	}
	if mut.RetryCount != nil {
		add("retry_count = $%d", *mut.RetryCount)
	}
	if mut.CompletedAt != nil {
		add("completed_at = $%d", *mut.CompletedAt)
	} else if mut.ClearCompletedAt {
		set = append(set, "completed_at = NULL")
	}

	query := `UPDATE assessments SET ` + strings.Join(set, ", ") +
		` WHERE assessment_id = $1 AND version = $2 RETURNING ` + assessmentColumns

	row := tx.QueryRow(ctx, query, args...)
	updated, err := r.scanAssessment(row)
	if err != nil {
		if err == domain.ErrNotFound {
			// Distinguish a stale version from a missing record.
			var exists bool
			if checkErr := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM assessments WHERE assessment_id = $1)`, id,
			).Scan(&exists); checkErr != nil {
				return nil, mapError("version check", checkErr)
			}
			if exists {
				return nil, domain.ErrVersionConflict
			}
			return nil, domain.ErrNotFound
		}
		return nil, mapError("update assessment", err)
	}

	if err := insertAuditTx(ctx, tx, event); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapError("commit update", err)
	}
	return updated, nil
}

func (r *pgAssessmentRepo) List(ctx context.Context, filter domain.ListFilter, page domain.Page) (*domain.AssessmentPage, error) {
	where := []string{"TRUE"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, s := range filter.States {
			states[i] = string(s)
		}
		where = append(where, "state = ANY("+arg(states)+")")
	}
	if filter.ServerSearch != "" {
		where = append(where, "request_data->>'server_name' ILIKE "+arg("%"+filter.ServerSearch+"%"))
	}
	if filter.CreatedAfter != nil {
		where = append(where, "created_at >= "+arg(*filter.CreatedAfter))
	}
	if filter.CreatedBefore != nil {
		where = append(where, "created_at <= "+arg(*filter.CreatedBefore))
	}

	if page.Limit <= 0 {
		page.Limit = 20
	}
	if page.Offset < 0 {
		page.Offset = 0
	}

	query := `SELECT ` + assessmentColumns + `, COUNT(*) OVER() AS total
		FROM assessments WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_at DESC, assessment_id
		LIMIT ` + arg(page.Limit) + ` OFFSET ` + arg(page.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError("list assessments", err)
	}
	defer rows.Close()

	result := &domain.AssessmentPage{
		Items:  []*domain.Assessment{},
		Limit:  page.Limit,
		Offset: page.Offset,
	}
	for rows.Next() {
		a, total, err := r.scanAssessmentWithTotal(rows)
		if err != nil {
			return nil, mapError("scan assessment", err)
		}
		result.Total = total
		result.Items = append(result.Items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list assessments", err)
	}

	// An empty page still needs the total for pagination metadata.
	if len(result.Items) == 0 {
		countQuery := `SELECT COUNT(*) FROM assessments WHERE ` + strings.Join(where, " AND ")
		if err := r.pool.QueryRow(ctx, countQuery, args[:len(args)-2]...).Scan(&result.Total); err != nil {
			return nil, mapError("count assessments", err)
		}
	}
	return result, nil
}

func (r *pgAssessmentRepo) ListIDsByState(ctx context.Context, state domain.AssessmentState) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT assessment_id FROM assessments WHERE state = $1 ORDER BY created_at`, state)
	if err != nil {
		return nil, mapError("list ids by state", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapError("scan id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *pgAssessmentRepo) CountByState(ctx context.Context) (map[domain.AssessmentState]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT state, COUNT(*) FROM assessments GROUP BY state`)
	if err != nil {
		return nil, mapError("count by state", err)
	}
	defer rows.Close()

	counts := make(map[domain.AssessmentState]int)
	for rows.Next() {
		var state domain.AssessmentState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, mapError("scan count", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

func (r *pgAssessmentRepo) MetricsAggregate(ctx context.Context) (*repository.MetricsAggregate, error) {
	agg := &repository.MetricsAggregate{}
	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE state = 'completed'),
			COUNT(*) FILTER (WHERE state = 'failed'),
			COUNT(*) FILTER (WHERE state = 'cancelled'),
			COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - created_at))) FILTER (WHERE state = 'completed'), 0),
			MIN(completed_at),
			MAX(completed_at)
		FROM assessments`,
	).Scan(&agg.Completed, &agg.Failed, &agg.Cancelled,
		&agg.AvgProcessingSecs, &agg.FirstCompletedAt, &agg.LastCompletedAt)
	if err != nil {
		return nil, mapError("metrics aggregate", err)
	}
	return agg, nil
}

func (r *pgAssessmentRepo) scanAssessment(row pgx.Row) (*domain.Assessment, error) {
	a := &domain.Assessment{}
	var reqJSON []byte
	var resJSON []byte
	var creds string
	err := row.Scan(
		&a.AssessmentID, &a.State, &a.Version, &a.Progress, &a.Message, &a.Priority,
		&reqJSON, &creds, &resJSON, &a.ErrorMessage, &a.RetryCount,
		&a.CreatedAt, &a.UpdatedAt, &a.CompletedAt,
	)
	if err != nil {
		return nil, mapError("get assessment", err)
	}
	return r.finishScan(a, reqJSON, resJSON, creds)
}

func (r *pgAssessmentRepo) scanAssessmentWithTotal(rows pgx.Rows) (*domain.Assessment, int, error) {
	a := &domain.Assessment{}
	var reqJSON []byte
	var resJSON []byte
	var creds string
	var total int
	err := rows.Scan(
		&a.AssessmentID, &a.State, &a.Version, &a.Progress, &a.Message, &a.Priority,
		&reqJSON, &creds, &resJSON, &a.ErrorMessage, &a.RetryCount,
		&a.CreatedAt, &a.UpdatedAt, &a.CompletedAt, &total,
	)
	if err != nil {
		return nil, 0, err
	}
	out, err := r.finishScan(a, reqJSON, resJSON, creds)
	return out, total, err
}

func (r *pgAssessmentRepo) finishScan(a *domain.Assessment, reqJSON, resJSON []byte, creds string) (*domain.Assessment, error) {
	if err := json.Unmarshal(reqJSON, &a.RequestData); err != nil {
		return nil, fmt.Errorf("%w: request_data: %v", domain.ErrDataCorruption, err)
	}
	if len(resJSON) > 0 {
		a.ResultData = &domain.ResultData{}
		if err := json.Unmarshal(resJSON, a.ResultData); err != nil {
			return nil, fmt.Errorf("%w: result_data: %v", domain.ErrDataCorruption, err)
		}
	}
	plain, err := r.openCredentials(creds)
	if err != nil {
		return nil, fmt.Errorf("%w: credentials: %v", domain.ErrDataCorruption, err)
	}
	a.RequestData.Credentials = plain
	return a, nil
}

func insertAuditTx(ctx context.Context, tx pgx.Tx, event *domain.AuditEvent) error {
	if event == nil {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO audit_events (assessment_id, event_type, actor, ts, detail)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		event.AssessmentID, event.EventType, event.Actor, event.Timestamp, event.Detail,
	).Scan(&event.ID)
	if err != nil {
		return mapError("append audit event", err)
	}
	return nil
}
