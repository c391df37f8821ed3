package postgres

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/veridianops/assessd/internal/domain"
	"github.com/veridianops/assessd/internal/repository"
)

// backupRow is the serialized on-wire form of one assessment. Credentials
// stay in their encrypted envelope so a backup never contains plaintext
// secrets.
type backupRow struct {
	AssessmentID   string                 `json:"assessment_id"`
	State          domain.AssessmentState `json:"state"`
	Version        int                    `json:"version"`
	Progress       int                    `json:"progress"`
	Message        string                 `json:"message"`
	Priority       int                    `json:"priority"`
	RequestData    json.RawMessage        `json:"request_data"`
	CredentialsEnc string                 `json:"credentials_enc"`
	ResultData     json.RawMessage        `json:"result_data,omitempty"`
	ErrorMessage   string                 `json:"error_message"`
	RetryCount     int                    `json:"retry_count"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

func (r *pgAssessmentRepo) Backup(ctx context.Context, compressed bool) (*repository.Backup, error) {
	return r.export(ctx, nil, compressed)
}

func (r *pgAssessmentRepo) IncrementalBackup(ctx context.Context, since time.Time, compressed bool) (*repository.Backup, error) {
	return r.export(ctx, &since, compressed)
}

func (r *pgAssessmentRepo) export(ctx context.Context, since *time.Time, compressed bool) (*repository.Backup, error) {
	query := `SELECT ` + assessmentColumns + ` FROM assessments`
	args := []any{}
	if since != nil {
		query += ` WHERE updated_at >= $1`
		args = append(args, *since)
	}
	query += ` ORDER BY assessment_id`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError("backup query", err)
	}
	defer rows.Close()

	var exported []backupRow
	for rows.Next() {
		var row backupRow
		err := rows.Scan(
			&row.AssessmentID, &row.State, &row.Version, &row.Progress, &row.Message, &row.Priority,
			&row.RequestData, &row.CredentialsEnc, &row.ResultData, &row.ErrorMessage, &row.RetryCount,
			&row.CreatedAt, &row.UpdatedAt, &row.CompletedAt,
		)
		if err != nil {
			return nil, mapError("backup scan", err)
		}
		exported = append(exported, row)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("backup query", err)
	}

	data, err := json.Marshal(exported)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal backup: %w", err)
	}
	if compressed {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(data); err != nil {
			return nil, fmt.Errorf("postgres: compress backup: %w", err)
		}
		if err := gz.Close(); err != nil {
			return nil, fmt.Errorf("postgres: compress backup: %w", err)
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

// Restore upserts every row in the backup inside one transaction and
// reports the number of rows restored.
func (r *pgAssessmentRepo) Restore(ctx context.Context, b *repository.Backup) (int, error) {
	data := b.Data
	if b.Compressed {
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return 0, fmt.Errorf("postgres: decompress backup: %w", err)
		}
		data, err = io.ReadAll(gz)
		if err != nil {
			return 0, fmt.Errorf("postgres: decompress backup: %w", err)
		}
		if err := gz.Close(); err != nil {
			return 0, fmt.Errorf("postgres: decompress backup: %w", err)
		}
	}

	var restored []backupRow
	if err := json.Unmarshal(data, &restored); err != nil {
		return 0, fmt.Errorf("%w: backup payload: %v", domain.ErrValidation, err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, mapError("begin restore", err)
	}
	defer tx.Rollback(ctx)

	count := 0
	for _, row := range restored {
		_, err := tx.Exec(ctx, `
			INSERT INTO assessments (assessment_id, state, version, progress, message, priority,
				request_data, credentials_enc, result_data, error_message, retry_count,
				created_at, updated_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (assessment_id) DO UPDATE SET
				state = EXCLUDED.state, version = EXCLUDED.version,
				progress = EXCLUDED.progress, message = EXCLUDED.message,
				priority = EXCLUDED.priority, request_data = EXCLUDED.request_data,
				credentials_enc = EXCLUDED.credentials_enc, result_data = EXCLUDED.result_data,
				error_message = EXCLUDED.error_message, retry_count = EXCLUDED.retry_count,
				created_at = EXCLUDED.created_at, updated_at = EXCLUDED.updated_at,
				completed_at = EXCLUDED.completed_at`,
			row.AssessmentID, row.State, row.Version, row.Progress, row.Message, row.Priority,
			row.RequestData, row.CredentialsEnc, row.ResultData, row.ErrorMessage, row.RetryCount,
			row.CreatedAt, row.UpdatedAt, row.CompletedAt,
		)
		if err != nil {
			return 0, mapError("restore row", err)
		}
		count++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, mapError("commit restore", err)
	}
	return count, nil
}
