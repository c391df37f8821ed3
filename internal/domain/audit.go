package domain

import "time"

// AuditEventType classifies a state-affecting operation.
type AuditEventType string

const (
	AuditCreated    AuditEventType = "created"
	AuditUpdated    AuditEventType = "updated"
	AuditProcessing AuditEventType = "processing"
	AuditCompleted  AuditEventType = "completed"
	AuditFailed     AuditEventType = "failed"
	AuditCancelled  AuditEventType = "cancelled"
	AuditRetried    AuditEventType = "retried"
	AuditMigrated   AuditEventType = "migrated"
	AuditRejected   AuditEventType = "rejected"
)

// AuditEvent is an append-only record of a state-affecting operation.
// Events are never updated or deleted once written.
type AuditEvent struct {
	ID           int64          `json:"id"`
	AssessmentID string         `json:"assessment_id"`
	EventType    AuditEventType `json:"event_type"`
	Actor        string         `json:"actor"`
	Timestamp    time.Time      `json:"timestamp"`
	Detail       string         `json:"detail,omitempty"`
}

// AuditFilter narrows an audit trail query.
type AuditFilter struct {
	AssessmentID string
	Since        *time.Time
	Until        *time.Time
	Limit        int
}
