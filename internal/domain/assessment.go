package domain

import (
	"fmt"
	"time"
)

// AssessmentState represents the lifecycle state of an assessment.
type AssessmentState string

const (
	StatePending    AssessmentState = "pending"
	StateProcessing AssessmentState = "processing"
	StateCompleted  AssessmentState = "completed"
	StateFailed     AssessmentState = "failed"
	StateCancelled  AssessmentState = "cancelled"
)

// IsTerminal returns true if the state has no outgoing transitions other
// than the explicit failed -> pending retry edge.
func (s AssessmentState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// IsValid checks if the state is a known lifecycle state.
func (s AssessmentState) IsValid() bool {
	switch s {
	case StatePending, StateProcessing, StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// transitions is the full state graph. Any edge not listed here is rejected.
var transitions = map[AssessmentState][]AssessmentState{
	StatePending:    {StateProcessing, StateCancelled},
	StateProcessing: {StateCompleted, StateFailed, StateCancelled},
	StateFailed:     {StatePending}, // retry resets to pending
}

// CanTransition reports whether the edge s -> next exists in the state graph.
func (s AssessmentState) CanTransition(next AssessmentState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AssessmentType classifies what kind of evaluation an assessment requests.
type AssessmentType string

const (
	TypeCompliance    AssessmentType = "compliance"
	TypeVulnerability AssessmentType = "vulnerability"
	TypeConfiguration AssessmentType = "configuration"
	TypeBaseline      AssessmentType = "baseline"
)

// IsValid checks if the assessment type is supported.
func (t AssessmentType) IsValid() bool {
	switch t {
	case TypeCompliance, TypeVulnerability, TypeConfiguration, TypeBaseline:
		return true
	}
	return false
}

// AllowedOptionKeys is the allow-list for RequestData.Options. Keys outside
// this set (other than quarantined x-legacy-* keys carried over by
// migration) are rejected at validation time rather than passed through.
var AllowedOptionKeys = map[string]bool{
	"profile":         true,
	"region":          true,
	"timeout_seconds": true,
	"evidence_level":  true,
	"notify_email":    true,
	"ssh_port":        true,
}

// RequestData is the caller-supplied payload captured at creation time.
// It is immutable once the assessment is persisted. Credentials are
// encrypted at rest and never serialized into API responses.
type RequestData struct {
	ServerName     string            `json:"server_name"`
	AssessmentType AssessmentType    `json:"assessment_type"`
	ScheduledAt    string            `json:"scheduled_at,omitempty"`
	Options        map[string]string `json:"options,omitempty"`
	Credentials    string            `json:"-"`
}

// ResultData is populated only when an assessment completes.
type ResultData struct {
	ComplianceScore int      `json:"compliance_score"`
	Violations      int      `json:"violations"`
	Recommendations []string `json:"recommendations,omitempty"`
	Summary         string   `json:"summary,omitempty"`
}

// Assessment is the central entity tracked through its lifecycle.
type Assessment struct {
	AssessmentID string          `json:"assessment_id"`
	State        AssessmentState `json:"state"`
	Version      int             `json:"version"`
	Progress     int             `json:"progress"`
	Message      string          `json:"message,omitempty"`
	Priority     int             `json:"priority"`
	RequestData  RequestData     `json:"request_data"`
	ResultData   *ResultData     `json:"result_data,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	RetryCount   int             `json:"retry_count"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// ETag returns a weak validator derived from the record version, suitable
// for conditional GET.
func (a *Assessment) ETag() string {
	return fmt.Sprintf(`W/"v%d"`, a.Version)
}

// CheckIntegrity detects impossible field combinations in a stored record.
// A violation means the stored row was corrupted outside the state machine;
// callers must surface it rather than repair the record.
func (a *Assessment) CheckIntegrity() error {
	if !a.State.IsValid() {
		return fmt.Errorf("%w: unknown state %q", ErrDataCorruption, a.State)
	}
	if a.Version < 1 {
		return fmt.Errorf("%w: version %d below 1", ErrDataCorruption, a.Version)
	}
	if a.Progress < 0 || a.Progress > 100 {
		return fmt.Errorf("%w: progress %d outside [0,100]", ErrDataCorruption, a.Progress)
	}
	if a.State.IsTerminal() != (a.CompletedAt != nil) {
		return fmt.Errorf("%w: completed_at presence does not match state %q", ErrDataCorruption, a.State)
	}
	if a.ResultData != nil && a.State != StateCompleted {
		return fmt.Errorf("%w: result_data present in state %q", ErrDataCorruption, a.State)
	}
	if a.RetryCount < 0 {
		return fmt.Errorf("%w: negative retry_count %d", ErrDataCorruption, a.RetryCount)
	}
	return nil
}

// CreateRequest is an incoming assessment creation payload.
type CreateRequest struct {
	AssessmentID string      `json:"assessment_id,omitempty"`
	Priority     int         `json:"priority"`
	RequestData  RequestData `json:"request_data"`
	Credentials  string      `json:"credentials,omitempty"`
}

// BatchOutcome reports the per-item result of a batch operation.
type BatchOutcome struct {
	AssessmentID string `json:"assessment_id,omitempty"`
	OK           bool   `json:"ok"`
	Error        string `json:"error,omitempty"`
}

// ListFilter narrows a listing query.
type ListFilter struct {
	States        []AssessmentState
	ServerSearch  string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

// Page bounds a listing query. Limit == 0 means the server default.
type Page struct {
	Limit  int
	Offset int
}

// AssessmentPage is one page of results plus pagination metadata.
type AssessmentPage struct {
	Items  []*Assessment `json:"items"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// Stats aggregates assessment counts by state.
type Stats struct {
	Total       int                     `json:"total"`
	ByState     map[AssessmentState]int `json:"by_state"`
	SuccessRate float64                 `json:"success_rate"`
}

// Metrics summarizes processing behavior over the stored population.
type Metrics struct {
	Throughput        float64 `json:"throughput_per_hour"`
	AvgProcessingSecs float64 `json:"avg_processing_seconds"`
	ErrorRate         float64 `json:"error_rate"`
}

// LegacyRecord is an assessment row in the pre-migration schema. Fields are
// loosely typed because the legacy source did not validate them.
type LegacyRecord struct {
	ID             string            `json:"id"`
	ServerName     string            `json:"server_name"`
	AssessmentType string            `json:"assessment_type"`
	Priority       int               `json:"priority"`
	Progress       int               `json:"progress"`
	Message        string            `json:"message"`
	Options        map[string]string `json:"options"`
	CreatedAt      time.Time         `json:"created_at"`
}
