// Package evaluator defines the boundary to the external compliance
// evaluation service. The Processor only sees this interface, so test
// doubles substitute without touching orchestration logic.
package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/veridianops/assessd/internal/domain"
)

var (
	// ErrUnavailable marks a transient evaluator failure (timeout, network
	// error, 5xx). Worth retrying with backoff.
	ErrUnavailable = errors.New("evaluator unavailable")

	// ErrRejected marks a permanent evaluator failure (the service
	// answered and said no). Retrying will not help.
	ErrRejected = errors.New("evaluator rejected the request")
)

// IsTransient reports whether an evaluator error is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Request carries what the evaluator needs to score one assessment.
type Request struct {
	AssessmentID   string                `json:"assessment_id"`
	ServerName     string                `json:"server_name"`
	AssessmentType domain.AssessmentType `json:"assessment_type"`
	Options        map[string]string     `json:"options,omitempty"`
	Credentials    string                `json:"credentials,omitempty"`
}

// Result is the substantive outcome produced by the evaluator.
type Result struct {
	ComplianceScore int      `json:"compliance_score"`
	Violations      int      `json:"violations"`
	Recommendations []string `json:"recommendations,omitempty"`
	Summary         string   `json:"summary,omitempty"`
}

// Evaluator is the external compliance evaluation service.
type Evaluator interface {
	Evaluate(ctx context.Context, req *Request) (*Result, error)
}

type httpEvaluator struct {
	baseURL string
	client  *http.Client
}

// NewHTTPEvaluator creates an evaluator client against a remote service.
func NewHTTPEvaluator(baseURL string, timeout time.Duration) Evaluator {
	return &httpEvaluator{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (e *httpEvaluator) Evaluate(ctx context.Context, req *Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("evaluator: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("evaluator: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: timeout: %v", ErrUnavailable, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		result := &Result{}
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return nil, fmt.Errorf("evaluator: decode response: %w", err)
		}
		return result, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}
}
