package domain

import (
	"errors"
	"testing"
	"time"
)

func TestStateTransitions(t *testing.T) {
	cases := []struct {
		from, to AssessmentState
		allowed  bool
	}{
		{StatePending, StateProcessing, true},
		{StatePending, StateCancelled, true},
		{StatePending, StateCompleted, false},
		{StatePending, StateFailed, false},
		{StateProcessing, StateCompleted, true},
		{StateProcessing, StateFailed, true},
		{StateProcessing, StateCancelled, true},
		{StateProcessing, StatePending, false},
		{StateFailed, StatePending, true},
		{StateFailed, StateProcessing, false},
		{StateCompleted, StateProcessing, false},
		{StateCompleted, StatePending, false},
		{StateCancelled, StatePending, false},
		{StateCancelled, StateProcessing, false},
	}

	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.allowed {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.allowed)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []AssessmentState{StateCompleted, StateFailed, StateCancelled} {
		if !s.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []AssessmentState{StatePending, StateProcessing} {
		if s.IsTerminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestCheckIntegrity(t *testing.T) {
	now := time.Now().UTC()

	valid := Assessment{
		AssessmentID: "a-1",
		State:        StateProcessing,
		Version:      3,
		Progress:     40,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := valid.CheckIntegrity(); err != nil {
		t.Fatalf("unexpected integrity error: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(a *Assessment)
	}{
		{"unknown state", func(a *Assessment) { a.State = "exploded" }},
		{"zero version", func(a *Assessment) { a.Version = 0 }},
		{"progress over 100", func(a *Assessment) { a.Progress = 150 }},
		{"negative progress", func(a *Assessment) { a.Progress = -1 }},
		{"terminal without completed_at", func(a *Assessment) { a.State = StateCompleted }},
		{"completed_at on active state", func(a *Assessment) { a.CompletedAt = &now }},
		{"result_data on non-completed", func(a *Assessment) { a.ResultData = &ResultData{} }},
		{"negative retry_count", func(a *Assessment) { a.RetryCount = -2 }},
	}

	for _, tc := range cases {
		a := valid
		tc.mutate(&a)
		err := a.CheckIntegrity()
		if !errors.Is(err, ErrDataCorruption) {
			t.Errorf("%s: expected ErrDataCorruption, got %v", tc.name, err)
		}
	}
}

func TestETag(t *testing.T) {
	a := Assessment{Version: 7}
	if got := a.ETag(); got != `W/"v7"` {
		t.Errorf("unexpected etag %q", got)
	}
}

func TestAssessmentTypeIsValid(t *testing.T) {
	for _, typ := range []AssessmentType{TypeCompliance, TypeVulnerability, TypeConfiguration, TypeBaseline} {
		if !typ.IsValid() {
			t.Errorf("expected %s to be valid", typ)
		}
	}
	if AssessmentType("penetration").IsValid() {
		t.Error("unexpected valid type")
	}
}
