package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/veridianops/assessd/internal/domain"
)

func legacyFixture() *domain.LegacyRecord {
	return &domain.LegacyRecord{
		ID:             "legacy-001",
		ServerName:     "mainframe-a",
		AssessmentType: "compliance",
		Priority:       5,
		Options:        map[string]string{"profile": "cis-level-1"},
		CreatedAt:      time.Date(2019, 3, 14, 8, 0, 0, 0, time.UTC),
	}
}

func sourceFor(records ...*domain.LegacyRecord) LegacySource {
	byID := make(map[string]*domain.LegacyRecord, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}
	return LegacySourceFunc(func(ctx context.Context, id string) (*domain.LegacyRecord, error) {
		if r, ok := byID[id]; ok {
			return r, nil
		}
		return nil, domain.ErrNotFound
	})
}

func TestMigrateLegacy_CleanRecord(t *testing.T) {
	record := legacyFixture()
	s, repo, _ := newTestStore(WithLegacySource(sourceFor(record)))

	a, err := s.MigrateLegacyAssessment(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if a.State != domain.StatePending || a.Version != 1 || a.Progress != 0 {
		t.Errorf("migrated record not reset to pending/v1: %+v", a)
	}
	if a.RequestData.ServerName != "mainframe-a" {
		t.Errorf("server name changed: %q", a.RequestData.ServerName)
	}
	if !a.CreatedAt.Equal(record.CreatedAt) {
		t.Errorf("original created_at not preserved: %v", a.CreatedAt)
	}

	events := repo.Events()
	if len(events) != 1 || events[0].EventType != domain.AuditMigrated {
		t.Fatalf("expected migrated audit event, got %+v", events)
	}
	var detail struct {
		Corrections []string `json:"corrections"`
	}
	if err := json.Unmarshal([]byte(events[0].Detail), &detail); err != nil {
		t.Fatalf("parse audit detail: %v", err)
	}
	if len(detail.Corrections) != 0 {
		t.Errorf("clean record should need no corrections, got %v", detail.Corrections)
	}
}

func TestMigrateLegacy_StructuralDefectsCorrected(t *testing.T) {
	record := &domain.LegacyRecord{
		ID:         "legacy-dirty",
		ServerName: "   ",
		Priority:   -7,
	}
	s, repo, _ := newTestStore(WithLegacySource(sourceFor(record)))

	a, err := s.MigrateLegacyAssessment(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if a.RequestData.ServerName != "legacy-legacy-dirty" {
		t.Errorf("expected placeholder server name, got %q", a.RequestData.ServerName)
	}
	if a.Priority != 0 {
		t.Errorf("expected priority clamped to 0, got %d", a.Priority)
	}
	if a.RequestData.AssessmentType != domain.TypeCompliance {
		t.Errorf("expected missing type defaulted, got %q", a.RequestData.AssessmentType)
	}
	if a.CreatedAt.IsZero() {
		t.Error("expected missing created_at defaulted")
	}

	events := repo.Events()
	if len(events) != 1 {
		t.Fatalf("expected one audit event, got %d", len(events))
	}
	for _, want := range []string{"server_name", "priority", "assessment_type", "created_at"} {
		if !strings.Contains(events[0].Detail, want) {
			t.Errorf("audit detail missing correction for %s: %s", want, events[0].Detail)
		}
	}
}

func TestMigrateLegacy_SemanticValuesPreserved(t *testing.T) {
	record := legacyFixture()
	record.AssessmentType = "mainframe-audit" // unrecognized but present
	record.Options = map[string]string{
		"profile":     "cis-level-1",
		"scan_window": "02:00-04:00",
	}
	s, _, _ := newTestStore(WithLegacySource(sourceFor(record)))

	a, err := s.MigrateLegacyAssessment(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if string(a.RequestData.AssessmentType) != "mainframe-audit" {
		t.Errorf("unknown type not preserved verbatim: %q", a.RequestData.AssessmentType)
	}
	if a.RequestData.Options["profile"] != "cis-level-1" {
		t.Errorf("allowed option lost: %+v", a.RequestData.Options)
	}
	if a.RequestData.Options["x-legacy-scan_window"] != "02:00-04:00" {
		t.Errorf("unknown option not quarantined: %+v", a.RequestData.Options)
	}
	if _, leaked := a.RequestData.Options["scan_window"]; leaked {
		t.Error("unknown option kept under original key")
	}
}

func TestMigrateLegacy_Collision(t *testing.T) {
	record := legacyFixture()
	s, _, _ := newTestStore(WithLegacySource(sourceFor(record)))

	req := validRequest()
	req.AssessmentID = record.ID
	if _, err := s.CreateAssessment(context.Background(), req); err != nil {
		t.Fatalf("seed existing record: %v", err)
	}

	_, err := s.MigrateLegacyAssessment(context.Background(), record.ID)
	if !errors.Is(err, domain.ErrMigrationCollision) {
		t.Fatalf("expected ErrMigrationCollision, got %v", err)
	}
}

func TestMigrateLegacy_SourceMiss(t *testing.T) {
	s, _, _ := newTestStore(WithLegacySource(sourceFor()))
	_, err := s.MigrateLegacyAssessment(context.Background(), "ghost")
	if err == nil {
		t.Fatal("expected error for missing legacy record")
	}
}

func TestMigrateLegacy_NoSourceConfigured(t *testing.T) {
	s, _, _ := newTestStore()
	_, err := s.MigrateLegacyAssessment(context.Background(), "legacy-001")
	if err == nil {
		t.Fatal("expected error when no legacy source is configured")
	}
}
