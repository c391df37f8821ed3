package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/veridianops/assessd/internal/cache"
	"github.com/veridianops/assessd/internal/domain"
	mockevents "github.com/veridianops/assessd/internal/events/mock"
	"github.com/veridianops/assessd/internal/repository"
	mockrepo "github.com/veridianops/assessd/internal/repository/mock"
)

func newTestStore(opts ...Option) (*Store, *mockrepo.MockAssessmentRepository, *mockevents.MockPublisher) {
	repo := mockrepo.NewMockAssessmentRepository()
	audit := mockrepo.NewMockAuditRepository()
	pub := mockevents.NewMockPublisher()
	s := New(repo, audit, pub, cache.NewMemoryCache(time.Minute), zap.NewNop(), opts...)
	return s, repo, pub
}

func validRequest() *domain.CreateRequest {
	return &domain.CreateRequest{
		Priority: 10,
		RequestData: domain.RequestData{
			ServerName:     "srv-1",
			AssessmentType: domain.TypeCompliance,
		},
	}
}

func mustCreate(t *testing.T, s *Store) *domain.Assessment {
	t.Helper()
	a, err := s.CreateAssessment(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("create assessment: %v", err)
	}
	return a
}

func mustProcess(t *testing.T, s *Store, id string) *domain.Assessment {
	t.Helper()
	a, err := s.StartProcessing(context.Background(), id)
	if err != nil {
		t.Fatalf("start processing: %v", err)
	}
	return a
}

func TestCreateAssessment(t *testing.T) {
	s, repo, pub := newTestStore()

	a := mustCreate(t, s)
	if a.State != domain.StatePending {
		t.Errorf("expected pending, got %s", a.State)
	}
	if a.Version != 1 {
		t.Errorf("expected version 1, got %d", a.Version)
	}
	if a.Progress != 0 {
		t.Errorf("expected progress 0, got %d", a.Progress)
	}
	if a.Priority != 10 {
		t.Errorf("expected priority 10, got %d", a.Priority)
	}
	if a.AssessmentID == "" {
		t.Error("expected generated assessment id")
	}

	events := repo.Events()
	if len(events) != 1 || events[0].EventType != domain.AuditCreated {
		t.Errorf("expected one created audit event, got %+v", events)
	}
	if published := pub.Published(); len(published) != 1 || published[0].State != domain.StatePending {
		t.Errorf("expected one pending lifecycle event, got %+v", published)
	}
}

func TestCreateAssessment_PriorityUnbounded(t *testing.T) {
	s, _, _ := newTestStore()

	req := validRequest()
	req.Priority = 2_000_000
	a, err := s.CreateAssessment(context.Background(), req)
	if err != nil {
		t.Fatalf("large priority must be accepted: %v", err)
	}
	if a.Priority != 2_000_000 {
		t.Errorf("priority not preserved: %d", a.Priority)
	}
}

func TestCreateAssessment_DuplicateID(t *testing.T) {
	s, _, _ := newTestStore()

	req := validRequest()
	req.AssessmentID = "asm-dup"
	first, err := s.CreateAssessment(context.Background(), req)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}

	_, err = s.CreateAssessment(context.Background(), req)
	if !errors.Is(err, domain.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}

	// First record unaffected
	got, err := s.GetFresh(context.Background(), "asm-dup")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != first.Version || got.State != domain.StatePending {
		t.Errorf("first record mutated by duplicate attempt: %+v", got)
	}
}

func TestCreateAssessment_Validation(t *testing.T) {
	s, repo, _ := newTestStore()

	cases := []struct {
		name   string
		mutate func(req *domain.CreateRequest)
		want   error
	}{
		{"empty server name", func(r *domain.CreateRequest) { r.RequestData.ServerName = "  " }, domain.ErrValidation},
		{"unknown type", func(r *domain.CreateRequest) { r.RequestData.AssessmentType = "astrology" }, domain.ErrValidation},
		{"bad timestamp", func(r *domain.CreateRequest) { r.RequestData.ScheduledAt = "yesterday" }, domain.ErrValidation},
		{"negative priority", func(r *domain.CreateRequest) { r.Priority = -1 }, domain.ErrValidation},
		{"unknown option key", func(r *domain.CreateRequest) { r.RequestData.Options = map[string]string{"rm_rf": "yes"} }, domain.ErrValidation},
		{"bad id charset", func(r *domain.CreateRequest) { r.AssessmentID = "id with spaces" }, domain.ErrValidation},
		{"injection in server name", func(r *domain.CreateRequest) { r.RequestData.ServerName = "srv'; DROP TABLE assessments; --" }, domain.ErrSecurityViolation},
	}

	for _, tc := range cases {
		req := validRequest()
		tc.mutate(req)
		_, err := s.CreateAssessment(context.Background(), req)
		if !errors.Is(err, tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	if got := len(repo.GetAll()); got != 0 {
		t.Errorf("expected nothing persisted, found %d records", got)
	}
}

func TestBatchCreate_PartialSuccess(t *testing.T) {
	s, repo, _ := newTestStore()

	reqs := make([]*domain.CreateRequest, 5)
	for i := range reqs {
		reqs[i] = validRequest()
	}
	reqs[2].RequestData.ServerName = "" // malformed

	outcomes := s.BatchCreateAssessments(context.Background(), reqs)
	if len(outcomes) != 5 {
		t.Fatalf("expected 5 outcomes, got %d", len(outcomes))
	}

	okCount := 0
	for i, out := range outcomes {
		if out.OK {
			okCount++
		} else if i != 2 {
			t.Errorf("unexpected failure at index %d: %s", i, out.Error)
		}
	}
	if okCount != 4 {
		t.Errorf("expected 4 successes, got %d", okCount)
	}
	if outcomes[2].OK || outcomes[2].Error == "" {
		t.Errorf("expected index 2 to report a validation error, got %+v", outcomes[2])
	}
	if got := len(repo.GetAll()); got != 4 {
		t.Errorf("expected 4 persisted records, got %d", got)
	}
}

func TestVersionIncrementsPerMutation(t *testing.T) {
	s, _, _ := newTestStore()
	ctx := context.Background()

	a := mustCreate(t, s)
	mustProcess(t, s, a.AssessmentID)

	for i, progress := range []int{25, 50, 75} {
		updated, err := s.UpdateProgress(ctx, a.AssessmentID, progress, "working")
		if err != nil {
			t.Fatalf("update progress: %v", err)
		}
		if want := 2 + i + 1; updated.Version != want {
			t.Errorf("expected version %d after mutation, got %d", want, updated.Version)
		}
	}

	final, err := s.CompleteAssessment(ctx, a.AssessmentID, &domain.ResultData{ComplianceScore: 90})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	// version = 1 + N mutations (start, 3 progress updates, complete)
	if final.Version != 6 {
		t.Errorf("expected version 6, got %d", final.Version)
	}
}

func TestUpdateProgress_OutOfRangeRejectedBeforeIO(t *testing.T) {
	s, _, _ := newTestStore()
	ctx := context.Background()

	a := mustCreate(t, s)
	mustProcess(t, s, a.AssessmentID)

	_, err := s.UpdateProgress(ctx, a.AssessmentID, 150, "x")
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	got, _ := s.GetFresh(ctx, a.AssessmentID)
	if got.Progress != 0 {
		t.Errorf("stored progress changed to %d", got.Progress)
	}
}

func TestUpdateProgress_RequiresProcessing(t *testing.T) {
	s, _, _ := newTestStore()

	a := mustCreate(t, s)
	_, err := s.UpdateProgress(context.Background(), a.AssessmentID, 10, "x")
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCompleteSetsResultAndCompletedAt(t *testing.T) {
	s, _, _ := newTestStore()
	ctx := context.Background()

	a := mustCreate(t, s)
	mustProcess(t, s, a.AssessmentID)

	final, err := s.CompleteAssessment(ctx, a.AssessmentID, &domain.ResultData{ComplianceScore: 85, Violations: 3})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if final.State != domain.StateCompleted {
		t.Errorf("expected completed, got %s", final.State)
	}
	if final.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
	if final.ResultData == nil || final.ResultData.ComplianceScore != 85 {
		t.Errorf("expected result data, got %+v", final.ResultData)
	}
	if final.Progress != 100 {
		t.Errorf("expected progress 100, got %d", final.Progress)
	}
}

func TestCompleteTwice_SecondRejected(t *testing.T) {
	s, _, _ := newTestStore()
	ctx := context.Background()

	a := mustCreate(t, s)
	mustProcess(t, s, a.AssessmentID)

	first, err := s.CompleteAssessment(ctx, a.AssessmentID, &domain.ResultData{ComplianceScore: 85})
	if err != nil {
		t.Fatalf("first complete: %v", err)
	}

	_, err = s.CompleteAssessment(ctx, a.AssessmentID, &domain.ResultData{ComplianceScore: 10})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	got, _ := s.GetFresh(ctx, a.AssessmentID)
	if got.Version != first.Version || got.ResultData.ComplianceScore != 85 {
		t.Errorf("first completion result disturbed: %+v", got)
	}
}

func TestCompletedCannotReenterProcessing(t *testing.T) {
	s, _, _ := newTestStore()
	ctx := context.Background()

	a := mustCreate(t, s)
	mustProcess(t, s, a.AssessmentID)
	done, err := s.CompleteAssessment(ctx, a.AssessmentID, &domain.ResultData{ComplianceScore: 85})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	_, err = s.StartProcessing(ctx, a.AssessmentID)
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	got, _ := s.GetFresh(ctx, a.AssessmentID)
	if got.State != domain.StateCompleted || got.Version != done.Version {
		t.Errorf("record changed by rejected transition: state=%s version=%d", got.State, got.Version)
	}
}

func TestFailThenRetry(t *testing.T) {
	s, _, _ := newTestStore()
	ctx := context.Background()

	a := mustCreate(t, s)
	mustProcess(t, s, a.AssessmentID)

	failed, err := s.FailAssessment(ctx, a.AssessmentID, "boom")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.ErrorMessage != "boom" || failed.CompletedAt == nil {
		t.Errorf("unexpected failed record: %+v", failed)
	}

	retried, err := s.RetryFailedAssessments(ctx)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(retried) != 1 || retried[0] != a.AssessmentID {
		t.Fatalf("expected [%s], got %v", a.AssessmentID, retried)
	}

	got, _ := s.GetFresh(ctx, a.AssessmentID)
	if got.State != domain.StatePending {
		t.Errorf("expected pending, got %s", got.State)
	}
	if got.RetryCount != 1 {
		t.Errorf("expected retry_count 1, got %d", got.RetryCount)
	}
	if got.CompletedAt != nil {
		t.Error("expected completed_at cleared on retry")
	}
	if got.ErrorMessage != "" {
		t.Errorf("expected error message cleared, got %q", got.ErrorMessage)
	}
}

func TestCancelPendingAndProcessing(t *testing.T) {
	s, _, _ := newTestStore()
	ctx := context.Background()

	pending := mustCreate(t, s)
	cancelled, err := s.CancelAssessment(ctx, pending.AssessmentID, "operator abort")
	if err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	if cancelled.State != domain.StateCancelled || cancelled.ErrorMessage != "operator abort" {
		t.Errorf("unexpected cancelled record: %+v", cancelled)
	}
	if cancelled.CompletedAt == nil {
		t.Error("expected completed_at on cancellation")
	}

	inflight := mustCreate(t, s)
	mustProcess(t, s, inflight.AssessmentID)
	if _, err := s.CancelAssessment(ctx, inflight.AssessmentID, ""); err != nil {
		t.Fatalf("cancel processing: %v", err)
	}

	// Terminal cancel cannot be cancelled again
	if _, err := s.CancelAssessment(ctx, inflight.AssessmentID, ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestConcurrentProgress_ExactlyOneWins(t *testing.T) {
	s, repo, _ := newTestStore()
	ctx := context.Background()

	a := mustCreate(t, s)
	mustProcess(t, s, a.AssessmentID)
	stale, _ := repo.GetByID(ctx, a.AssessmentID)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			// Both writers build against the same starting version.
			progress := 50 + n
			msg := "racer"
			_, err := repo.UpdateWithVersion(ctx, a.AssessmentID, stale.Version,
				repository.Mutation{Progress: &progress, Message: &msg}, nil)
			results[n] = err
		}(i)
	}
	wg.Wait()

	conflicts := 0
	for _, err := range results {
		if errors.Is(err, domain.ErrVersionConflict) {
			conflicts++
		} else if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if conflicts != 1 {
		t.Errorf("expected exactly one version conflict, got %d", conflicts)
	}
}

func TestStats(t *testing.T) {
	s, _, _ := newTestStore()
	ctx := context.Background()

	done := mustCreate(t, s)
	mustProcess(t, s, done.AssessmentID)
	if _, err := s.CompleteAssessment(ctx, done.AssessmentID, &domain.ResultData{ComplianceScore: 80}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	broken := mustCreate(t, s)
	mustProcess(t, s, broken.AssessmentID)
	if _, err := s.FailAssessment(ctx, broken.AssessmentID, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	mustCreate(t, s) // stays pending

	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("expected total 3, got %d", stats.Total)
	}
	if stats.ByState[domain.StateCompleted] != 1 || stats.ByState[domain.StateFailed] != 1 || stats.ByState[domain.StatePending] != 1 {
		t.Errorf("unexpected state counts: %+v", stats.ByState)
	}
	if stats.SuccessRate != 0.5 {
		t.Errorf("expected success rate 0.5, got %f", stats.SuccessRate)
	}
}

func TestListAssessments_FilterAndPagination(t *testing.T) {
	s, _, _ := newTestStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		req := validRequest()
		req.RequestData.ServerName = "web-frontend"
		if _, err := s.CreateAssessment(ctx, req); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	dbReq := validRequest()
	dbReq.RequestData.ServerName = "db-primary"
	if _, err := s.CreateAssessment(ctx, dbReq); err != nil {
		t.Fatalf("create: %v", err)
	}

	page, err := s.ListAssessments(ctx,
		domain.ListFilter{ServerSearch: "frontend", States: []domain.AssessmentState{domain.StatePending}},
		domain.Page{Limit: 2, Offset: 0})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 3 {
		t.Errorf("expected total 3, got %d", page.Total)
	}
	if len(page.Items) != 2 {
		t.Errorf("expected 2 items on page, got %d", len(page.Items))
	}

	_, err = s.ListAssessments(ctx, domain.ListFilter{States: []domain.AssessmentState{"bogus"}}, domain.Page{})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected ErrValidation for unknown state, got %v", err)
	}
}

func TestGetAssessment_CacheInvalidatedOnMutation(t *testing.T) {
	s, _, _ := newTestStore()
	ctx := context.Background()

	a := mustCreate(t, s)

	// Prime the cache
	cached, err := s.GetAssessment(ctx, a.AssessmentID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cached.Version != 1 {
		t.Fatalf("expected version 1, got %d", cached.Version)
	}

	mustProcess(t, s, a.AssessmentID)

	fresh, err := s.GetAssessment(ctx, a.AssessmentID)
	if err != nil {
		t.Fatalf("get after mutation: %v", err)
	}
	if fresh.Version != 2 || fresh.State != domain.StateProcessing {
		t.Errorf("cache served stale record after mutation: %+v", fresh)
	}
}

func TestTerminalIffCompletedAt(t *testing.T) {
	s, repo, _ := newTestStore()
	ctx := context.Background()

	a := mustCreate(t, s)
	mustProcess(t, s, a.AssessmentID)
	if _, err := s.CancelAssessment(ctx, a.AssessmentID, "stop"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	for _, rec := range repo.GetAll() {
		if rec.State.IsTerminal() != (rec.CompletedAt != nil) {
			t.Errorf("invariant violated for %s: state=%s completed_at=%v",
				rec.AssessmentID, rec.State, rec.CompletedAt)
		}
	}
}
