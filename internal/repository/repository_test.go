package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newAssessment(t *testing.T, loanApp string, at time.Time) *domain.CreditAssessment {
	t.Helper()
	req := &domain.AssessmentRequest{
		LoanApplicationID: loanApp,
		ClientID:          "client-1",
		RequestedAmount:   decimal.NewFromInt(12000),
		TermMonths:        24,
		ProductType:       domain.ProductPayroll,
		RequestedBy:       "officer-a",
	}
	return domain.NewCreditAssessment(req, at)
}

func complete(t *testing.T, a *domain.CreditAssessment, at time.Time) {
	t.Helper()
	if err := a.StartEvaluation("rules:v1|thresholds:t1", at); err != nil {
		t.Fatalf("StartEvaluation failed: %v", err)
	}
	out := domain.EvaluationOutcome{
		CreditScore:       decimal.RequireFromString("776.75"),
		RiskGrade:         domain.GradeB,
		Decision:          domain.DecisionApproved,
		DecisionReason:    "grade B (score 776.75)",
		DebtToIncomeRatio: decimal.RequireFromString("0.35"),
		PaymentCapacity:   decimal.RequireFromString("1450.5"),
		Factors: []domain.AssessmentFactor{{
			Name:         "bureau",
			RuleKey:      "bureau",
			Category:     "credit_history",
			Impact:       domain.ImpactPositive,
			Weight:       decimal.RequireFromString("0.88"),
			Value:        decimal.RequireFromString("0.872727"),
			Contribution: decimal.RequireFromString("767.9998"),
			Explanation:  "bureau score 780 on a 300-850 scale",
		}},
		ConfigVersion:    "rules:v1|thresholds:t1",
		RuleSetVersion:   "v1",
		ThresholdVersion: "t1",
		Context: &domain.RuleEvaluationContext{
			DebtToIncome:     decimal.RequireFromString("0.35"),
			BureauScore:      780,
			RiskFlags:        []string{"late_payment"},
			FinancialMetrics: map[string]decimal.Decimal{"employment_months": decimal.NewFromInt(36)},
			MonthlyIncome:    decimal.NewFromInt(4000),
		},
	}
	if err := a.Complete(out, at); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
}

func openSQLiteRepo(t *testing.T) domain.Repository {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "kestrel-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLiteRepository(t *testing.T) {
	exerciseRepository(t, openSQLiteRepo(t))
}

func TestMemoryRepository(t *testing.T) {
	repo, err := New(domain.RepositoryConfig{Driver: "memory"})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	exerciseRepository(t, repo)
}

// exerciseRepository runs the same contract against any domain.Repository.
func exerciseRepository(t *testing.T, repo domain.Repository) {
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("CreateAndGet", func(t *testing.T) {
		a := newAssessment(t, "loan-create", base)
		if err := repo.CreateAssessment(ctx, a, nil); err != nil {
			t.Fatalf("CreateAssessment failed: %v", err)
		}
		if a.Version != 1 {
			t.Errorf("expected version 1 after create, got %d", a.Version)
		}

		complete(t, a, base.Add(time.Second))
		if err := repo.UpdateAssessment(ctx, a); err != nil {
			t.Fatalf("UpdateAssessment failed: %v", err)
		}

		got, err := repo.GetAssessment(ctx, a.ID)
		if err != nil {
			t.Fatalf("GetAssessment failed: %v", err)
		}
		if got.Status != domain.StatusCompleted {
			t.Errorf("expected status Completed, got %s", got.Status)
		}
		if got.CreditScore.String() != "776.75" {
			t.Errorf("expected score 776.75, got %s", got.CreditScore)
		}
		if !got.RequestedAmount.Equal(decimal.NewFromInt(12000)) {
			t.Errorf("expected requested amount 12000, got %s", got.RequestedAmount)
		}
		if len(got.Factors) != 1 || got.Factors[0].Contribution.String() != "767.9998" {
			t.Errorf("factors did not round-trip: %+v", got.Factors)
		}
		if got.EvaluationContext == nil || got.EvaluationContext.BureauScore != 780 {
			t.Errorf("evaluation context did not round-trip: %+v", got.EvaluationContext)
		}
		if len(got.AuditTrail) != 3 {
			t.Errorf("expected 3 audit entries, got %d", len(got.AuditTrail))
		} else if got.AuditTrail[2].Action != domain.ActionAssessmentCompleted {
			t.Errorf("expected last audit action %s, got %s", domain.ActionAssessmentCompleted, got.AuditTrail[2].Action)
		}
		if got.Version != 2 {
			t.Errorf("expected version 2, got %d", got.Version)
		}
	})

	t.Run("StaleVersionRejected", func(t *testing.T) {
		a := newAssessment(t, "loan-stale", base)
		if err := repo.CreateAssessment(ctx, a, nil); err != nil {
			t.Fatalf("CreateAssessment failed: %v", err)
		}

		first, _ := repo.GetAssessment(ctx, a.ID)
		second, _ := repo.GetAssessment(ctx, a.ID)

		if err := first.StartEvaluation("v", base.Add(time.Second)); err != nil {
			t.Fatal(err)
		}
		if err := repo.UpdateAssessment(ctx, first); err != nil {
			t.Fatalf("first update failed: %v", err)
		}

		if err := second.Invalidate("officer-b", "withdrawn", base.Add(2*time.Second)); err != nil {
			t.Fatal(err)
		}
		err := repo.UpdateAssessment(ctx, second)
		if !errors.Is(err, domain.ErrConcurrentModification) {
			t.Errorf("expected ErrConcurrentModification, got: %v", err)
		}
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		a := newAssessment(t, "loan-ghost", base)
		a.Version = 1
		if err := repo.UpdateAssessment(ctx, a); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})

	t.Run("SupersedeInvalidatesPrior", func(t *testing.T) {
		first := newAssessment(t, "loan-renew", base)
		if err := repo.CreateAssessment(ctx, first, nil); err != nil {
			t.Fatalf("CreateAssessment failed: %v", err)
		}
		complete(t, first, base.Add(time.Second))
		if err := repo.UpdateAssessment(ctx, first); err != nil {
			t.Fatalf("UpdateAssessment failed: %v", err)
		}

		// a second active assessment without superseding the first is refused
		dup := newAssessment(t, "loan-renew", base.Add(2*time.Second))
		if err := repo.CreateAssessment(ctx, dup, nil); !errors.Is(err, domain.ErrConcurrentModification) {
			t.Errorf("expected ErrConcurrentModification for second active, got: %v", err)
		}

		second := newAssessment(t, "loan-renew", base.Add(3*time.Second))
		if err := first.Invalidate(domain.SystemActor, "superseded by "+second.ID, base.Add(3*time.Second)); err != nil {
			t.Fatal(err)
		}
		if err := repo.CreateAssessment(ctx, second, first); err != nil {
			t.Fatalf("CreateAssessment with superseded failed: %v", err)
		}

		active, err := repo.GetActiveAssessment(ctx, "loan-renew")
		if err != nil {
			t.Fatalf("GetActiveAssessment failed: %v", err)
		}
		if active.ID != second.ID {
			t.Errorf("expected active %s, got %s", second.ID, active.ID)
		}

		old, _ := repo.GetAssessment(ctx, first.ID)
		if old.Status != domain.StatusInvalidated {
			t.Errorf("expected prior assessment Invalidated, got %s", old.Status)
		}
		if old.CreditScore.String() != "776.75" {
			t.Errorf("invalidation must keep the score, got %s", old.CreditScore)
		}

		history, err := repo.ListAssessments(ctx, "loan-renew")
		if err != nil {
			t.Fatalf("ListAssessments failed: %v", err)
		}
		if len(history) != 2 {
			t.Fatalf("expected 2 assessments, got %d", len(history))
		}
		if history[0].ID != first.ID || history[1].ID != second.ID {
			t.Errorf("expected oldest first, got %s then %s", history[0].ID, history[1].ID)
		}
	})

	t.Run("OverridePersisted", func(t *testing.T) {
		a := newAssessment(t, "loan-override", base)
		if err := repo.CreateAssessment(ctx, a, nil); err != nil {
			t.Fatalf("CreateAssessment failed: %v", err)
		}
		complete(t, a, base.Add(time.Second))
		if err := repo.UpdateAssessment(ctx, a); err != nil {
			t.Fatalf("UpdateAssessment failed: %v", err)
		}
		if _, err := a.ApplyOverride("officer-b", "verified employer letter", domain.DecisionManualReview, base.Add(2*time.Second)); err != nil {
			t.Fatal(err)
		}
		if err := repo.UpdateAssessment(ctx, a); err != nil {
			t.Fatalf("UpdateAssessment failed: %v", err)
		}

		got, _ := repo.GetAssessment(ctx, a.ID)
		if len(got.Overrides) != 1 || got.Overrides[0].Officer != "officer-b" {
			t.Fatalf("override not persisted: %+v", got.Overrides)
		}
		if got.Decision != domain.DecisionManualReview {
			t.Errorf("expected decision ManualReview, got %s", got.Decision)
		}
		if got.RiskGrade != domain.GradeB {
			t.Errorf("override must keep grade B, got %s", got.RiskGrade)
		}
		if _, err := repo.GetActiveAssessment(ctx, "loan-override"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("overridden assessment is not active, got: %v", err)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		if _, err := repo.GetAssessment(ctx, "nonexistent"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
		history, err := repo.ListAssessments(ctx, "nonexistent")
		if err != nil {
			t.Fatalf("ListAssessments failed: %v", err)
		}
		if len(history) != 0 {
			t.Errorf("expected empty history, got %d", len(history))
		}
	})

	t.Run("RuleSetVersions", func(t *testing.T) {
		if _, err := repo.GetActiveRuleSet(ctx); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound before any save, got: %v", err)
		}

		v1 := &domain.RuleSet{Version: "v1", Rules: []domain.AssessmentRule{{
			Key: "dti", Factor: domain.FactorDebtToIncome, Weight: decimal.NewFromInt(1), Enabled: true,
		}}}
		v2 := &domain.RuleSet{Version: "v2", Rules: []domain.AssessmentRule{{
			Key: "bureau", Factor: domain.FactorBureauScore, Weight: decimal.RequireFromString("0.5"), Enabled: true,
		}}}
		for _, rs := range []*domain.RuleSet{v1, v2} {
			if err := repo.SaveRuleSet(ctx, rs); err != nil {
				t.Fatalf("SaveRuleSet(%s) failed: %v", rs.Version, err)
			}
		}

		active, err := repo.GetActiveRuleSet(ctx)
		if err != nil {
			t.Fatalf("GetActiveRuleSet failed: %v", err)
		}
		if active.Version != "v2" || active.Rules[0].Key != "bureau" {
			t.Errorf("expected v2 active, got %s", active.Version)
		}
		if active.Rules[0].Weight.String() != "0.5" {
			t.Errorf("expected weight 0.5, got %s", active.Rules[0].Weight)
		}

		old, err := repo.GetRuleSet(ctx, "v1")
		if err != nil {
			t.Fatalf("GetRuleSet failed: %v", err)
		}
		if old.Rules[0].Key != "dti" {
			t.Errorf("expected v1 rules to stay readable, got %s", old.Rules[0].Key)
		}

		if err := repo.SaveRuleSet(ctx, v1); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected ErrValidation for duplicate version, got: %v", err)
		}
	})

	t.Run("ThresholdVersions", func(t *testing.T) {
		tc := &domain.ThresholdConfiguration{
			Version:     "t1",
			DTICutoff:   decimal.RequireFromString("0.40"),
			ReviewFlags: []string{"sanctions"},
			Grades: []domain.GradeThreshold{
				{Grade: domain.GradeA, MinScore: decimal.NewFromInt(800)},
				{Grade: domain.GradeF, MinScore: decimal.Zero},
			},
		}
		if err := repo.SaveThresholds(ctx, tc); err != nil {
			t.Fatalf("SaveThresholds failed: %v", err)
		}

		got, err := repo.GetActiveThresholds(ctx)
		if err != nil {
			t.Fatalf("GetActiveThresholds failed: %v", err)
		}
		if got.Version != "t1" || len(got.Grades) != 2 {
			t.Errorf("unexpected thresholds: %+v", got)
		}
		if !got.DTICutoff.Equal(decimal.RequireFromString("0.4")) {
			t.Errorf("expected cutoff 0.4, got %s", got.DTICutoff)
		}
		if _, err := repo.GetThresholds(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})
}

func TestMemoryStoreIsolatesCallers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	a := newAssessment(t, "loan-iso", base)
	if err := store.CreateAssessment(ctx, a, nil); err != nil {
		t.Fatal(err)
	}
	a.AuditTrail[0].Details = "tampered"

	got, _ := store.GetAssessment(ctx, a.ID)
	if got.AuditTrail[0].Details == "tampered" {
		t.Error("stored audit trail must not alias the caller's slice")
	}
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver: "mysql",
	}

	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
