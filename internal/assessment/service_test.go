package assessment

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/applicant"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/riskconfig"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

var d = decimal.RequireFromString

type fixture struct {
	svc      *Service
	store    *repository.MemoryStore
	provider *riskconfig.Provider
	bureau   *applicant.SimulatedBureau
	profiles *applicant.MemoryDirectory
	metrics  *metrics.Metrics
}

func testRuleSet(version string) *domain.RuleSet {
	return &domain.RuleSet{
		Version: version,
		Rules: []domain.AssessmentRule{
			{Key: "bureau", Factor: domain.FactorBureauScore, Weight: d("0.88"), Category: "credit_history", Enabled: true},
			{Key: "dti", Factor: domain.FactorDebtToIncome, Weight: d("0.07"), Category: "affordability", Enabled: true},
			{Key: "flags", Factor: domain.FactorRiskFlags, Penalty: d("0.5"), Weight: d("0.05"), Category: "risk_flags", Enabled: true},
		},
	}
}

func newFixture(t *testing.T, customize ...func(*Dependencies, *Config)) *fixture {
	t.Helper()
	ctx := context.Background()

	store := repository.NewMemoryStore()
	require.NoError(t, store.SaveRuleSet(ctx, testRuleSet("test-1")))
	require.NoError(t, store.SaveThresholds(ctx, decision.DefaultThresholds()))

	compiler, err := rules.NewCompiler()
	require.NoError(t, err)
	provider := riskconfig.NewProvider(riskconfig.NewStoreSource(store), compiler, riskconfig.Options{})
	require.NoError(t, provider.Load(ctx))

	f := &fixture{
		store:    store,
		provider: provider,
		bureau:   applicant.NewSimulatedBureau(),
		profiles: applicant.NewMemoryDirectory(false),
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	f.bureau.Set(domain.BureauReport{ClientID: "client-1", Score: 780, Flags: []string{}})
	f.profiles.Put(domain.ApplicantProfile{
		LoanApplicationID:    "loan-1",
		ClientID:             "client-1",
		MonthlyIncome:        d("12000"),
		ExistingDebtPayments: d("4200"),
		EmploymentMonths:     36,
	})

	deps := Dependencies{
		Store:     store,
		Configs:   store,
		Provider:  provider,
		Compiler:  compiler,
		Bureau:    f.bureau,
		Profiles:  f.profiles,
		Inquiries: velocity.NewService(cache.NewLRUCache(100), time.Hour),
		Bus:       bus.NewChannelBus(100),
		Metrics:   f.metrics,
	}
	cfg := Config{LookupTimeout: time.Second, PublishRetries: 2, PublishBackoff: time.Millisecond}
	for _, c := range customize {
		c(&deps, &cfg)
	}

	f.svc, err = NewService(deps, cfg)
	require.NoError(t, err)
	t.Cleanup(f.svc.Wait)
	return f
}

func request() *domain.AssessmentRequest {
	return &domain.AssessmentRequest{
		LoanApplicationID: "loan-1",
		ClientID:          "client-1",
		RequestedAmount:   d("24000"),
		TermMonths:        24,
		ProductType:       domain.ProductPayroll,
	}
}

func TestAssessApprovesStrongApplicant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.Assess(ctx, request())
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, a.Status)
	assert.Equal(t, "776.75", a.CreditScore.StringFixed(2))
	assert.Equal(t, domain.GradeB, a.RiskGrade)
	assert.Equal(t, domain.DecisionApproved, a.Decision)
	assert.True(t, a.DebtToIncomeRatio.Equal(d("0.35")))
	assert.True(t, a.PaymentCapacity.Equal(d("6800")))
	assert.Equal(t, "rules:test-1|thresholds:default-1", a.ConfigVersion)
	assert.Equal(t, "test-1", a.RuleSetVersion)
	assert.Equal(t, decision.DefaultThresholdVersion, a.ThresholdVersion)
	assert.Equal(t, int64(1), a.Version)

	require.Len(t, a.Factors, 3)
	assert.Equal(t, "bureau", a.Factors[0].RuleKey)
	assert.Equal(t, "dti", a.Factors[1].RuleKey)

	require.Len(t, a.AuditTrail, 3)
	assert.Equal(t, domain.ActionAssessmentCreated, a.AuditTrail[0].Action)
	assert.Equal(t, domain.ActionEvaluationStarted, a.AuditTrail[1].Action)
	assert.Equal(t, domain.ActionAssessmentCompleted, a.AuditTrail[2].Action)

	require.NotNil(t, a.EvaluationContext)
	inquiries, ok := a.EvaluationContext.Metric(domain.MetricRecentInquiries)
	require.True(t, ok)
	assert.True(t, inquiries.IsZero())
	tenure, ok := a.EvaluationContext.Metric(domain.MetricEmploymentMonths)
	require.True(t, ok)
	assert.Equal(t, "36", tenure.String())
	assert.True(t, a.EvaluationContext.ProposedInstallment.Equal(d("1000")))

	stored, err := f.svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.CreditScore.String(), stored.CreditScore.String())
	assert.Equal(t, a.Factors, stored.Factors)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AssessmentOutcome.WithLabelValues("B", "Approved")))
}

func TestAssessRejectsInvalidRequest(t *testing.T) {
	f := newFixture(t)

	req := request()
	req.TermMonths = 0
	_, err := f.svc.Assess(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.Assess(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrValidation)

	history, err := f.svc.History(context.Background(), "loan-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

type downSource struct{}

func (downSource) FetchRuleSet(ctx context.Context) (*domain.RuleSet, error) {
	return nil, errors.New("config store unreachable")
}

func (downSource) FetchThresholds(ctx context.Context) (*domain.ThresholdConfiguration, error) {
	return nil, errors.New("config store unreachable")
}

func TestAssessFailsFastWithoutConfiguration(t *testing.T) {
	compiler, err := rules.NewCompiler()
	require.NoError(t, err)
	unloaded := riskconfig.NewProvider(downSource{}, compiler, riskconfig.Options{})
	require.Error(t, unloaded.Load(context.Background()))

	f := newFixture(t, func(deps *Dependencies, _ *Config) { deps.Provider = unloaded })

	_, err = f.svc.Assess(context.Background(), request())
	assert.ErrorIs(t, err, domain.ErrConfigurationUnavailable)
	assert.Equal(t, domain.KindConfigurationUnavailable, domain.KindOf(err))

	history, err := f.svc.History(context.Background(), "loan-1")
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AssessmentErrors.WithLabelValues(string(domain.KindConfigurationUnavailable))))
}

func TestAssessCancelledPersistsNothing(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.Assess(ctx, request())
	assert.ErrorIs(t, err, context.Canceled)

	history, err := f.svc.History(context.Background(), "loan-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestAssessSupersedesActiveAssessment(t *testing.T) {
	eventBus := bus.NewChannelBus(10)
	f := newFixture(t, func(deps *Dependencies, _ *Config) { deps.Bus = eventBus })
	ctx := context.Background()

	invalidated := make(chan domain.AssessmentInvalidatedEvent, 1)
	_, err := eventBus.Subscribe(ctx, domain.TopicAssessmentInvalidated, func(ctx context.Context, msg *domain.Message) error {
		var ev domain.AssessmentInvalidatedEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		invalidated <- ev
		return nil
	})
	require.NoError(t, err)

	first, err := f.svc.Assess(ctx, request())
	require.NoError(t, err)

	renewal := request()
	renewal.AssessmentContext = domain.ContextRenewal
	second, err := f.svc.Assess(ctx, renewal)
	require.NoError(t, err)

	old, err := f.svc.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInvalidated, old.Status)
	last := old.AuditTrail[len(old.AuditTrail)-1]
	assert.Equal(t, domain.ActionAssessmentInvalidated, last.Action)
	assert.Equal(t, "superseded by "+second.ID, last.Details)

	active, err := f.store.GetActiveAssessment(ctx, "loan-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)

	history, err := f.svc.History(ctx, "loan-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, first.ID, history[0].ID)
	assert.Equal(t, domain.ContextRenewal, history[1].AssessmentContext)

	select {
	case ev := <-invalidated:
		assert.Equal(t, first.ID, ev.AssessmentID)
		assert.Equal(t, second.ID, ev.SupersededBy)
	case <-time.After(time.Second):
		t.Fatal("invalidation event not delivered")
	}

	// The second inquiry by the same client is counted.
	n, _ := second.EvaluationContext.Metric(domain.MetricRecentInquiries)
	assert.Equal(t, "1", n.String())
}

func TestAssessPublishesCompletedEvent(t *testing.T) {
	eventBus := bus.NewChannelBus(10)
	f := newFixture(t, func(deps *Dependencies, _ *Config) { deps.Bus = eventBus })
	ctx := context.Background()

	completed := make(chan domain.AssessmentCompletedEvent, 1)
	_, err := eventBus.Subscribe(ctx, domain.TopicAssessmentCompleted, func(ctx context.Context, msg *domain.Message) error {
		var ev domain.AssessmentCompletedEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		completed <- ev
		return nil
	})
	require.NoError(t, err)

	a, err := f.svc.Assess(ctx, request())
	require.NoError(t, err)

	select {
	case ev := <-completed:
		assert.Equal(t, a.ID, ev.AssessmentID)
		assert.Equal(t, domain.GradeB, ev.RiskGrade)
		assert.Equal(t, domain.DecisionApproved, ev.Decision)
		assert.Equal(t, a.ConfigVersion, ev.ConfigVersion)
		assert.Len(t, ev.KeyFactors, 3)
	case <-time.After(time.Second):
		t.Fatal("completed event not delivered")
	}
}

type failingBureau struct{}

func (failingBureau) GetReport(ctx context.Context, clientID string) (*domain.BureauReport, error) {
	return nil, errors.New("bureau timeout")
}

func TestAssessAbsorbsBureauOutage(t *testing.T) {
	f := newFixture(t, func(deps *Dependencies, _ *Config) { deps.Bureau = failingBureau{} })

	a, err := f.svc.Assess(context.Background(), request())
	require.NoError(t, err)

	assert.Contains(t, a.EvaluationContext.RiskFlags, domain.FlagBureauUnavailable)
	assert.Equal(t, domain.GradeF, a.RiskGrade)
	assert.Equal(t, domain.DecisionRejected, a.Decision)

	var bureau *domain.AssessmentFactor
	for i := range a.Factors {
		if a.Factors[i].RuleKey == "bureau" {
			bureau = &a.Factors[i]
		}
	}
	require.NotNil(t, bureau)
	assert.True(t, bureau.MissingData)
	assert.True(t, bureau.Contribution.IsZero())
}

func TestAssessAbsorbsMissingProfile(t *testing.T) {
	f := newFixture(t)

	req := request()
	req.LoanApplicationID = "loan-without-profile"
	a, err := f.svc.Assess(context.Background(), req)
	require.NoError(t, err)

	assert.Contains(t, a.EvaluationContext.RiskFlags, domain.FlagProfileUnavailable)
	assert.True(t, a.DebtToIncomeRatio.Equal(decimal.NewFromInt(1)))
	assert.NotEqual(t, domain.DecisionApproved, a.Decision)
}

func TestAssessReviewFlagForcesManualReview(t *testing.T) {
	f := newFixture(t)
	f.bureau.Set(domain.BureauReport{ClientID: "client-1", Score: 840, Flags: []string{"sanctions"}})

	a, err := f.svc.Assess(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionManualReview, a.Decision)
	assert.Contains(t, a.DecisionReason, "sanctions")
}

type failingBus struct {
	attempts atomic.Int64
}

func (b *failingBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.attempts.Add(1)
	return errors.New("broker down")
}

func (b *failingBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	return nil, errors.New("broker down")
}

func (b *failingBus) Ping(ctx context.Context) error { return errors.New("broker down") }

func (b *failingBus) Close() error { return nil }

func TestPublishFailureDoesNotFailAssessment(t *testing.T) {
	broken := &failingBus{}
	f := newFixture(t, func(deps *Dependencies, _ *Config) { deps.Bus = broken })

	a, err := f.svc.Assess(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, a.Status)

	f.svc.Wait()
	assert.Equal(t, int64(3), broken.attempts.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PublishFailures.WithLabelValues(domain.TopicAssessmentCompleted)))

	_, err = f.svc.Get(context.Background(), a.ID)
	assert.NoError(t, err)
}

func override(officer string, outcome domain.Decision) *domain.OverrideRequest {
	return &domain.OverrideRequest{Officer: officer, Reason: "verified collateral on site", Outcome: outcome}
}

func TestApplyOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.Assess(ctx, request())
	require.NoError(t, err)

	got, err := f.svc.ApplyOverride(ctx, a.ID, override("officer-1", domain.DecisionRejected))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusManualOverride, got.Status)
	assert.Equal(t, domain.DecisionRejected, got.Decision)
	assert.Equal(t, "verified collateral on site", got.DecisionReason)
	assert.Equal(t, a.RiskGrade, got.RiskGrade)
	assert.True(t, a.CreditScore.Equal(got.CreditScore))
	assert.Equal(t, a.Factors, got.Factors)
	require.Len(t, got.Overrides, 1)
	assert.Equal(t, "officer-1", got.Overrides[0].Officer)
	assert.Equal(t, domain.ActionManualOverrideApplied, got.AuditTrail[len(got.AuditTrail)-1].Action)

	// Dual control is checked before the lifecycle state.
	_, err = f.svc.ApplyOverride(ctx, a.ID, override("officer-1", domain.DecisionApproved))
	assert.ErrorIs(t, err, domain.ErrDualControlViolation)

	_, err = f.svc.ApplyOverride(ctx, a.ID, override("officer-2", domain.DecisionApproved))
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	stored, err := f.svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Overrides, 1)
	assert.Equal(t, domain.DecisionRejected, stored.Decision)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Overrides.WithLabelValues("Rejected")))
}

func TestApplyOverrideChecksExistenceFirst(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ApplyOverride(context.Background(), "missing", &domain.OverrideRequest{})
	assert.ErrorIs(t, err, domain.ErrAssessmentNotFound)
	assert.Equal(t, domain.KindAssessmentNotFound, domain.KindOf(err))
}

func TestApplyOverrideRequiresReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.Assess(ctx, request())
	require.NoError(t, err)

	req := override("officer-1", domain.DecisionRejected)
	req.Reason = "  "
	_, err = f.svc.ApplyOverride(ctx, a.ID, req)
	assert.ErrorIs(t, err, domain.ErrValidation)

	stored, err := f.svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
}

func TestConcurrentOverridesExactlyOneSucceeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.Assess(ctx, request())
	require.NoError(t, err)

	const officers = 10
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
		refused   atomic.Int64
	)
	for i := 0; i < officers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			officer := "officer-" + string(rune('a'+i))
			_, err := f.svc.ApplyOverride(ctx, a.ID, override(officer, domain.DecisionRejected))
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, domain.ErrInvalidStateTransition):
				refused.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), succeeded.Load())
	assert.Equal(t, int64(officers-1), refused.Load())

	stored, err := f.svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Overrides, 1)
	assert.Zero(t, f.svc.locks.size())
}

func TestOverrideRacingReassessment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		prior, err := f.svc.Assess(ctx, request())
		require.NoError(t, err)

		var (
			wg          sync.WaitGroup
			overrideErr error
			next        *domain.CreditAssessment
			assessErr   error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, overrideErr = f.svc.ApplyOverride(ctx, prior.ID, override("officer-1", domain.DecisionRejected))
		}()
		go func() {
			defer wg.Done()
			next, assessErr = f.svc.Assess(ctx, request())
		}()
		wg.Wait()

		// The reassessment always lands; the prior ends in exactly one terminal state.
		require.NoError(t, assessErr)
		stored, err := f.svc.Get(ctx, prior.ID)
		require.NoError(t, err)

		if overrideErr == nil {
			assert.Equal(t, domain.StatusManualOverride, stored.Status)
			assert.Len(t, stored.Overrides, 1)
		} else {
			assert.True(t,
				errors.Is(overrideErr, domain.ErrConcurrentModification) ||
					errors.Is(overrideErr, domain.ErrInvalidStateTransition),
				"unexpected override error: %v", overrideErr)
			assert.Equal(t, domain.StatusInvalidated, stored.Status)
			assert.Empty(t, stored.Overrides)
		}

		active, err := f.store.GetActiveAssessment(ctx, "loan-1")
		require.NoError(t, err)
		assert.Equal(t, next.ID, active.ID)
	}
	assert.Zero(t, f.svc.locks.size())
}

func TestInvalidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.Assess(ctx, request())
	require.NoError(t, err)

	_, err = f.svc.Invalidate(ctx, a.ID, "ops", "")
	assert.ErrorIs(t, err, domain.ErrValidation)

	got, err := f.svc.Invalidate(ctx, a.ID, "ops", "application withdrawn")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInvalidated, got.Status)

	_, err = f.svc.Invalidate(ctx, a.ID, "ops", "again")
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	_, err = f.store.GetActiveAssessment(ctx, "loan-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReplayReproducesScore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.Assess(ctx, request())
	require.NoError(t, err)

	res, err := f.svc.Replay(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, res.Matches, "differences: %v", res.Differences)
	assert.Equal(t, a.ConfigVersion, res.ConfigVersion)
	assert.True(t, res.ReplayedScore.Equal(a.CreditScore))

	// A newer rule set does not change how the old assessment replays.
	newer := testRuleSet("test-2")
	newer.Rules[0].Weight = d("0.10")
	require.NoError(t, f.store.SaveRuleSet(ctx, newer))
	require.NoError(t, f.provider.Refresh(ctx))

	res, err = f.svc.Replay(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, res.Matches, "differences: %v", res.Differences)
	assert.Equal(t, "rules:test-1|thresholds:default-1", res.ConfigVersion)
}

func TestReplayDetectsDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.Assess(ctx, request())
	require.NoError(t, err)

	stored, err := f.store.GetAssessment(ctx, a.ID)
	require.NoError(t, err)
	stored.CreditScore = d("512.00")
	require.NoError(t, f.store.UpdateAssessment(ctx, stored))

	res, err := f.svc.Replay(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, res.Matches)
	require.NotEmpty(t, res.Differences)
	assert.Contains(t, res.Differences[0], "512.00")

	_, err = f.svc.Replay(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrAssessmentNotFound)
}

func TestNewServiceRequiresCollaborators(t *testing.T) {
	_, err := NewService(Dependencies{}, Config{})
	assert.Error(t, err)
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	var k keyedMutex
	var wg sync.WaitGroup
	var inside atomic.Int64
	var overlap atomic.Bool

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("same")
			if inside.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	assert.False(t, overlap.Load())
	assert.Zero(t, k.size())
}

func TestBuildContextWithoutEvidence(t *testing.T) {
	req := request()
	req.AdditionalData = map[string]decimal.Decimal{"savings_months": d("4")}

	ec := buildContext(req, &evidence{})

	assert.Equal(t, []string{domain.FlagBureauUnavailable, domain.FlagProfileUnavailable}, ec.RiskFlags)
	assert.True(t, ec.DebtToIncome.Equal(decimal.NewFromInt(1)))
	assert.Zero(t, ec.BureauScore)
	assert.True(t, ec.ProposedInstallment.Equal(d("1000")))
	v, ok := ec.Metric("savings_months")
	assert.True(t, ok)
	assert.Equal(t, "4", v.String())
	_, ok = ec.Metric(domain.MetricRecentInquiries)
	assert.False(t, ok)
}
