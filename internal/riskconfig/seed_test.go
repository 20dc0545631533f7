package riskconfig

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

func TestSeedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()

	require.NoError(t, Seed(ctx, store))
	require.NoError(t, Seed(ctx, store))

	rs, err := store.GetActiveRuleSet(ctx)
	require.NoError(t, err)
	assert.Equal(t, rules.DefaultRuleSetVersion, rs.Version)

	tc, err := store.GetActiveThresholds(ctx)
	require.NoError(t, err)
	assert.Equal(t, decision.DefaultThresholdVersion, tc.Version)
}

func TestSeededConfigurationGradesGoodApplicant(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	require.NoError(t, Seed(ctx, store))

	p := newProvider(t, NewStoreSource(store), Options{})
	require.NoError(t, p.Load(ctx))
	snap, err := p.Snapshot()
	require.NoError(t, err)

	ec := &domain.RuleEvaluationContext{
		DebtToIncome:         decimal.RequireFromString("0.35"),
		BureauScore:          780,
		RiskFlags:            []string{},
		FinancialMetrics:     map[string]decimal.Decimal{},
		MonthlyIncome:        decimal.NewFromInt(12000),
		ExistingDebtPayments: decimal.NewFromInt(2000),
	}
	res, err := rules.NewEvaluator().Evaluate(ctx, snap.Program, ec, snap.DTICutoff())
	require.NoError(t, err)

	// bureau 654.5453 + dti 6.25 + capacity 83.3333 + inquiries 40; tenure is missing
	assert.Equal(t, "784.13", res.CreditScore.StringFixed(2))
	assert.True(t, res.CreditScore.GreaterThan(decimal.NewFromInt(700)))
	assert.NotEmpty(t, res.Factors)
	assert.Equal(t, []string{"employment_tenure"}, res.MissingMetrics)

	out := decision.NewMapper().Map(decision.Input{
		CreditScore:  res.CreditScore,
		DebtToIncome: ec.DebtToIncome,
		RiskFlags:    ec.RiskFlags,
		Thresholds:   snap.Thresholds,
	})
	assert.Equal(t, domain.GradeB, out.Grade)
	assert.Equal(t, domain.DecisionApproved, out.Decision)

	// Full tenure stays within grade B.
	ec.FinancialMetrics[domain.MetricEmploymentMonths] = decimal.NewFromInt(36)
	res, err = rules.NewEvaluator().Evaluate(ctx, snap.Program, ec, snap.DTICutoff())
	require.NoError(t, err)
	assert.Equal(t, "814.13", res.CreditScore.StringFixed(2))
	assert.Empty(t, res.MissingMetrics)
}
