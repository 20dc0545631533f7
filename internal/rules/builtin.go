package rules

import (
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultRuleSetVersion is the version seeded into an empty store.
const DefaultRuleSetVersion = "default-1"

// DefaultRuleSet returns the rule set used until an operator publishes one.
// The bureau score carries most of the weight; the affordability and
// behaviour rules adjust within a grade band.
func DefaultRuleSet() *domain.RuleSet {
	w := decimal.RequireFromString
	return &domain.RuleSet{
		Version: DefaultRuleSetVersion,
		Rules: []domain.AssessmentRule{
			{
				Key:         "bureau_score",
				Description: "Credit bureau score",
				Factor:      domain.FactorBureauScore,
				Weight:      w("0.75"),
				Category:    "credit_history",
				Enabled:     true,
			},
			{
				Key:         "debt_to_income",
				Description: "Debt-to-income ratio",
				Factor:      domain.FactorDebtToIncome,
				Weight:      w("0.05"),
				Category:    "affordability",
				Enabled:     true,
			},
			{
				Key:         "payment_capacity",
				Description: "Payment capacity",
				Factor:      domain.FactorPaymentCapacity,
				Weight:      w("0.10"),
				Category:    "affordability",
				Enabled:     true,
			},
			{
				Key:         "employment_tenure",
				Description: "Employment tenure",
				Factor:      domain.FactorMetric,
				Metric:      domain.MetricEmploymentMonths,
				Target:      decimal.NewFromInt(24),
				Weight:      w("0.03"),
				Category:    "stability",
				Enabled:     true,
			},
			{
				Key:         "recent_inquiries",
				Description: "Recent credit inquiries",
				Factor:      domain.FactorExpression,
				Expression:  `!("recent_inquiries" in metrics) || metrics["recent_inquiries"] <= 1.0 ? 1.0 : (metrics["recent_inquiries"] <= 3.0 ? 0.5 : 0.0)`,
				Weight:      w("0.04"),
				Category:    "credit_behaviour",
				Enabled:     true,
			},
			{
				Key:         "risk_flags",
				Description: "Bureau risk flags",
				Factor:      domain.FactorRiskFlags,
				Penalty:     w("0.5"),
				Weight:      w("0.03"),
				Category:    "risk_flags",
				Enabled:     true,
			},
		},
	}
}
