package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// FactorKind names the computation a rule performs.
type FactorKind string

// Built-in factor kinds. FactorExpression evaluates a CEL program instead.
const (
	FactorDebtToIncome    FactorKind = "debt_to_income"
	FactorBureauScore     FactorKind = "bureau_score"
	FactorRiskFlags       FactorKind = "risk_flags"
	FactorPaymentCapacity FactorKind = "payment_capacity"
	FactorMetric          FactorKind = "metric"
	FactorExpression      FactorKind = "expression"
)

// AssessmentRule is one weighted scoring rule of a rule set version.
type AssessmentRule struct {
	Key         string     `json:"key" yaml:"key"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Factor      FactorKind `json:"factor" yaml:"factor"`

	// CEL program, only for FactorExpression
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`

	// Metric name and the value that earns full marks, for FactorMetric
	Metric string          `json:"metric,omitempty" yaml:"metric,omitempty"`
	Target decimal.Decimal `json:"target,omitempty" yaml:"target,omitempty"`

	// Deduction per matching flag and the flags that count (empty = all),
	// for FactorRiskFlags
	Penalty decimal.Decimal `json:"penalty,omitempty" yaml:"penalty,omitempty"`
	Flags   []string        `json:"flags,omitempty" yaml:"flags,omitempty"`

	Weight   decimal.Decimal `json:"weight" yaml:"weight"`
	Category string          `json:"category" yaml:"category"`
	Enabled  bool            `json:"enabled" yaml:"enabled"`
}

// Validate checks the fields the factor kind depends on.
func (r *AssessmentRule) Validate() error {
	if r.Key == "" {
		return &ValidationError{Field: "key", Message: "is required"}
	}
	if r.Weight.IsNegative() {
		return &ValidationError{Field: r.Key + ".weight", Message: "must not be negative"}
	}
	switch r.Factor {
	case FactorDebtToIncome, FactorBureauScore, FactorPaymentCapacity:
	case FactorRiskFlags:
		if !r.Penalty.IsPositive() {
			return &ValidationError{Field: r.Key + ".penalty", Message: "must be positive"}
		}
	case FactorMetric:
		if r.Metric == "" {
			return &ValidationError{Field: r.Key + ".metric", Message: "is required"}
		}
		if !r.Target.IsPositive() {
			return &ValidationError{Field: r.Key + ".target", Message: "must be positive"}
		}
	case FactorExpression:
		if r.Expression == "" {
			return &ValidationError{Field: r.Key + ".expression", Message: "is required"}
		}
	default:
		return &ValidationError{Field: r.Key + ".factor", Message: fmt.Sprintf("unknown factor %q", r.Factor)}
	}
	return nil
}

// RuleSet is an ordered, versioned collection of rules.
type RuleSet struct {
	Version   string           `json:"version" yaml:"version"`
	Rules     []AssessmentRule `json:"rules" yaml:"rules"`
	CreatedAt time.Time        `json:"createdAt" yaml:"-"`
}

// Validate checks every rule and that at least one enabled rule carries weight.
func (rs *RuleSet) Validate() error {
	if rs.Version == "" {
		return &ValidationError{Field: "version", Message: "is required"}
	}
	seen := make(map[string]bool, len(rs.Rules))
	total := decimal.Zero
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.Key] {
			return &ValidationError{Field: r.Key, Message: "duplicate rule key"}
		}
		seen[r.Key] = true
		if r.Enabled {
			total = total.Add(r.Weight)
		}
	}
	if !total.IsPositive() {
		return &ValidationError{Field: "rules", Message: "no enabled rule with positive weight"}
	}
	return nil
}

// RuleEvaluationContext is the read-only input of one evaluation.
type RuleEvaluationContext struct {
	DebtToIncome         decimal.Decimal            `json:"debtToIncome"`
	BureauScore          int                        `json:"bureauScore"`
	RiskFlags            []string                   `json:"riskFlags"`
	FinancialMetrics     map[string]decimal.Decimal `json:"financialMetrics"`
	MonthlyIncome        decimal.Decimal            `json:"monthlyIncome"`
	ExistingDebtPayments decimal.Decimal            `json:"existingDebtPayments"`
	ProposedInstallment  decimal.Decimal            `json:"proposedInstallment"`
}

// Metric looks up a named financial metric.
func (c *RuleEvaluationContext) Metric(name string) (decimal.Decimal, bool) {
	v, ok := c.FinancialMetrics[name]
	return v, ok
}

// RequireMetric is Metric with an ErrMissingMetric error for absent names.
func (c *RuleEvaluationContext) RequireMetric(name string) (decimal.Decimal, error) {
	v, ok := c.FinancialMetrics[name]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s not provided", ErrMissingMetric, name)
	}
	return v, nil
}

// PaymentCapacity is the monthly income left after existing debt and the
// proposed installment. It can be negative.
func (c *RuleEvaluationContext) PaymentCapacity() decimal.Decimal {
	return c.MonthlyIncome.Sub(c.ExistingDebtPayments).Sub(c.ProposedInstallment)
}

// HasFlag reports whether flag is present.
func (c *RuleEvaluationContext) HasFlag(flag string) bool {
	for _, f := range c.RiskFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// Impact is the direction a factor pushed the score.
type Impact string

const (
	ImpactPositive Impact = "Positive"
	ImpactNegative Impact = "Negative"
	ImpactNeutral  Impact = "Neutral"
)

// ImpactOf derives the impact from the sign of a contribution.
func ImpactOf(contribution decimal.Decimal) Impact {
	switch contribution.Sign() {
	case 1:
		return ImpactPositive
	case -1:
		return ImpactNegative
	default:
		return ImpactNeutral
	}
}

// AssessmentFactor records how one rule contributed to a credit score.
type AssessmentFactor struct {
	Name         string          `json:"name"`
	RuleKey      string          `json:"ruleKey"`
	Category     string          `json:"category"`
	Impact       Impact          `json:"impact"`
	Weight       decimal.Decimal `json:"weight"`
	Value        decimal.Decimal `json:"value"`
	Contribution decimal.Decimal `json:"contribution"`
	Explanation  string          `json:"explanation"`
	MissingData  bool            `json:"missingData,omitempty"`
}
