package rules

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Rounding applied at each stage so identical inputs give identical output.
const (
	valuePlaces        = 6
	weightPlaces       = 8
	contributionPlaces = 4
	scorePlaces        = 2
)

// Linear bureau range.
var (
	bureauFloor = decimal.NewFromInt(300)
	bureauCeil  = decimal.NewFromInt(850)
)

var (
	one      = decimal.NewFromInt(1)
	minusOne = decimal.NewFromInt(-1)
	hundred  = decimal.NewFromInt(100)
)

type factorValue struct {
	value       decimal.Decimal
	explanation string
	missing     bool
}

func worstCase(format string, args ...any) factorValue {
	return factorValue{
		value:       decimal.Zero,
		explanation: fmt.Sprintf(format, args...) + "; scored at worst case",
		missing:     true,
	}
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

func percent(d decimal.Decimal) string {
	return d.Mul(hundred).StringFixed(2) + "%"
}

func (r *CompiledRule) compute(ec *domain.RuleEvaluationContext, dtiCutoff decimal.Decimal) factorValue {
	switch r.Rule.Factor {
	case domain.FactorDebtToIncome:
		return debtToIncome(ec, dtiCutoff)
	case domain.FactorBureauScore:
		return bureauScore(ec)
	case domain.FactorRiskFlags:
		return riskFlags(&r.Rule, ec)
	case domain.FactorPaymentCapacity:
		return paymentCapacity(ec)
	case domain.FactorMetric:
		return metric(&r.Rule, ec)
	case domain.FactorExpression:
		return r.expression(ec, dtiCutoff)
	default:
		return worstCase("unknown factor %q", r.Rule.Factor)
	}
}

// debtToIncome scores 1 - min(dti/cutoff, 1).
func debtToIncome(ec *domain.RuleEvaluationContext, cutoff decimal.Decimal) factorValue {
	ratio := clamp(ec.DebtToIncome.DivRound(cutoff, valuePlaces), decimal.Zero, one)
	rel := "within"
	if ec.DebtToIncome.GreaterThan(cutoff) {
		rel = "above"
	}
	return factorValue{
		value:       one.Sub(ratio),
		explanation: fmt.Sprintf("debt-to-income %s %s %s cutoff", percent(ec.DebtToIncome), rel, percent(cutoff)),
	}
}

// bureauScore scales linearly from 300 (0) to 850 (1).
func bureauScore(ec *domain.RuleEvaluationContext) factorValue {
	if ec.BureauScore <= 0 {
		return worstCase("no bureau score available")
	}
	score := decimal.NewFromInt(int64(ec.BureauScore))
	v := score.Sub(bureauFloor).DivRound(bureauCeil.Sub(bureauFloor), valuePlaces)
	return factorValue{
		value:       clamp(v, decimal.Zero, one),
		explanation: fmt.Sprintf("bureau score %d on a %s-%s scale", ec.BureauScore, bureauFloor, bureauCeil),
	}
}

// riskFlags deducts the rule's penalty for each matching flag, down to -1.
func riskFlags(rule *domain.AssessmentRule, ec *domain.RuleEvaluationContext) factorValue {
	var matched []string
	for _, f := range ec.RiskFlags {
		if len(rule.Flags) == 0 || contains(rule.Flags, f) {
			matched = append(matched, f)
		}
	}
	if len(matched) == 0 {
		return factorValue{value: decimal.Zero, explanation: "no risk flags"}
	}
	penalty := rule.Penalty.Mul(decimal.NewFromInt(int64(len(matched))))
	return factorValue{
		value:       clamp(penalty.Neg(), minusOne, decimal.Zero),
		explanation: fmt.Sprintf("%d risk flag(s): %s", len(matched), strings.Join(matched, ", ")),
	}
}

// paymentCapacity scores the share of income left after all installments.
func paymentCapacity(ec *domain.RuleEvaluationContext) factorValue {
	if !ec.MonthlyIncome.IsPositive() {
		return worstCase("monthly income not provided")
	}
	capacity := ec.PaymentCapacity()
	v := clamp(capacity.DivRound(ec.MonthlyIncome, valuePlaces), decimal.Zero, one)
	return factorValue{
		value:       v,
		explanation: fmt.Sprintf("payment capacity %s of monthly income %s", capacity.StringFixed(2), ec.MonthlyIncome.StringFixed(2)),
	}
}

// metric scores min(metric/target, 1).
func metric(rule *domain.AssessmentRule, ec *domain.RuleEvaluationContext) factorValue {
	m, err := ec.RequireMetric(rule.Metric)
	if err != nil {
		return worstCase("%v", err)
	}
	v := clamp(m.DivRound(rule.Target, valuePlaces), decimal.Zero, one)
	return factorValue{
		value:       v,
		explanation: fmt.Sprintf("%s %s against target %s", rule.Metric, m.String(), rule.Target.String()),
	}
}

func (r *CompiledRule) expression(ec *domain.RuleEvaluationContext, dtiCutoff decimal.Decimal) factorValue {
	metrics := make(map[string]float64, len(ec.FinancialMetrics))
	for k, v := range ec.FinancialMetrics {
		metrics[k] = v.InexactFloat64()
	}
	flags := ec.RiskFlags
	if flags == nil {
		flags = []string{}
	}
	activation := map[string]any{
		"dti":                  ec.DebtToIncome.InexactFloat64(),
		"dti_cutoff":           dtiCutoff.InexactFloat64(),
		"bureau_score":         int64(ec.BureauScore),
		"flags":                flags,
		"metrics":              metrics,
		"monthly_income":       ec.MonthlyIncome.InexactFloat64(),
		"existing_debt":        ec.ExistingDebtPayments.InexactFloat64(),
		"proposed_installment": ec.ProposedInstallment.InexactFloat64(),
		"payment_capacity":     ec.PaymentCapacity().InexactFloat64(),
	}

	out, _, err := r.program.Eval(activation)
	if err != nil {
		if strings.Contains(err.Error(), "no such key") {
			return worstCase("expression needs a metric that was not provided (%v)", err)
		}
		return worstCase("expression evaluation error (%v)", err)
	}

	v := clamp(toDecimal(out), minusOne, one)
	explanation := r.Rule.Description
	if explanation == "" {
		explanation = r.Rule.Expression
	}
	return factorValue{value: v, explanation: explanation}
}

// toDecimal converts a CEL result to a rounded decimal.
func toDecimal(val ref.Val) decimal.Decimal {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return one
		}
		return decimal.Zero
	case types.Double:
		return decimal.NewFromFloat(float64(v)).Round(valuePlaces)
	case types.Int:
		return decimal.NewFromInt(int64(v))
	default:
		return decimal.Zero
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
