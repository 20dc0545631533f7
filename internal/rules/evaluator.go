package rules

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ScoreScale is the maximum credit score.
var ScoreScale = decimal.NewFromInt(1000)

// Result is the output of one evaluation.
type Result struct {
	RuleSetVersion string
	CreditScore    decimal.Decimal

	// Ranked by absolute contribution, ties broken by rule key
	Factors []domain.AssessmentFactor

	RulesEvaluated int
	MissingMetrics []string
}

// Evaluator computes credit scores. It holds no state; all inputs come from
// the Program and the evaluation context.
type Evaluator struct{}

// NewEvaluator creates an evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Evaluate scores ec against every rule of p. Missing metrics are absorbed
// into worst-case factors; the only error is context cancellation.
func (e *Evaluator) Evaluate(ctx context.Context, p *Program, ec *domain.RuleEvaluationContext, dtiCutoff decimal.Decimal) (*Result, error) {
	if p == nil {
		return nil, domain.ErrConfigurationUnavailable
	}
	if ec == nil {
		return nil, &domain.ValidationError{Field: "context", Message: "is required"}
	}
	if !dtiCutoff.IsPositive() {
		return nil, &domain.ValidationError{Field: "dtiCutoff", Message: "must be positive"}
	}

	result := &Result{
		RuleSetVersion: p.Version,
		Factors:        make([]domain.AssessmentFactor, 0, len(p.Rules)),
	}
	score := decimal.Zero

	for i := range p.Rules {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("evaluation cancelled: %w", err)
		}
		r := &p.Rules[i]
		fv := r.compute(ec, dtiCutoff)

		contribution := fv.value.Mul(r.NormalizedWeight).Mul(ScoreScale).Round(contributionPlaces)
		score = score.Add(contribution)

		if fv.missing {
			result.MissingMetrics = append(result.MissingMetrics, r.Rule.Key)
		}
		result.Factors = append(result.Factors, domain.AssessmentFactor{
			Name:         factorName(&r.Rule),
			RuleKey:      r.Rule.Key,
			Category:     r.Rule.Category,
			Impact:       domain.ImpactOf(contribution),
			Weight:       r.NormalizedWeight,
			Value:        fv.value,
			Contribution: contribution,
			Explanation:  fv.explanation,
			MissingData:  fv.missing,
		})
		result.RulesEvaluated++
	}

	result.CreditScore = clamp(score, decimal.Zero, ScoreScale).Round(scorePlaces)
	rank(result.Factors)
	return result, nil
}

func factorName(r *domain.AssessmentRule) string {
	if r.Description != "" {
		return r.Description
	}
	return r.Key
}

// rank orders factors by absolute contribution, largest first.
func rank(factors []domain.AssessmentFactor) {
	slices.SortStableFunc(factors, func(a, b domain.AssessmentFactor) int {
		if c := b.Contribution.Abs().Cmp(a.Contribution.Abs()); c != 0 {
			return c
		}
		return strings.Compare(a.RuleKey, b.RuleKey)
	})
}
