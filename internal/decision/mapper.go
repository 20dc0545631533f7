// Package decision maps credit scores to risk grades and lending decisions.
package decision

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Input is everything the mapper looks at.
type Input struct {
	CreditScore  decimal.Decimal
	DebtToIncome decimal.Decimal
	RiskFlags    []string
	Thresholds   *domain.ThresholdConfiguration
}

// Outcome is the mapped grade and decision with a human-readable reason.
type Outcome struct {
	Grade    domain.RiskGrade
	Decision domain.Decision
	Reason   string
}

// Mapper turns scores into grades and decisions. It is pure and total: every
// input produces an Outcome.
type Mapper struct{}

// NewMapper creates a mapper.
func NewMapper() *Mapper {
	return &Mapper{}
}

// Grade walks the thresholds best to worst and returns the first grade whose
// minimum the score reaches. Scores below every threshold get F.
func (m *Mapper) Grade(score decimal.Decimal, tc *domain.ThresholdConfiguration) domain.RiskGrade {
	if tc == nil {
		return domain.GradeF
	}
	for _, g := range tc.Grades {
		if score.GreaterThanOrEqual(g.MinScore) {
			return g.Grade
		}
	}
	return domain.GradeF
}

// Map applies the decision policy, in precedence order:
//
//  1. a high-severity risk flag forces ManualReview
//  2. grades E and F are Rejected
//  3. grade D goes to ManualReview
//  4. grades A and B within the DTI cutoff are Approved
//  5. grades A, B and C otherwise get ConditionalApproval
func (m *Mapper) Map(in Input) Outcome {
	grade := m.Grade(in.CreditScore, in.Thresholds)

	cutoff := decimal.Zero
	var reviewFlags []string
	if in.Thresholds != nil {
		cutoff = in.Thresholds.DTICutoff
		reviewFlags = in.Thresholds.EffectiveReviewFlags()
	} else {
		reviewFlags = domain.DefaultReviewFlags
	}
	withinCutoff := in.Thresholds != nil && in.DebtToIncome.LessThanOrEqual(cutoff)

	head := fmt.Sprintf("grade %s (score %s)", grade, in.CreditScore.StringFixed(2))
	dti := dtiClause(in.DebtToIncome, cutoff, withinCutoff)

	if hits := matching(in.RiskFlags, reviewFlags); len(hits) > 0 {
		return Outcome{grade, domain.DecisionManualReview,
			fmt.Sprintf("%s with high-severity risk flag(s) %s requires manual review", head, strings.Join(hits, ", "))}
	}

	switch grade {
	case domain.GradeE, domain.GradeF:
		return Outcome{grade, domain.DecisionRejected, head + " is below the lending threshold"}
	case domain.GradeD:
		return Outcome{grade, domain.DecisionManualReview, head + " requires manual review; " + dti}
	case domain.GradeA, domain.GradeB:
		if withinCutoff {
			return Outcome{grade, domain.DecisionApproved, head + "; " + dti}
		}
		return Outcome{grade, domain.DecisionConditionalApproval, head + " approved with conditions; " + dti}
	default:
		return Outcome{grade, domain.DecisionConditionalApproval, head + " approved with conditions; " + dti}
	}
}

func dtiClause(dti, cutoff decimal.Decimal, within bool) string {
	if cutoff.IsZero() {
		return "no debt-to-income cutoff configured"
	}
	rel := "above"
	if within {
		rel = "within"
	}
	pct := decimal.NewFromInt(100)
	return fmt.Sprintf("debt-to-income %s%% %s %s%% cutoff",
		dti.Mul(pct).StringFixed(2), rel, cutoff.Mul(pct).StringFixed(2))
}

func matching(flags, review []string) []string {
	var hits []string
	for _, f := range flags {
		for _, r := range review {
			if strings.EqualFold(f, r) {
				hits = append(hits, f)
				break
			}
		}
	}
	return hits
}
