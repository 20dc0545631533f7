package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RiskGrade is a letter grade from A (best) to F (worst).
type RiskGrade string

const (
	GradeA RiskGrade = "A"
	GradeB RiskGrade = "B"
	GradeC RiskGrade = "C"
	GradeD RiskGrade = "D"
	GradeE RiskGrade = "E"
	GradeF RiskGrade = "F"
)

// GradeOrder lists grades best to worst.
var GradeOrder = []RiskGrade{GradeA, GradeB, GradeC, GradeD, GradeE, GradeF}

// Rank returns the position of g in GradeOrder, or -1 for an unknown grade.
func (g RiskGrade) Rank() int {
	for i, o := range GradeOrder {
		if o == g {
			return i
		}
	}
	return -1
}

// GradeThreshold is the minimum credit score that earns a grade.
type GradeThreshold struct {
	Grade    RiskGrade       `json:"grade" yaml:"grade"`
	MinScore decimal.Decimal `json:"minScore" yaml:"minScore"`
}

// ThresholdConfiguration maps scores to grades and carries the policy inputs
// of the decision mapper.
type ThresholdConfiguration struct {
	Version string `json:"version" yaml:"version"`

	// Ordered best to worst
	Grades []GradeThreshold `json:"grades" yaml:"grades"`

	// Debt-to-income ratio above which an applicant cannot be approved outright
	DTICutoff decimal.Decimal `json:"dtiCutoff" yaml:"dtiCutoff"`

	// High-severity risk flags that force manual review
	ReviewFlags []string `json:"reviewFlags" yaml:"reviewFlags"`

	CreatedAt time.Time `json:"createdAt" yaml:"-"`
}

// DefaultReviewFlags are applied when a configuration names none.
var DefaultReviewFlags = []string{"sanctions", "fraud"}

// Validate enforces grade order and strictly decreasing minimum scores.
func (tc *ThresholdConfiguration) Validate() error {
	if tc.Version == "" {
		return &ValidationError{Field: "version", Message: "is required"}
	}
	if len(tc.Grades) == 0 {
		return &ValidationError{Field: "grades", Message: "at least one grade is required"}
	}
	if !tc.DTICutoff.IsPositive() {
		return &ValidationError{Field: "dtiCutoff", Message: "must be positive"}
	}
	prevRank := -1
	var prevMin decimal.Decimal
	for i, g := range tc.Grades {
		rank := g.Grade.Rank()
		if rank < 0 {
			return &ValidationError{Field: "grades", Message: fmt.Sprintf("unknown grade %q", g.Grade)}
		}
		if rank <= prevRank {
			return &ValidationError{Field: "grades", Message: fmt.Sprintf("grade %s out of order or duplicated", g.Grade)}
		}
		if g.MinScore.IsNegative() {
			return &ValidationError{Field: "grades", Message: fmt.Sprintf("grade %s minimum must not be negative", g.Grade)}
		}
		if i > 0 && !g.MinScore.LessThan(prevMin) {
			return &ValidationError{Field: "grades", Message: fmt.Sprintf("grade %s minimum must be below %s", g.Grade, prevMin)}
		}
		prevRank = rank
		prevMin = g.MinScore
	}
	return nil
}

// EffectiveReviewFlags returns ReviewFlags or the defaults when unset.
func (tc *ThresholdConfiguration) EffectiveReviewFlags() []string {
	if len(tc.ReviewFlags) == 0 {
		return DefaultReviewFlags
	}
	return tc.ReviewFlags
}
