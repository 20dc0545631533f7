package decision

import (
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultThresholdVersion is the version seeded into an empty store.
const DefaultThresholdVersion = "default-1"

// DefaultThresholds returns the grade ladder used until an operator publishes one.
func DefaultThresholds() *domain.ThresholdConfiguration {
	g := func(grade domain.RiskGrade, min int64) domain.GradeThreshold {
		return domain.GradeThreshold{Grade: grade, MinScore: decimal.NewFromInt(min)}
	}
	return &domain.ThresholdConfiguration{
		Version: DefaultThresholdVersion,
		Grades: []domain.GradeThreshold{
			g(domain.GradeA, 850),
			g(domain.GradeB, 750),
			g(domain.GradeC, 650),
			g(domain.GradeD, 550),
			g(domain.GradeE, 450),
			g(domain.GradeF, 0),
		},
		DTICutoff:   decimal.RequireFromString("0.40"),
		ReviewFlags: append([]string(nil), domain.DefaultReviewFlags...),
	}
}
