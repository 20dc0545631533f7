package assessment

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/riskconfig"
)

// ReplayResult compares a stored assessment with a fresh evaluation of its
// stored inputs against the configuration versions it was scored with.
type ReplayResult struct {
	AssessmentID  string           `json:"assessmentId"`
	ConfigVersion string           `json:"configVersion"`
	StoredScore   decimal.Decimal  `json:"storedScore"`
	ReplayedScore decimal.Decimal  `json:"replayedScore"`
	StoredGrade   domain.RiskGrade `json:"storedGrade"`
	ReplayedGrade domain.RiskGrade `json:"replayedGrade"`
	Matches       bool             `json:"matches"`
	Differences   []string         `json:"differences,omitempty"`
}

// Replay re-evaluates a stored assessment. The decision is not compared since
// a manual override may have replaced it.
func (s *Service) Replay(ctx context.Context, id string) (*ReplayResult, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.EvaluationContext == nil {
		return nil, &domain.ValidationError{Field: "evaluationContext", Message: "assessment was never evaluated"}
	}

	snap, err := s.snapshotFor(ctx, a.RuleSetVersion, a.ThresholdVersion)
	if err != nil {
		return nil, err
	}

	res, err := s.evaluator.Evaluate(ctx, snap.Program, a.EvaluationContext, snap.DTICutoff())
	if err != nil {
		return nil, err
	}
	outcome := s.mapper.Map(decision.Input{
		CreditScore:  res.CreditScore,
		DebtToIncome: a.EvaluationContext.DebtToIncome,
		RiskFlags:    a.EvaluationContext.RiskFlags,
		Thresholds:   snap.Thresholds,
	})

	out := &ReplayResult{
		AssessmentID:  a.ID,
		ConfigVersion: snap.Version,
		StoredScore:   a.CreditScore,
		ReplayedScore: res.CreditScore,
		StoredGrade:   a.RiskGrade,
		ReplayedGrade: outcome.Grade,
	}
	if !a.CreditScore.Equal(res.CreditScore) {
		out.Differences = append(out.Differences,
			fmt.Sprintf("score %s replayed as %s", a.CreditScore.StringFixed(2), res.CreditScore.StringFixed(2)))
	}
	if a.RiskGrade != outcome.Grade {
		out.Differences = append(out.Differences,
			fmt.Sprintf("grade %s replayed as %s", a.RiskGrade, outcome.Grade))
	}
	out.Differences = append(out.Differences, compareFactors(a.Factors, res.Factors)...)
	out.Matches = len(out.Differences) == 0
	return out, nil
}

// snapshotFor rebuilds the snapshot of the given versions. The current
// snapshot is reused when it carries the same versions.
func (s *Service) snapshotFor(ctx context.Context, ruleVersion, thresholdVersion string) (*riskconfig.Snapshot, error) {
	if current, err := s.deps.Provider.Snapshot(); err == nil &&
		current.RuleSet.Version == ruleVersion && current.Thresholds.Version == thresholdVersion {
		return current, nil
	}
	if s.deps.Configs == nil || s.deps.Compiler == nil {
		return nil, fmt.Errorf("%w: versions %s are not loaded", domain.ErrConfigurationUnavailable,
			riskconfig.CombinedVersion(ruleVersion, thresholdVersion))
	}

	rs, err := s.deps.Configs.GetRuleSet(ctx, ruleVersion)
	if err != nil {
		return nil, versionErr("rule set", ruleVersion, err)
	}
	tc, err := s.deps.Configs.GetThresholds(ctx, thresholdVersion)
	if err != nil {
		return nil, versionErr("thresholds", thresholdVersion, err)
	}
	return riskconfig.Build(s.deps.Compiler, rs, tc)
}

func versionErr(what, version string, err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%w: %s %s not found", domain.ErrConfigurationUnavailable, what, version)
	}
	return fmt.Errorf("load %s %s: %w", what, version, err)
}

func compareFactors(stored, replayed []domain.AssessmentFactor) []string {
	if len(stored) != len(replayed) {
		return []string{fmt.Sprintf("%d factors replayed as %d", len(stored), len(replayed))}
	}
	var diffs []string
	for i := range stored {
		s, r := stored[i], replayed[i]
		switch {
		case s.RuleKey != r.RuleKey:
			diffs = append(diffs, fmt.Sprintf("factor %d: rule %s replayed as %s", i, s.RuleKey, r.RuleKey))
		case !s.Contribution.Equal(r.Contribution):
			diffs = append(diffs, fmt.Sprintf("factor %s: contribution %s replayed as %s", s.RuleKey, s.Contribution, r.Contribution))
		case !s.Value.Equal(r.Value) || !s.Weight.Equal(r.Weight):
			diffs = append(diffs, fmt.Sprintf("factor %s: value or weight changed", s.RuleKey))
		}
	}
	return diffs
}
