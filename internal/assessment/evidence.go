package assessment

import (
	"context"
	"log/slog"
	"maps"
	"slices"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// evidence is what the external lookups produced for one request. A nil
// field means the lookup failed even after the adapter's cache fallback.
type evidence struct {
	profile   *domain.ApplicantProfile
	report    *domain.BureauReport
	inquiries *int64
}

// gatherEvidence runs the profile, bureau and inquiry lookups in parallel under
// the lookup timeout. Lookup failures are absorbed here and surface later as
// risk flags and worst-case factors.
func (s *Service) gatherEvidence(ctx context.Context, req *domain.AssessmentRequest) *evidence {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.LookupTimeout)
	defer cancel()

	var g errgroup.Group
	ev := &evidence{}

	g.Go(func() error {
		profile, err := s.deps.Profiles.GetProfile(ctx, req.LoanApplicationID, req.ClientID)
		if err != nil {
			slog.WarnContext(ctx, "applicant profile unavailable",
				"loan_application_id", req.LoanApplicationID,
				"error", err,
			)
			return nil
		}
		ev.profile = profile
		return nil
	})

	g.Go(func() error {
		report, err := s.deps.Bureau.GetReport(ctx, req.ClientID)
		if err != nil {
			slog.WarnContext(ctx, "bureau report unavailable",
				"client_id", req.ClientID,
				"error", err,
			)
			return nil
		}
		ev.report = report
		return nil
	})

	if s.deps.Inquiries != nil {
		g.Go(func() error {
			n, err := s.deps.Inquiries.RecordInquiry(ctx, req.ClientID)
			if err != nil {
				slog.WarnContext(ctx, "inquiry counter unavailable",
					"client_id", req.ClientID,
					"error", err,
				)
				return nil
			}
			ev.inquiries = &n
			return nil
		})
	}

	_ = g.Wait()
	return ev
}

// buildContext turns the request and gathered evidence into the evaluation
// input. Request metrics are applied first so provider data wins on a clash.
func buildContext(req *domain.AssessmentRequest, ev *evidence) *domain.RuleEvaluationContext {
	ec := &domain.RuleEvaluationContext{
		RiskFlags:        []string{},
		FinancialMetrics: make(map[string]decimal.Decimal, len(req.AdditionalData)+4),
		DebtToIncome:     decimal.NewFromInt(1),
	}
	maps.Copy(ec.FinancialMetrics, req.AdditionalData)

	if p := ev.profile; p != nil {
		ec.MonthlyIncome = p.MonthlyIncome
		ec.ExistingDebtPayments = p.ExistingDebtPayments
		maps.Copy(ec.FinancialMetrics, p.Metrics)
		ec.FinancialMetrics[domain.MetricEmploymentMonths] = decimal.NewFromInt(int64(p.EmploymentMonths))
		if p.MonthlyIncome.IsPositive() {
			ec.DebtToIncome = p.ExistingDebtPayments.DivRound(p.MonthlyIncome, 6)
		}
	} else {
		ec.RiskFlags = append(ec.RiskFlags, domain.FlagProfileUnavailable)
	}

	if r := ev.report; r != nil {
		ec.BureauScore = r.Score
		ec.RiskFlags = append(ec.RiskFlags, r.Flags...)
	} else {
		ec.RiskFlags = append(ec.RiskFlags, domain.FlagBureauUnavailable)
	}

	if ev.inquiries != nil {
		ec.FinancialMetrics[domain.MetricRecentInquiries] = decimal.NewFromInt(*ev.inquiries)
	}

	ec.ProposedInstallment = req.RequestedAmount.DivRound(decimal.NewFromInt(int64(req.TermMonths)), 2)

	slices.Sort(ec.RiskFlags)
	ec.RiskFlags = slices.Compact(ec.RiskFlags)
	return ec
}
