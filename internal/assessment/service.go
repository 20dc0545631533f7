// Package assessment runs credit assessments end to end: evidence gathering,
// scoring, decision mapping, persistence and event publication.
package assessment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/riskconfig"
	"github.com/opensource-finance/kestrel/internal/rules"
)

var tracer = otel.Tracer("kestrel/assessment")

// maxPersistAttempts bounds retries when another writer supersedes the same
// loan application between our read and our insert.
const maxPersistAttempts = 3

// SnapshotSource hands out the current risk configuration.
type SnapshotSource interface {
	Snapshot() (*riskconfig.Snapshot, error)
}

// InquiryCounter records a credit inquiry and returns how many earlier
// inquiries fall inside the velocity window.
type InquiryCounter interface {
	RecordInquiry(ctx context.Context, clientID string) (int64, error)
}

// Dependencies are the collaborators of a Service. Inquiries, Bus, Configs and
// Metrics are optional.
type Dependencies struct {
	Store     domain.AssessmentStore
	Configs   domain.ConfigStore
	Provider  SnapshotSource
	Compiler  *rules.Compiler
	Bureau    domain.BureauClient
	Profiles  domain.ProfileProvider
	Inquiries InquiryCounter
	Bus       domain.EventBus
	Metrics   *metrics.Metrics
}

// Config tunes a Service. Zero values fall back to defaults.
type Config struct {
	LookupTimeout  time.Duration
	PublishRetries int
	PublishBackoff time.Duration
}

// Service is safe for concurrent use.
type Service struct {
	deps      Dependencies
	cfg       Config
	evaluator *rules.Evaluator
	mapper    *decision.Mapper
	publisher *publisher
	locks     keyedMutex
	now       func() time.Time
}

// NewService creates a service.
func NewService(deps Dependencies, cfg Config) (*Service, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("assessment store is required")
	case deps.Provider == nil:
		return nil, errors.New("configuration provider is required")
	case deps.Bureau == nil:
		return nil, errors.New("bureau client is required")
	case deps.Profiles == nil:
		return nil, errors.New("profile provider is required")
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 3 * time.Second
	}
	if cfg.PublishRetries < 0 {
		cfg.PublishRetries = 0
	}
	if cfg.PublishBackoff <= 0 {
		cfg.PublishBackoff = 100 * time.Millisecond
	}
	return &Service{
		deps:      deps,
		cfg:       cfg,
		evaluator: rules.NewEvaluator(),
		mapper:    decision.NewMapper(),
		publisher: &publisher{
			bus:     deps.Bus,
			metrics: deps.Metrics,
			retries: cfg.PublishRetries,
			backoff: cfg.PublishBackoff,
		},
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Assess scores a loan application and persists the completed assessment,
// invalidating the previous active one. Nothing is persisted when the
// configuration is unavailable or ctx ends before the write.
func (s *Service) Assess(ctx context.Context, req *domain.AssessmentRequest) (*domain.CreditAssessment, error) {
	if req == nil {
		return nil, &domain.ValidationError{Field: "request", Message: "is required"}
	}
	start := time.Now()
	ctx, span := tracer.Start(ctx, "assessment.Assess",
		trace.WithAttributes(
			attribute.String("loan_application.id", req.LoanApplicationID),
			attribute.String("product.type", string(req.ProductType)),
		),
	)
	defer span.End()

	a, err := s.assess(ctx, req)
	s.deps.Metrics.ObserveAssessLatency(time.Since(start))
	if err != nil {
		s.deps.Metrics.IncrementError(string(domain.KindOf(err)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.deps.Metrics.IncrementOutcome(string(a.RiskGrade), string(a.Decision))
	span.SetAttributes(
		attribute.String("assessment.id", a.ID),
		attribute.String("assessment.grade", string(a.RiskGrade)),
		attribute.String("assessment.decision", string(a.Decision)),
	)
	slog.InfoContext(ctx, "assessment completed",
		"assessment_id", a.ID,
		"loan_application_id", a.LoanApplicationID,
		"grade", a.RiskGrade,
		"decision", a.Decision,
		"score", a.CreditScore.StringFixed(2),
		"config_version", a.ConfigVersion,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return a, nil
}

func (s *Service) assess(ctx context.Context, req *domain.AssessmentRequest) (*domain.CreditAssessment, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	// One snapshot for the whole evaluation, even if a refresh lands meanwhile.
	snap, err := s.deps.Provider.Snapshot()
	if err != nil {
		return nil, err
	}

	ev := s.gatherEvidence(ctx, req)
	ec := buildContext(req, ev)

	a := domain.NewCreditAssessment(req, s.now())
	if err := a.StartEvaluation(snap.Version, s.now()); err != nil {
		return nil, err
	}

	res, err := s.evaluator.Evaluate(ctx, snap.Program, ec, snap.DTICutoff())
	if err != nil {
		return nil, err
	}
	outcome := s.mapper.Map(decision.Input{
		CreditScore:  res.CreditScore,
		DebtToIncome: ec.DebtToIncome,
		RiskFlags:    ec.RiskFlags,
		Thresholds:   snap.Thresholds,
	})

	if err := a.Complete(domain.EvaluationOutcome{
		CreditScore:       res.CreditScore,
		RiskGrade:         outcome.Grade,
		Decision:          outcome.Decision,
		DecisionReason:    outcome.Reason,
		DebtToIncomeRatio: ec.DebtToIncome,
		PaymentCapacity:   ec.PaymentCapacity(),
		Factors:           res.Factors,
		ConfigVersion:     snap.Version,
		RuleSetVersion:    snap.RuleSet.Version,
		ThresholdVersion:  snap.Thresholds.Version,
		Context:           ec,
	}, s.now()); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("assessment discarded: %w", err)
	}

	prior, err := s.persist(ctx, a)
	if err != nil {
		return nil, err
	}

	s.publisher.publish(ctx, domain.TopicAssessmentCompleted, a.ID, domain.NewCompletedEvent(a))
	if prior != nil {
		s.publisher.publish(ctx, domain.TopicAssessmentInvalidated, prior.ID, domain.AssessmentInvalidatedEvent{
			AssessmentID:      prior.ID,
			LoanApplicationID: prior.LoanApplicationID,
			SupersededBy:      a.ID,
			InvalidatedAt:     prior.UpdatedAt,
		})
	}
	return a, nil
}

// persist writes a and retires the loan application's previous active
// assessment in the same store transaction.
func (s *Service) persist(ctx context.Context, a *domain.CreditAssessment) (*domain.CreditAssessment, error) {
	unlock := s.locks.Lock("loan:" + a.LoanApplicationID)
	defer unlock()

	var err error
	for attempt := 1; attempt <= maxPersistAttempts; attempt++ {
		var prior *domain.CreditAssessment
		prior, err = s.deps.Store.GetActiveAssessment(ctx, a.LoanApplicationID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			prior = nil
		case err != nil:
			return nil, fmt.Errorf("load active assessment: %w", err)
		}

		if prior != nil {
			if err := prior.Invalidate(domain.SystemActor, "superseded by "+a.ID, s.now()); err != nil {
				return nil, err
			}
		}

		err = s.deps.Store.CreateAssessment(ctx, a, prior)
		if err == nil {
			return prior, nil
		}
		if !errors.Is(err, domain.ErrConcurrentModification) {
			return nil, fmt.Errorf("persist assessment: %w", err)
		}
		slog.WarnContext(ctx, "active assessment changed concurrently, retrying",
			"loan_application_id", a.LoanApplicationID,
			"attempt", attempt,
		)
	}
	return nil, err
}

// Get returns a stored assessment.
func (s *Service) Get(ctx context.Context, id string) (*domain.CreditAssessment, error) {
	a, err := s.deps.Store.GetAssessment(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrAssessmentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load assessment: %w", err)
	}
	return a, nil
}

// History returns every assessment of a loan application, oldest first.
func (s *Service) History(ctx context.Context, loanApplicationID string) ([]*domain.CreditAssessment, error) {
	list, err := s.deps.Store.ListAssessments(ctx, loanApplicationID)
	if err != nil {
		return nil, fmt.Errorf("list assessments: %w", err)
	}
	return list, nil
}

// Invalidate retires an active assessment on an operator's request.
func (s *Service) Invalidate(ctx context.Context, id, actor, reason string) (*domain.CreditAssessment, error) {
	if actor == "" {
		return nil, &domain.ValidationError{Field: "actor", Message: "is required"}
	}
	if reason == "" {
		return nil, &domain.ValidationError{Field: "reason", Message: "is required"}
	}

	unlock := s.locks.Lock("assessment:" + id)
	defer unlock()

	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := a.Invalidate(actor, reason, s.now()); err != nil {
		return nil, err
	}
	if err := s.deps.Store.UpdateAssessment(ctx, a); err != nil {
		return nil, fmt.Errorf("persist invalidation: %w", err)
	}

	s.publisher.publish(ctx, domain.TopicAssessmentInvalidated, a.ID, domain.AssessmentInvalidatedEvent{
		AssessmentID:      a.ID,
		LoanApplicationID: a.LoanApplicationID,
		InvalidatedAt:     a.UpdatedAt,
	})
	return a, nil
}

// Wait blocks until every pending event has been delivered or given up on.
func (s *Service) Wait() {
	s.publisher.wait()
}
