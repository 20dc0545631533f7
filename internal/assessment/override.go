package assessment

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ApplyOverride replaces the automated decision of a Completed assessment.
// Checks run in order: existence, input, dual control, lifecycle state.
func (s *Service) ApplyOverride(ctx context.Context, id string, req *domain.OverrideRequest) (*domain.CreditAssessment, error) {
	ctx, span := tracer.Start(ctx, "assessment.ApplyOverride",
		trace.WithAttributes(attribute.String("assessment.id", id)),
	)
	defer span.End()

	a, previous, err := s.applyOverride(ctx, id, req)
	if err != nil {
		s.deps.Metrics.IncrementError(string(domain.KindOf(err)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.deps.Metrics.IncrementOverride(string(a.Decision))
	slog.InfoContext(ctx, "manual override applied",
		"assessment_id", a.ID,
		"officer", req.Officer,
		"previous_decision", previous,
		"decision", a.Decision,
	)

	s.publisher.publish(ctx, domain.TopicAssessmentOverridden, a.ID, domain.AssessmentOverriddenEvent{
		AssessmentID:      a.ID,
		LoanApplicationID: a.LoanApplicationID,
		Officer:           req.Officer,
		PreviousDecision:  previous,
		Decision:          a.Decision,
		Reason:            req.Reason,
		OverriddenAt:      a.UpdatedAt,
	})
	return a, nil
}

func (s *Service) applyOverride(ctx context.Context, id string, req *domain.OverrideRequest) (*domain.CreditAssessment, domain.Decision, error) {
	unlock := s.locks.Lock("assessment:" + id)
	defer unlock()

	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if req == nil {
		return nil, "", &domain.ValidationError{Field: "override", Message: "is required"}
	}
	if err := req.Validate(); err != nil {
		return nil, "", err
	}

	previous := a.Decision
	if _, err := a.ApplyOverride(req.Officer, req.Reason, req.Outcome, s.now()); err != nil {
		return nil, "", err
	}
	if err := s.deps.Store.UpdateAssessment(ctx, a); err != nil {
		return nil, "", fmt.Errorf("persist override: %w", err)
	}
	return a, previous, nil
}
