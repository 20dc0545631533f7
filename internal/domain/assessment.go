package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AssessmentStatus is a lifecycle state of a CreditAssessment.
type AssessmentStatus string

const (
	StatusPending        AssessmentStatus = "Pending"
	StatusInProgress     AssessmentStatus = "InProgress"
	StatusCompleted      AssessmentStatus = "Completed"
	StatusManualOverride AssessmentStatus = "ManualOverride"
	StatusInvalidated    AssessmentStatus = "Invalidated"
)

var allowedTransitions = map[AssessmentStatus][]AssessmentStatus{
	StatusPending:    {StatusInProgress, StatusInvalidated},
	StatusInProgress: {StatusCompleted, StatusInvalidated},
	StatusCompleted:  {StatusManualOverride, StatusInvalidated},
}

// IsTerminal reports whether no transition leaves s.
func (s AssessmentStatus) IsTerminal() bool {
	return s == StatusManualOverride || s == StatusInvalidated
}

// Decision is the lending outcome attached to an assessment.
type Decision string

const (
	DecisionApproved            Decision = "Approved"
	DecisionConditionalApproval Decision = "ConditionalApproval"
	DecisionManualReview        Decision = "ManualReview"
	DecisionRejected            Decision = "Rejected"
)

// IsValid reports whether d is one of the known decisions.
func (d Decision) IsValid() bool {
	switch d {
	case DecisionApproved, DecisionConditionalApproval, DecisionManualReview, DecisionRejected:
		return true
	}
	return false
}

// Audit actions.
const (
	ActionAssessmentCreated     = "AssessmentCreated"
	ActionEvaluationStarted     = "EvaluationStarted"
	ActionAssessmentCompleted   = "AssessmentCompleted"
	ActionManualOverrideApplied = "ManualOverrideApplied"
	ActionAssessmentInvalidated = "AssessmentInvalidated"
)

// AuditEntry is one immutable line of an assessment's audit trail.
type AuditEntry struct {
	ID                 string    `json:"id"`
	CreditAssessmentID string    `json:"creditAssessmentId"`
	OccurredAt         time.Time `json:"occurredAt"`
	Actor              string    `json:"actor"`
	Action             string    `json:"action"`
	Details            string    `json:"details"`
}

// ManualOverride is an officer's replacement of the automated decision.
type ManualOverride struct {
	ID                 string    `json:"id"`
	CreditAssessmentID string    `json:"creditAssessmentId"`
	Officer            string    `json:"officer"`
	CreatedAt          time.Time `json:"createdAt"`
	Reason             string    `json:"reason"`
	Outcome            Decision  `json:"outcome"`
}

// CreditAssessment is the aggregate root: the scored outcome of one request
// together with its factors, overrides and audit trail.
type CreditAssessment struct {
	ID                string    `json:"id"`
	LoanApplicationID string    `json:"loanApplicationId"`
	ClientID          string    `json:"clientId"`
	AssessedAt        time.Time `json:"assessedAt"`
	AssessedBy        string    `json:"assessedBy"`

	Status            AssessmentStatus `json:"status"`
	RiskGrade         RiskGrade        `json:"riskGrade,omitempty"`
	CreditScore       decimal.Decimal  `json:"creditScore"`
	DebtToIncomeRatio decimal.Decimal  `json:"debtToIncomeRatio"`
	PaymentCapacity   decimal.Decimal  `json:"paymentCapacity"`
	Decision          Decision         `json:"decision,omitempty"`
	DecisionReason    string           `json:"decisionReason,omitempty"`

	// Versions of the configuration snapshot used for scoring
	ConfigVersion    string `json:"configVersion,omitempty"`
	RuleSetVersion   string `json:"ruleSetVersion,omitempty"`
	ThresholdVersion string `json:"thresholdVersion,omitempty"`

	ProductType       ProductType       `json:"productType"`
	RequestedAmount   decimal.Decimal   `json:"requestedAmount"`
	TermMonths        int               `json:"termMonths"`
	AssessmentContext AssessmentContext `json:"assessmentContext"`

	// Inputs exactly as scored, kept for replay
	EvaluationContext *RuleEvaluationContext `json:"evaluationContext,omitempty"`

	Factors    []AssessmentFactor `json:"factors"`
	Overrides  []ManualOverride   `json:"overrides"`
	AuditTrail []AuditEntry       `json:"auditTrail"`

	// Optimistic concurrency counter, bumped by every persisted change
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewCreditAssessment creates a Pending assessment for req.
func NewCreditAssessment(req *AssessmentRequest, now time.Time) *CreditAssessment {
	actor := req.RequestedBy
	if actor == "" {
		actor = SystemActor
	}
	a := &CreditAssessment{
		ID:                uuid.NewString(),
		LoanApplicationID: req.LoanApplicationID,
		ClientID:          req.ClientID,
		AssessedBy:        actor,
		Status:            StatusPending,
		ProductType:       req.ProductType,
		RequestedAmount:   req.RequestedAmount,
		TermMonths:        req.TermMonths,
		AssessmentContext: req.Context(),
		Factors:           []AssessmentFactor{},
		Overrides:         []ManualOverride{},
		AuditTrail:        []AuditEntry{},
		UpdatedAt:         now,
	}
	a.appendAudit(actor, ActionAssessmentCreated,
		fmt.Sprintf("%s assessment requested for %s %s over %d months",
			a.AssessmentContext, a.ProductType, a.RequestedAmount.StringFixed(2), a.TermMonths), now)
	return a
}

// SystemActor is recorded when no human requested the action.
const SystemActor = "system"

// IsActive reports whether a is the live assessment of its loan application.
func (a *CreditAssessment) IsActive() bool {
	return a.Status == StatusPending || a.Status == StatusInProgress || a.Status == StatusCompleted
}

// CanTransition checks a move against the lifecycle without changing a.
func (a *CreditAssessment) CanTransition(to AssessmentStatus) error {
	if a.Status.IsTerminal() {
		return &TransitionError{From: a.Status, To: to, Reason: fmt.Sprintf("%s is terminal", a.Status)}
	}
	for _, s := range allowedTransitions[a.Status] {
		if s == to {
			return nil
		}
	}
	return &TransitionError{From: a.Status, To: to, Reason: "transition not allowed"}
}

func (a *CreditAssessment) transition(to AssessmentStatus, actor, action, details string, now time.Time) error {
	if err := a.CanTransition(to); err != nil {
		return err
	}
	a.Status = to
	a.UpdatedAt = now
	a.appendAudit(actor, action, details, now)
	return nil
}

func (a *CreditAssessment) appendAudit(actor, action, details string, now time.Time) {
	a.AuditTrail = append(a.AuditTrail, AuditEntry{
		ID:                 uuid.NewString(),
		CreditAssessmentID: a.ID,
		OccurredAt:         now,
		Actor:              actor,
		Action:             action,
		Details:            details,
	})
}

// StartEvaluation moves a Pending assessment to InProgress.
func (a *CreditAssessment) StartEvaluation(configVersion string, now time.Time) error {
	return a.transition(StatusInProgress, SystemActor, ActionEvaluationStarted,
		"evaluating with "+configVersion, now)
}

// EvaluationOutcome is everything scoring produced for an assessment.
type EvaluationOutcome struct {
	CreditScore       decimal.Decimal
	RiskGrade         RiskGrade
	Decision          Decision
	DecisionReason    string
	DebtToIncomeRatio decimal.Decimal
	PaymentCapacity   decimal.Decimal
	Factors           []AssessmentFactor
	ConfigVersion     string
	RuleSetVersion    string
	ThresholdVersion  string
	Context           *RuleEvaluationContext
}

// Complete records the scoring outcome and moves InProgress to Completed.
// Factors can only be attached once.
func (a *CreditAssessment) Complete(out EvaluationOutcome, now time.Time) error {
	if err := a.CanTransition(StatusCompleted); err != nil {
		return err
	}
	if len(a.Factors) > 0 {
		return &TransitionError{From: a.Status, To: StatusCompleted, Reason: "factors already recorded"}
	}
	a.CreditScore = out.CreditScore
	a.RiskGrade = out.RiskGrade
	a.Decision = out.Decision
	a.DecisionReason = out.DecisionReason
	a.DebtToIncomeRatio = out.DebtToIncomeRatio
	a.PaymentCapacity = out.PaymentCapacity
	a.ConfigVersion = out.ConfigVersion
	a.RuleSetVersion = out.RuleSetVersion
	a.ThresholdVersion = out.ThresholdVersion
	a.EvaluationContext = out.Context
	a.Factors = append([]AssessmentFactor(nil), out.Factors...)
	a.AssessedAt = now
	return a.transition(StatusCompleted, SystemActor, ActionAssessmentCompleted,
		fmt.Sprintf("grade %s, score %s, decision %s", out.RiskGrade, out.CreditScore.StringFixed(2), out.Decision), now)
}

// HasOverrideBy reports whether officer already overrode a.
func (a *CreditAssessment) HasOverrideBy(officer string) bool {
	for _, o := range a.Overrides {
		if o.Officer == officer {
			return true
		}
	}
	return false
}

// ApplyOverride replaces the automated decision. Grade, score and factors are
// left untouched. The dual-control check runs before the lifecycle check so a
// repeat by the same officer is reported as such.
func (a *CreditAssessment) ApplyOverride(officer, reason string, outcome Decision, now time.Time) (*ManualOverride, error) {
	if a.HasOverrideBy(officer) {
		return nil, &DualControlError{AssessmentID: a.ID, Officer: officer}
	}
	if err := a.CanTransition(StatusManualOverride); err != nil {
		return nil, err
	}
	o := ManualOverride{
		ID:                 uuid.NewString(),
		CreditAssessmentID: a.ID,
		Officer:            officer,
		CreatedAt:          now,
		Reason:             reason,
		Outcome:            outcome,
	}
	previous := a.Decision
	a.Overrides = append(a.Overrides, o)
	a.Decision = outcome
	a.DecisionReason = reason
	if err := a.transition(StatusManualOverride, officer, ActionManualOverrideApplied,
		fmt.Sprintf("decision %s replaced by %s: %s", previous, outcome, reason), now); err != nil {
		return nil, err
	}
	return &o, nil
}

// Invalidate retires an active assessment.
func (a *CreditAssessment) Invalidate(actor, reason string, now time.Time) error {
	return a.transition(StatusInvalidated, actor, ActionAssessmentInvalidated, reason, now)
}

// KeyFactors returns up to n factors from the front of the ranked list.
func (a *CreditAssessment) KeyFactors(n int) []AssessmentFactor {
	if len(a.Factors) < n {
		n = len(a.Factors)
	}
	return append([]AssessmentFactor(nil), a.Factors[:n]...)
}
