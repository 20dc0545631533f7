package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AssessmentCompletedEvent is emitted once an assessment reaches Completed.
type AssessmentCompletedEvent struct {
	AssessmentID      string             `json:"assessmentId"`
	LoanApplicationID string             `json:"loanApplicationId"`
	ClientID          string             `json:"clientId"`
	RiskGrade         RiskGrade          `json:"riskGrade"`
	Decision          Decision           `json:"decision"`
	CreditScore       decimal.Decimal    `json:"creditScore"`
	ConfigVersion     string             `json:"configVersion"`
	CompletedAt       time.Time          `json:"completedAt"`
	KeyFactors        []AssessmentFactor `json:"keyFactors"`
}

// AssessmentOverriddenEvent is emitted after a manual override.
type AssessmentOverriddenEvent struct {
	AssessmentID      string    `json:"assessmentId"`
	LoanApplicationID string    `json:"loanApplicationId"`
	Officer           string    `json:"officer"`
	PreviousDecision  Decision  `json:"previousDecision"`
	Decision          Decision  `json:"decision"`
	Reason            string    `json:"reason"`
	OverriddenAt      time.Time `json:"overriddenAt"`
}

// AssessmentInvalidatedEvent is emitted when a newer assessment supersedes an
// older one.
type AssessmentInvalidatedEvent struct {
	AssessmentID      string    `json:"assessmentId"`
	LoanApplicationID string    `json:"loanApplicationId"`
	SupersededBy      string    `json:"supersededBy"`
	InvalidatedAt     time.Time `json:"invalidatedAt"`
}

// NewCompletedEvent builds the completion event of a.
func NewCompletedEvent(a *CreditAssessment) AssessmentCompletedEvent {
	return AssessmentCompletedEvent{
		AssessmentID:      a.ID,
		LoanApplicationID: a.LoanApplicationID,
		ClientID:          a.ClientID,
		RiskGrade:         a.RiskGrade,
		Decision:          a.Decision,
		CreditScore:       a.CreditScore,
		ConfigVersion:     a.ConfigVersion,
		CompletedAt:       a.AssessedAt,
		KeyFactors:        a.KeyFactors(3),
	}
}
