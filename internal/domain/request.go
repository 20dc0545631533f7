package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ProductType is the loan product being assessed.
type ProductType string

const (
	ProductPayroll  ProductType = "PAYROLL"
	ProductBusiness ProductType = "BUSINESS"
)

// AssessmentContext says why an assessment was requested.
type AssessmentContext string

const (
	ContextInitial      AssessmentContext = "Initial"
	ContextRenewal      AssessmentContext = "Renewal"
	ContextModification AssessmentContext = "Modification"
)

// AssessmentRequest is the caller's request to assess a loan application.
type AssessmentRequest struct {
	LoanApplicationID string          `json:"loanApplicationId"`
	ClientID          string          `json:"clientId"`
	RequestedAmount   decimal.Decimal `json:"requestedAmount"`
	TermMonths        int             `json:"termMonths"`
	ProductType       ProductType     `json:"productType"`

	// Extra numeric metrics merged into the evaluation context
	AdditionalData map[string]decimal.Decimal `json:"additionalData,omitempty"`

	AssessmentContext AssessmentContext `json:"assessmentContext,omitempty"`
	RequestedBy       string            `json:"requestedBy,omitempty"`
}

// Context returns the assessment context, Initial when unset.
func (r *AssessmentRequest) Context() AssessmentContext {
	if r.AssessmentContext == "" {
		return ContextInitial
	}
	return r.AssessmentContext
}

// Validate checks the request fields.
func (r *AssessmentRequest) Validate() error {
	if strings.TrimSpace(r.LoanApplicationID) == "" {
		return &ValidationError{Field: "loanApplicationId", Message: "is required"}
	}
	if strings.TrimSpace(r.ClientID) == "" {
		return &ValidationError{Field: "clientId", Message: "is required"}
	}
	if !r.RequestedAmount.IsPositive() {
		return &ValidationError{Field: "requestedAmount", Message: "must be positive"}
	}
	if r.TermMonths <= 0 {
		return &ValidationError{Field: "termMonths", Message: "must be positive"}
	}
	switch r.ProductType {
	case ProductPayroll, ProductBusiness:
	default:
		return &ValidationError{Field: "productType", Message: "must be PAYROLL or BUSINESS"}
	}
	switch r.Context() {
	case ContextInitial, ContextRenewal, ContextModification:
	default:
		return &ValidationError{Field: "assessmentContext", Message: "must be Initial, Renewal or Modification"}
	}
	return nil
}

// OverrideRequest is an officer's request to replace an automated decision.
type OverrideRequest struct {
	Officer string   `json:"officer"`
	Reason  string   `json:"reason"`
	Outcome Decision `json:"outcome"`
}

// Validate checks the override fields.
func (r *OverrideRequest) Validate() error {
	if strings.TrimSpace(r.Officer) == "" {
		return &ValidationError{Field: "officer", Message: "is required"}
	}
	if strings.TrimSpace(r.Reason) == "" {
		return &ValidationError{Field: "reason", Message: "a documented justification is required"}
	}
	if !r.Outcome.IsValid() {
		return &ValidationError{Field: "outcome", Message: "unknown decision"}
	}
	return nil
}
