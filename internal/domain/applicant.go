package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Metric names filled in by the service.
const (
	MetricEmploymentMonths = "employment_months"
	MetricRecentInquiries  = "recent_inquiries"
)

// Risk flags raised when applicant data could not be obtained, even from the
// fallback cache.
const (
	FlagBureauUnavailable  = "bureau_unavailable"
	FlagProfileUnavailable = "profile_unavailable"
)

// ApplicantProfile is the financial data the identity provider holds for a
// loan application.
type ApplicantProfile struct {
	LoanApplicationID    string                     `json:"loanApplicationId"`
	ClientID             string                     `json:"clientId"`
	MonthlyIncome        decimal.Decimal            `json:"monthlyIncome"`
	ExistingDebtPayments decimal.Decimal            `json:"existingDebtPayments"`
	EmploymentMonths     int                        `json:"employmentMonths"`
	Metrics              map[string]decimal.Decimal `json:"metrics,omitempty"`

	// Set when the profile came from the fallback cache
	Stale     bool      `json:"stale,omitempty"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// BureauReport is a credit bureau's answer for a client.
type BureauReport struct {
	ClientID  string    `json:"clientId"`
	Score     int       `json:"score"`
	Flags     []string  `json:"flags"`
	Stale     bool      `json:"stale,omitempty"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// BureauClient looks up a client's bureau score and risk flags.
type BureauClient interface {
	GetReport(ctx context.Context, clientID string) (*BureauReport, error)
}

// ProfileProvider supplies an applicant's financial metrics.
type ProfileProvider interface {
	GetProfile(ctx context.Context, loanApplicationID, clientID string) (*ApplicantProfile, error)
}
