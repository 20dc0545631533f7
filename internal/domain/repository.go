// Package domain defines the core types and interfaces for Kestrel.
package domain

import (
	"context"
	"time"
)

// AssessmentStore persists credit assessments together with their override and
// audit history. Overrides and audit entries are append-only.
type AssessmentStore interface {
	// CreateAssessment inserts a new assessment. When superseded is non-nil it is
	// updated in the same transaction, which is how a prior active assessment for
	// the same loan application gets invalidated.
	CreateAssessment(ctx context.Context, a *CreditAssessment, superseded *CreditAssessment) error

	// UpdateAssessment writes a changed assessment. The stored version must match
	// a.Version, otherwise ErrConcurrentModification is returned. On success
	// a.Version is incremented.
	UpdateAssessment(ctx context.Context, a *CreditAssessment) error

	GetAssessment(ctx context.Context, id string) (*CreditAssessment, error)

	// GetActiveAssessment returns the Pending, InProgress or Completed assessment
	// of a loan application, if any.
	GetActiveAssessment(ctx context.Context, loanApplicationID string) (*CreditAssessment, error)

	// ListAssessments returns every assessment of a loan application, oldest first.
	ListAssessments(ctx context.Context, loanApplicationID string) ([]*CreditAssessment, error)
}

// ConfigStore persists versioned rule sets and threshold configurations.
// Saving a version makes it the active one; older versions stay readable so
// historical assessments can be replayed.
type ConfigStore interface {
	SaveRuleSet(ctx context.Context, rs *RuleSet) error
	GetRuleSet(ctx context.Context, version string) (*RuleSet, error)
	GetActiveRuleSet(ctx context.Context) (*RuleSet, error)

	SaveThresholds(ctx context.Context, tc *ThresholdConfiguration) error
	GetThresholds(ctx context.Context, version string) (*ThresholdConfiguration, error)
	GetActiveThresholds(ctx context.Context) (*ThresholdConfiguration, error)
}

// Repository is the full persistence surface used by the service.
type Repository interface {
	AssessmentStore
	ConfigStore

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite", "postgres" or "memory"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
