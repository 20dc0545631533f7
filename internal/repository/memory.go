package repository

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// MemoryStore is an in-process domain.Repository. It keeps the same version
// and append-only rules as SQLRepository and is used by tests and the
// "memory" driver.
type MemoryStore struct {
	mu          sync.RWMutex
	assessments map[string]*domain.CreditAssessment
	byLoanApp   map[string][]string

	ruleSets         map[string]*domain.RuleSet
	activeRuleSet    string
	thresholds       map[string]*domain.ThresholdConfiguration
	activeThresholds string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assessments: make(map[string]*domain.CreditAssessment),
		byLoanApp:   make(map[string][]string),
		ruleSets:    make(map[string]*domain.RuleSet),
		thresholds:  make(map[string]*domain.ThresholdConfiguration),
	}
}

func (m *MemoryStore) CreateAssessment(ctx context.Context, a *domain.CreditAssessment, superseded *domain.CreditAssessment) error {
	if a == nil || a.ID == "" {
		return &domain.ValidationError{Field: "assessment", Message: "id is required"}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.assessments[a.ID]; exists {
		return fmt.Errorf("%w: assessment %s already exists", domain.ErrConcurrentModification, a.ID)
	}
	if superseded != nil {
		if err := m.checkVersion(superseded); err != nil {
			return err
		}
	}
	for _, id := range m.byLoanApp[a.LoanApplicationID] {
		if superseded != nil && id == superseded.ID {
			continue
		}
		if m.assessments[id].IsActive() {
			return fmt.Errorf("%w: loan application %s already has an active assessment", domain.ErrConcurrentModification, a.LoanApplicationID)
		}
	}

	if superseded != nil {
		stored := cloneAssessment(superseded)
		stored.Version++
		m.assessments[superseded.ID] = stored
		superseded.Version++
	}

	stored := cloneAssessment(a)
	stored.Version = 1
	m.assessments[a.ID] = stored
	m.byLoanApp[a.LoanApplicationID] = append(m.byLoanApp[a.LoanApplicationID], a.ID)
	a.Version = 1
	return nil
}

func (m *MemoryStore) UpdateAssessment(ctx context.Context, a *domain.CreditAssessment) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkVersion(a); err != nil {
		return err
	}
	stored := cloneAssessment(a)
	stored.Version++
	m.assessments[a.ID] = stored
	a.Version++
	return nil
}

// checkVersion also enforces that overrides and audit entries only grow.
func (m *MemoryStore) checkVersion(a *domain.CreditAssessment) error {
	current, ok := m.assessments[a.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if current.Version != a.Version {
		return fmt.Errorf("%w: assessment %s is no longer at version %d", domain.ErrConcurrentModification, a.ID, a.Version)
	}
	if len(a.AuditTrail) < len(current.AuditTrail) || len(a.Overrides) < len(current.Overrides) {
		return fmt.Errorf("%w: history of %s cannot shrink", domain.ErrConcurrentModification, a.ID)
	}
	return nil
}

func (m *MemoryStore) GetAssessment(ctx context.Context, id string) (*domain.CreditAssessment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.assessments[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneAssessment(a), nil
}

func (m *MemoryStore) GetActiveAssessment(ctx context.Context, loanApplicationID string) (*domain.CreditAssessment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, id := range m.byLoanApp[loanApplicationID] {
		if a := m.assessments[id]; a.IsActive() {
			return cloneAssessment(a), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MemoryStore) ListAssessments(ctx context.Context, loanApplicationID string) ([]*domain.CreditAssessment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byLoanApp[loanApplicationID]
	out := make([]*domain.CreditAssessment, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneAssessment(m.assessments[id]))
	}
	return out, nil
}

func (m *MemoryStore) SaveRuleSet(ctx context.Context, rs *domain.RuleSet) error {
	if rs == nil || rs.Version == "" {
		return &domain.ValidationError{Field: "version", Message: "is required"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.ruleSets[rs.Version]; exists {
		return &domain.ValidationError{Field: "version", Message: fmt.Sprintf("%s already exists", rs.Version)}
	}
	cp := *rs
	cp.Rules = slices.Clone(rs.Rules)
	m.ruleSets[rs.Version] = &cp
	m.activeRuleSet = rs.Version
	return nil
}

func (m *MemoryStore) GetRuleSet(ctx context.Context, version string) (*domain.RuleSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rs, ok := m.ruleSets[version]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *rs
	cp.Rules = slices.Clone(rs.Rules)
	return &cp, nil
}

func (m *MemoryStore) GetActiveRuleSet(ctx context.Context) (*domain.RuleSet, error) {
	m.mu.RLock()
	active := m.activeRuleSet
	m.mu.RUnlock()
	return m.GetRuleSet(ctx, active)
}

func (m *MemoryStore) SaveThresholds(ctx context.Context, tc *domain.ThresholdConfiguration) error {
	if tc == nil || tc.Version == "" {
		return &domain.ValidationError{Field: "version", Message: "is required"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.thresholds[tc.Version]; exists {
		return &domain.ValidationError{Field: "version", Message: fmt.Sprintf("%s already exists", tc.Version)}
	}
	m.thresholds[tc.Version] = cloneThresholds(tc)
	m.activeThresholds = tc.Version
	return nil
}

func (m *MemoryStore) GetThresholds(ctx context.Context, version string) (*domain.ThresholdConfiguration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tc, ok := m.thresholds[version]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneThresholds(tc), nil
}

func (m *MemoryStore) GetActiveThresholds(ctx context.Context) (*domain.ThresholdConfiguration, error) {
	m.mu.RLock()
	active := m.activeThresholds
	m.mu.RUnlock()
	return m.GetThresholds(ctx, active)
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func cloneAssessment(a *domain.CreditAssessment) *domain.CreditAssessment {
	cp := *a
	cp.Factors = slices.Clone(a.Factors)
	cp.Overrides = slices.Clone(a.Overrides)
	cp.AuditTrail = slices.Clone(a.AuditTrail)
	if cp.Factors == nil {
		cp.Factors = []domain.AssessmentFactor{}
	}
	if cp.Overrides == nil {
		cp.Overrides = []domain.ManualOverride{}
	}
	if cp.AuditTrail == nil {
		cp.AuditTrail = []domain.AuditEntry{}
	}
	if a.EvaluationContext != nil {
		ec := *a.EvaluationContext
		ec.RiskFlags = slices.Clone(a.EvaluationContext.RiskFlags)
		ec.FinancialMetrics = maps.Clone(a.EvaluationContext.FinancialMetrics)
		cp.EvaluationContext = &ec
	}
	return &cp
}

func cloneThresholds(tc *domain.ThresholdConfiguration) *domain.ThresholdConfiguration {
	cp := *tc
	cp.Grades = slices.Clone(tc.Grades)
	cp.ReviewFlags = slices.Clone(tc.ReviewFlags)
	return &cp
}
