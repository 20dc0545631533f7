// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	switch {
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	case cfg.Driver == "sqlite":
		// single writer
		db.SetMaxOpenConns(1)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

const assessmentColumns = `
	id, loan_application_id, client_id, status, risk_grade,
	credit_score, debt_to_income, payment_capacity, decision, decision_reason,
	config_version, rule_set_version, threshold_version,
	product_type, requested_amount, term_months, assessment_context,
	assessed_by, assessed_at, evaluation_context, factors,
	version, created_at, updated_at`

// CreateAssessment inserts a and, in the same transaction, writes superseded.
func (r *SQLRepository) CreateAssessment(ctx context.Context, a *domain.CreditAssessment, superseded *domain.CreditAssessment) error {
	if a == nil || a.ID == "" {
		return &domain.ValidationError{Field: "assessment", Message: "id is required"}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	// The superseded row leaves the active set before the new one enters it.
	if superseded != nil {
		if err := r.updateTx(ctx, tx, superseded); err != nil {
			return err
		}
	}

	factors, err := json.Marshal(a.Factors)
	if err != nil {
		return fmt.Errorf("marshal factors: %w", err)
	}
	evalCtx, err := marshalNullable(a.EvaluationContext)
	if err != nil {
		return fmt.Errorf("marshal evaluation context: %w", err)
	}

	query := `INSERT INTO assessments (` + assessmentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = tx.ExecContext(ctx, r.rebind(query),
		a.ID, a.LoanApplicationID, a.ClientID, string(a.Status), string(a.RiskGrade),
		a.CreditScore.String(), a.DebtToIncomeRatio.String(), a.PaymentCapacity.String(),
		string(a.Decision), a.DecisionReason,
		a.ConfigVersion, a.RuleSetVersion, a.ThresholdVersion,
		string(a.ProductType), a.RequestedAmount.String(), a.TermMonths, string(a.AssessmentContext),
		a.AssessedBy, a.AssessedAt.UTC(), evalCtx, string(factors),
		1, a.UpdatedAt.UTC(), a.UpdatedAt.UTC(),
	)
	if err != nil {
		if r.isConstraintViolation(err) {
			return fmt.Errorf("%w: loan application %s already has an active assessment", domain.ErrConcurrentModification, a.LoanApplicationID)
		}
		return fmt.Errorf("insert assessment: %w", err)
	}

	if err := r.appendHistory(ctx, tx, a); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	a.Version = 1
	if superseded != nil {
		superseded.Version++
	}
	return nil
}

// UpdateAssessment writes a if its stored version still equals a.Version.
func (r *SQLRepository) UpdateAssessment(ctx context.Context, a *domain.CreditAssessment) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := r.updateTx(ctx, tx, a); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	a.Version++
	return nil
}

func (r *SQLRepository) updateTx(ctx context.Context, tx *sql.Tx, a *domain.CreditAssessment) error {
	factors, err := json.Marshal(a.Factors)
	if err != nil {
		return fmt.Errorf("marshal factors: %w", err)
	}
	evalCtx, err := marshalNullable(a.EvaluationContext)
	if err != nil {
		return fmt.Errorf("marshal evaluation context: %w", err)
	}

	query := `
		UPDATE assessments SET
			status = ?, risk_grade = ?, credit_score = ?, debt_to_income = ?,
			payment_capacity = ?, decision = ?, decision_reason = ?,
			config_version = ?, rule_set_version = ?, threshold_version = ?,
			assessed_at = ?, evaluation_context = ?, factors = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`

	result, err := tx.ExecContext(ctx, r.rebind(query),
		string(a.Status), string(a.RiskGrade), a.CreditScore.String(), a.DebtToIncomeRatio.String(),
		a.PaymentCapacity.String(), string(a.Decision), a.DecisionReason,
		a.ConfigVersion, a.RuleSetVersion, a.ThresholdVersion,
		a.AssessedAt.UTC(), evalCtx, string(factors),
		a.UpdatedAt.UTC(),
		a.ID, a.Version,
	)
	if err != nil {
		if r.isConstraintViolation(err) {
			return fmt.Errorf("%w: %v", domain.ErrConcurrentModification, err)
		}
		return fmt.Errorf("update assessment: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, r.rebind(`SELECT 1 FROM assessments WHERE id = ?`), a.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: assessment %s is no longer at version %d", domain.ErrConcurrentModification, a.ID, a.Version)
	}

	return r.appendHistory(ctx, tx, a)
}

// appendHistory inserts overrides and audit entries not yet stored. Existing
// rows are left alone.
func (r *SQLRepository) appendHistory(ctx context.Context, tx *sql.Tx, a *domain.CreditAssessment) error {
	overrideQuery := r.rebind(`
		INSERT INTO assessment_overrides (id, assessment_id, officer, reason, outcome, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`)
	for _, o := range a.Overrides {
		if _, err := tx.ExecContext(ctx, overrideQuery,
			o.ID, a.ID, o.Officer, o.Reason, string(o.Outcome), o.CreatedAt.UTC(),
		); err != nil {
			if r.isConstraintViolation(err) {
				return &domain.DualControlError{AssessmentID: a.ID, Officer: o.Officer}
			}
			return fmt.Errorf("insert override: %w", err)
		}
	}

	auditQuery := r.rebind(`
		INSERT INTO assessment_audit (id, assessment_id, seq, occurred_at, actor, action, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`)
	for i, e := range a.AuditTrail {
		if _, err := tx.ExecContext(ctx, auditQuery,
			e.ID, a.ID, i, e.OccurredAt.UTC(), e.Actor, e.Action, e.Details,
		); err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}
	}
	return nil
}

// GetAssessment retrieves an assessment with its overrides and audit trail.
func (r *SQLRepository) GetAssessment(ctx context.Context, id string) (*domain.CreditAssessment, error) {
	query := `SELECT ` + assessmentColumns + ` FROM assessments WHERE id = ?`
	a, err := scanAssessment(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if err != nil {
		return nil, err
	}
	if err := r.loadHistory(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// GetActiveAssessment retrieves the live assessment of a loan application.
func (r *SQLRepository) GetActiveAssessment(ctx context.Context, loanApplicationID string) (*domain.CreditAssessment, error) {
	query := `SELECT ` + assessmentColumns + ` FROM assessments
		WHERE loan_application_id = ? AND status IN (?, ?, ?)`
	a, err := scanAssessment(r.db.QueryRowContext(ctx, r.rebind(query), loanApplicationID,
		string(domain.StatusPending), string(domain.StatusInProgress), string(domain.StatusCompleted)))
	if err != nil {
		return nil, err
	}
	if err := r.loadHistory(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// ListAssessments retrieves every assessment of a loan application, oldest first.
func (r *SQLRepository) ListAssessments(ctx context.Context, loanApplicationID string) ([]*domain.CreditAssessment, error) {
	query := `SELECT ` + assessmentColumns + ` FROM assessments
		WHERE loan_application_id = ?
		ORDER BY created_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), loanApplicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.CreditAssessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, a := range out {
		if err := r.loadHistory(ctx, a); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *SQLRepository) loadHistory(ctx context.Context, a *domain.CreditAssessment) error {
	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT id, officer, reason, outcome, created_at
		FROM assessment_overrides
		WHERE assessment_id = ?
		ORDER BY created_at ASC
	`), a.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		o := domain.ManualOverride{CreditAssessmentID: a.ID}
		var outcome string
		if err := rows.Scan(&o.ID, &o.Officer, &o.Reason, &outcome, &o.CreatedAt); err != nil {
			rows.Close()
			return err
		}
		o.Outcome = domain.Decision(outcome)
		a.Overrides = append(a.Overrides, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = r.db.QueryContext(ctx, r.rebind(`
		SELECT id, occurred_at, actor, action, details
		FROM assessment_audit
		WHERE assessment_id = ?
		ORDER BY seq ASC
	`), a.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		e := domain.AuditEntry{CreditAssessmentID: a.ID}
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.Actor, &e.Action, &e.Details); err != nil {
			return err
		}
		a.AuditTrail = append(a.AuditTrail, e)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAssessment(row rowScanner) (*domain.CreditAssessment, error) {
	var (
		a                                domain.CreditAssessment
		status, grade, decision, product string
		assessmentCtx, factors           string
		evalCtx                          sql.NullString
		createdAt                        time.Time
	)

	err := row.Scan(
		&a.ID, &a.LoanApplicationID, &a.ClientID, &status, &grade,
		&a.CreditScore, &a.DebtToIncomeRatio, &a.PaymentCapacity, &decision, &a.DecisionReason,
		&a.ConfigVersion, &a.RuleSetVersion, &a.ThresholdVersion,
		&product, &a.RequestedAmount, &a.TermMonths, &assessmentCtx,
		&a.AssessedBy, &a.AssessedAt, &evalCtx, &factors,
		&a.Version, &createdAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.Status = domain.AssessmentStatus(status)
	a.RiskGrade = domain.RiskGrade(grade)
	a.Decision = domain.Decision(decision)
	a.ProductType = domain.ProductType(product)
	a.AssessmentContext = domain.AssessmentContext(assessmentCtx)
	a.AssessedAt = a.AssessedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()

	if err := json.Unmarshal([]byte(factors), &a.Factors); err != nil {
		return nil, fmt.Errorf("unmarshal factors of %s: %w", a.ID, err)
	}
	if evalCtx.Valid && evalCtx.String != "" {
		a.EvaluationContext = &domain.RuleEvaluationContext{}
		if err := json.Unmarshal([]byte(evalCtx.String), a.EvaluationContext); err != nil {
			return nil, fmt.Errorf("unmarshal evaluation context of %s: %w", a.ID, err)
		}
	}
	a.Overrides = []domain.ManualOverride{}
	a.AuditTrail = []domain.AuditEntry{}
	return &a, nil
}

// SaveRuleSet stores a new rule set version and makes it active.
func (r *SQLRepository) SaveRuleSet(ctx context.Context, rs *domain.RuleSet) error {
	if rs == nil || rs.Version == "" {
		return &domain.ValidationError{Field: "version", Message: "is required"}
	}
	if rs.CreatedAt.IsZero() {
		rs.CreatedAt = time.Now().UTC()
	}
	return r.saveVersioned(ctx, "rule_sets", rs.Version, rs, rs.CreatedAt)
}

// GetRuleSet retrieves a rule set by version.
func (r *SQLRepository) GetRuleSet(ctx context.Context, version string) (*domain.RuleSet, error) {
	var rs domain.RuleSet
	if err := r.loadVersioned(ctx, "rule_sets", "version = ?", []any{version}, &rs, &rs.CreatedAt); err != nil {
		return nil, err
	}
	return &rs, nil
}

// GetActiveRuleSet retrieves the active rule set.
func (r *SQLRepository) GetActiveRuleSet(ctx context.Context) (*domain.RuleSet, error) {
	var rs domain.RuleSet
	if err := r.loadVersioned(ctx, "rule_sets", "active = 1", nil, &rs, &rs.CreatedAt); err != nil {
		return nil, err
	}
	return &rs, nil
}

// SaveThresholds stores a new threshold version and makes it active.
func (r *SQLRepository) SaveThresholds(ctx context.Context, tc *domain.ThresholdConfiguration) error {
	if tc == nil || tc.Version == "" {
		return &domain.ValidationError{Field: "version", Message: "is required"}
	}
	if tc.CreatedAt.IsZero() {
		tc.CreatedAt = time.Now().UTC()
	}
	return r.saveVersioned(ctx, "threshold_sets", tc.Version, tc, tc.CreatedAt)
}

// GetThresholds retrieves a threshold configuration by version.
func (r *SQLRepository) GetThresholds(ctx context.Context, version string) (*domain.ThresholdConfiguration, error) {
	var tc domain.ThresholdConfiguration
	if err := r.loadVersioned(ctx, "threshold_sets", "version = ?", []any{version}, &tc, &tc.CreatedAt); err != nil {
		return nil, err
	}
	return &tc, nil
}

// GetActiveThresholds retrieves the active threshold configuration.
func (r *SQLRepository) GetActiveThresholds(ctx context.Context) (*domain.ThresholdConfiguration, error) {
	var tc domain.ThresholdConfiguration
	if err := r.loadVersioned(ctx, "threshold_sets", "active = 1", nil, &tc, &tc.CreatedAt); err != nil {
		return nil, err
	}
	return &tc, nil
}

// saveVersioned inserts an immutable document version and flips the active
// marker to it. Re-saving an existing version is rejected.
func (r *SQLRepository) saveVersioned(ctx context.Context, table, version string, doc any, createdAt time.Time) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", table, err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE `+table+` SET active = 0 WHERE active = 1`); err != nil {
		return fmt.Errorf("deactivate %s: %w", table, err)
	}

	_, err = tx.ExecContext(ctx, r.rebind(`INSERT INTO `+table+` (version, document, active, created_at) VALUES (?, ?, 1, ?)`),
		version, string(data), createdAt.UTC())
	if err != nil {
		if r.isConstraintViolation(err) {
			return &domain.ValidationError{Field: "version", Message: fmt.Sprintf("%s already exists", version)}
		}
		return fmt.Errorf("insert %s: %w", table, err)
	}

	return tx.Commit()
}

func (r *SQLRepository) loadVersioned(ctx context.Context, table, where string, args []any, doc any, createdAt *time.Time) error {
	var data string
	err := r.db.QueryRowContext(ctx,
		r.rebind(`SELECT document, created_at FROM `+table+` WHERE `+where), args...,
	).Scan(&data, createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(data), doc); err != nil {
		return fmt.Errorf("unmarshal %s document: %w", table, err)
	}
	*createdAt = createdAt.UTC()
	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func (r *SQLRepository) isConstraintViolation(err error) bool {
	if r.driver == "postgres" {
		return isPostgresUniqueViolation(err)
	}
	return isSQLiteConstraint(err)
}

func marshalNullable(v *domain.RuleEvaluationContext) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
