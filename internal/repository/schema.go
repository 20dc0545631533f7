package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL. Decimals are stored as TEXT so
// scores and ratios round-trip exactly.

const schemaAssessments = `
CREATE TABLE IF NOT EXISTS assessments (
    id TEXT PRIMARY KEY,
    loan_application_id TEXT NOT NULL,
    client_id TEXT NOT NULL,
    status TEXT NOT NULL,
    risk_grade TEXT NOT NULL DEFAULT '',
    credit_score TEXT NOT NULL,
    debt_to_income TEXT NOT NULL,
    payment_capacity TEXT NOT NULL,
    decision TEXT NOT NULL DEFAULT '',
    decision_reason TEXT NOT NULL DEFAULT '',
    config_version TEXT NOT NULL DEFAULT '',
    rule_set_version TEXT NOT NULL DEFAULT '',
    threshold_version TEXT NOT NULL DEFAULT '',
    product_type TEXT NOT NULL,
    requested_amount TEXT NOT NULL,
    term_months INTEGER NOT NULL,
    assessment_context TEXT NOT NULL,
    assessed_by TEXT NOT NULL,
    assessed_at TIMESTAMP NOT NULL,
    evaluation_context TEXT,
    factors TEXT NOT NULL,
    version INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_assessments_loan_app ON assessments(loan_application_id, created_at);
CREATE INDEX IF NOT EXISTS idx_assessments_client ON assessments(client_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_assessments_active ON assessments(loan_application_id)
    WHERE status IN ('Pending', 'InProgress', 'Completed');
`

// Overrides and audit entries are append-only; rows are never updated.
const schemaAssessmentHistory = `
CREATE TABLE IF NOT EXISTS assessment_overrides (
    id TEXT PRIMARY KEY,
    assessment_id TEXT NOT NULL,
    officer TEXT NOT NULL,
    reason TEXT NOT NULL,
    outcome TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_overrides_officer ON assessment_overrides(assessment_id, officer);

CREATE TABLE IF NOT EXISTS assessment_audit (
    id TEXT PRIMARY KEY,
    assessment_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    occurred_at TIMESTAMP NOT NULL,
    actor TEXT NOT NULL,
    action TEXT NOT NULL,
    details TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_assessment ON assessment_audit(assessment_id, seq);
`

// schemaRiskConfig holds versioned rule sets and threshold configurations.
// Exactly one row per table carries active = 1.
const schemaRiskConfig = `
CREATE TABLE IF NOT EXISTS rule_sets (
    version TEXT PRIMARY KEY,
    document TEXT NOT NULL,
    active INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS threshold_sets (
    version TEXT PRIMARY KEY,
    document TEXT NOT NULL,
    active INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaAssessments,
		schemaAssessmentHistory,
		schemaRiskConfig,
	}
}
