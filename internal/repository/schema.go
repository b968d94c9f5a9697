package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaApplicants = `
CREATE TABLE IF NOT EXISTS applicants (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    tax_id TEXT NOT NULL,
    gross_salary TEXT NOT NULL,
    net_salary TEXT NOT NULL,
    employer_type TEXT NOT NULL,
    available_margin TEXT NOT NULL,
    country TEXT,
    documents TEXT,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_applicants_tenant ON applicants(tenant_id);
CREATE INDEX IF NOT EXISTS idx_applicants_tax ON applicants(tenant_id, tax_id);
`

const schemaAgreements = `
CREATE TABLE IF NOT EXISTS agreements (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    employer_id TEXT NOT NULL,
    name TEXT NOT NULL,
    cutoff_day INTEGER NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    margin_manager_ref TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_agreements_employer ON agreements(tenant_id, employer_id);
`

const schemaEligibilityRules = `
CREATE TABLE IF NOT EXISTS eligibility_rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    kind TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 100,
    agreement_id TEXT,
    threshold TEXT NOT NULL,
    expression TEXT,
    action TEXT NOT NULL,
    message TEXT,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_rules_tenant ON eligibility_rules(tenant_id);
CREATE INDEX IF NOT EXISTS idx_rules_enabled ON eligibility_rules(tenant_id, enabled);
CREATE INDEX IF NOT EXISTS idx_rules_agreement ON eligibility_rules(tenant_id, agreement_id);
`

const schemaRequests = `
CREATE TABLE IF NOT EXISTS requests (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    applicant_id TEXT NOT NULL,
    agreement_id TEXT NOT NULL,
    amount_requested TEXT NOT NULL,
    amount_approved TEXT,
    status TEXT NOT NULL,
    decision TEXT,
    score INTEGER,
    risk_level TEXT,
    fraud_score INTEGER,
    confidence_level INTEGER,
    review_priority TEXT,
    decision_reasons TEXT,
    created_at TIMESTAMP NOT NULL,
    decided_at TIMESTAMP,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_requests_tenant ON requests(tenant_id);
CREATE INDEX IF NOT EXISTS idx_requests_applicant ON requests(tenant_id, applicant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_requests_decided ON requests(tenant_id, decided_at);
`

const schemaScoreRecords = `
CREATE TABLE IF NOT EXISTS score_records (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    overall_score INTEGER NOT NULL,
    risk_level TEXT NOT NULL,
    action TEXT NOT NULL,
    components TEXT,
    indicators TEXT,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_scores_entity ON score_records(tenant_id, entity_type, entity_id, created_at);
`

const schemaInstallments = `
CREATE TABLE IF NOT EXISTS installments (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    request_id TEXT NOT NULL,
    applicant_id TEXT NOT NULL,
    employer_id TEXT NOT NULL,
    number INTEGER NOT NULL,
    expected_amount TEXT NOT NULL,
    due_date TIMESTAMP NOT NULL,
    status TEXT NOT NULL,
    paid_amount TEXT,
    paid_date TIMESTAMP,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_installments_applicant ON installments(tenant_id, applicant_id);
CREATE INDEX IF NOT EXISTS idx_installments_employer ON installments(tenant_id, employer_id, due_date);
CREATE INDEX IF NOT EXISTS idx_installments_status ON installments(tenant_id, status);
`

const schemaPayrollBatches = `
CREATE TABLE IF NOT EXISTS payroll_batches (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    employer_id TEXT NOT NULL,
    period TEXT NOT NULL,
    kind TEXT NOT NULL,
    total_amount TEXT NOT NULL,
    total_records INTEGER NOT NULL,
    records TEXT NOT NULL,
    ingested_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_batches_partition
    ON payroll_batches(tenant_id, employer_id, period, kind);
`

// The partial unique index keeps at most one unfinished run per
// (employer, period) partition: single-writer reconciliation.
const schemaReconciliations = `
CREATE TABLE IF NOT EXISTS reconciliations (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    employer_id TEXT NOT NULL,
    period TEXT NOT NULL,
    status TEXT NOT NULL,
    sent_total TEXT NOT NULL,
    sent_records INTEGER NOT NULL,
    confirmed_total TEXT NOT NULL,
    matched_amount TEXT NOT NULL,
    matched_records INTEGER NOT NULL,
    variance_amount TEXT NOT NULL,
    variance_pct TEXT NOT NULL,
    divergencies TEXT,
    started_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP,
    PRIMARY KEY (id, tenant_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_recon_single_writer
    ON reconciliations(tenant_id, employer_id, period)
    WHERE status = 'reconciling';

CREATE INDEX IF NOT EXISTS idx_recon_partition ON reconciliations(tenant_id, employer_id, period);
`

const schemaSettlementIssues = `
CREATE TABLE IF NOT EXISTS settlement_issues (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    reconciliation_id TEXT NOT NULL,
    employer_id TEXT NOT NULL,
    applicant_id TEXT NOT NULL,
    request_id TEXT NOT NULL,
    installment_id TEXT NOT NULL,
    severity TEXT NOT NULL,
    outstanding_amount TEXT NOT NULL,
    days_overdue INTEGER NOT NULL DEFAULT 0,
    collection_strategy TEXT,
    status TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_issues_status ON settlement_issues(tenant_id, status);

CREATE UNIQUE INDEX IF NOT EXISTS idx_issues_installment
    ON settlement_issues(tenant_id, reconciliation_id, installment_id);
`

// The partial unique index makes "create alert if absent today" atomic:
// at most one active alert per (type, calendar day).
const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    alert_type TEXT NOT NULL,
    severity TEXT NOT NULL,
    status TEXT NOT NULL,
    title TEXT,
    metrics TEXT,
    triggered_day TEXT NOT NULL,
    triggered_at TIMESTAMP NOT NULL,
    resolved_at TIMESTAMP,
    PRIMARY KEY (id, tenant_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_dedupe
    ON alerts(tenant_id, alert_type, triggered_day)
    WHERE status = 'active';

CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(tenant_id, status, triggered_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaApplicants,
		schemaAgreements,
		schemaEligibilityRules,
		schemaRequests,
		schemaScoreRecords,
		schemaInstallments,
		schemaPayrollBatches,
		schemaReconciliations,
		schemaSettlementIssues,
		schemaAlerts,
	}
}
