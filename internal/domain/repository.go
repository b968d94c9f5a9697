package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Applicant operations
	SaveApplicant(ctx context.Context, tenantID string, a *Applicant) error
	GetApplicant(ctx context.Context, tenantID string, applicantID string) (*Applicant, error)

	// Agreement operations
	SaveAgreement(ctx context.Context, tenantID string, a *Agreement) error
	GetAgreement(ctx context.Context, tenantID string, agreementID string) (*Agreement, error)

	// Eligibility rule operations
	SaveEligibilityRule(ctx context.Context, tenantID string, rule *EligibilityRule) error
	GetEligibilityRule(ctx context.Context, tenantID string, ruleID string) (*EligibilityRule, error)

	// ListEligibilityRules returns enabled rules scoped to the agreement
	// or unscoped, ordered by priority ascending.
	ListEligibilityRules(ctx context.Context, tenantID string, agreementID string) ([]*EligibilityRule, error)

	// Request operations
	SaveRequest(ctx context.Context, tenantID string, req *Request) error
	GetRequest(ctx context.Context, tenantID string, requestID string) (*Request, error)

	// CountRequestsByApplicant counts requests created at or after since.
	CountRequestsByApplicant(ctx context.Context, tenantID string, applicantID string, since time.Time) (int64, error)

	// TransitionRequestStatus performs a compare-and-swap on the workflow
	// status and persists the decision fields. Returns ErrConflict when
	// the request is no longer in the expected state, which makes a
	// concurrently retried decision a no-op instead of a double write.
	TransitionRequestStatus(ctx context.Context, tenantID string, req *Request, from RequestStatus) error

	// Score records (append-only audit log)
	SaveScoreRecord(ctx context.Context, tenantID string, rec *RiskScoreRecord) error
	GetScoreRecord(ctx context.Context, tenantID string, recordID string) (*RiskScoreRecord, error)

	// Installment operations
	SaveInstallment(ctx context.Context, tenantID string, inst *Installment) error
	GetInstallment(ctx context.Context, tenantID string, installmentID string) (*Installment, error)
	ListInstallmentsByApplicant(ctx context.Context, tenantID string, applicantID string) ([]*Installment, error)

	// ListPendingInstallments returns installments still pending with a
	// due date inside the period, for one employer.
	ListPendingInstallments(ctx context.Context, tenantID string, employerID string, period Period) ([]*Installment, error)

	// MarkInstallmentPaid transitions pending -> paid. Already-paid
	// entries are left untouched and reported as success so a retried
	// reconciliation run converges.
	MarkInstallmentPaid(ctx context.Context, tenantID string, installmentID string, amount decimal.Decimal, paidAt time.Time) error

	// Payroll batches (immutable once ingested)
	SavePayrollBatch(ctx context.Context, tenantID string, batch *PayrollBatch) error
	GetPayrollBatch(ctx context.Context, tenantID string, employerID string, period Period, kind BatchKind) (*PayrollBatch, error)

	// Reconciliation records. CreateReconciliation inserts the record in
	// reconciling state; a concurrent unfinished run for the same
	// (employer, period) yields ErrConflict, enforcing single-writer
	// execution per partition.
	CreateReconciliation(ctx context.Context, tenantID string, rec *ReconciliationRecord) error
	FinalizeReconciliation(ctx context.Context, tenantID string, rec *ReconciliationRecord) error
	GetReconciliation(ctx context.Context, tenantID string, reconciliationID string) (*ReconciliationRecord, error)

	// Settlement issues
	SaveSettlementIssue(ctx context.Context, tenantID string, issue *SettlementIssue) error
	IssueBacklog(ctx context.Context, tenantID string) (IssueBacklog, error)

	// Alerts. CreateAlertIfAbsent atomically inserts unless an active
	// alert of the same type already exists for the same calendar day;
	// returns false when suppressed.
	CreateAlertIfAbsent(ctx context.Context, tenantID string, alert *Alert) (bool, error)
	ListAlerts(ctx context.Context, tenantID string, status AlertStatus, since time.Time) ([]*Alert, error)
	ResolveAlert(ctx context.Context, tenantID string, alertID string, resolvedAt time.Time) error

	// Portfolio metrics for the monitor
	DecisionStats(ctx context.Context, tenantID string, from, to time.Time) (DecisionStats, error)
	DelinquencyStats(ctx context.Context, tenantID string) (DelinquencyStats, error)
	CountAgedNonTerminal(ctx context.Context, tenantID string, before time.Time) (int, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// DecisionStats summarizes decided requests in a window.
type DecisionStats struct {
	Decided  int `json:"decided"`
	Rejected int `json:"rejected"`
}

// RejectionRate returns rejected/decided, 0 when nothing was decided.
func (s DecisionStats) RejectionRate() float64 {
	if s.Decided == 0 {
		return 0
	}
	return float64(s.Rejected) / float64(s.Decided)
}

// DelinquencyStats summarizes the installment portfolio.
type DelinquencyStats struct {
	Overdue int `json:"overdue"`
	Total   int `json:"total"`
}

// Ratio returns overdue/total, 0 when the portfolio is empty.
func (s DelinquencyStats) Ratio() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Overdue) / float64(s.Total)
}

// IssueBacklog summarizes unresolved settlement issues.
type IssueBacklog struct {
	Count       int             `json:"count"`
	Outstanding decimal.Decimal `json:"outstanding"`
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
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
