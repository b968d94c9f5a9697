package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReconciliationStatus is the state of one matcher run.
type ReconciliationStatus string

const (
	ReconStatusReconciling      ReconciliationStatus = "reconciling"
	ReconStatusReconciled       ReconciliationStatus = "reconciled"
	ReconStatusWithDivergencies ReconciliationStatus = "with_divergencies"

	// ReconStatusSuperseded marks a finished run that a later run for the
	// same (employer, period) partition has replaced.
	ReconStatusSuperseded ReconciliationStatus = "superseded"
)

// Divergence classifications.
const (
	// DivergenceMissingReturn: sent for deduction, never confirmed.
	DivergenceMissingReturn = "missing_return"

	// DivergenceAmountMismatch: confirmed with a different amount.
	DivergenceAmountMismatch = "amount_mismatch"

	// DivergenceExtraReturn: confirmed but never sent; origin needs
	// investigation.
	DivergenceExtraReturn = "extra_return"
)

// Divergence is one classified mismatch between the sent and confirmed
// sides of a reconciliation.
type Divergence struct {
	Type          string          `json:"type"`
	ApplicantID   string          `json:"applicantId"`
	RequestID     string          `json:"requestId"`
	InstallmentID string          `json:"installmentId"`
	SentAmount    decimal.Decimal `json:"sentAmount"`
	ReturnAmount  decimal.Decimal `json:"returnAmount"`
	Detail        string          `json:"detail,omitempty"`
}

// Delta returns the signed sent-minus-confirmed amount gap.
func (d Divergence) Delta() decimal.Decimal {
	return d.SentAmount.Sub(d.ReturnAmount)
}

// ReconciliationRecord is the outcome of one matcher run for one
// (employer, period) partition. A run creates and finalizes exactly one
// record; re-running creates a new record and marks the finished
// predecessor superseded rather than reopening it.
type ReconciliationRecord struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	EmployerID string `json:"employerId"`
	Period     Period `json:"period"`

	Status ReconciliationStatus `json:"status"`

	SentTotal      decimal.Decimal `json:"sentTotal"`
	SentRecords    int             `json:"sentRecords"`
	ConfirmedTotal decimal.Decimal `json:"confirmedTotal"`

	MatchedAmount  decimal.Decimal `json:"matchedAmount"`
	MatchedRecords int             `json:"matchedRecords"`

	VarianceAmount decimal.Decimal `json:"varianceAmount"`
	VariancePct    decimal.Decimal `json:"variancePercentage"`

	Divergencies []Divergence `json:"divergencies,omitempty"`

	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt,omitzero"`
}

// Severity grades alerts, issues and fraud indicators.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SettlementIssue statuses. The matcher only opens issues; the collection
// lifecycle beyond open is managed externally.
type IssueStatus string

const (
	IssueOpen         IssueStatus = "open"
	IssueInCollection IssueStatus = "in_collection"
	IssueNegotiating  IssueStatus = "negotiating"
	IssueLegal        IssueStatus = "legal"
	IssueResolved     IssueStatus = "resolved"
	IssueWrittenOff   IssueStatus = "written_off"
)

// SettlementIssue tracks one unresolved or mismatched payroll deduction.
type SettlementIssue struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	ReconciliationID string `json:"reconciliationId"`
	EmployerID       string `json:"employerId"`
	ApplicantID      string `json:"applicantId"`
	RequestID        string `json:"requestId"`
	InstallmentID    string `json:"installmentId"`

	Severity           Severity        `json:"severity"`
	OutstandingAmount  decimal.Decimal `json:"outstandingAmount"`
	DaysOverdue        int             `json:"daysOverdue"`
	CollectionStrategy string          `json:"collectionStrategy,omitempty"`

	Status IssueStatus `json:"status"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
