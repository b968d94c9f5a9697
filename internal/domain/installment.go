package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// InstallmentStatus is the repayment state of one scheduled deduction.
type InstallmentStatus string

const (
	InstallmentPending   InstallmentStatus = "pending"
	InstallmentPaid      InstallmentStatus = "paid"
	InstallmentOverdue   InstallmentStatus = "overdue"
	InstallmentDefaulted InstallmentStatus = "defaulted"
)

// Installment is one entry of a request's repayment schedule. The
// reconciliation matcher marks entries paid; overdue/defaulted transitions
// come from portfolio operations outside this engine.
type Installment struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	RequestID   string `json:"requestId"`
	ApplicantID string `json:"applicantId"`

	// EmployerID is denormalized from the request's agreement so the
	// matcher can partition by employer without joins.
	EmployerID string `json:"employerId"`

	Number         int             `json:"number"`
	ExpectedAmount decimal.Decimal `json:"expectedAmount"`
	DueDate        time.Time       `json:"dueDate"`

	Status InstallmentStatus `json:"status"`

	PaidAmount decimal.Decimal `json:"paidAmount,omitzero"`
	PaidDate   time.Time       `json:"paidDate,omitzero"`
}

// PaymentHistory aggregates an applicant's installment history for the
// payment-history sub-score.
type PaymentHistory struct {
	Total     int
	Paid      int
	Overdue   int
	Defaulted int
}

// PaidRate returns the fraction of installments paid, 0 when empty.
func (h PaymentHistory) PaidRate() float64 {
	if h.Total == 0 {
		return 0
	}
	return float64(h.Paid) / float64(h.Total)
}
