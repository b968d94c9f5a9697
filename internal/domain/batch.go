package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Period is a payroll year-month, formatted "YYYY-MM".
type Period struct {
	Year  int
	Month time.Month
}

// ParsePeriod parses "YYYY-MM".
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Period{}, fmt.Errorf("invalid period %q: expected YYYY-MM", s)
	}
	return Period{Year: t.Year(), Month: t.Month()}, nil
}

// PeriodOf returns the period containing t.
func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: t.Month()}
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

// Start returns the first instant of the period in UTC.
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End returns the first instant of the following period in UTC.
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, 0)
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	u := t.UTC()
	return !u.Before(p.Start()) && u.Before(p.End())
}

// IsZero reports whether the period is unset.
func (p Period) IsZero() bool {
	return p.Year == 0 && p.Month == 0
}

// MarshalJSON encodes the period as its string form.
func (p Period) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.String() + `"`), nil
}

// UnmarshalJSON decodes "YYYY-MM".
func (p *Period) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("invalid period JSON: %s", data)
	}
	parsed, err := ParsePeriod(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// BatchKind distinguishes the two sides of a reconciliation.
type BatchKind string

const (
	// BatchSent holds the deduction instructions transmitted to the
	// employer for a period.
	BatchSent BatchKind = "sent"

	// BatchConfirmed holds the deductions the employer reports as
	// actually withheld.
	BatchConfirmed BatchKind = "confirmed"
)

// PayrollRecord is one deduction line inside a batch. The
// (applicant, request, installment) triple is the matching key.
type PayrollRecord struct {
	ApplicantID   string          `json:"applicantId"`
	RequestID     string          `json:"requestId"`
	InstallmentID string          `json:"installmentId"`
	Amount        decimal.Decimal `json:"amount"`
}

// PayrollBatch is one ingested remittance or return file, immutable once
// stored. Ingestion is external to this engine.
type PayrollBatch struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	EmployerID string    `json:"employerId"`
	Period     Period    `json:"period"`
	Kind       BatchKind `json:"kind"`

	TotalAmount  decimal.Decimal `json:"totalAmount"`
	TotalRecords int             `json:"totalRecords"`

	Records []PayrollRecord `json:"records"`

	IngestedAt time.Time `json:"ingestedAt"`
}
