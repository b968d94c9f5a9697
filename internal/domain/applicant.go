// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EmployerType classifies the public-sector sphere of an applicant's employer.
// Federal employment is considered the most stable, municipal the least.
type EmployerType string

const (
	EmployerFederal   EmployerType = "federal"
	EmployerState     EmployerType = "state"
	EmployerMunicipal EmployerType = "municipal"
	EmployerOther     EmployerType = "other"
)

// DocumentStatus is the review state of a single uploaded document.
type DocumentStatus string

const (
	DocumentPending  DocumentStatus = "pending"
	DocumentApproved DocumentStatus = "approved"
	DocumentRejected DocumentStatus = "rejected"
)

// Document is one applicant document with its review status.
// Upload and review happen outside this engine; the evaluators only read.
type Document struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"` // e.g. "identity", "proof_of_income", "proof_of_address"
	Status   DocumentStatus `json:"status"`
	Reviewed time.Time      `json:"reviewedAt,omitzero"`
}

// RequiredDocumentTypes is the fixed set checked by the document
// completeness rule.
var RequiredDocumentTypes = []string{"identity", "proof_of_income", "proof_of_address"}

// Applicant is an employee applying for payroll-deduction advances.
// Created by onboarding and mutated by margin recalculation, both external.
type Applicant struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	// TaxID is the applicant's national tax identifier.
	TaxID string `json:"taxId"`

	GrossSalary decimal.Decimal `json:"grossSalary"`
	NetSalary   decimal.Decimal `json:"netSalary"`

	EmployerType EmployerType `json:"employerType"`

	// AvailableMargin is the remaining consignable portion of salary.
	AvailableMargin decimal.Decimal `json:"availableMargin"`

	// Country of the registered address, ISO 3166-1 alpha-2.
	Country string `json:"country"`

	Documents []Document `json:"documents,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// EmploymentTenureMonths returns whole months elapsed since the applicant
// record was created, used as the employment tenure proxy.
func (a *Applicant) EmploymentTenureMonths(now time.Time) int {
	if now.Before(a.CreatedAt) {
		return 0
	}
	years := now.Year() - a.CreatedAt.Year()
	months := int(now.Month()) - int(a.CreatedAt.Month())
	total := years*12 + months
	if now.Day() < a.CreatedAt.Day() {
		total--
	}
	if total < 0 {
		return 0
	}
	return total
}

// DocumentCounts returns totals by review status.
func (a *Applicant) DocumentCounts() (approved, rejected, total int) {
	for _, d := range a.Documents {
		total++
		switch d.Status {
		case DocumentApproved:
			approved++
		case DocumentRejected:
			rejected++
		}
	}
	return approved, rejected, total
}

// HasDocumentOfType reports whether any document of the given type exists,
// regardless of review status.
func (a *Applicant) HasDocumentOfType(docType string) bool {
	for _, d := range a.Documents {
		if d.Type == docType {
			return true
		}
	}
	return false
}
