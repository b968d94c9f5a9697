package domain

import "time"

// Agreement is a payroll-deduction contract with an employer (convenio).
// Read-only to this engine; lifecycle management is external.
type Agreement struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	// EmployerID identifies the employer bound by this agreement.
	EmployerID string `json:"employerId"`

	Name string `json:"name"`

	// CutoffDay is the day of month after which deduction instructions
	// roll over to the next payroll cycle.
	CutoffDay int `json:"cutoffDay"`

	Active bool `json:"active"`

	// MarginManagerRef points at the external margin management system.
	MarginManagerRef string `json:"marginManagerRef,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DaysUntilCutoff returns the number of days from now until the next
// occurrence of the agreement's cut-off day.
func (a *Agreement) DaysUntilCutoff(now time.Time) int {
	day := a.CutoffDay
	if day <= 0 {
		return 0
	}
	cutoff := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	lastDay := cutoff.AddDate(0, 1, -1).Day()
	if day > lastDay {
		day = lastDay
	}
	cutoff = time.Date(now.Year(), now.Month(), day, 0, 0, 0, 0, now.Location())
	if cutoff.Before(now.Truncate(24 * time.Hour)) {
		cutoff = cutoff.AddDate(0, 1, 0)
	}
	return int(cutoff.Sub(now.Truncate(24*time.Hour)).Hours() / 24)
}
