package domain

import "time"

// AlertType identifies what condition triggered an alert.
type AlertType string

const (
	AlertRejectionSpike         AlertType = "rejection_spike"
	AlertHighDelinquency        AlertType = "high_delinquency"
	AlertSLABreach              AlertType = "sla_breach"
	AlertReconciliationBacklog  AlertType = "reconciliation_backlog"
	AlertReconciliationVariance AlertType = "reconciliation_variance"
	AlertFraudSuspicion         AlertType = "fraud_suspicion"
)

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertActive   AlertStatus = "active"
	AlertResolved AlertStatus = "resolved"
)

// Alert is an operational alert raised by the monitor, the fraud
// evaluator, or the reconciliation matcher.
//
// Invariant: at most one active alert per (type, calendar day). The
// repository enforces this with a conditional insert so concurrent sweeps
// cannot create duplicates.
type Alert struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	Type     AlertType   `json:"alertType"`
	Severity Severity    `json:"severity"`
	Status   AlertStatus `json:"status"`

	Title string `json:"title"`

	// Metrics carries the measured values that tripped the threshold.
	Metrics map[string]any `json:"metrics,omitempty"`

	TriggeredAt time.Time `json:"triggeredAt"`
	ResolvedAt  time.Time `json:"resolvedAt,omitzero"`
}
