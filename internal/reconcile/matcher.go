// Package reconcile matches sent payroll deductions against employer
// return files and classifies every mismatch.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Matcher runs period reconciliation for one employer partition at a
// time. The repository's conditional insert enforces single-writer
// execution per (employer, period).
type Matcher struct {
	repo       domain.Repository
	bus        domain.EventBus
	thresholds domain.Thresholds
	logger     *slog.Logger
}

// New creates a reconciliation matcher.
func New(repo domain.Repository, bus domain.EventBus, thresholds domain.Thresholds, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{
		repo:       repo,
		bus:        bus,
		thresholds: thresholds,
		logger:     logger,
	}
}

type matchKey struct {
	applicantID   string
	requestID     string
	installmentID string
}

// Run reconciles one employer/period partition. Every downstream write
// is idempotent and keyed by the run so a retried run converges instead
// of double-matching.
func (m *Matcher) Run(ctx context.Context, tenantID, employerID string, period domain.Period) (*domain.ReconciliationRecord, error) {
	if employerID == "" {
		return nil, fmt.Errorf("employerID is required")
	}
	if period.IsZero() {
		return nil, fmt.Errorf("period is required")
	}

	// Both batches must exist before a run starts; reconciling against
	// a missing return file would classify everything missing_return.
	if _, err := m.repo.GetPayrollBatch(ctx, tenantID, employerID, period, domain.BatchSent); err != nil {
		return nil, fmt.Errorf("sent batch unavailable: %w", err)
	}
	confirmed, err := m.repo.GetPayrollBatch(ctx, tenantID, employerID, period, domain.BatchConfirmed)
	if err != nil {
		return nil, fmt.Errorf("confirmed batch unavailable: %w", err)
	}

	pending, err := m.repo.ListPendingInstallments(ctx, tenantID, employerID, period)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending installments: %w", err)
	}

	record := &domain.ReconciliationRecord{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		EmployerID: employerID,
		Period:     period,
		Status:     domain.ReconStatusReconciling,
		StartedAt:  time.Now().UTC(),
	}
	if err := m.repo.CreateReconciliation(ctx, tenantID, record); err != nil {
		return nil, err
	}

	m.match(ctx, tenantID, record, pending, confirmed.Records)

	record.CompletedAt = time.Now().UTC()
	if err := m.repo.FinalizeReconciliation(ctx, tenantID, record); err != nil {
		return nil, fmt.Errorf("failed to finalize reconciliation: %w", err)
	}

	if record.VariancePct.Abs().GreaterThan(m.thresholds.VariancePct) {
		m.raiseVarianceAlert(ctx, tenantID, record)
	}

	m.publish(ctx, tenantID, record)

	m.logger.Info("reconciliation completed",
		"reconciliationId", record.ID,
		"employerId", employerID,
		"period", period.String(),
		"status", record.Status,
		"matchedRecords", record.MatchedRecords,
		"divergencies", len(record.Divergencies),
	)

	return record, nil
}

// match walks the sent side (pending installments due in the period),
// pairs each against the confirmed return records, then sweeps the
// confirmed side for returns that were never sent.
func (m *Matcher) match(ctx context.Context, tenantID string, record *domain.ReconciliationRecord, pending []*domain.Installment, returns []domain.PayrollRecord) {
	confirmedByKey := make(map[matchKey]domain.PayrollRecord, len(returns))
	for _, ret := range returns {
		confirmedByKey[matchKey{ret.ApplicantID, ret.RequestID, ret.InstallmentID}] = ret
	}

	record.SentTotal = decimal.Zero
	record.MatchedAmount = decimal.Zero
	record.ConfirmedTotal = decimal.Zero
	for _, ret := range returns {
		record.ConfirmedTotal = record.ConfirmedTotal.Add(ret.Amount)
	}

	now := time.Now().UTC()
	sentKeys := make(map[matchKey]bool, len(pending))

	for _, inst := range pending {
		key := matchKey{inst.ApplicantID, inst.RequestID, inst.ID}
		sentKeys[key] = true
		record.SentTotal = record.SentTotal.Add(inst.ExpectedAmount)
		record.SentRecords++

		ret, found := confirmedByKey[key]
		if !found {
			record.Divergencies = append(record.Divergencies, domain.Divergence{
				Type:          domain.DivergenceMissingReturn,
				ApplicantID:   inst.ApplicantID,
				RequestID:     inst.RequestID,
				InstallmentID: inst.ID,
				SentAmount:    inst.ExpectedAmount,
				Detail:        "sent for deduction, never confirmed",
			})
			m.openIssue(ctx, tenantID, record, inst, inst.ExpectedAmount, domain.SeverityHigh, "contact employer", now)
			continue
		}

		if inst.ExpectedAmount.Sub(ret.Amount).Abs().GreaterThan(m.thresholds.AmountTolerance) {
			record.Divergencies = append(record.Divergencies, domain.Divergence{
				Type:          domain.DivergenceAmountMismatch,
				ApplicantID:   inst.ApplicantID,
				RequestID:     inst.RequestID,
				InstallmentID: inst.ID,
				SentAmount:    inst.ExpectedAmount,
				ReturnAmount:  ret.Amount,
				Detail:        fmt.Sprintf("expected %s, employer returned %s", inst.ExpectedAmount.StringFixed(2), ret.Amount.StringFixed(2)),
			})
			// The employer did confirm ret.Amount; only the delta is
			// outstanding. Variance therefore carries the delta, not the
			// full sent amount.
			record.MatchedAmount = record.MatchedAmount.Add(ret.Amount)
			m.openIssue(ctx, tenantID, record, inst,
				inst.ExpectedAmount.Sub(ret.Amount), domain.SeverityMedium, "verify amounts with employer", now)
			continue
		}

		if err := m.repo.MarkInstallmentPaid(ctx, tenantID, inst.ID, ret.Amount, now); err != nil {
			m.logger.Error("failed to mark installment paid", "installmentId", inst.ID, "error", err)
			continue
		}
		record.MatchedAmount = record.MatchedAmount.Add(ret.Amount)
		record.MatchedRecords++
	}

	for _, ret := range returns {
		key := matchKey{ret.ApplicantID, ret.RequestID, ret.InstallmentID}
		if !sentKeys[key] {
			record.Divergencies = append(record.Divergencies, domain.Divergence{
				Type:          domain.DivergenceExtraReturn,
				ApplicantID:   ret.ApplicantID,
				RequestID:     ret.RequestID,
				InstallmentID: ret.InstallmentID,
				ReturnAmount:  ret.Amount,
				Detail:        "confirmed but never sent, investigate origin",
			})
		}
	}

	record.VarianceAmount = record.SentTotal.Sub(record.MatchedAmount)
	if record.SentTotal.IsZero() {
		record.VariancePct = decimal.Zero
	} else {
		record.VariancePct = record.VarianceAmount.
			Div(record.SentTotal).
			Mul(decimal.NewFromInt(100)).
			Round(2)
	}

	if record.VariancePct.Abs().GreaterThan(m.thresholds.VariancePct) {
		record.Status = domain.ReconStatusWithDivergencies
	} else {
		// A small divergence list can still close as reconciled when the
		// amount impact stays under the variance threshold.
		record.Status = domain.ReconStatusReconciled
	}
}

// openIssue creates a collection issue for an unmatched or mismatched
// installment. Keyed by (run, installment) so re-execution upserts
// instead of duplicating.
func (m *Matcher) openIssue(ctx context.Context, tenantID string, record *domain.ReconciliationRecord, inst *domain.Installment, outstanding decimal.Decimal, severity domain.Severity, strategy string, now time.Time) {
	daysOverdue := 0
	if now.After(inst.DueDate) {
		daysOverdue = int(now.Sub(inst.DueDate).Hours() / 24)
	}

	issue := &domain.SettlementIssue{
		ID:                 uuid.New().String(),
		TenantID:           tenantID,
		ReconciliationID:   record.ID,
		EmployerID:         record.EmployerID,
		ApplicantID:        inst.ApplicantID,
		RequestID:          inst.RequestID,
		InstallmentID:      inst.ID,
		Severity:           severity,
		OutstandingAmount:  outstanding,
		DaysOverdue:        daysOverdue,
		CollectionStrategy: strategy,
		Status:             domain.IssueOpen,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := m.repo.SaveSettlementIssue(ctx, tenantID, issue); err != nil {
		m.logger.Error("failed to open settlement issue", "installmentId", inst.ID, "error", err)
	}
}

func (m *Matcher) raiseVarianceAlert(ctx context.Context, tenantID string, record *domain.ReconciliationRecord) {
	alert := &domain.Alert{
		ID:       uuid.New().String(),
		TenantID: tenantID,
		Type:     domain.AlertReconciliationVariance,
		Severity: domain.SeverityHigh,
		Status:   domain.AlertActive,
		Title:    fmt.Sprintf("reconciliation variance %s%% for %s %s", record.VariancePct.StringFixed(2), record.EmployerID, record.Period),
		Metrics: map[string]any{
			"reconciliationId":   record.ID,
			"employerId":         record.EmployerID,
			"period":             record.Period.String(),
			"sentTotal":          record.SentTotal.StringFixed(2),
			"matchedAmount":      record.MatchedAmount.StringFixed(2),
			"varianceAmount":     record.VarianceAmount.StringFixed(2),
			"variancePercentage": record.VariancePct.StringFixed(2),
			"divergencies":       len(record.Divergencies),
		},
		TriggeredAt: time.Now().UTC(),
	}

	if _, err := m.repo.CreateAlertIfAbsent(ctx, tenantID, alert); err != nil {
		m.logger.Error("failed to raise variance alert", "reconciliationId", record.ID, "error", err)
	}
}

func (m *Matcher) publish(ctx context.Context, tenantID string, record *domain.ReconciliationRecord) {
	if m.bus == nil {
		return
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return
	}
	if err := m.bus.Publish(ctx, tenantID, domain.TopicReconciliationCompleted, payload); err != nil {
		m.logger.Warn("failed to publish reconciliation event", "reconciliationId", record.ID, "error", err)
	}
}
