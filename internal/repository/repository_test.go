package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newTestRepository(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	return repo
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetApplicant", func(t *testing.T) {
		applicant := &domain.Applicant{
			ID:              "app-001",
			TenantID:        tenantID,
			TaxID:           "123.456.789-00",
			GrossSalary:     decimal.NewFromInt(4000),
			NetSalary:       decimal.NewFromInt(3200),
			EmployerType:    domain.EmployerFederal,
			AvailableMargin: decimal.NewFromInt(1200),
			Country:         "BR",
			Documents: []domain.Document{
				{ID: "doc-1", Type: "identity", Status: domain.DocumentApproved},
			},
			CreatedAt: time.Now().UTC(),
		}

		if err := repo.SaveApplicant(ctx, tenantID, applicant); err != nil {
			t.Fatalf("SaveApplicant failed: %v", err)
		}

		got, err := repo.GetApplicant(ctx, tenantID, "app-001")
		if err != nil {
			t.Fatalf("GetApplicant failed: %v", err)
		}
		if got.TaxID != applicant.TaxID {
			t.Errorf("expected tax id %s, got %s", applicant.TaxID, got.TaxID)
		}
		if !got.GrossSalary.Equal(applicant.GrossSalary) {
			t.Errorf("expected gross salary %s, got %s", applicant.GrossSalary, got.GrossSalary)
		}
		if len(got.Documents) != 1 || got.Documents[0].Status != domain.DocumentApproved {
			t.Errorf("expected documents to round-trip, got %+v", got.Documents)
		}
	})

	t.Run("UpsertApplicant", func(t *testing.T) {
		applicant := &domain.Applicant{
			ID:          "app-001",
			TaxID:       "123.456.789-00",
			GrossSalary: decimal.NewFromInt(4500),
			NetSalary:   decimal.NewFromInt(3600),
			CreatedAt:   time.Now().UTC(),
		}
		if err := repo.SaveApplicant(ctx, tenantID, applicant); err != nil {
			t.Fatalf("SaveApplicant upsert failed: %v", err)
		}

		got, err := repo.GetApplicant(ctx, tenantID, "app-001")
		if err != nil {
			t.Fatalf("GetApplicant failed: %v", err)
		}
		if !got.GrossSalary.Equal(decimal.NewFromInt(4500)) {
			t.Errorf("expected updated salary 4500, got %s", got.GrossSalary)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		if _, err := repo.GetApplicant(ctx, "other-tenant", "app-001"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for other tenant, got %v", err)
		}
	})

	t.Run("SaveAndGetAgreement", func(t *testing.T) {
		agreement := &domain.Agreement{
			ID:         "agr-001",
			TenantID:   tenantID,
			EmployerID: "employer-001",
			Name:       "Ministry of Finance",
			CutoffDay:  20,
			Active:     true,
			CreatedAt:  time.Now().UTC(),
		}
		if err := repo.SaveAgreement(ctx, tenantID, agreement); err != nil {
			t.Fatalf("SaveAgreement failed: %v", err)
		}

		got, err := repo.GetAgreement(ctx, tenantID, "agr-001")
		if err != nil {
			t.Fatalf("GetAgreement failed: %v", err)
		}
		if got.CutoffDay != 20 {
			t.Errorf("expected cutoff day 20, got %d", got.CutoffDay)
		}
	})

	t.Run("EligibilityRuleScoping", func(t *testing.T) {
		rules := []*domain.EligibilityRule{
			{ID: "rule-global", Name: "minimum salary", Kind: domain.RuleMinimumSalary, Priority: 10, Threshold: decimal.NewFromInt(1500), Action: domain.ActionReject, Enabled: true},
			{ID: "rule-scoped", Name: "tenure", Kind: domain.RuleEmploymentTenure, Priority: 5, AgreementID: "agr-001", Threshold: decimal.NewFromInt(6), Action: domain.ActionReject, Enabled: true},
			{ID: "rule-other", Name: "other tenure", Kind: domain.RuleEmploymentTenure, Priority: 1, AgreementID: "agr-999", Threshold: decimal.NewFromInt(12), Action: domain.ActionReject, Enabled: true},
			{ID: "rule-disabled", Name: "disabled", Kind: domain.RuleMinimumSalary, Priority: 1, Threshold: decimal.NewFromInt(9000), Action: domain.ActionReject, Enabled: false},
		}
		for _, rule := range rules {
			if err := repo.SaveEligibilityRule(ctx, tenantID, rule); err != nil {
				t.Fatalf("SaveEligibilityRule(%s) failed: %v", rule.ID, err)
			}
		}

		listed, err := repo.ListEligibilityRules(ctx, tenantID, "agr-001")
		if err != nil {
			t.Fatalf("ListEligibilityRules failed: %v", err)
		}
		if len(listed) != 2 {
			t.Fatalf("expected 2 rules (global + scoped), got %d", len(listed))
		}
		if listed[0].ID != "rule-scoped" || listed[1].ID != "rule-global" {
			t.Errorf("expected priority order [rule-scoped rule-global], got [%s %s]", listed[0].ID, listed[1].ID)
		}

		got, err := repo.GetEligibilityRule(ctx, tenantID, "rule-global")
		if err != nil {
			t.Fatalf("GetEligibilityRule failed: %v", err)
		}
		if !got.Threshold.Equal(decimal.NewFromInt(1500)) {
			t.Errorf("expected threshold 1500, got %s", got.Threshold)
		}
	})

	t.Run("RequestLifecycle", func(t *testing.T) {
		req := &domain.Request{
			ID:              "req-001",
			TenantID:        tenantID,
			ApplicantID:     "app-001",
			AgreementID:     "agr-001",
			AmountRequested: decimal.NewFromInt(1000),
			Status:          domain.StatusPendingDecision,
			CreatedAt:       time.Now().UTC(),
		}
		if err := repo.SaveRequest(ctx, tenantID, req); err != nil {
			t.Fatalf("SaveRequest failed: %v", err)
		}

		got, err := repo.GetRequest(ctx, tenantID, "req-001")
		if err != nil {
			t.Fatalf("GetRequest failed: %v", err)
		}
		if got.Status != domain.StatusPendingDecision {
			t.Errorf("expected status pending_decision, got %s", got.Status)
		}

		count, err := repo.CountRequestsByApplicant(ctx, tenantID, "app-001", time.Now().UTC().Add(-time.Hour))
		if err != nil {
			t.Fatalf("CountRequestsByApplicant failed: %v", err)
		}
		if count != 1 {
			t.Errorf("expected 1 request in window, got %d", count)
		}

		count, err = repo.CountRequestsByApplicant(ctx, tenantID, "app-001", time.Now().UTC().Add(time.Hour))
		if err != nil {
			t.Fatalf("CountRequestsByApplicant failed: %v", err)
		}
		if count != 0 {
			t.Errorf("expected 0 requests after cutoff, got %d", count)
		}
	})

	t.Run("TransitionRequestStatus", func(t *testing.T) {
		req, err := repo.GetRequest(ctx, tenantID, "req-001")
		if err != nil {
			t.Fatalf("GetRequest failed: %v", err)
		}

		req.Status = domain.StatusMarginCheck
		req.Decision = domain.DecisionApproved
		req.AmountApproved = decimal.NewFromInt(1000)
		req.Score = 82
		req.RiskLevel = domain.RiskLow
		req.FraudScore = 100
		req.ConfidenceLevel = 100
		req.DecisionReasons = []string{"eligibility approved"}
		req.DecidedAt = time.Now().UTC()

		if err := repo.TransitionRequestStatus(ctx, tenantID, req, domain.StatusPendingDecision); err != nil {
			t.Fatalf("TransitionRequestStatus failed: %v", err)
		}

		got, err := repo.GetRequest(ctx, tenantID, "req-001")
		if err != nil {
			t.Fatalf("GetRequest failed: %v", err)
		}
		if got.Status != domain.StatusMarginCheck {
			t.Errorf("expected status margin_check, got %s", got.Status)
		}
		if got.Score != 82 {
			t.Errorf("expected score 82, got %d", got.Score)
		}
		if len(got.DecisionReasons) != 1 {
			t.Errorf("expected decision reasons to round-trip, got %v", got.DecisionReasons)
		}

		// Lost compare-and-swap: the request already left pending_decision.
		if err := repo.TransitionRequestStatus(ctx, tenantID, req, domain.StatusPendingDecision); !errors.Is(err, ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}

		missing := &domain.Request{ID: "req-missing", Status: domain.StatusRejected}
		if err := repo.TransitionRequestStatus(ctx, tenantID, missing, domain.StatusPendingDecision); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ScoreRecords", func(t *testing.T) {
		rec := &domain.RiskScoreRecord{
			ID:           "score-001",
			TenantID:     tenantID,
			Kind:         domain.ScoreKindCredit,
			EntityType:   domain.ScoreEntityApplicant,
			EntityID:     "app-001",
			OverallScore: 88,
			RiskLevel:    domain.RiskVeryLow,
			Action:       domain.ActionApprove,
			Components: &domain.ScoreComponents{
				PaymentHistory: 90,
				Velocity:       85,
				Stability:      80,
				Documents:      100,
			},
			CreatedAt: time.Now().UTC(),
		}
		if err := repo.SaveScoreRecord(ctx, tenantID, rec); err != nil {
			t.Fatalf("SaveScoreRecord failed: %v", err)
		}

		got, err := repo.GetScoreRecord(ctx, tenantID, "score-001")
		if err != nil {
			t.Fatalf("GetScoreRecord failed: %v", err)
		}
		if got.OverallScore != 88 {
			t.Errorf("expected score 88, got %d", got.OverallScore)
		}
		if got.Components == nil || got.Components.PaymentHistory != 90 {
			t.Errorf("expected components to round-trip, got %+v", got.Components)
		}
	})

	t.Run("Installments", func(t *testing.T) {
		period, _ := domain.ParsePeriod("2025-06")

		installments := []*domain.Installment{
			{ID: "inst-001", RequestID: "req-001", ApplicantID: "app-001", EmployerID: "employer-001", Number: 1, ExpectedAmount: decimal.NewFromInt(500), DueDate: time.Date(2025, 6, 5, 0, 0, 0, 0, time.UTC), Status: domain.InstallmentPending},
			{ID: "inst-002", RequestID: "req-001", ApplicantID: "app-001", EmployerID: "employer-001", Number: 2, ExpectedAmount: decimal.NewFromInt(500), DueDate: time.Date(2025, 7, 5, 0, 0, 0, 0, time.UTC), Status: domain.InstallmentPending},
			{ID: "inst-003", RequestID: "req-001", ApplicantID: "app-001", EmployerID: "employer-001", Number: 3, ExpectedAmount: decimal.NewFromInt(500), DueDate: time.Date(2025, 6, 20, 0, 0, 0, 0, time.UTC), Status: domain.InstallmentDefaulted},
		}
		for _, inst := range installments {
			if err := repo.SaveInstallment(ctx, tenantID, inst); err != nil {
				t.Fatalf("SaveInstallment(%s) failed: %v", inst.ID, err)
			}
		}

		byApplicant, err := repo.ListInstallmentsByApplicant(ctx, tenantID, "app-001")
		if err != nil {
			t.Fatalf("ListInstallmentsByApplicant failed: %v", err)
		}
		if len(byApplicant) != 3 {
			t.Errorf("expected 3 installments, got %d", len(byApplicant))
		}

		// Only pending entries due inside the period.
		pending, err := repo.ListPendingInstallments(ctx, tenantID, "employer-001", period)
		if err != nil {
			t.Fatalf("ListPendingInstallments failed: %v", err)
		}
		if len(pending) != 1 || pending[0].ID != "inst-001" {
			t.Fatalf("expected [inst-001], got %+v", pending)
		}
	})

	t.Run("MarkInstallmentPaid", func(t *testing.T) {
		paidAt := time.Now().UTC()
		amount := decimal.NewFromInt(500)

		if err := repo.MarkInstallmentPaid(ctx, tenantID, "inst-001", amount, paidAt); err != nil {
			t.Fatalf("MarkInstallmentPaid failed: %v", err)
		}

		got, err := repo.GetInstallment(ctx, tenantID, "inst-001")
		if err != nil {
			t.Fatalf("GetInstallment failed: %v", err)
		}
		if got.Status != domain.InstallmentPaid {
			t.Errorf("expected status paid, got %s", got.Status)
		}
		if !got.PaidAmount.Equal(amount) {
			t.Errorf("expected paid amount 500, got %s", got.PaidAmount)
		}

		// Retried runs converge: paying an already-paid entry is a no-op.
		if err := repo.MarkInstallmentPaid(ctx, tenantID, "inst-001", amount, paidAt); err != nil {
			t.Errorf("expected repeated payment to be a no-op, got %v", err)
		}

		// A defaulted entry cannot silently become paid.
		if err := repo.MarkInstallmentPaid(ctx, tenantID, "inst-003", amount, paidAt); !errors.Is(err, ErrConflict) {
			t.Errorf("expected ErrConflict for defaulted installment, got %v", err)
		}

		if err := repo.MarkInstallmentPaid(ctx, tenantID, "inst-missing", amount, paidAt); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("PayrollBatchImmutable", func(t *testing.T) {
		period, _ := domain.ParsePeriod("2025-06")

		batch := &domain.PayrollBatch{
			ID:           "batch-001",
			TenantID:     tenantID,
			EmployerID:   "employer-001",
			Period:       period,
			Kind:         domain.BatchSent,
			TotalAmount:  decimal.NewFromInt(500),
			TotalRecords: 1,
			Records: []domain.PayrollRecord{
				{ApplicantID: "app-001", RequestID: "req-001", InstallmentID: "inst-001", Amount: decimal.NewFromInt(500)},
			},
			IngestedAt: time.Now().UTC(),
		}
		if err := repo.SavePayrollBatch(ctx, tenantID, batch); err != nil {
			t.Fatalf("SavePayrollBatch failed: %v", err)
		}

		// The partition is immutable once ingested.
		dup := *batch
		dup.ID = "batch-001-dup"
		if err := repo.SavePayrollBatch(ctx, tenantID, &dup); !errors.Is(err, ErrConflict) {
			t.Errorf("expected ErrConflict for duplicate partition, got %v", err)
		}

		got, err := repo.GetPayrollBatch(ctx, tenantID, "employer-001", period, domain.BatchSent)
		if err != nil {
			t.Fatalf("GetPayrollBatch failed: %v", err)
		}
		if got.TotalRecords != 1 || len(got.Records) != 1 {
			t.Errorf("expected 1 record, got %+v", got)
		}

		if _, err := repo.GetPayrollBatch(ctx, tenantID, "employer-001", period, domain.BatchConfirmed); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for missing batch, got %v", err)
		}
	})

	t.Run("ReconciliationSingleWriter", func(t *testing.T) {
		period, _ := domain.ParsePeriod("2025-06")

		rec := &domain.ReconciliationRecord{
			ID:         "recon-001",
			TenantID:   tenantID,
			EmployerID: "employer-001",
			Period:     period,
			Status:     domain.ReconStatusReconciling,
			StartedAt:  time.Now().UTC(),
		}
		if err := repo.CreateReconciliation(ctx, tenantID, rec); err != nil {
			t.Fatalf("CreateReconciliation failed: %v", err)
		}

		// A second run for the same partition is rejected while the
		// first is unfinished.
		second := &domain.ReconciliationRecord{
			ID:         "recon-002",
			EmployerID: "employer-001",
			Period:     period,
			Status:     domain.ReconStatusReconciling,
			StartedAt:  time.Now().UTC(),
		}
		if err := repo.CreateReconciliation(ctx, tenantID, second); !errors.Is(err, ErrConflict) {
			t.Errorf("expected ErrConflict for concurrent run, got %v", err)
		}

		rec.Status = domain.ReconStatusWithDivergencies
		rec.SentTotal = decimal.NewFromInt(1000)
		rec.MatchedAmount = decimal.NewFromInt(500)
		rec.MatchedRecords = 1
		rec.VarianceAmount = decimal.NewFromInt(500)
		rec.VariancePct = decimal.NewFromInt(50)
		rec.Divergencies = []domain.Divergence{
			{Type: "missing_return", ApplicantID: "app-001", RequestID: "req-001", InstallmentID: "inst-002", SentAmount: decimal.NewFromInt(500)},
		}
		rec.CompletedAt = time.Now().UTC()

		if err := repo.FinalizeReconciliation(ctx, tenantID, rec); err != nil {
			t.Fatalf("FinalizeReconciliation failed: %v", err)
		}

		got, err := repo.GetReconciliation(ctx, tenantID, "recon-001")
		if err != nil {
			t.Fatalf("GetReconciliation failed: %v", err)
		}
		if got.Status != domain.ReconStatusWithDivergencies {
			t.Errorf("expected status with_divergencies, got %s", got.Status)
		}
		if !got.VariancePct.Equal(decimal.NewFromInt(50)) {
			t.Errorf("expected variance 50, got %s", got.VariancePct)
		}
		if len(got.Divergencies) != 1 {
			t.Errorf("expected 1 divergence, got %d", len(got.Divergencies))
		}

		// Once the run finished, the partition can be reconciled again
		// and the finished record becomes history.
		if err := repo.CreateReconciliation(ctx, tenantID, second); err != nil {
			t.Errorf("expected rerun after completion to be allowed, got %v", err)
		}
		prior, err := repo.GetReconciliation(ctx, tenantID, "recon-001")
		if err != nil {
			t.Fatalf("GetReconciliation failed: %v", err)
		}
		if prior.Status != domain.ReconStatusSuperseded {
			t.Errorf("expected prior run superseded, got %s", prior.Status)
		}
	})

	t.Run("SettlementIssueBacklog", func(t *testing.T) {
		issue := &domain.SettlementIssue{
			ID:                 "issue-001",
			TenantID:           tenantID,
			ReconciliationID:   "recon-001",
			EmployerID:         "employer-001",
			ApplicantID:        "app-001",
			RequestID:          "req-001",
			InstallmentID:      "inst-002",
			Severity:           domain.SeverityHigh,
			OutstandingAmount:  decimal.NewFromInt(500),
			DaysOverdue:        3,
			CollectionStrategy: "contact employer",
			Status:             domain.IssueOpen,
			CreatedAt:          time.Now().UTC(),
			UpdatedAt:          time.Now().UTC(),
		}
		if err := repo.SaveSettlementIssue(ctx, tenantID, issue); err != nil {
			t.Fatalf("SaveSettlementIssue failed: %v", err)
		}

		// Same (reconciliation, installment) key updates in place.
		issue.DaysOverdue = 10
		if err := repo.SaveSettlementIssue(ctx, tenantID, issue); err != nil {
			t.Fatalf("SaveSettlementIssue upsert failed: %v", err)
		}

		backlog, err := repo.IssueBacklog(ctx, tenantID)
		if err != nil {
			t.Fatalf("IssueBacklog failed: %v", err)
		}
		if backlog.Count != 1 {
			t.Errorf("expected backlog count 1, got %d", backlog.Count)
		}
		if !backlog.Outstanding.Equal(decimal.NewFromInt(500)) {
			t.Errorf("expected outstanding 500, got %s", backlog.Outstanding)
		}
	})

	t.Run("AlertDedup", func(t *testing.T) {
		alert := &domain.Alert{
			ID:          "alert-001",
			TenantID:    tenantID,
			Type:        domain.AlertRejectionSpike,
			Severity:    domain.SeverityHigh,
			Status:      domain.AlertActive,
			Title:       "Rejection rate spike",
			Metrics:     map[string]any{"todayRate": 0.4},
			TriggeredAt: time.Now().UTC(),
		}

		created, err := repo.CreateAlertIfAbsent(ctx, tenantID, alert)
		if err != nil {
			t.Fatalf("CreateAlertIfAbsent failed: %v", err)
		}
		if !created {
			t.Fatal("expected first alert to be created")
		}

		// Same type, same day: suppressed.
		dup := *alert
		dup.ID = "alert-002"
		created, err = repo.CreateAlertIfAbsent(ctx, tenantID, &dup)
		if err != nil {
			t.Fatalf("CreateAlertIfAbsent failed: %v", err)
		}
		if created {
			t.Error("expected same-day duplicate to be suppressed")
		}

		alerts, err := repo.ListAlerts(ctx, tenantID, domain.AlertActive, time.Now().UTC().Add(-time.Hour))
		if err != nil {
			t.Fatalf("ListAlerts failed: %v", err)
		}
		if len(alerts) != 1 {
			t.Fatalf("expected 1 active alert, got %d", len(alerts))
		}

		if err := repo.ResolveAlert(ctx, tenantID, "alert-001", time.Now().UTC()); err != nil {
			t.Fatalf("ResolveAlert failed: %v", err)
		}
		if err := repo.ResolveAlert(ctx, tenantID, "alert-001", time.Now().UTC()); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for already-resolved alert, got %v", err)
		}

		// After resolution the condition can fire again the same day.
		created, err = repo.CreateAlertIfAbsent(ctx, tenantID, &dup)
		if err != nil {
			t.Fatalf("CreateAlertIfAbsent failed: %v", err)
		}
		if !created {
			t.Error("expected new alert after resolution")
		}
	})

	t.Run("PortfolioStats", func(t *testing.T) {
		now := time.Now().UTC()

		rejected := &domain.Request{
			ID:              "req-stats-1",
			ApplicantID:     "app-001",
			AgreementID:     "agr-001",
			AmountRequested: decimal.NewFromInt(9000),
			Status:          domain.StatusPendingDecision,
			CreatedAt:       now.Add(-72 * time.Hour),
		}
		if err := repo.SaveRequest(ctx, tenantID, rejected); err != nil {
			t.Fatalf("SaveRequest failed: %v", err)
		}
		rejected.Status = domain.StatusRejected
		rejected.Decision = domain.DecisionRejected
		rejected.DecidedAt = now
		if err := repo.TransitionRequestStatus(ctx, tenantID, rejected, domain.StatusPendingDecision); err != nil {
			t.Fatalf("TransitionRequestStatus failed: %v", err)
		}

		stats, err := repo.DecisionStats(ctx, tenantID, now.Add(-time.Hour), now.Add(time.Hour))
		if err != nil {
			t.Fatalf("DecisionStats failed: %v", err)
		}
		if stats.Decided < 1 || stats.Rejected != 1 {
			t.Errorf("expected at least 1 decided and exactly 1 rejected, got %+v", stats)
		}

		delinquency, err := repo.DelinquencyStats(ctx, tenantID)
		if err != nil {
			t.Fatalf("DelinquencyStats failed: %v", err)
		}
		if delinquency.Total != 3 || delinquency.Overdue != 1 {
			t.Errorf("expected 3 total and 1 overdue, got %+v", delinquency)
		}

		// req-001 is still in margin_check, a non-terminal state.
		aged, err := repo.CountAgedNonTerminal(ctx, tenantID, now.Add(time.Minute))
		if err != nil {
			t.Fatalf("CountAgedNonTerminal failed: %v", err)
		}
		if aged != 1 {
			t.Errorf("expected 1 aged request, got %d", aged)
		}
	})
}
