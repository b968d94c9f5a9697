// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict signals a lost compare-and-swap or a concurrent run
	// holding the same partition.
	ErrConflict = errors.New("conflicting state")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveApplicant upserts an applicant with tenant isolation.
func (r *SQLRepository) SaveApplicant(ctx context.Context, tenantID string, a *domain.Applicant) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	documents, _ := json.Marshal(a.Documents)

	query := `
		INSERT INTO applicants (
			id, tenant_id, tax_id, gross_salary, net_salary,
			employer_type, available_margin, country, documents, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			tax_id = excluded.tax_id,
			gross_salary = excluded.gross_salary,
			net_salary = excluded.net_salary,
			employer_type = excluded.employer_type,
			available_margin = excluded.available_margin,
			country = excluded.country,
			documents = excluded.documents
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		a.ID, tenantID, a.TaxID,
		a.GrossSalary.StringFixed(2), a.NetSalary.StringFixed(2),
		string(a.EmployerType), a.AvailableMargin.StringFixed(2),
		a.Country, string(documents), a.CreatedAt,
	)
	return err
}

// GetApplicant retrieves an applicant by ID with tenant isolation.
func (r *SQLRepository) GetApplicant(ctx context.Context, tenantID string, applicantID string) (*domain.Applicant, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, tax_id, gross_salary, net_salary,
			   employer_type, available_margin, country, documents, created_at
		FROM applicants
		WHERE tenant_id = ? AND id = ?
	`

	var a domain.Applicant
	var gross, net, margin string
	var employerType string
	var country, documents sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, applicantID).Scan(
		&a.ID, &a.TenantID, &a.TaxID, &gross, &net,
		&employerType, &margin, &country, &documents, &a.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.GrossSalary = mustDecimal(gross)
	a.NetSalary = mustDecimal(net)
	a.AvailableMargin = mustDecimal(margin)
	a.EmployerType = domain.EmployerType(employerType)
	a.Country = country.String
	if documents.Valid && documents.String != "" {
		json.Unmarshal([]byte(documents.String), &a.Documents)
	}

	return &a, nil
}

// SaveAgreement upserts an agreement with tenant isolation.
func (r *SQLRepository) SaveAgreement(ctx context.Context, tenantID string, a *domain.Agreement) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	active := 0
	if a.Active {
		active = 1
	}

	query := `
		INSERT INTO agreements (
			id, tenant_id, employer_id, name, cutoff_day, active,
			margin_manager_ref, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			employer_id = excluded.employer_id,
			name = excluded.name,
			cutoff_day = excluded.cutoff_day,
			active = excluded.active,
			margin_manager_ref = excluded.margin_manager_ref,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC()
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		a.ID, tenantID, a.EmployerID, a.Name, a.CutoffDay, active,
		a.MarginManagerRef, createdAt, now,
	)
	return err
}

// GetAgreement retrieves an agreement by ID with tenant isolation.
func (r *SQLRepository) GetAgreement(ctx context.Context, tenantID string, agreementID string) (*domain.Agreement, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, employer_id, name, cutoff_day, active,
			   margin_manager_ref, created_at, updated_at
		FROM agreements
		WHERE tenant_id = ? AND id = ?
	`

	var a domain.Agreement
	var active int
	var ref sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, agreementID).Scan(
		&a.ID, &a.TenantID, &a.EmployerID, &a.Name, &a.CutoffDay, &active,
		&ref, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.Active = active == 1
	a.MarginManagerRef = ref.String

	return &a, nil
}

// SaveEligibilityRule upserts a rule row with tenant isolation.
func (r *SQLRepository) SaveEligibilityRule(ctx context.Context, tenantID string, rule *domain.EligibilityRule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO eligibility_rules (
			id, tenant_id, name, kind, priority, agreement_id,
			threshold, expression, action, message, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			priority = excluded.priority,
			agreement_id = excluded.agreement_id,
			threshold = excluded.threshold,
			expression = excluded.expression,
			action = excluded.action,
			message = excluded.message,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, string(rule.Kind), rule.Priority,
		rule.AgreementID, rule.Threshold.String(), rule.Expression,
		string(rule.Action), rule.Message, enabled, now, now,
	)
	return err
}

// GetEligibilityRule retrieves a rule by ID with tenant isolation.
func (r *SQLRepository) GetEligibilityRule(ctx context.Context, tenantID string, ruleID string) (*domain.EligibilityRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, kind, priority, agreement_id,
			   threshold, expression, action, message, enabled, created_at, updated_at
		FROM eligibility_rules
		WHERE tenant_id = ? AND id = ?
	`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListEligibilityRules returns enabled rules scoped to the agreement or
// unscoped, ordered by priority ascending.
func (r *SQLRepository) ListEligibilityRules(ctx context.Context, tenantID string, agreementID string) ([]*domain.EligibilityRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, kind, priority, agreement_id,
			   threshold, expression, action, message, enabled, created_at, updated_at
		FROM eligibility_rules
		WHERE tenant_id = ? AND enabled = 1
		  AND (agreement_id IS NULL OR agreement_id = '' OR agreement_id = ?)
		ORDER BY priority ASC, name ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, agreementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.EligibilityRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*domain.EligibilityRule, error) {
	var rule domain.EligibilityRule
	var threshold string
	var agreementID, expression, message sql.NullString
	var enabled int

	err := row.Scan(
		&rule.ID, &rule.TenantID, &rule.Name, (*string)(&rule.Kind), &rule.Priority,
		&agreementID, &threshold, &expression, (*string)(&rule.Action),
		&message, &enabled, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.AgreementID = agreementID.String
	rule.Expression = expression.String
	rule.Message = message.String
	rule.Threshold = mustDecimal(threshold)
	rule.Enabled = enabled == 1

	return &rule, nil
}

// SaveRequest stores a new request with tenant isolation.
func (r *SQLRepository) SaveRequest(ctx context.Context, tenantID string, req *domain.Request) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	reasons, _ := json.Marshal(req.DecisionReasons)

	query := `
		INSERT INTO requests (
			id, tenant_id, applicant_id, agreement_id, amount_requested,
			amount_approved, status, decision, score, risk_level, fraud_score,
			confidence_level, review_priority, decision_reasons, created_at, decided_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		req.ID, tenantID, req.ApplicantID, req.AgreementID,
		req.AmountRequested.StringFixed(2), req.AmountApproved.StringFixed(2),
		string(req.Status), req.Decision, req.Score, string(req.RiskLevel),
		req.FraudScore, req.ConfidenceLevel, req.ReviewPriority,
		string(reasons), req.CreatedAt, nullTime(req.DecidedAt),
	)
	return err
}

// GetRequest retrieves a request by ID with tenant isolation.
func (r *SQLRepository) GetRequest(ctx context.Context, tenantID string, requestID string) (*domain.Request, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, applicant_id, agreement_id, amount_requested,
			   amount_approved, status, decision, score, risk_level, fraud_score,
			   confidence_level, review_priority, decision_reasons, created_at, decided_at
		FROM requests
		WHERE tenant_id = ? AND id = ?
	`

	var req domain.Request
	var requested string
	var approved, decision, riskLevel, priority, reasons sql.NullString
	var score, fraudScore, confidence sql.NullInt64
	var decidedAt sql.NullTime

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, requestID).Scan(
		&req.ID, &req.TenantID, &req.ApplicantID, &req.AgreementID, &requested,
		&approved, (*string)(&req.Status), &decision, &score, &riskLevel,
		&fraudScore, &confidence, &priority, &reasons, &req.CreatedAt, &decidedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	req.AmountRequested = mustDecimal(requested)
	req.AmountApproved = mustDecimal(approved.String)
	req.Decision = decision.String
	req.RiskLevel = domain.RiskLevel(riskLevel.String)
	req.Score = int(score.Int64)
	req.FraudScore = int(fraudScore.Int64)
	req.ConfidenceLevel = int(confidence.Int64)
	req.ReviewPriority = priority.String
	if decidedAt.Valid {
		req.DecidedAt = decidedAt.Time
	}
	if reasons.Valid && reasons.String != "" {
		json.Unmarshal([]byte(reasons.String), &req.DecisionReasons)
	}

	return &req, nil
}

// CountRequestsByApplicant counts requests created at or after since.
func (r *SQLRepository) CountRequestsByApplicant(ctx context.Context, tenantID string, applicantID string, since time.Time) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT COUNT(*) FROM requests
		WHERE tenant_id = ? AND applicant_id = ? AND created_at >= ?
	`

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, applicantID, since).Scan(&count)
	return count, err
}

// TransitionRequestStatus performs a compare-and-swap on the workflow
// status and persists the decision fields in the same statement. A lost
// swap returns ErrConflict so a concurrent duplicate decision cannot
// overwrite the first one.
func (r *SQLRepository) TransitionRequestStatus(ctx context.Context, tenantID string, req *domain.Request, from domain.RequestStatus) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	reasons, _ := json.Marshal(req.DecisionReasons)

	query := `
		UPDATE requests SET
			status = ?,
			amount_approved = ?,
			decision = ?,
			score = ?,
			risk_level = ?,
			fraud_score = ?,
			confidence_level = ?,
			review_priority = ?,
			decision_reasons = ?,
			decided_at = ?
		WHERE tenant_id = ? AND id = ? AND status = ?
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		string(req.Status), req.AmountApproved.StringFixed(2), req.Decision,
		req.Score, string(req.RiskLevel), req.FraudScore, req.ConfidenceLevel,
		req.ReviewPriority, string(reasons), nullTime(req.DecidedAt),
		tenantID, req.ID, string(from),
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	// Distinguish missing from already-transitioned.
	if _, err := r.GetRequest(ctx, tenantID, req.ID); err != nil {
		return err
	}
	return fmt.Errorf("%w: request %s is not in status %s", ErrConflict, req.ID, from)
}

// SaveScoreRecord appends an immutable score snapshot.
func (r *SQLRepository) SaveScoreRecord(ctx context.Context, tenantID string, rec *domain.RiskScoreRecord) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	var components, indicators []byte
	if rec.Components != nil {
		components, _ = json.Marshal(rec.Components)
	}
	if rec.Indicators != nil {
		indicators, _ = json.Marshal(rec.Indicators)
	}

	query := `
		INSERT INTO score_records (
			id, tenant_id, kind, entity_type, entity_id,
			overall_score, risk_level, action, components, indicators, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, tenantID, rec.Kind, rec.EntityType, rec.EntityID,
		rec.OverallScore, string(rec.RiskLevel), string(rec.Action),
		string(components), string(indicators), rec.CreatedAt,
	)
	return err
}

// GetScoreRecord retrieves a score record by ID with tenant isolation.
func (r *SQLRepository) GetScoreRecord(ctx context.Context, tenantID string, recordID string) (*domain.RiskScoreRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, kind, entity_type, entity_id,
			   overall_score, risk_level, action, components, indicators, created_at
		FROM score_records
		WHERE tenant_id = ? AND id = ?
	`

	var rec domain.RiskScoreRecord
	var components, indicators sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, recordID).Scan(
		&rec.ID, &rec.TenantID, &rec.Kind, &rec.EntityType, &rec.EntityID,
		&rec.OverallScore, (*string)(&rec.RiskLevel), (*string)(&rec.Action),
		&components, &indicators, &rec.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if components.Valid && components.String != "" {
		rec.Components = &domain.ScoreComponents{}
		json.Unmarshal([]byte(components.String), rec.Components)
	}
	if indicators.Valid && indicators.String != "" {
		json.Unmarshal([]byte(indicators.String), &rec.Indicators)
	}

	return &rec, nil
}

// SaveInstallment upserts a schedule entry with tenant isolation.
func (r *SQLRepository) SaveInstallment(ctx context.Context, tenantID string, inst *domain.Installment) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO installments (
			id, tenant_id, request_id, applicant_id, employer_id,
			number, expected_amount, due_date, status, paid_amount, paid_date
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			status = excluded.status,
			paid_amount = excluded.paid_amount,
			paid_date = excluded.paid_date
	`

	var paidAmount any
	if !inst.PaidAmount.IsZero() {
		paidAmount = inst.PaidAmount.StringFixed(2)
	}

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		inst.ID, tenantID, inst.RequestID, inst.ApplicantID, inst.EmployerID,
		inst.Number, inst.ExpectedAmount.StringFixed(2), inst.DueDate,
		string(inst.Status), paidAmount, nullTime(inst.PaidDate),
	)
	return err
}

// GetInstallment retrieves a schedule entry by ID with tenant isolation.
func (r *SQLRepository) GetInstallment(ctx context.Context, tenantID string, installmentID string) (*domain.Installment, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, request_id, applicant_id, employer_id,
			   number, expected_amount, due_date, status, paid_amount, paid_date
		FROM installments
		WHERE tenant_id = ? AND id = ?
	`

	inst, err := scanInstallment(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, installmentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inst, err
}

// ListInstallmentsByApplicant returns all schedule entries for an applicant.
func (r *SQLRepository) ListInstallmentsByApplicant(ctx context.Context, tenantID string, applicantID string) ([]*domain.Installment, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, request_id, applicant_id, employer_id,
			   number, expected_amount, due_date, status, paid_amount, paid_date
		FROM installments
		WHERE tenant_id = ? AND applicant_id = ?
		ORDER BY due_date ASC
	`

	return r.queryInstallments(ctx, r.rebind(query), tenantID, applicantID)
}

// ListPendingInstallments returns pending entries due inside the period
// for one employer.
func (r *SQLRepository) ListPendingInstallments(ctx context.Context, tenantID string, employerID string, period domain.Period) ([]*domain.Installment, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, request_id, applicant_id, employer_id,
			   number, expected_amount, due_date, status, paid_amount, paid_date
		FROM installments
		WHERE tenant_id = ? AND employer_id = ? AND status = 'pending'
		  AND due_date >= ? AND due_date < ?
		ORDER BY due_date ASC
	`

	return r.queryInstallments(ctx, r.rebind(query), tenantID, employerID, period.Start(), period.End())
}

func (r *SQLRepository) queryInstallments(ctx context.Context, query string, args ...any) ([]*domain.Installment, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var installments []*domain.Installment
	for rows.Next() {
		inst, err := scanInstallment(rows)
		if err != nil {
			return nil, err
		}
		installments = append(installments, inst)
	}

	return installments, rows.Err()
}

func scanInstallment(row rowScanner) (*domain.Installment, error) {
	var inst domain.Installment
	var expected string
	var paidAmount sql.NullString
	var paidDate sql.NullTime

	err := row.Scan(
		&inst.ID, &inst.TenantID, &inst.RequestID, &inst.ApplicantID, &inst.EmployerID,
		&inst.Number, &expected, &inst.DueDate, (*string)(&inst.Status),
		&paidAmount, &paidDate,
	)
	if err != nil {
		return nil, err
	}

	inst.ExpectedAmount = mustDecimal(expected)
	if paidAmount.Valid {
		inst.PaidAmount = mustDecimal(paidAmount.String)
	}
	if paidDate.Valid {
		inst.PaidDate = paidDate.Time
	}

	return &inst, nil
}

// MarkInstallmentPaid transitions pending -> paid. Re-marking an
// already-paid entry is a no-op so a retried reconciliation converges.
func (r *SQLRepository) MarkInstallmentPaid(ctx context.Context, tenantID string, installmentID string, amount decimal.Decimal, paidAt time.Time) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE installments
		SET status = 'paid', paid_amount = ?, paid_date = ?
		WHERE tenant_id = ? AND id = ? AND status = 'pending'
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		amount.StringFixed(2), paidAt, tenantID, installmentID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	inst, err := r.GetInstallment(ctx, tenantID, installmentID)
	if err != nil {
		return err
	}
	if inst.Status == domain.InstallmentPaid {
		return nil
	}
	return fmt.Errorf("%w: installment %s is %s, not pending", ErrConflict, installmentID, inst.Status)
}

// SavePayrollBatch stores an ingested batch. Batches are immutable: a
// second batch for the same (employer, period, kind) partition conflicts.
func (r *SQLRepository) SavePayrollBatch(ctx context.Context, tenantID string, batch *domain.PayrollBatch) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	records, _ := json.Marshal(batch.Records)

	query := `
		INSERT INTO payroll_batches (
			id, tenant_id, employer_id, period, kind,
			total_amount, total_records, records, ingested_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, employer_id, period, kind) DO NOTHING
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		batch.ID, tenantID, batch.EmployerID, batch.Period.String(), string(batch.Kind),
		batch.TotalAmount.StringFixed(2), batch.TotalRecords,
		string(records), batch.IngestedAt,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s batch already ingested for %s %s", ErrConflict, batch.Kind, batch.EmployerID, batch.Period)
	}
	return nil
}

// GetPayrollBatch retrieves the batch for an employer/period/kind.
func (r *SQLRepository) GetPayrollBatch(ctx context.Context, tenantID string, employerID string, period domain.Period, kind domain.BatchKind) (*domain.PayrollBatch, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, employer_id, period, kind,
			   total_amount, total_records, records, ingested_at
		FROM payroll_batches
		WHERE tenant_id = ? AND employer_id = ? AND period = ? AND kind = ?
	`

	var batch domain.PayrollBatch
	var periodStr, total, records string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, employerID, period.String(), string(kind)).Scan(
		&batch.ID, &batch.TenantID, &batch.EmployerID, &periodStr, (*string)(&batch.Kind),
		&total, &batch.TotalRecords, &records, &batch.IngestedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	batch.Period, _ = domain.ParsePeriod(periodStr)
	batch.TotalAmount = mustDecimal(total)
	json.Unmarshal([]byte(records), &batch.Records)

	return &batch, nil
}

// CreateReconciliation inserts a run record in reconciling state. The
// partial unique index rejects a second unfinished run for the same
// (employer, period) partition.
func (r *SQLRepository) CreateReconciliation(ctx context.Context, tenantID string, rec *domain.ReconciliationRecord) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	divergencies, _ := json.Marshal(rec.Divergencies)

	query := `
		INSERT INTO reconciliations (
			id, tenant_id, employer_id, period, status,
			sent_total, sent_records, confirmed_total,
			matched_amount, matched_records, variance_amount, variance_pct,
			divergencies, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, tenantID, rec.EmployerID, rec.Period.String(), string(rec.Status),
		rec.SentTotal.StringFixed(2), rec.SentRecords, rec.ConfirmedTotal.StringFixed(2),
		rec.MatchedAmount.StringFixed(2), rec.MatchedRecords,
		rec.VarianceAmount.StringFixed(2), rec.VariancePct.StringFixed(2),
		string(divergencies), rec.StartedAt, nullTime(rec.CompletedAt),
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: reconciliation already running for %s %s", ErrConflict, rec.EmployerID, rec.Period)
	}

	// The new run owns the partition now; finished predecessors become
	// history.
	supersede := `
		UPDATE reconciliations SET status = ?
		WHERE tenant_id = ? AND employer_id = ? AND period = ?
			AND id <> ? AND status IN (?, ?)
	`
	_, err = r.db.ExecContext(ctx, r.rebind(supersede),
		string(domain.ReconStatusSuperseded), tenantID, rec.EmployerID, rec.Period.String(),
		rec.ID, string(domain.ReconStatusReconciled), string(domain.ReconStatusWithDivergencies),
	)
	if err != nil {
		return err
	}
	return nil
}

// FinalizeReconciliation writes the run totals and closes the record.
func (r *SQLRepository) FinalizeReconciliation(ctx context.Context, tenantID string, rec *domain.ReconciliationRecord) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	divergencies, _ := json.Marshal(rec.Divergencies)

	query := `
		UPDATE reconciliations SET
			status = ?,
			sent_total = ?,
			sent_records = ?,
			confirmed_total = ?,
			matched_amount = ?,
			matched_records = ?,
			variance_amount = ?,
			variance_pct = ?,
			divergencies = ?,
			completed_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		string(rec.Status), rec.SentTotal.StringFixed(2), rec.SentRecords,
		rec.ConfirmedTotal.StringFixed(2), rec.MatchedAmount.StringFixed(2),
		rec.MatchedRecords, rec.VarianceAmount.StringFixed(2), rec.VariancePct.StringFixed(2),
		string(divergencies), nullTime(rec.CompletedAt),
		tenantID, rec.ID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetReconciliation retrieves a run record by ID with tenant isolation.
func (r *SQLRepository) GetReconciliation(ctx context.Context, tenantID string, reconciliationID string) (*domain.ReconciliationRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, employer_id, period, status,
			   sent_total, sent_records, confirmed_total,
			   matched_amount, matched_records, variance_amount, variance_pct,
			   divergencies, started_at, completed_at
		FROM reconciliations
		WHERE tenant_id = ? AND id = ?
	`

	var rec domain.ReconciliationRecord
	var periodStr, sentTotal, confirmedTotal, matched, varianceAmt, variancePct string
	var divergencies sql.NullString
	var completedAt sql.NullTime

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, reconciliationID).Scan(
		&rec.ID, &rec.TenantID, &rec.EmployerID, &periodStr, (*string)(&rec.Status),
		&sentTotal, &rec.SentRecords, &confirmedTotal,
		&matched, &rec.MatchedRecords, &varianceAmt, &variancePct,
		&divergencies, &rec.StartedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.Period, _ = domain.ParsePeriod(periodStr)
	rec.SentTotal = mustDecimal(sentTotal)
	rec.ConfirmedTotal = mustDecimal(confirmedTotal)
	rec.MatchedAmount = mustDecimal(matched)
	rec.VarianceAmount = mustDecimal(varianceAmt)
	rec.VariancePct = mustDecimal(variancePct)
	if completedAt.Valid {
		rec.CompletedAt = completedAt.Time
	}
	if divergencies.Valid && divergencies.String != "" {
		json.Unmarshal([]byte(divergencies.String), &rec.Divergencies)
	}

	return &rec, nil
}

// SaveSettlementIssue upserts an issue keyed by installment within a run,
// so a retried run does not duplicate issues.
func (r *SQLRepository) SaveSettlementIssue(ctx context.Context, tenantID string, issue *domain.SettlementIssue) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO settlement_issues (
			id, tenant_id, reconciliation_id, employer_id, applicant_id,
			request_id, installment_id, severity, outstanding_amount,
			days_overdue, collection_strategy, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, reconciliation_id, installment_id) DO UPDATE SET
			severity = excluded.severity,
			outstanding_amount = excluded.outstanding_amount,
			days_overdue = excluded.days_overdue,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		issue.ID, tenantID, issue.ReconciliationID, issue.EmployerID, issue.ApplicantID,
		issue.RequestID, issue.InstallmentID, string(issue.Severity),
		issue.OutstandingAmount.StringFixed(2), issue.DaysOverdue,
		issue.CollectionStrategy, string(issue.Status), issue.CreatedAt, issue.UpdatedAt,
	)
	return err
}

// IssueBacklog sums unresolved settlement issues. Amounts are summed in
// Go to keep decimal arithmetic exact across both drivers.
func (r *SQLRepository) IssueBacklog(ctx context.Context, tenantID string) (domain.IssueBacklog, error) {
	if tenantID == "" {
		return domain.IssueBacklog{}, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT outstanding_amount FROM settlement_issues
		WHERE tenant_id = ? AND status IN ('open', 'in_collection')
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return domain.IssueBacklog{}, err
	}
	defer rows.Close()

	backlog := domain.IssueBacklog{Outstanding: decimal.Zero}
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return domain.IssueBacklog{}, err
		}
		backlog.Count++
		backlog.Outstanding = backlog.Outstanding.Add(mustDecimal(amount))
	}

	return backlog, rows.Err()
}

// CreateAlertIfAbsent atomically inserts unless an active alert of the
// same type exists for the same calendar day. The partial unique index
// makes the check-then-act race-free.
func (r *SQLRepository) CreateAlertIfAbsent(ctx context.Context, tenantID string, alert *domain.Alert) (bool, error) {
	if tenantID == "" {
		return false, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	metrics, _ := json.Marshal(alert.Metrics)
	day := alert.TriggeredAt.UTC().Format("2006-01-02")

	query := `
		INSERT INTO alerts (
			id, tenant_id, alert_type, severity, status,
			title, metrics, triggered_day, triggered_at, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		alert.ID, tenantID, string(alert.Type), string(alert.Severity), string(alert.Status),
		alert.Title, string(metrics), day, alert.TriggeredAt, nullTime(alert.ResolvedAt),
	)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ListAlerts returns alerts in the given status triggered at or after since.
func (r *SQLRepository) ListAlerts(ctx context.Context, tenantID string, status domain.AlertStatus, since time.Time) ([]*domain.Alert, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, alert_type, severity, status,
			   title, metrics, triggered_at, resolved_at
		FROM alerts
		WHERE tenant_id = ? AND status = ? AND triggered_at >= ?
		ORDER BY triggered_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, string(status), since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		var alert domain.Alert
		var title, metrics sql.NullString
		var resolvedAt sql.NullTime

		if err := rows.Scan(
			&alert.ID, &alert.TenantID, (*string)(&alert.Type), (*string)(&alert.Severity),
			(*string)(&alert.Status), &title, &metrics, &alert.TriggeredAt, &resolvedAt,
		); err != nil {
			return nil, err
		}

		alert.Title = title.String
		if resolvedAt.Valid {
			alert.ResolvedAt = resolvedAt.Time
		}
		if metrics.Valid && metrics.String != "" {
			json.Unmarshal([]byte(metrics.String), &alert.Metrics)
		}
		alerts = append(alerts, &alert)
	}

	return alerts, rows.Err()
}

// ResolveAlert marks an active alert resolved.
func (r *SQLRepository) ResolveAlert(ctx context.Context, tenantID string, alertID string, resolvedAt time.Time) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE alerts SET status = 'resolved', resolved_at = ?
		WHERE tenant_id = ? AND id = ? AND status = 'active'
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query), resolvedAt, tenantID, alertID)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DecisionStats counts engine decisions in the window [from, to).
func (r *SQLRepository) DecisionStats(ctx context.Context, tenantID string, from, to time.Time) (domain.DecisionStats, error) {
	if tenantID == "" {
		return domain.DecisionStats{}, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT COUNT(*),
			   COALESCE(SUM(CASE WHEN decision = 'rejected' THEN 1 ELSE 0 END), 0)
		FROM requests
		WHERE tenant_id = ? AND decided_at IS NOT NULL
		  AND decided_at >= ? AND decided_at < ?
	`

	var stats domain.DecisionStats
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, from, to).Scan(&stats.Decided, &stats.Rejected)
	return stats, err
}

// DelinquencyStats counts overdue vs total installments.
func (r *SQLRepository) DelinquencyStats(ctx context.Context, tenantID string) (domain.DelinquencyStats, error) {
	if tenantID == "" {
		return domain.DelinquencyStats{}, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT COUNT(*),
			   COALESCE(SUM(CASE WHEN status IN ('overdue', 'defaulted') THEN 1 ELSE 0 END), 0)
		FROM installments
		WHERE tenant_id = ?
	`

	var stats domain.DelinquencyStats
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID).Scan(&stats.Total, &stats.Overdue)
	return stats, err
}

// CountAgedNonTerminal counts requests created before the cutoff that are
// still in a non-terminal workflow state.
func (r *SQLRepository) CountAgedNonTerminal(ctx context.Context, tenantID string, before time.Time) (int, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT COUNT(*) FROM requests
		WHERE tenant_id = ? AND created_at < ?
		  AND status NOT IN ('disbursed', 'rejected', 'cancelled', 'expired')
	`

	var count int
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, before).Scan(&count)
	return count, err
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
