package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/eligibility"
	"github.com/opensource-finance/kestrel/internal/fraud"
	"github.com/opensource-finance/kestrel/internal/monitor"
	"github.com/opensource-finance/kestrel/internal/reconcile"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Handler holds the API handlers and their dependencies.
type Handler struct {
	repo       domain.Repository
	cache      domain.Cache
	bus        domain.EventBus
	aggregator *decision.Aggregator
	evaluator  *eligibility.Evaluator
	scorer     *scoring.Engine
	fraud      *fraud.Engine
	matcher    *reconcile.Matcher
	monitor    *monitor.Monitor
	version    string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, aggregator *decision.Aggregator, evaluator *eligibility.Evaluator, scorer *scoring.Engine, fraudEngine *fraud.Engine, matcher *reconcile.Matcher, mon *monitor.Monitor, version string) *Handler {
	return &Handler{
		repo:       repo,
		cache:      cache,
		bus:        bus,
		aggregator: aggregator,
		evaluator:  evaluator,
		scorer:     scorer,
		fraud:      fraudEngine,
		matcher:    matcher,
		monitor:    mon,
		version:    version,
	}
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

// Ready handles GET /ready. Checks downstream connectivity.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.repo.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  "repository unavailable",
		})
		return
	}
	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  "cache unavailable",
			})
			return
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  "event bus unavailable",
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// CreateApplicant handles POST /applicants.
func (h *Handler) CreateApplicant(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())

	var applicant domain.Applicant
	if err := json.NewDecoder(r.Body).Decode(&applicant); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if applicant.TaxID == "" {
		badRequest(w, "taxId is required")
		return
	}
	if applicant.ID == "" {
		applicant.ID = uuid.New().String()
	}
	if applicant.CreatedAt.IsZero() {
		applicant.CreatedAt = time.Now().UTC()
	}
	applicant.TenantID = tenantID

	if err := h.repo.SaveApplicant(r.Context(), tenantID, &applicant); err != nil {
		writeError(w, err)
		return
	}

	h.cacheProfile(r.Context(), tenantID, &applicant)

	writeJSON(w, http.StatusCreated, &applicant)
}

// profileTTL bounds how long an applicant snapshot stays hot. Salary
// and margin updates land within one TTL.
const profileTTL = 5 * time.Minute

// cacheProfile writes the applicant snapshot through to the cache.
// Errors are ignored; the repository remains the source of truth.
func (h *Handler) cacheProfile(ctx context.Context, tenantID string, applicant *domain.Applicant) {
	if h.cache == nil {
		return
	}
	h.cache.SetApplicantProfile(ctx, tenantID, applicant.ID, &domain.ProfileCache{
		ApplicantID:     applicant.ID,
		GrossSalary:     applicant.GrossSalary,
		NetSalary:       applicant.NetSalary,
		EmployerType:    applicant.EmployerType,
		AvailableMargin: applicant.AvailableMargin,
		Country:         applicant.Country,
	}, profileTTL)
}

// applicantExists resolves the intake existence check through the
// profile cache, falling back to the repository on a miss.
func (h *Handler) applicantExists(ctx context.Context, tenantID, applicantID string) error {
	if h.cache != nil {
		if profile, err := h.cache.GetApplicantProfile(ctx, tenantID, applicantID); err == nil && profile != nil {
			return nil
		}
	}
	applicant, err := h.repo.GetApplicant(ctx, tenantID, applicantID)
	if err != nil {
		return err
	}
	h.cacheProfile(ctx, tenantID, applicant)
	return nil
}

// GetApplicant handles GET /applicants/{id}.
func (h *Handler) GetApplicant(w http.ResponseWriter, r *http.Request) {
	applicant, err := h.repo.GetApplicant(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, applicant)
}

// CreateAgreement handles POST /agreements.
func (h *Handler) CreateAgreement(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())

	var agreement domain.Agreement
	if err := json.NewDecoder(r.Body).Decode(&agreement); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if agreement.EmployerID == "" {
		badRequest(w, "employerId is required")
		return
	}
	if agreement.ID == "" {
		agreement.ID = uuid.New().String()
	}
	agreement.TenantID = tenantID

	if err := h.repo.SaveAgreement(r.Context(), tenantID, &agreement); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, &agreement)
}

// GetAgreement handles GET /agreements/{id}.
func (h *Handler) GetAgreement(w http.ResponseWriter, r *http.Request) {
	agreement, err := h.repo.GetAgreement(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agreement)
}

// CreateInstallment handles POST /installments.
func (h *Handler) CreateInstallment(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())

	var inst domain.Installment
	if err := json.NewDecoder(r.Body).Decode(&inst); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if inst.RequestID == "" || inst.ApplicantID == "" || inst.EmployerID == "" {
		badRequest(w, "requestId, applicantId and employerId are required")
		return
	}
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	if inst.Status == "" {
		inst.Status = domain.InstallmentPending
	}
	inst.TenantID = tenantID

	if err := h.repo.SaveInstallment(r.Context(), tenantID, &inst); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, &inst)
}

// IngestBatch handles POST /payroll-batches.
func (h *Handler) IngestBatch(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())

	var batch domain.PayrollBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if batch.EmployerID == "" || batch.Period.IsZero() || batch.Kind == "" {
		badRequest(w, "employerId, period and kind are required")
		return
	}
	if batch.Kind != domain.BatchSent && batch.Kind != domain.BatchConfirmed {
		badRequest(w, "kind must be sent or confirmed")
		return
	}
	if batch.ID == "" {
		batch.ID = uuid.New().String()
	}
	if batch.IngestedAt.IsZero() {
		batch.IngestedAt = time.Now().UTC()
	}
	batch.TenantID = tenantID
	batch.TotalRecords = len(batch.Records)
	total := decimal.Zero
	for _, rec := range batch.Records {
		total = total.Add(rec.Amount)
	}
	batch.TotalAmount = total

	if err := h.repo.SavePayrollBatch(r.Context(), tenantID, &batch); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, &batch)
}

type createRequestBody struct {
	ApplicantID     string          `json:"applicantId"`
	AgreementID     string          `json:"agreementId"`
	AmountRequested decimal.Decimal `json:"amountRequested"`
}

// CreateRequest handles POST /requests. New requests always enter the
// workflow in pending_decision.
func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())

	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if body.ApplicantID == "" || body.AgreementID == "" {
		badRequest(w, "applicantId and agreementId are required")
		return
	}
	if !body.AmountRequested.IsPositive() {
		badRequest(w, "amountRequested must be positive")
		return
	}

	// The applicant and agreement must exist before intake.
	if err := h.applicantExists(r.Context(), tenantID, body.ApplicantID); err != nil {
		writeError(w, err)
		return
	}
	if _, err := h.repo.GetAgreement(r.Context(), tenantID, body.AgreementID); err != nil {
		writeError(w, err)
		return
	}

	req := &domain.Request{
		ID:              uuid.New().String(),
		TenantID:        tenantID,
		ApplicantID:     body.ApplicantID,
		AgreementID:     body.AgreementID,
		AmountRequested: body.AmountRequested,
		Status:          domain.StatusPendingDecision,
		CreatedAt:       time.Now().UTC(),
	}

	if err := h.repo.SaveRequest(r.Context(), tenantID, req); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, req)
}

// GetRequest handles GET /requests/{id}.
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.repo.GetRequest(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type decideBody struct {
	IPAddress         string `json:"ipAddress"`
	DeviceFingerprint string `json:"deviceFingerprint"`
}

// Decide handles POST /requests/{id}/decide. The body is optional and
// only carries client signals for the fraud evaluator.
func (h *Handler) Decide(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())
	requestID := chi.URLParam(r, "id")

	var body decideBody
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			badRequest(w, "invalid JSON body")
			return
		}
	}
	if body.IPAddress == "" {
		body.IPAddress = r.RemoteAddr
	}

	resp, err := h.aggregator.Decide(r.Context(), tenantID, decision.Trigger{
		RequestID:         requestID,
		IPAddress:         body.IPAddress,
		DeviceFingerprint: body.DeviceFingerprint,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

type eligibilityBody struct {
	ApplicantID     string          `json:"applicantId"`
	AgreementID     string          `json:"agreementId"`
	RequestedAmount decimal.Decimal `json:"requestedAmount"`
}

// CheckEligibility handles POST /eligibility/check.
func (h *Handler) CheckEligibility(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())

	var body eligibilityBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if body.ApplicantID == "" || body.AgreementID == "" {
		badRequest(w, "applicantId and agreementId are required")
		return
	}

	applicant, err := h.repo.GetApplicant(r.Context(), tenantID, body.ApplicantID)
	if err != nil {
		writeError(w, err)
		return
	}
	agreement, err := h.repo.GetAgreement(r.Context(), tenantID, body.AgreementID)
	if err != nil {
		writeError(w, err)
		return
	}
	rules, err := h.repo.ListEligibilityRules(r.Context(), tenantID, body.AgreementID)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.evaluator.Evaluate(r.Context(), rules, eligibility.Input{
		TenantID:  tenantID,
		Applicant: applicant,
		Agreement: agreement,
		Amount:    body.RequestedAmount,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type scoreBody struct {
	ApplicantID string `json:"applicantId"`
	RequestID   string `json:"requestId"`
}

// Score handles POST /scores. At least one of applicantId or requestId
// is required; a requestId is resolved to its applicant.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())

	var body scoreBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if body.ApplicantID == "" && body.RequestID == "" {
		badRequest(w, "applicantId or requestId is required")
		return
	}

	entityType := domain.ScoreEntityApplicant
	entityID := body.ApplicantID

	if body.ApplicantID == "" {
		req, err := h.repo.GetRequest(r.Context(), tenantID, body.RequestID)
		if err != nil {
			writeError(w, err)
			return
		}
		body.ApplicantID = req.ApplicantID
		entityType = domain.ScoreEntityRequest
		entityID = req.ID
	}

	applicant, err := h.repo.GetApplicant(r.Context(), tenantID, body.ApplicantID)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.scorer.Score(r.Context(), tenantID, applicant, entityType, entityID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetScore handles GET /scores/{id}.
func (h *Handler) GetScore(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())
	recordID := chi.URLParam(r, "id")

	rec, err := h.repo.GetScoreRecord(r.Context(), tenantID, recordID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

type fraudBody struct {
	RequestID         string `json:"requestId"`
	IPAddress         string `json:"ipAddress"`
	DeviceFingerprint string `json:"deviceFingerprint"`
}

// CheckFraud handles POST /fraud-checks.
func (h *Handler) CheckFraud(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())

	var body fraudBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if body.RequestID == "" {
		badRequest(w, "requestId is required")
		return
	}

	req, err := h.repo.GetRequest(r.Context(), tenantID, body.RequestID)
	if err != nil {
		writeError(w, err)
		return
	}
	applicant, err := h.repo.GetApplicant(r.Context(), tenantID, req.ApplicantID)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.fraud.Evaluate(r.Context(), tenantID, fraud.Input{
		Request:           req,
		Applicant:         applicant,
		IPAddress:         body.IPAddress,
		DeviceFingerprint: body.DeviceFingerprint,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type reconcileBody struct {
	Employer string `json:"employer"`
	Period   string `json:"period"`
}

// Reconcile handles POST /reconciliations.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())

	var body reconcileBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if body.Employer == "" || body.Period == "" {
		badRequest(w, "employer and period are required")
		return
	}
	period, err := domain.ParsePeriod(body.Period)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	record, err := h.matcher.Run(r.Context(), tenantID, body.Employer, period)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"reconciliationId":   record.ID,
		"status":             record.Status,
		"matchedAmount":      record.MatchedAmount,
		"matchedRecords":     record.MatchedRecords,
		"varianceAmount":     record.VarianceAmount,
		"variancePercentage": record.VariancePct,
		"divergencies":       record.Divergencies,
	})
}

// GetReconciliation handles GET /reconciliations/{id}.
func (h *Handler) GetReconciliation(w http.ResponseWriter, r *http.Request) {
	record, err := h.repo.GetReconciliation(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// SweepAlerts handles POST /alerts/sweep.
func (h *Handler) SweepAlerts(w http.ResponseWriter, r *http.Request) {
	if err := h.monitor.Sweep(r.Context(), GetTenantID(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"alerts_checked": true})
}

// ListAlerts handles GET /alerts?status=active&since=2025-01-01T00:00:00Z.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	status := domain.AlertStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.AlertActive
	}

	since := time.Now().UTC().AddDate(0, 0, -7)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(w, "since must be RFC 3339")
			return
		}
		since = parsed
	}

	alerts, err := h.repo.ListAlerts(r.Context(), GetTenantID(r.Context()), status, since)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// ResolveAlert handles POST /alerts/{id}/resolve.
func (h *Handler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())
	alertID := chi.URLParam(r, "id")

	if err := h.repo.ResolveAlert(r.Context(), tenantID, alertID, time.Now().UTC()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// ListRules handles GET /rules?agreementId=...
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.repo.ListEligibilityRules(r.Context(), GetTenantID(r.Context()), r.URL.Query().Get("agreementId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": rules,
		"count": len(rules),
	})
}

// GetRule handles GET /rules/{id}.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.repo.GetEligibilityRule(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRule handles POST /rules. The rule is validated (custom
// expressions are compiled) before it is stored.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())

	var rule domain.EligibilityRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if rule.Name == "" {
		badRequest(w, "name is required")
		return
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.Action == "" {
		rule.Action = domain.ActionReject
	}
	rule.TenantID = tenantID

	if err := h.evaluator.ValidateRule(&rule); err != nil {
		badRequest(w, err.Error())
		return
	}

	if err := h.repo.SaveEligibilityRule(r.Context(), tenantID, &rule); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, &rule)
}

// ReloadRules handles POST /rules/reload. Drops compiled expression
// programs so edited rules take effect immediately.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	h.evaluator.Reload()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": message})
}

// writeError maps repository sentinel errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, repository.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, repository.ErrConflict):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
