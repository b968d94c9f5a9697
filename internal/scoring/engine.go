// Package scoring computes the four-component creditworthiness score.
package scoring

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Neutral defaults for applicants without enough signal.
const (
	neutralHistoryScore = 70.0
	noDocumentsScore    = 30.0
	baseStabilityScore  = 70.0
)

// Engine computes creditworthiness scores. Every call persists a new
// immutable score record; the audit log is append-only.
type Engine struct {
	repo       domain.Repository
	velocity   CountFunc
	thresholds domain.Thresholds
}

// NewEngine creates a scoring engine.
func NewEngine(repo domain.Repository, velocity CountFunc, thresholds domain.Thresholds) *Engine {
	return &Engine{
		repo:       repo,
		velocity:   velocity,
		thresholds: thresholds,
	}
}

// Score computes the weighted creditworthiness score for an applicant
// and persists the audit record. entityType/entityID identify what the
// caller scored (an applicant directly, or a request).
func (e *Engine) Score(ctx context.Context, tenantID string, applicant *domain.Applicant, entityType, entityID string) (*domain.ScoreResult, error) {
	components := domain.ScoreComponents{
		PaymentHistory: e.paymentHistoryScore(ctx, tenantID, applicant.ID),
		Velocity:       e.velocityScore(ctx, tenantID, applicant.ID),
		Stability:      stabilityScore(applicant),
		Documents:      documentsScore(applicant),
	}

	t := e.thresholds
	weighted := t.WeightPaymentHistory*components.PaymentHistory +
		t.WeightVelocity*components.Velocity +
		t.WeightStability*components.Stability +
		t.WeightDocuments*components.Documents

	overall := int(math.Round(weighted))
	level := domain.CreditRiskLevel(overall)

	result := &domain.ScoreResult{
		OverallScore: overall,
		RiskLevel:    level,
		Action:       domain.ActionForRisk(level),
		Components:   components,
	}

	record := &domain.RiskScoreRecord{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		Kind:         domain.ScoreKindCredit,
		EntityType:   entityType,
		EntityID:     entityID,
		OverallScore: overall,
		RiskLevel:    level,
		Action:       result.Action,
		Components:   &components,
		CreatedAt:    time.Now().UTC(),
	}

	if err := e.repo.SaveScoreRecord(ctx, tenantID, record); err != nil {
		return nil, err
	}
	result.RecordID = record.ID

	return result, nil
}

// paymentHistoryScore rewards paid installments and penalizes defaults
// and overdues. Applicants with no history get the neutral default.
func (e *Engine) paymentHistoryScore(ctx context.Context, tenantID, applicantID string) float64 {
	installments, err := e.repo.ListInstallmentsByApplicant(ctx, tenantID, applicantID)
	if err != nil || len(installments) == 0 {
		return neutralHistoryScore
	}

	var history domain.PaymentHistory
	for _, inst := range installments {
		history.Total++
		switch inst.Status {
		case domain.InstallmentPaid:
			history.Paid++
		case domain.InstallmentOverdue:
			history.Overdue++
		case domain.InstallmentDefaulted:
			history.Defaulted++
		}
	}

	score := history.PaidRate()*100 - float64(history.Defaulted)*15 - float64(history.Overdue)*5
	if score < 0 {
		return 0
	}
	return score
}

// velocityScore penalizes burst requesting. Counting failures fall back
// to the best score; velocity is a signal, not a gate.
func (e *Engine) velocityScore(ctx context.Context, tenantID, applicantID string) float64 {
	if e.velocity == nil {
		return 85
	}

	count24h, err := e.velocity(ctx, tenantID, applicantID, 24*time.Hour)
	if err != nil {
		return 85
	}
	count7d, err := e.velocity(ctx, tenantID, applicantID, 7*24*time.Hour)
	if err != nil {
		return 85
	}

	switch {
	case count24h > 3:
		return 20
	case count24h > 1:
		return 50
	case count7d > 5:
		return 40
	case count7d > 2:
		return 60
	default:
		return 85
	}
}

func stabilityScore(a *domain.Applicant) float64 {
	score := baseStabilityScore

	switch a.EmployerType {
	case domain.EmployerFederal:
		score += 15
	case domain.EmployerState:
		score += 10
	case domain.EmployerMunicipal:
		score += 5
	}

	gross, _ := a.GrossSalary.Float64()
	switch {
	case gross > 5000:
		score += 10
	case gross > 3000:
		score += 5
	}

	if score > 100 {
		score = 100
	}
	return score
}

func documentsScore(a *domain.Applicant) float64 {
	approved, _, total := a.DocumentCounts()
	if total == 0 {
		return noDocumentsScore
	}
	return float64(approved) / float64(total) * 100
}
