// Package decision aggregates eligibility, credit score, and fraud
// signals into one verdict per request.
package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/eligibility"
	"github.com/opensource-finance/kestrel/internal/fraud"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

const totalConditions = 6

// Aggregator runs the full decision pipeline for a request. All three
// sub-evaluators must succeed: a missing fraud score is never treated
// as fraud-clear.
type Aggregator struct {
	repo        domain.Repository
	bus         domain.EventBus
	eligibility *eligibility.Evaluator
	scoring     *scoring.Engine
	fraud       *fraud.Engine
	tracker     *scoring.Tracker
	thresholds  domain.Thresholds
	logger      *slog.Logger
}

// New creates a decision aggregator.
func New(repo domain.Repository, bus domain.EventBus, elig *eligibility.Evaluator, score *scoring.Engine, fraudEngine *fraud.Engine, tracker *scoring.Tracker, thresholds domain.Thresholds, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		repo:        repo,
		bus:         bus,
		eligibility: elig,
		scoring:     score,
		fraud:       fraudEngine,
		tracker:     tracker,
		thresholds:  thresholds,
		logger:      logger,
	}
}

// Trigger carries the decision request plus optional client signals
// forwarded to the fraud evaluator.
type Trigger struct {
	RequestID         string
	IPAddress         string
	DeviceFingerprint string
}

// Decide runs the pipeline and transitions the request's workflow
// status. Exactly one of auto-approve, auto-reject, or manual review
// fires per evaluation.
func (a *Aggregator) Decide(ctx context.Context, tenantID string, trigger Trigger) (*domain.DecisionResponse, error) {
	req, err := a.repo.GetRequest(ctx, tenantID, trigger.RequestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load request: %w", err)
	}

	applicant, err := a.repo.GetApplicant(ctx, tenantID, req.ApplicantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load applicant: %w", err)
	}

	agreement, err := a.repo.GetAgreement(ctx, tenantID, req.AgreementID)
	if err != nil {
		return nil, fmt.Errorf("failed to load agreement: %w", err)
	}

	if a.tracker != nil {
		a.tracker.Record(ctx, tenantID, applicant.ID)
	}

	rules, err := a.repo.ListEligibilityRules(ctx, tenantID, req.AgreementID)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	elig, err := a.eligibility.Evaluate(ctx, rules, eligibility.Input{
		TenantID:  tenantID,
		Applicant: applicant,
		Agreement: agreement,
		Amount:    req.AmountRequested,
	})
	if err != nil {
		return nil, fmt.Errorf("eligibility evaluation failed: %w", err)
	}

	score, err := a.scoring.Score(ctx, tenantID, applicant, domain.ScoreEntityRequest, req.ID)
	if err != nil {
		return nil, fmt.Errorf("credit scoring failed: %w", err)
	}

	fraudResult, err := a.fraud.Evaluate(ctx, tenantID, fraud.Input{
		Request:           req,
		Applicant:         applicant,
		IPAddress:         trigger.IPAddress,
		DeviceFingerprint: trigger.DeviceFingerprint,
	})
	if err != nil {
		return nil, fmt.Errorf("fraud evaluation failed: %w", err)
	}

	verdict := a.aggregate(req, elig, score, fraudResult)

	req.Status = verdict.status
	req.Decision = verdict.response.Decision
	req.Score = score.OverallScore
	req.RiskLevel = score.RiskLevel
	req.FraudScore = fraudResult.OverallScore
	req.ConfidenceLevel = verdict.response.ConfidenceLevel
	req.ReviewPriority = verdict.response.ReviewPriority
	req.DecisionReasons = verdict.response.Reasons
	req.DecidedAt = time.Now().UTC()
	if verdict.response.AutoApproved {
		req.AmountApproved = req.AmountRequested
	}

	if err := a.repo.TransitionRequestStatus(ctx, tenantID, req, domain.StatusPendingDecision); err != nil {
		return nil, err
	}

	a.publish(ctx, tenantID, verdict.response)

	a.logger.Info("decision completed",
		"requestId", req.ID,
		"decision", verdict.response.Decision,
		"score", score.OverallScore,
		"fraudScore", fraudResult.OverallScore,
		"confidence", verdict.response.ConfidenceLevel,
	)

	return verdict.response, nil
}

type verdict struct {
	response *domain.DecisionResponse
	status   domain.RequestStatus
}

// aggregate applies the strict three-way partition.
func (a *Aggregator) aggregate(req *domain.Request, elig *domain.EligibilityResult, score *domain.ScoreResult, fraudResult *domain.FraudResult) verdict {
	t := a.thresholds

	conditions := []struct {
		ok     bool
		reason string
	}{
		{elig.Decision == domain.DecisionApproved, "eligibility approved"},
		{score.OverallScore >= t.MinAutoApproveScore, fmt.Sprintf("score %d meets auto-approve minimum %d", score.OverallScore, t.MinAutoApproveScore)},
		{score.RiskLevel == domain.RiskLow || score.RiskLevel == domain.RiskVeryLow, fmt.Sprintf("risk level %s acceptable", score.RiskLevel)},
		{fraudResult.OverallScore >= t.MinAutoApproveFraudScore, fmt.Sprintf("fraud score %d meets auto-approve minimum %d", fraudResult.OverallScore, t.MinAutoApproveFraudScore)},
		{fraudResult.RiskLevel != domain.RiskHigh && fraudResult.RiskLevel != domain.RiskCritical, fmt.Sprintf("fraud risk level %s acceptable", fraudResult.RiskLevel)},
		{req.AmountRequested.LessThanOrEqual(t.AutoApproveCeiling), fmt.Sprintf("amount %s within auto-approve ceiling %s", req.AmountRequested.StringFixed(2), t.AutoApproveCeiling.StringFixed(2))},
	}

	satisfied := 0
	var satisfiedReasons []string
	for _, c := range conditions {
		if c.ok {
			satisfied++
			satisfiedReasons = append(satisfiedReasons, c.reason)
		}
	}
	confidence := satisfied * 100 / totalConditions

	resp := &domain.DecisionResponse{
		RequestID:       req.ID,
		ConfidenceLevel: confidence,
		Score:           score.OverallScore,
		RiskLevel:       score.RiskLevel,
		FraudScore:      fraudResult.OverallScore,
	}

	if satisfied == totalConditions {
		resp.Decision = domain.DecisionApproved
		resp.AutoApproved = true
		resp.Reasons = satisfiedReasons
		return verdict{response: resp, status: domain.StatusMarginCheck}
	}

	if hardStops := a.hardStops(elig, score, fraudResult); len(hardStops) > 0 {
		resp.Decision = domain.DecisionRejected
		resp.AutoRejected = true
		resp.Reasons = append(hardStops, reviewContext(elig, fraudResult)...)
		return verdict{response: resp, status: domain.StatusRejected}
	}

	resp.Decision = domain.DecisionManualReview
	resp.RequiresManualReview = true
	resp.ReviewPriority = reviewPriority(score.OverallScore, fraudResult.OverallScore)
	resp.Reasons = append(reviewReasons(conditions), reviewContext(elig, fraudResult)...)
	return verdict{response: resp, status: domain.StatusUnderAnalysis}
}

// hardStops returns one reason line per failing hard-stop condition.
func (a *Aggregator) hardStops(elig *domain.EligibilityResult, score *domain.ScoreResult, fraudResult *domain.FraudResult) []string {
	t := a.thresholds
	var stops []string

	if elig.Decision == domain.DecisionRejected {
		stops = append(stops, "eligibility rejected")
		stops = append(stops, elig.Rejections...)
	}
	if score.OverallScore < t.HardRejectScore {
		stops = append(stops, fmt.Sprintf("score %d below hard-reject floor %d", score.OverallScore, t.HardRejectScore))
	}
	if score.RiskLevel == domain.RiskCritical {
		stops = append(stops, "risk level critical")
	}
	if fraudResult.RiskLevel == domain.RiskCritical {
		stops = append(stops, "fraud risk level critical")
	}
	if fraudResult.OverallScore < t.HardRejectFraudScore {
		stops = append(stops, fmt.Sprintf("fraud score %d below hard-reject floor %d", fraudResult.OverallScore, t.HardRejectFraudScore))
	}

	return stops
}

// reviewReasons lists the unsatisfied auto-approve conditions so the
// reviewer sees exactly what gated the request.
func reviewReasons(conditions []struct {
	ok     bool
	reason string
}) []string {
	var reasons []string
	for _, c := range conditions {
		if !c.ok {
			reasons = append(reasons, "unmet: "+c.reason)
		}
	}
	return reasons
}

// reviewContext concatenates the sub-evaluator findings into the stored
// rationale so a reviewer never has to re-run the evaluators.
func reviewContext(elig *domain.EligibilityResult, fraudResult *domain.FraudResult) []string {
	var out []string
	out = append(out, elig.Warnings...)
	for _, ind := range fraudResult.Indicators {
		out = append(out, fmt.Sprintf("fraud indicator: %s (%s)", ind.Indicator, ind.Description))
	}
	return out
}

func reviewPriority(score, fraudScore int) string {
	switch {
	case score >= 65 && fraudScore >= 60:
		return domain.ReviewPriorityHigh
	case score < 50 || fraudScore < 50:
		return domain.ReviewPriorityLow
	default:
		return domain.ReviewPriorityNormal
	}
}

func (a *Aggregator) publish(ctx context.Context, tenantID string, resp *domain.DecisionResponse) {
	if a.bus == nil {
		return
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}

	if err := a.bus.Publish(ctx, tenantID, domain.TopicDecisionCompleted, payload); err != nil {
		a.logger.Warn("failed to publish decision event", "requestId", resp.RequestID, "error", err)
	}
}
