package domain

import "time"

// RiskLevel buckets a 0-100 score.
type RiskLevel string

const (
	RiskCritical RiskLevel = "critical"
	RiskHigh     RiskLevel = "high"
	RiskMedium   RiskLevel = "medium"
	RiskLow      RiskLevel = "low"
	RiskVeryLow  RiskLevel = "very_low"
)

// RecommendedAction maps a risk level to what the caller should do.
type RecommendedAction string

const (
	ActionApprove      RecommendedAction = "approve"
	ActionManualReview RecommendedAction = "manual_review"
	ActionRejectRisk   RecommendedAction = "reject"
	ActionBlock        RecommendedAction = "block"
)

// Score record kinds. Credit scoring and fraud evaluation each persist
// their own records.
const (
	ScoreKindCredit = "credit"
	ScoreKindFraud  = "fraud"
)

// Scored entity types.
const (
	ScoreEntityApplicant = "applicant"
	ScoreEntityRequest   = "request"
)

// CreditRiskLevel buckets a creditworthiness score.
func CreditRiskLevel(score int) RiskLevel {
	switch {
	case score < 40:
		return RiskCritical
	case score < 55:
		return RiskHigh
	case score < 70:
		return RiskMedium
	case score < 85:
		return RiskLow
	default:
		return RiskVeryLow
	}
}

// FraudRiskLevel buckets a fraud trust score. Fraud has no very_low
// band; a clean request is simply low risk.
func FraudRiskLevel(score int) RiskLevel {
	switch {
	case score < 30:
		return RiskCritical
	case score < 50:
		return RiskHigh
	case score < 70:
		return RiskMedium
	default:
		return RiskLow
	}
}

// ActionForRisk maps a risk level to the recommended next step.
func ActionForRisk(level RiskLevel) RecommendedAction {
	switch level {
	case RiskCritical:
		return ActionBlock
	case RiskHigh:
		return ActionRejectRisk
	case RiskMedium:
		return ActionManualReview
	default:
		return ActionApprove
	}
}

// ScoreComponents are the four creditworthiness sub-scores, each 0-100.
type ScoreComponents struct {
	PaymentHistory float64 `json:"paymentHistory"`
	Velocity       float64 `json:"velocity"`
	Stability      float64 `json:"stability"`
	Documents      float64 `json:"documents"`
}

// ScoreResult is the output of one credit scoring run.
type ScoreResult struct {
	RecordID     string            `json:"recordId"`
	OverallScore int               `json:"overallScore"`
	RiskLevel    RiskLevel         `json:"riskLevel"`
	Action       RecommendedAction `json:"action"`
	Components   ScoreComponents   `json:"components"`
}

// FraudIndicator is one contributing fraud signal.
type FraudIndicator struct {
	Indicator   string   `json:"indicator"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	ScoreImpact int      `json:"scoreImpact"`
}

// FraudResult is the output of one fraud evaluation. OverallScore is a
// trust score: 100 is clean, 0 is maximally suspicious.
type FraudResult struct {
	OverallScore int               `json:"overallScore"`
	RiskLevel    RiskLevel         `json:"riskLevel"`
	Action       RecommendedAction `json:"action"`
	Indicators   []FraudIndicator  `json:"fraudIndicators"`
}

// RiskScoreRecord is an immutable snapshot of one evaluation. Records are
// append-only: a re-evaluation writes a new record, never an update.
type RiskScoreRecord struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	Kind       string `json:"kind"` // credit or fraud
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`

	OverallScore int               `json:"overallScore"`
	RiskLevel    RiskLevel         `json:"riskLevel"`
	Action       RecommendedAction `json:"action"`

	// Components is set for credit records, Indicators for fraud records.
	Components *ScoreComponents `json:"components,omitempty"`
	Indicators []FraudIndicator `json:"indicators,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}
