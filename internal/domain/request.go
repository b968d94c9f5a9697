package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RequestStatus is the workflow state of an advance request.
type RequestStatus string

const (
	// StatusPendingDecision is the intake state; the only state the
	// decision aggregator will transition out of.
	StatusPendingDecision RequestStatus = "pending_decision"

	// StatusUnderAnalysis means the request was routed to manual review.
	StatusUnderAnalysis RequestStatus = "under_analysis"

	// StatusMarginCheck means the request was auto-approved and awaits
	// margin confirmation with the employer.
	StatusMarginCheck RequestStatus = "margin_check"

	// Downstream workflow states, mutated outside this engine.
	StatusPendingSignature RequestStatus = "pending_signature"
	StatusDisbursed        RequestStatus = "disbursed"

	// Terminal states.
	StatusRejected  RequestStatus = "rejected"
	StatusCancelled RequestStatus = "cancelled"
	StatusExpired   RequestStatus = "expired"
)

// Terminal reports whether the status is a workflow end state.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusDisbursed, StatusRejected, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Decision outcomes produced by the aggregator.
const (
	DecisionApproved     = "approved"
	DecisionRejected     = "rejected"
	DecisionManualReview = "manual_review"
)

// Review priorities assigned to manual-review decisions.
const (
	ReviewPriorityHigh   = "high"
	ReviewPriorityNormal = "normal"
	ReviewPriorityLow    = "low"
)

// Request is a wage advance application. Intake creates it; the decision
// aggregator is the only engine component that mutates it.
type Request struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	ApplicantID string `json:"applicantId"`
	AgreementID string `json:"agreementId"`

	AmountRequested decimal.Decimal `json:"amountRequested"`
	AmountApproved  decimal.Decimal `json:"amountApproved"`

	Status RequestStatus `json:"status"`

	// Decision fields, written once by the aggregator.
	Decision        string    `json:"decision,omitempty"`
	Score           int       `json:"score,omitempty"`
	RiskLevel       RiskLevel `json:"riskLevel,omitempty"`
	FraudScore      int       `json:"fraudScore,omitempty"`
	ConfidenceLevel int       `json:"confidenceLevel,omitempty"`
	ReviewPriority  string    `json:"reviewPriority,omitempty"`
	DecisionReasons []string  `json:"decisionReasons,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	DecidedAt time.Time `json:"decidedAt,omitzero"`
}

// DecisionResponse is the API response for a decision trigger.
type DecisionResponse struct {
	RequestID            string    `json:"requestId"`
	Decision             string    `json:"decision"`
	AutoApproved         bool      `json:"autoApproved"`
	AutoRejected         bool      `json:"autoRejected"`
	RequiresManualReview bool      `json:"requiresManualReview"`
	ReviewPriority       string    `json:"reviewPriority,omitempty"`
	ConfidenceLevel      int       `json:"confidenceLevel"`
	Reasons              []string  `json:"reasons"`
	Score                int       `json:"score"`
	RiskLevel            RiskLevel `json:"riskLevel"`
	FraudScore           int       `json:"fraudScore"`
}
