package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RuleKind identifies a typed eligibility rule. Rules are rows, not code:
// each row carries only the threshold its kind needs and is evaluated
// through a single dispatch function in the eligibility package.
type RuleKind string

const (
	RuleMinimumSalary          RuleKind = "minimum_salary"
	RuleEmploymentTenure       RuleKind = "employment_tenure"
	RuleMaxRequestsPerMonth    RuleKind = "maximum_requests_per_month"
	RuleMarginPercentage       RuleKind = "margin_percentage"
	RuleMinimumRemainingSalary RuleKind = "minimum_remaining_salary"
	RuleCutoffDayValidation    RuleKind = "cutoff_day_validation"
	RuleDocumentCompleteness   RuleKind = "document_completeness"
	RuleScoreThreshold         RuleKind = "score_threshold"

	// RuleCustomExpression evaluates a CEL expression against the
	// applicant/agreement/amount triple. Lets operators add bespoke
	// checks without a redeploy.
	RuleCustomExpression RuleKind = "custom_expression"
)

// RuleAction is what a failing rule contributes to the evaluation.
type RuleAction string

const (
	ActionReject        RuleAction = "reject"
	ActionRequireReview RuleAction = "require_review"
	ActionWarn          RuleAction = "warn"
)

// EligibilityRule is one data-driven rule row. Rules never mutate
// applicant or request state; they only contribute findings.
type EligibilityRule struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	Name string   `json:"name"`
	Kind RuleKind `json:"kind"`

	// Priority orders evaluation, ascending first. Ordering matters only
	// for the reported finding sequence; rules never short-circuit.
	Priority int `json:"priority"`

	// AgreementID scopes the rule to one agreement; empty means global.
	AgreementID string `json:"agreementId,omitempty"`

	// Threshold is the kind-specific numeric parameter: a salary floor,
	// a tenure in months, a request count, a day distance, a score.
	Threshold decimal.Decimal `json:"threshold"`

	// Expression is only set for custom_expression rules.
	Expression string `json:"expression,omitempty"`

	Action RuleAction `json:"action"`

	// Message overrides the generated rejection text when set.
	Message string `json:"message,omitempty"`

	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitzero"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
}

// Rule finding statuses reported per rule in the audit trail.
const (
	RuleFindingPassed         = "passed"
	RuleFindingFailed         = "failed"
	RuleFindingRequiresReview = "requires_review"
	RuleFindingWarning        = "warning"
	RuleFindingError          = "error"
)

// RuleFinding records the outcome of a single rule evaluation.
type RuleFinding struct {
	RuleID   string   `json:"ruleId"`
	RuleName string   `json:"ruleName"`
	Kind     RuleKind `json:"kind"`
	Status   string   `json:"status"`
	Detail   string   `json:"detail,omitempty"`
}

// EligibilityResult is the evaluator's verdict for one request triple.
type EligibilityResult struct {
	Eligible bool   `json:"eligible"`
	Decision string `json:"decision"` // approved, rejected, manual_review

	Rejections []string `json:"rejections,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`

	RulesApplied []RuleFinding `json:"rulesApplied"`

	// MaxApprovedAmount is capped at the remaining margin when the
	// margin rule fails; otherwise the requested amount.
	MaxApprovedAmount decimal.Decimal `json:"maxApprovedAmount"`
}
