// Package eligibility evaluates data-driven rule rows against an
// applicant/agreement/amount triple.
package eligibility

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// RequestCounter returns how many requests an applicant created at or
// after since. Backed by the repository; injectable for tests.
type RequestCounter func(ctx context.Context, tenantID, applicantID string, since time.Time) (int64, error)

// Evaluator runs all applicable rules and reports every finding. Rules
// never short-circuit: the full finding list is the audit trail.
type Evaluator struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]compiledExpr

	countRequests RequestCounter
}

type compiledExpr struct {
	expression string
	program    cel.Program
}

// New creates a rule evaluator.
func New(countRequests RequestCounter) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("gross_salary", cel.DoubleType),
		cel.Variable("net_salary", cel.DoubleType),
		cel.Variable("available_margin", cel.DoubleType),
		cel.Variable("tenure_months", cel.IntType),
		cel.Variable("request_count", cel.IntType),
		cel.Variable("employer_type", cel.StringType),
		cel.Variable("country", cel.StringType),
		cel.Variable("cutoff_day", cel.IntType),
		cel.Variable("days_until_cutoff", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{
		env:           env,
		programs:      make(map[string]compiledExpr),
		countRequests: countRequests,
	}, nil
}

// ValidateRule checks a rule row without loading it. Custom expressions
// are compiled; typed kinds only need a known kind tag.
func (e *Evaluator) ValidateRule(rule *domain.EligibilityRule) error {
	if rule == nil {
		return fmt.Errorf("rule is required")
	}

	switch rule.Kind {
	case domain.RuleMinimumSalary, domain.RuleEmploymentTenure,
		domain.RuleMaxRequestsPerMonth, domain.RuleMarginPercentage,
		domain.RuleMinimumRemainingSalary, domain.RuleCutoffDayValidation,
		domain.RuleDocumentCompleteness, domain.RuleScoreThreshold:
		return nil
	case domain.RuleCustomExpression:
		if rule.Expression == "" {
			return fmt.Errorf("custom_expression rule requires an expression")
		}
		_, err := e.compile(rule.Expression)
		return err
	default:
		return fmt.Errorf("unknown rule kind: %s", rule.Kind)
	}
}

// Reload drops all compiled expression programs. The next evaluation
// recompiles from the current rule rows.
func (e *Evaluator) Reload() {
	e.mu.Lock()
	e.programs = make(map[string]compiledExpr)
	e.mu.Unlock()
}

func (e *Evaluator) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", issues.Err())
	}
	return e.env.Program(ast)
}

// programFor returns the compiled program for a rule, recompiling when
// the stored expression changed since the last load.
func (e *Evaluator) programFor(rule *domain.EligibilityRule) (cel.Program, error) {
	e.mu.RLock()
	cached, ok := e.programs[rule.ID]
	e.mu.RUnlock()

	if ok && cached.expression == rule.Expression {
		return cached.program, nil
	}

	prog, err := e.compile(rule.Expression)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.programs[rule.ID] = compiledExpr{expression: rule.Expression, program: prog}
	e.mu.Unlock()

	return prog, nil
}

// Input is the triple one evaluation runs against. Now anchors the
// calendar computations so tests can pin time.
type Input struct {
	TenantID  string
	Applicant *domain.Applicant
	Agreement *domain.Agreement
	Amount    decimal.Decimal
	Now       time.Time
}

// Evaluate runs every rule against the input, in priority order, and
// reports all findings.
func (e *Evaluator) Evaluate(ctx context.Context, rules []*domain.EligibilityRule, in Input) (*domain.EligibilityResult, error) {
	if in.Applicant == nil || in.Agreement == nil {
		return nil, fmt.Errorf("applicant and agreement are required")
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}

	result := &domain.EligibilityResult{
		Eligible:          true,
		MaxApprovedAmount: in.Amount,
		RulesApplied:      make([]domain.RuleFinding, 0, len(rules)),
	}

	needsReview := false

	for _, rule := range rules {
		finding := e.evaluateRule(ctx, rule, in, result)
		result.RulesApplied = append(result.RulesApplied, finding)

		switch finding.Status {
		case domain.RuleFindingFailed:
			result.Eligible = false
			result.Rejections = append(result.Rejections, finding.Detail)
		case domain.RuleFindingRequiresReview:
			needsReview = true
		case domain.RuleFindingWarning:
			result.Warnings = append(result.Warnings, finding.Detail)
		case domain.RuleFindingError:
			// A rule that cannot be evaluated must not silently pass.
			// Unless the rule is advisory, fail closed into review.
			if rule.Action != domain.ActionWarn && rule.Kind != domain.RuleCutoffDayValidation {
				needsReview = true
			}
			result.Warnings = append(result.Warnings, finding.Detail)
		}
	}

	switch {
	case !result.Eligible:
		result.Decision = domain.DecisionRejected
	case needsReview:
		result.Decision = domain.DecisionManualReview
	default:
		result.Decision = domain.DecisionApproved
	}

	return result, nil
}

// evaluateRule dispatches on the rule kind and maps the raw outcome
// through the rule's action. The cutoff rule is advisory and always
// reports a warning.
func (e *Evaluator) evaluateRule(ctx context.Context, rule *domain.EligibilityRule, in Input, result *domain.EligibilityResult) domain.RuleFinding {
	finding := domain.RuleFinding{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Kind:     rule.Kind,
		Status:   domain.RuleFindingPassed,
	}

	passed, detail, err := e.checkRule(ctx, rule, in, result)
	if err != nil {
		finding.Status = domain.RuleFindingError
		finding.Detail = fmt.Sprintf("evaluation error: %v", err)
		return finding
	}
	if passed {
		return finding
	}

	if rule.Message != "" {
		detail = rule.Message
	}
	finding.Detail = detail

	if rule.Kind == domain.RuleCutoffDayValidation {
		finding.Status = domain.RuleFindingWarning
		return finding
	}

	switch rule.Action {
	case domain.ActionRequireReview:
		finding.Status = domain.RuleFindingRequiresReview
	case domain.ActionWarn:
		finding.Status = domain.RuleFindingWarning
	default:
		finding.Status = domain.RuleFindingFailed
	}

	return finding
}

func (e *Evaluator) checkRule(ctx context.Context, rule *domain.EligibilityRule, in Input, result *domain.EligibilityResult) (bool, string, error) {
	a := in.Applicant

	switch rule.Kind {
	case domain.RuleMinimumSalary:
		if a.GrossSalary.LessThan(rule.Threshold) {
			return false, fmt.Sprintf("gross salary %s below minimum %s", a.GrossSalary.StringFixed(2), rule.Threshold.StringFixed(2)), nil
		}
		return true, "", nil

	case domain.RuleEmploymentTenure:
		months := a.EmploymentTenureMonths(in.Now)
		if decimal.NewFromInt(int64(months)).LessThan(rule.Threshold) {
			return false, fmt.Sprintf("employment tenure %d months below minimum %s", months, rule.Threshold), nil
		}
		return true, "", nil

	case domain.RuleMaxRequestsPerMonth:
		monthStart := time.Date(in.Now.Year(), in.Now.Month(), 1, 0, 0, 0, 0, time.UTC)
		count, err := e.countRequests(ctx, in.TenantID, a.ID, monthStart)
		if err != nil {
			return false, "", err
		}
		if decimal.NewFromInt(count).GreaterThanOrEqual(rule.Threshold) {
			return false, fmt.Sprintf("%d requests this month, limit is %s", count, rule.Threshold), nil
		}
		return true, "", nil

	case domain.RuleMarginPercentage:
		if in.Amount.GreaterThan(a.AvailableMargin) {
			capped := a.AvailableMargin
			if capped.IsNegative() {
				capped = decimal.Zero
			}
			if capped.LessThan(result.MaxApprovedAmount) {
				result.MaxApprovedAmount = capped
			}
			return false, fmt.Sprintf("requested %s exceeds remaining margin %s", in.Amount.StringFixed(2), a.AvailableMargin.StringFixed(2)), nil
		}
		return true, "", nil

	case domain.RuleMinimumRemainingSalary:
		remaining := a.NetSalary.Sub(in.Amount)
		if remaining.LessThan(rule.Threshold) {
			return false, fmt.Sprintf("remaining net salary %s below minimum %s", remaining.StringFixed(2), rule.Threshold.StringFixed(2)), nil
		}
		return true, "", nil

	case domain.RuleCutoffDayValidation:
		days := in.Agreement.DaysUntilCutoff(in.Now)
		if decimal.NewFromInt(int64(days)).LessThanOrEqual(rule.Threshold) {
			return false, fmt.Sprintf("payroll cutoff is %d days away, deduction slips to next cycle", days), nil
		}
		return true, "", nil

	case domain.RuleDocumentCompleteness:
		var missing []string
		for _, docType := range domain.RequiredDocumentTypes {
			if !a.HasDocumentOfType(docType) {
				missing = append(missing, docType)
			}
		}
		if len(missing) > 0 {
			return false, fmt.Sprintf("missing required documents: %v", missing), nil
		}
		return true, "", nil

	case domain.RuleScoreThreshold:
		score := proxyScore(a, in.Amount)
		if decimal.NewFromInt(int64(score)).LessThan(rule.Threshold) {
			return false, fmt.Sprintf("proxy score %d below threshold %s", score, rule.Threshold), nil
		}
		return true, "", nil

	case domain.RuleCustomExpression:
		return e.evalExpression(ctx, rule, in)

	default:
		return false, "", fmt.Errorf("unknown rule kind: %s", rule.Kind)
	}
}

// proxyScore is the cheap pre-scoring gate: full marks unless the margin
// is exhausted or the amount exceeds the gross salary.
func proxyScore(a *domain.Applicant, amount decimal.Decimal) int {
	score := 100
	if amount.GreaterThan(a.AvailableMargin) {
		score -= 50
	}
	if amount.GreaterThan(a.GrossSalary) {
		score -= 30
	}
	return score
}

func (e *Evaluator) evalExpression(ctx context.Context, rule *domain.EligibilityRule, in Input) (bool, string, error) {
	prog, err := e.programFor(rule)
	if err != nil {
		return false, "", err
	}

	a := in.Applicant

	var requestCount int64
	if e.countRequests != nil {
		monthStart := time.Date(in.Now.Year(), in.Now.Month(), 1, 0, 0, 0, 0, time.UTC)
		if count, err := e.countRequests(ctx, in.TenantID, a.ID, monthStart); err == nil {
			requestCount = count
		}
	}
	amount, _ := in.Amount.Float64()
	gross, _ := a.GrossSalary.Float64()
	net, _ := a.NetSalary.Float64()
	margin, _ := a.AvailableMargin.Float64()

	activation := map[string]any{
		"amount":            amount,
		"gross_salary":      gross,
		"net_salary":        net,
		"available_margin":  margin,
		"tenure_months":     int64(a.EmploymentTenureMonths(in.Now)),
		"request_count":     requestCount,
		"employer_type":     string(a.EmployerType),
		"country":           a.Country,
		"cutoff_day":        int64(in.Agreement.CutoffDay),
		"days_until_cutoff": int64(in.Agreement.DaysUntilCutoff(in.Now)),
	}

	out, _, err := prog.Eval(activation)
	if err != nil {
		return false, "", err
	}

	pass, ok := out.(types.Bool)
	if !ok {
		return false, "", fmt.Errorf("expression must evaluate to bool, got %T", out)
	}
	if bool(pass) {
		return true, "", nil
	}
	return false, fmt.Sprintf("expression %q not satisfied", rule.Expression), nil
}
