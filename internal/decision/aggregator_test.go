package decision

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/eligibility"
	"github.com/opensource-finance/kestrel/internal/fraud"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// pipelineRepo is an in-memory repository covering the decision path.
type pipelineRepo struct {
	domain.Repository

	request      *domain.Request
	applicant    *domain.Applicant
	agreement    *domain.Agreement
	rules        []*domain.EligibilityRule
	installments []*domain.Installment
	requestCount int64

	transitions int
	records     []*domain.RiskScoreRecord
	alerts      []*domain.Alert
}

func (r *pipelineRepo) GetRequest(ctx context.Context, tenantID, id string) (*domain.Request, error) {
	return r.request, nil
}

func (r *pipelineRepo) GetApplicant(ctx context.Context, tenantID, id string) (*domain.Applicant, error) {
	return r.applicant, nil
}

func (r *pipelineRepo) GetAgreement(ctx context.Context, tenantID, id string) (*domain.Agreement, error) {
	return r.agreement, nil
}

func (r *pipelineRepo) ListEligibilityRules(ctx context.Context, tenantID, agreementID string) ([]*domain.EligibilityRule, error) {
	return r.rules, nil
}

func (r *pipelineRepo) ListInstallmentsByApplicant(ctx context.Context, tenantID, applicantID string) ([]*domain.Installment, error) {
	return r.installments, nil
}

func (r *pipelineRepo) CountRequestsByApplicant(ctx context.Context, tenantID, applicantID string, since time.Time) (int64, error) {
	return r.requestCount, nil
}

func (r *pipelineRepo) SaveScoreRecord(ctx context.Context, tenantID string, rec *domain.RiskScoreRecord) error {
	r.records = append(r.records, rec)
	return nil
}

func (r *pipelineRepo) CreateAlertIfAbsent(ctx context.Context, tenantID string, alert *domain.Alert) (bool, error) {
	r.alerts = append(r.alerts, alert)
	return true, nil
}

func (r *pipelineRepo) TransitionRequestStatus(ctx context.Context, tenantID string, req *domain.Request, from domain.RequestStatus) error {
	r.transitions++
	r.request = req
	return nil
}

func cleanRepo() *pipelineRepo {
	installments := make([]*domain.Installment, 10)
	for i := range installments {
		installments[i] = &domain.Installment{Status: domain.InstallmentPaid}
	}

	return &pipelineRepo{
		request: &domain.Request{
			ID:              "req-001",
			TenantID:        "tenant-1",
			ApplicantID:     "app-001",
			AgreementID:     "agr-001",
			AmountRequested: decimal.NewFromInt(4000),
			Status:          domain.StatusPendingDecision,
			CreatedAt:       time.Now().UTC(),
		},
		applicant: &domain.Applicant{
			ID:              "app-001",
			TaxID:           "123",
			GrossSalary:     decimal.NewFromInt(4000),
			NetSalary:       decimal.NewFromInt(3400),
			AvailableMargin: decimal.NewFromInt(5000),
			Country:         "BR",
			Documents: []domain.Document{
				{Type: "identity", Status: domain.DocumentApproved},
				{Type: "proof_of_income", Status: domain.DocumentApproved},
				{Type: "proof_of_address", Status: domain.DocumentApproved},
			},
			CreatedAt: time.Now().UTC().AddDate(-3, 0, 0),
		},
		agreement: &domain.Agreement{
			ID:         "agr-001",
			EmployerID: "emp-001",
			CutoffDay:  25,
			Active:     true,
		},
		installments: installments,
	}
}

func newAggregator(t *testing.T, repo *pipelineRepo) *Aggregator {
	t.Helper()

	elig, err := eligibility.New(repo.CountRequestsByApplicant)
	if err != nil {
		t.Fatalf("failed to create eligibility evaluator: %v", err)
	}

	tracker := scoring.NewTracker(repo, nil)
	thresholds := domain.DefaultThresholds()
	scoreEngine := scoring.NewEngine(repo, tracker.Count, thresholds)
	fraudEngine := fraud.NewEngine(repo, tracker.Count, nil, nil, nil, nil, thresholds, nil)

	return New(repo, nil, elig, scoreEngine, fraudEngine, tracker, thresholds, nil)
}

func TestAutoApprove(t *testing.T) {
	repo := cleanRepo()
	agg := newAggregator(t, repo)

	resp, err := agg.Decide(context.Background(), "tenant-1", Trigger{RequestID: "req-001"})
	if err != nil {
		t.Fatalf("decision failed: %v", err)
	}

	if !resp.AutoApproved {
		t.Fatalf("clean request should auto-approve, got %s (reasons %v)", resp.Decision, resp.Reasons)
	}
	if resp.ConfidenceLevel != 100 {
		t.Errorf("all six conditions satisfied: expected confidence 100, got %d", resp.ConfidenceLevel)
	}
	if resp.AutoRejected || resp.RequiresManualReview {
		t.Error("auto-approve must exclude the other branches")
	}
	if repo.request.Status != domain.StatusMarginCheck {
		t.Errorf("expected margin_check, got %s", repo.request.Status)
	}
	if !repo.request.AmountApproved.Equal(repo.request.AmountRequested) {
		t.Errorf("auto-approve should approve the requested amount, got %s", repo.request.AmountApproved)
	}
	if repo.transitions != 1 {
		t.Errorf("expected exactly 1 status transition, got %d", repo.transitions)
	}
}

func TestAutoRejectOnHardStop(t *testing.T) {
	repo := cleanRepo()
	// Heavy defaults crush payment history and documents are gone:
	// 0.4*0 + 0.2*85 + 0.25*70 + 0.15*30 = 39 -> below the 40 floor.
	repo.installments = []*domain.Installment{
		{Status: domain.InstallmentDefaulted},
		{Status: domain.InstallmentDefaulted},
		{Status: domain.InstallmentDefaulted},
	}
	repo.applicant.GrossSalary = decimal.NewFromInt(2000)
	repo.applicant.EmployerType = ""
	repo.applicant.Documents = nil

	agg := newAggregator(t, repo)

	resp, err := agg.Decide(context.Background(), "tenant-1", Trigger{RequestID: "req-001"})
	if err != nil {
		t.Fatalf("decision failed: %v", err)
	}

	if !resp.AutoRejected {
		t.Fatalf("score below hard floor must auto-reject, got %s (score %d)", resp.Decision, resp.Score)
	}
	if resp.AutoApproved || resp.RequiresManualReview {
		t.Error("auto-reject must exclude the other branches")
	}
	if repo.request.Status != domain.StatusRejected {
		t.Errorf("expected rejected, got %s", repo.request.Status)
	}
	if len(resp.Reasons) == 0 {
		t.Error("auto-reject must carry one reason line per failing hard-stop")
	}
}

func TestManualReviewMiddleGround(t *testing.T) {
	repo := cleanRepo()
	// Amount above the ceiling breaks one auto-approve condition without
	// touching any hard stop.
	repo.request.AmountRequested = decimal.NewFromInt(8000)
	repo.applicant.AvailableMargin = decimal.NewFromInt(10000)

	agg := newAggregator(t, repo)

	resp, err := agg.Decide(context.Background(), "tenant-1", Trigger{RequestID: "req-001"})
	if err != nil {
		t.Fatalf("decision failed: %v", err)
	}

	if !resp.RequiresManualReview {
		t.Fatalf("expected manual review, got %s", resp.Decision)
	}
	if resp.AutoApproved || resp.AutoRejected {
		t.Error("manual review must exclude the other branches")
	}
	if repo.request.Status != domain.StatusUnderAnalysis {
		t.Errorf("expected under_analysis, got %s", repo.request.Status)
	}
	if resp.ReviewPriority != domain.ReviewPriorityHigh {
		t.Errorf("high score and clean fraud should queue high priority, got %s", resp.ReviewPriority)
	}
	if resp.ConfidenceLevel != 5*100/6 {
		t.Errorf("five of six conditions: expected confidence %d, got %d", 5*100/6, resp.ConfidenceLevel)
	}
}

func TestReviewPriorityBands(t *testing.T) {
	cases := []struct {
		score, fraudScore int
		want              string
	}{
		{70, 65, domain.ReviewPriorityHigh},
		{45, 80, domain.ReviewPriorityLow},
		{80, 45, domain.ReviewPriorityLow},
		{60, 55, domain.ReviewPriorityNormal},
	}

	for _, tc := range cases {
		if got := reviewPriority(tc.score, tc.fraudScore); got != tc.want {
			t.Errorf("reviewPriority(%d, %d): expected %s, got %s", tc.score, tc.fraudScore, got, tc.want)
		}
	}
}

func TestDecisionIsStrictPartition(t *testing.T) {
	scenarios := []func(*pipelineRepo){
		func(r *pipelineRepo) {}, // clean -> approve
		func(r *pipelineRepo) { r.request.AmountRequested = decimal.NewFromInt(8000) },
		func(r *pipelineRepo) { r.installments = nil; r.applicant.Documents = nil },
		func(r *pipelineRepo) {
			r.installments = []*domain.Installment{{Status: domain.InstallmentDefaulted}}
			r.applicant.Documents = nil
			r.applicant.GrossSalary = decimal.Zero
			r.applicant.EmployerType = ""
		},
	}

	for i, mutate := range scenarios {
		repo := cleanRepo()
		repo.applicant.AvailableMargin = decimal.NewFromInt(10000)
		mutate(repo)

		agg := newAggregator(t, repo)
		resp, err := agg.Decide(context.Background(), "tenant-1", Trigger{RequestID: "req-001"})
		if err != nil {
			t.Fatalf("scenario %d: decision failed: %v", i, err)
		}

		fired := 0
		for _, b := range []bool{resp.AutoApproved, resp.AutoRejected, resp.RequiresManualReview} {
			if b {
				fired++
			}
		}
		if fired != 1 {
			t.Errorf("scenario %d: exactly one branch must fire, got %d (%+v)", i, fired, resp)
		}
	}
}

func TestEligibilityRejectionIsHardStop(t *testing.T) {
	repo := cleanRepo()
	repo.rules = []*domain.EligibilityRule{{
		ID:        "rule-1",
		Name:      "Minimum Salary",
		Kind:      domain.RuleMinimumSalary,
		Threshold: decimal.NewFromInt(10000),
		Action:    domain.ActionReject,
		Enabled:   true,
	}}

	agg := newAggregator(t, repo)

	resp, err := agg.Decide(context.Background(), "tenant-1", Trigger{RequestID: "req-001"})
	if err != nil {
		t.Fatalf("decision failed: %v", err)
	}

	if !resp.AutoRejected {
		t.Fatalf("eligibility rejection must auto-reject, got %s", resp.Decision)
	}
}
