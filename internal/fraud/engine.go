// Package fraud evaluates fraud signals for a request. Scoring starts
// from a 100-point trust baseline and deducts per indicator.
package fraud

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// providerTimeout bounds every external signal lookup. A slow auxiliary
// service must not block credit decisions.
const providerTimeout = 2 * time.Second

// Engine evaluates fraud signals. External providers and the bus are
// optional: a nil provider simply skips its indicator.
type Engine struct {
	repo       domain.Repository
	velocity   scoring.CountFunc
	geo        GeoProvider
	blacklist  BlacklistProvider
	devices    DeviceRegistry
	bus        domain.EventBus
	thresholds domain.Thresholds
	logger     *slog.Logger
}

// NewEngine creates a fraud evaluation engine.
func NewEngine(repo domain.Repository, velocity scoring.CountFunc, geo GeoProvider, blacklist BlacklistProvider, devices DeviceRegistry, bus domain.EventBus, thresholds domain.Thresholds, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		repo:       repo,
		velocity:   velocity,
		geo:        geo,
		blacklist:  blacklist,
		devices:    devices,
		bus:        bus,
		thresholds: thresholds,
		logger:     logger,
	}
}

// Input carries the optional client signals alongside the request.
type Input struct {
	Request           *domain.Request
	Applicant         *domain.Applicant
	IPAddress         string
	DeviceFingerprint string
}

// Evaluate runs all fraud checks, persists the audit record, and raises
// an alert when the result lands high or critical.
func (e *Engine) Evaluate(ctx context.Context, tenantID string, in Input) (*domain.FraudResult, error) {
	if in.Request == nil || in.Applicant == nil {
		return nil, fmt.Errorf("request and applicant are required")
	}

	indicators := e.collectIndicators(ctx, tenantID, in)

	score := 100
	for _, ind := range indicators {
		score -= ind.ScoreImpact
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	level := domain.FraudRiskLevel(score)

	result := &domain.FraudResult{
		OverallScore: score,
		RiskLevel:    level,
		Action:       domain.ActionForRisk(level),
		Indicators:   indicators,
	}

	record := &domain.RiskScoreRecord{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		Kind:         domain.ScoreKindFraud,
		EntityType:   domain.ScoreEntityRequest,
		EntityID:     in.Request.ID,
		OverallScore: score,
		RiskLevel:    level,
		Action:       result.Action,
		Indicators:   indicators,
		CreatedAt:    time.Now().UTC(),
	}
	if err := e.repo.SaveScoreRecord(ctx, tenantID, record); err != nil {
		return nil, err
	}

	if level == domain.RiskHigh || level == domain.RiskCritical {
		e.raiseAlert(ctx, tenantID, in.Request.ID, result)
	}

	return result, nil
}

func (e *Engine) collectIndicators(ctx context.Context, tenantID string, in Input) []domain.FraudIndicator {
	t := e.thresholds
	var indicators []domain.FraudIndicator

	add := func(indicator string, severity domain.Severity, description string, impact int) {
		indicators = append(indicators, domain.FraudIndicator{
			Indicator:   indicator,
			Severity:    severity,
			Description: description,
			ScoreImpact: impact,
		})
	}

	// Velocity abuse
	if e.velocity != nil {
		count, err := e.velocity(ctx, tenantID, in.Applicant.ID, 24*time.Hour)
		if err != nil {
			e.logger.Warn("velocity lookup failed, skipping indicator", "error", err)
		} else if count > 3 {
			add("velocity_abuse", domain.SeverityHigh,
				fmt.Sprintf("%d requests in the last 24h", count), t.PenaltyVelocityAbuse)
		}
	}

	// Device fingerprint
	if in.DeviceFingerprint != "" && e.devices != nil {
		known := e.withTimeout(ctx, func(ctx context.Context) (bool, error) {
			return e.devices.Known(ctx, tenantID, in.Applicant.ID, in.DeviceFingerprint)
		}, true) // unknown lookup defaults to trusted
		if !known {
			add("untrusted_device", domain.SeverityMedium,
				"device fingerprint not previously seen for this applicant", t.PenaltyUntrustedDevice)
			// Register so a legitimate new device is trusted next time.
			e.devices.Register(ctx, tenantID, in.Applicant.ID, in.DeviceFingerprint)
		}
	}

	// IP geolocation
	if in.IPAddress != "" && e.geo != nil {
		loc := e.locate(ctx, in.IPAddress)
		if loc != nil {
			if loc.Country != "" && loc.Country != t.ExpectedCountry {
				add("foreign_ip", domain.SeverityHigh,
					fmt.Sprintf("client IP geolocated to %s, expected %s", loc.Country, t.ExpectedCountry), t.PenaltyForeignIP)
			}
			if loc.DistanceKm > t.GeoDistanceKm {
				add("geo_distance", domain.SeverityMedium,
					fmt.Sprintf("client is %.0fkm from the registered address", loc.DistanceKm), t.PenaltyGeoDistance)
			}
		}
	}

	// Rejected documents: one deduction regardless of count.
	if _, rejected, _ := in.Applicant.DocumentCounts(); rejected > 0 {
		add("rejected_document", domain.SeverityMedium,
			fmt.Sprintf("%d rejected document(s) on file", rejected), t.PenaltyRejectedDocument)
	}

	// Blacklist
	if e.blacklist != nil {
		listed := e.withTimeout(ctx, func(ctx context.Context) (bool, error) {
			return e.blacklist.IsBlacklisted(ctx, tenantID, in.Applicant.TaxID)
		}, false) // unreachable blacklist defaults to clean
		if listed {
			add("blacklist_match", domain.SeverityCritical,
				"tax identifier matches a fraud blacklist entry", t.PenaltyBlacklist)
		}
	}

	return indicators
}

// withTimeout runs a boolean provider lookup bounded by providerTimeout,
// returning the neutral default on error.
func (e *Engine) withTimeout(ctx context.Context, fn func(ctx context.Context) (bool, error), neutral bool) bool {
	ctx, cancel := context.WithTimeout(ctx, providerTimeout)
	defer cancel()

	result, err := fn(ctx)
	if err != nil {
		e.logger.Warn("signal provider failed, using neutral default", "error", err)
		return neutral
	}
	return result
}

func (e *Engine) locate(ctx context.Context, ip string) *GeoLocation {
	ctx, cancel := context.WithTimeout(ctx, providerTimeout)
	defer cancel()

	loc, err := e.geo.Locate(ctx, ip)
	if err != nil {
		e.logger.Warn("geolocation failed, skipping geo indicators", "ip", ip, "error", err)
		return nil
	}
	return loc
}

func (e *Engine) raiseAlert(ctx context.Context, tenantID, requestID string, result *domain.FraudResult) {
	alert := &domain.Alert{
		ID:       uuid.New().String(),
		TenantID: tenantID,
		Type:     domain.AlertFraudSuspicion,
		Severity: domain.SeverityHigh,
		Status:   domain.AlertActive,
		Title:    fmt.Sprintf("fraud suspicion on request %s", requestID),
		Metrics: map[string]any{
			"requestId":  requestID,
			"fraudScore": result.OverallScore,
			"riskLevel":  string(result.RiskLevel),
			"indicators": len(result.Indicators),
		},
		TriggeredAt: time.Now().UTC(),
	}
	if result.RiskLevel == domain.RiskCritical {
		alert.Severity = domain.SeverityCritical
	}

	created, err := e.repo.CreateAlertIfAbsent(ctx, tenantID, alert)
	if err != nil {
		e.logger.Error("failed to raise fraud alert", "requestId", requestID, "error", err)
		return
	}
	if !created {
		return
	}
	e.logger.Warn("fraud alert raised", "requestId", requestID, "score", result.OverallScore)

	if e.bus != nil {
		payload, err := json.Marshal(alert)
		if err != nil {
			return
		}
		if err := e.bus.Publish(ctx, tenantID, domain.TopicAlertRaised, payload); err != nil {
			e.logger.Warn("failed to publish alert event", "requestId", requestID, "error", err)
		}
	}
}
