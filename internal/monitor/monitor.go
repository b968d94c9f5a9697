// Package monitor runs the periodic portfolio threshold sweep.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Monitor evaluates portfolio metrics against alert thresholds. Each
// sweep creates alerts for newly breached conditions and resolves
// recent alerts whose condition no longer holds.
type Monitor struct {
	repo       domain.Repository
	bus        domain.EventBus
	thresholds domain.Thresholds
	logger     *slog.Logger

	// now is injectable for tests.
	now func() time.Time
}

// New creates an alert monitor.
func New(repo domain.Repository, bus domain.EventBus, thresholds domain.Thresholds, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		repo:       repo,
		bus:        bus,
		thresholds: thresholds,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// check is one threshold condition with its current metrics snapshot.
type check struct {
	alertType domain.AlertType
	severity  domain.Severity
	title     string
	breached  bool
	metrics   map[string]any
}

// Sweep runs all threshold checks once. Creation is atomic per
// (type, day): a concurrent sweep cannot duplicate an alert.
func (m *Monitor) Sweep(ctx context.Context, tenantID string) error {
	checks, err := m.evaluate(ctx, tenantID)
	if err != nil {
		return err
	}

	byType := make(map[domain.AlertType]check, len(checks))
	for _, c := range checks {
		byType[c.alertType] = c

		if !c.breached {
			continue
		}

		alert := &domain.Alert{
			ID:          uuid.New().String(),
			TenantID:    tenantID,
			Type:        c.alertType,
			Severity:    c.severity,
			Status:      domain.AlertActive,
			Title:       c.title,
			Metrics:     c.metrics,
			TriggeredAt: m.now(),
		}

		created, err := m.repo.CreateAlertIfAbsent(ctx, tenantID, alert)
		if err != nil {
			return fmt.Errorf("failed to create %s alert: %w", c.alertType, err)
		}
		if created {
			m.logger.Warn("alert raised", "type", c.alertType, "severity", c.severity)
			m.publish(ctx, tenantID, alert)
		}
	}

	return m.resolveCleared(ctx, tenantID, byType)
}

func (m *Monitor) evaluate(ctx context.Context, tenantID string) ([]check, error) {
	t := m.thresholds
	now := m.now()
	todayStart := now.Truncate(24 * time.Hour)
	yesterdayStart := todayStart.Add(-24 * time.Hour)

	today, err := m.repo.DecisionStats(ctx, tenantID, todayStart, now)
	if err != nil {
		return nil, fmt.Errorf("failed to load decision stats: %w", err)
	}
	yesterday, err := m.repo.DecisionStats(ctx, tenantID, yesterdayStart, todayStart)
	if err != nil {
		return nil, fmt.Errorf("failed to load decision stats: %w", err)
	}

	delinquency, err := m.repo.DelinquencyStats(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load delinquency stats: %w", err)
	}

	slaCutoff := now.Add(-time.Duration(t.SLAHours) * time.Hour)
	aged, err := m.repo.CountAgedNonTerminal(ctx, tenantID, slaCutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to count aged requests: %w", err)
	}

	backlog, err := m.repo.IssueBacklog(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load issue backlog: %w", err)
	}

	todayRate := today.RejectionRate()
	yesterdayRate := yesterday.RejectionRate()

	return []check{
		{
			alertType: domain.AlertRejectionSpike,
			severity:  domain.SeverityHigh,
			title:     fmt.Sprintf("rejection rate spiked to %.1f%%", todayRate*100),
			breached:  todayRate > yesterdayRate*t.RejectionSpikeMultiplier && todayRate > t.RejectionSpikeFloor,
			metrics: map[string]any{
				"todayRate":     todayRate,
				"yesterdayRate": yesterdayRate,
				"todayDecided":  today.Decided,
				"todayRejected": today.Rejected,
			},
		},
		{
			alertType: domain.AlertHighDelinquency,
			severity:  domain.SeverityCritical,
			title:     fmt.Sprintf("delinquency ratio at %.1f%%", delinquency.Ratio()*100),
			breached:  delinquency.Ratio() > t.DelinquencyRatio,
			metrics: map[string]any{
				"overdue": delinquency.Overdue,
				"total":   delinquency.Total,
				"ratio":   delinquency.Ratio(),
			},
		},
		{
			alertType: domain.AlertSLABreach,
			severity:  domain.SeverityHigh,
			title:     fmt.Sprintf("%d requests older than %dh still undecided", aged, t.SLAHours),
			breached:  aged > t.SLABacklog,
			metrics: map[string]any{
				"agedRequests": aged,
				"slaHours":     t.SLAHours,
			},
		},
		{
			alertType: domain.AlertReconciliationBacklog,
			severity:  domain.SeverityHigh,
			title:     fmt.Sprintf("%d open settlement issues, %s outstanding", backlog.Count, backlog.Outstanding.StringFixed(2)),
			breached:  backlog.Count > t.IssueBacklogCount || backlog.Outstanding.GreaterThan(t.IssueBacklogAmount),
			metrics: map[string]any{
				"issueCount":  backlog.Count,
				"outstanding": backlog.Outstanding.StringFixed(2),
			},
		},
	}, nil
}

// resolveCleared re-evaluates active alerts from today and yesterday;
// older alerts are assumed already handled or escalated and left alone.
func (m *Monitor) resolveCleared(ctx context.Context, tenantID string, byType map[domain.AlertType]check) error {
	yesterdayStart := m.now().Truncate(24 * time.Hour).Add(-24 * time.Hour)

	active, err := m.repo.ListAlerts(ctx, tenantID, domain.AlertActive, yesterdayStart)
	if err != nil {
		return fmt.Errorf("failed to list active alerts: %w", err)
	}

	for _, alert := range active {
		c, monitored := byType[alert.Type]
		if !monitored || c.breached {
			continue
		}

		if err := m.repo.ResolveAlert(ctx, tenantID, alert.ID, m.now()); err != nil {
			m.logger.Error("failed to resolve alert", "alertId", alert.ID, "error", err)
			continue
		}
		m.logger.Info("alert resolved", "type", alert.Type, "alertId", alert.ID)
	}

	return nil
}

func (m *Monitor) publish(ctx context.Context, tenantID string, alert *domain.Alert) {
	if m.bus == nil {
		return
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		return
	}
	if err := m.bus.Publish(ctx, tenantID, domain.TopicAlertRaised, payload); err != nil {
		m.logger.Warn("failed to publish alert event", "type", alert.Type, "error", err)
	}
}
