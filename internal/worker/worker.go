// Package worker provides async processing driven by the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/monitor"
	"github.com/opensource-finance/kestrel/internal/reconcile"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// Worker consumes reconciliation and monitor commands from the EventBus
// and drives the periodic alert sweep.
type Worker struct {
	bus     domain.EventBus
	matcher *reconcile.Matcher
	monitor *monitor.Monitor
	logger  *slog.Logger

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process.
	TenantIDs []string

	// SweepInterval is how often the alert monitor runs per tenant.
	// Zero disables the periodic sweep; sweeps can still be triggered
	// over the bus or the API.
	SweepInterval time.Duration
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, matcher *reconcile.Matcher, mon *monitor.Monitor, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     bus,
		matcher: matcher,
		monitor: mon,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins processing messages for the given tenants.
func (w *Worker) Start(cfg Config) error {
	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID, cfg.SweepInterval); err != nil {
			w.logger.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	w.logger.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
		"sweep_interval", cfg.SweepInterval,
	)

	return nil
}

// startTenantWorker subscribes one tenant's command topics and starts
// its sweep ticker.
func (w *Worker) startTenantWorker(tenantID string, sweepInterval time.Duration) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicReconciliationRun, func(ctx context.Context, msg *domain.Message) error {
		return w.processReconciliation(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	sub, err = w.bus.Subscribe(w.ctx, tenantID, domain.TopicMonitorSweep, func(ctx context.Context, msg *domain.Message) error {
		return w.processSweep(ctx, tenantID)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	if sweepInterval > 0 {
		w.wg.Add(1)
		go w.runSweepTicker(tenantID, sweepInterval)
	}

	w.logger.Info("tenant worker started", "tenant_id", tenantID)
	return nil
}

func (w *Worker) runSweepTicker(tenantID string, interval time.Duration) {
	defer w.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if err := w.processSweep(w.ctx, tenantID); err != nil {
				w.logger.Error("scheduled sweep failed",
					"tenant_id", tenantID,
					"error", err,
				)
			}
		}
	}
}

// ReconciliationMessage is the payload for reconciliation commands.
type ReconciliationMessage struct {
	TenantID   string `json:"tenantId,omitempty"`
	EmployerID string `json:"employerId"`
	Period     string `json:"period"`
}

// processReconciliation runs one reconciliation for the employer/period
// named in the message.
func (w *Worker) processReconciliation(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var cmd ReconciliationMessage
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		w.logger.Error("failed to parse reconciliation message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if cmd.TenantID != "" {
		tenantID = cmd.TenantID
	}

	period, err := domain.ParsePeriod(cmd.Period)
	if err != nil {
		w.logger.Error("invalid reconciliation period",
			"message_id", msg.ID,
			"period", cmd.Period,
			"error", err,
		)
		return err
	}

	record, err := w.matcher.Run(ctx, tenantID, cmd.EmployerID, period)
	if err != nil {
		// Another writer already owns this employer/period. Not a
		// failure worth redelivering.
		if errors.Is(err, repository.ErrConflict) {
			w.logger.Info("reconciliation already running",
				"tenant_id", tenantID,
				"employer_id", cmd.EmployerID,
				"period", cmd.Period,
			)
			return nil
		}
		w.logger.Error("reconciliation failed",
			"tenant_id", tenantID,
			"employer_id", cmd.EmployerID,
			"period", cmd.Period,
			"error", err,
		)
		return err
	}

	w.logger.Info("reconciliation processed",
		"tenant_id", tenantID,
		"employer_id", cmd.EmployerID,
		"period", cmd.Period,
		"status", record.Status,
		"matched_records", record.MatchedRecords,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

func (w *Worker) processSweep(ctx context.Context, tenantID string) error {
	return w.monitor.Sweep(ctx, tenantID)
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	w.logger.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
