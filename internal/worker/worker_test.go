package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/monitor"
	"github.com/opensource-finance/kestrel/internal/reconcile"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-worker-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	return repo
}

func newTestWorker(t *testing.T, eventBus domain.EventBus) (*Worker, domain.Repository) {
	t.Helper()

	repo := newTestRepo(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	thresholds := domain.DefaultThresholds()

	matcher := reconcile.New(repo, eventBus, thresholds, logger)
	mon := monitor.New(repo, eventBus, thresholds, logger)

	return NewWorker(eventBus, matcher, mon, logger), repo
}

func TestWorkerStartStop(t *testing.T) {
	eventBus := bus.NewChannelBus(16)
	defer eventBus.Close()

	w, _ := newTestWorker(t, eventBus)

	cfg := Config{TenantIDs: []string{"tenant-001"}}
	if err := w.Start(cfg); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stats := w.GetStats()
	if stats.SubscriptionCount != 2 {
		t.Errorf("expected 2 subscriptions, got %d", stats.SubscriptionCount)
	}

	if err := w.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}

	stats = w.GetStats()
	if stats.SubscriptionCount != 0 {
		t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
	}
}

func TestWorkerMultiTenant(t *testing.T) {
	eventBus := bus.NewChannelBus(16)
	defer eventBus.Close()

	w, _ := newTestWorker(t, eventBus)

	cfg := Config{TenantIDs: []string{"tenant-a", "tenant-b"}}
	if err := w.Start(cfg); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	stats := w.GetStats()
	if stats.SubscriptionCount != 4 {
		t.Errorf("expected 4 subscriptions for 2 tenants, got %d", stats.SubscriptionCount)
	}
}

func TestReconciliationCommand(t *testing.T) {
	eventBus := bus.NewChannelBus(16)
	defer eventBus.Close()

	w, repo := newTestWorker(t, eventBus)

	tenantID := "tenant-recon"
	ctx := context.Background()
	period, _ := domain.ParsePeriod("2025-06")

	for _, kind := range []domain.BatchKind{domain.BatchSent, domain.BatchConfirmed} {
		batch := &domain.PayrollBatch{
			ID:         "batch-" + string(kind),
			TenantID:   tenantID,
			EmployerID: "employer-001",
			Period:     period,
			Kind:       kind,
			IngestedAt: time.Now().UTC(),
		}
		if err := repo.SavePayrollBatch(ctx, tenantID, batch); err != nil {
			t.Fatalf("failed to seed %s batch: %v", kind, err)
		}
	}

	if err := w.Start(Config{TenantIDs: []string{tenantID}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	var completions atomic.Int32
	var completedPayload []byte
	eventBus.Subscribe(ctx, tenantID, domain.TopicReconciliationCompleted, func(ctx context.Context, msg *domain.Message) error {
		completedPayload = msg.Payload
		completions.Add(1)
		return nil
	})

	time.Sleep(50 * time.Millisecond)

	cmd := ReconciliationMessage{EmployerID: "employer-001", Period: "2025-06"}
	payload, _ := json.Marshal(cmd)
	if err := eventBus.Publish(ctx, tenantID, domain.TopicReconciliationRun, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if completions.Load() != 1 {
		t.Fatalf("expected 1 completion, got %d", completions.Load())
	}

	var record domain.ReconciliationRecord
	if err := json.Unmarshal(completedPayload, &record); err != nil {
		t.Fatalf("failed to parse completion: %v", err)
	}
	if record.Status != domain.ReconStatusReconciled {
		t.Errorf("expected status reconciled, got %s", record.Status)
	}

	// A repeated command reruns the period and converges.
	eventBus.Publish(ctx, tenantID, domain.TopicReconciliationRun, payload)
	time.Sleep(100 * time.Millisecond)

	if completions.Load() != 2 {
		t.Errorf("expected rerun to complete, got %d completions", completions.Load())
	}
}

func TestSweepCommand(t *testing.T) {
	eventBus := bus.NewChannelBus(16)
	defer eventBus.Close()

	w, repo := newTestWorker(t, eventBus)

	tenantID := "tenant-sweep"
	ctx := context.Background()

	if err := w.Start(Config{TenantIDs: []string{tenantID}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	time.Sleep(50 * time.Millisecond)

	if err := eventBus.Publish(ctx, tenantID, domain.TopicMonitorSweep, []byte("{}")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	// Quiet portfolio: the sweep runs but raises nothing.
	alerts, err := repo.ListAlerts(ctx, tenantID, domain.AlertActive, time.Now().UTC().AddDate(0, 0, -1))
	if err != nil {
		t.Fatalf("ListAlerts failed: %v", err)
	}
	if len(alerts) != 0 {
		t.Errorf("expected no alerts, got %d", len(alerts))
	}
}

func TestBadReconciliationPayload(t *testing.T) {
	eventBus := bus.NewChannelBus(16)
	defer eventBus.Close()

	w, _ := newTestWorker(t, eventBus)

	tenantID := "tenant-bad"
	if err := w.Start(Config{TenantIDs: []string{tenantID}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	time.Sleep(50 * time.Millisecond)

	// Malformed JSON and a bad period are both logged and skipped.
	eventBus.Publish(context.Background(), tenantID, domain.TopicReconciliationRun, []byte("not-json"))

	payload, _ := json.Marshal(ReconciliationMessage{EmployerID: "employer-001", Period: "June 2025"})
	eventBus.Publish(context.Background(), tenantID, domain.TopicReconciliationRun, payload)

	time.Sleep(100 * time.Millisecond)

	stats := w.GetStats()
	if stats.SubscriptionCount != 2 {
		t.Errorf("expected worker to keep running, got %d subscriptions", stats.SubscriptionCount)
	}
}
