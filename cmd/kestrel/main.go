// Kestrel - Payroll-advance decisions and settlement reconciliation.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/eligibility"
	"github.com/opensource-finance/kestrel/internal/fraud"
	"github.com/opensource-finance/kestrel/internal/monitor"
	"github.com/opensource-finance/kestrel/internal/reconcile"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Eligibility Evaluator
	evaluator, err := eligibility.New(repo.CountRequestsByApplicant)
	if err != nil {
		slog.Error("failed to initialize eligibility evaluator", "error", err)
		os.Exit(1)
	}
	slog.Info("eligibility evaluator initialized")

	// Initialize Velocity Tracker and Scoring Engine
	tracker := scoring.NewTracker(repo, cacheImpl)
	scorer := scoring.NewEngine(repo, tracker.Count, cfg.Thresholds)
	slog.Info("scoring engine initialized")

	// Initialize Fraud Engine. There is no built-in geolocation
	// provider; without one the foreign IP and distance signals are
	// skipped.
	var blacklist fraud.BlacklistProvider = fraud.NewCacheBlacklist(cacheImpl)
	if raw := os.Getenv("KESTREL_BLACKLIST"); raw != "" {
		blacklist = fraud.NewStaticBlacklist(parseList(raw))
		slog.Info("static blacklist loaded")
	}
	devices := fraud.NewCacheDeviceRegistry(cacheImpl, 0)
	fraudEngine := fraud.NewEngine(repo, tracker.Count, nil, blacklist, devices, busImpl, cfg.Thresholds, logger)
	slog.Info("fraud engine initialized")

	// Initialize Decision Aggregator
	aggregator := decision.New(repo, busImpl, evaluator, scorer, fraudEngine, tracker, cfg.Thresholds, logger)
	slog.Info("decision aggregator initialized")

	// Initialize Reconciliation Matcher and Alert Monitor
	matcher := reconcile.New(repo, busImpl, cfg.Thresholds, logger)
	mon := monitor.New(repo, busImpl, cfg.Thresholds, logger)
	slog.Info("reconciliation matcher and alert monitor initialized")

	// Initialize async Worker
	var asyncWorker *worker.Worker
	tenantIDs := parseList(os.Getenv("KESTREL_TENANTS"))
	if len(tenantIDs) > 0 {
		asyncWorker = worker.NewWorker(busImpl, matcher, mon, logger)

		workerCfg := worker.Config{
			TenantIDs:     tenantIDs,
			SweepInterval: sweepInterval(),
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, aggregator, evaluator, scorer, fraudEngine, matcher, mon, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// parseList splits a comma-separated env value, dropping blanks.
func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	var items []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// sweepInterval reads KESTREL_SWEEP_INTERVAL (Go duration syntax).
func sweepInterval() time.Duration {
	raw := os.Getenv("KESTREL_SWEEP_INTERVAL")
	if raw == "" {
		return 24 * time.Hour
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		slog.Warn("invalid KESTREL_SWEEP_INTERVAL, using default", "value", raw)
		return 24 * time.Hour
	}
	return d
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║   Decision & Settlement Reconciliation    ║")
	fmt.Println("  ║      Every advance, accounted for.        ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /applicants              - Register an applicant")
	fmt.Println("    POST /agreements              - Register an employer agreement")
	fmt.Println("    POST /requests                - Create an advance request")
	fmt.Println("    POST /requests/{id}/decide    - Run the decision pipeline")
	fmt.Println("    POST /eligibility/check       - Evaluate eligibility rules")
	fmt.Println("    POST /scores                  - Compute a credit risk score")
	fmt.Println("    POST /fraud-checks            - Run fraud signal analysis")
	fmt.Println("    POST /payroll-batches         - Ingest a remittance/return file")
	fmt.Println("    POST /reconciliations         - Reconcile an employer period")
	fmt.Println("    GET  /reconciliations/{id}    - Get a reconciliation run")
	fmt.Println("    POST /alerts/sweep            - Run the threshold monitor")
	fmt.Println("    GET  /alerts                  - List alerts")
	fmt.Println("    GET  /rules                   - List eligibility rules")
	fmt.Println("    POST /rules                   - Create an eligibility rule")
	fmt.Println("    POST /rules/reload            - Hot-reload rules")
	fmt.Println("    GET  /health                  - Health check")
	fmt.Println()
}
