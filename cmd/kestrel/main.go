// Kestrel - Real-time fraud signals for payment screening.
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
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/signals"
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

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()
	if os.Getenv("KESTREL_ENV") == "production" {
		cfg = domain.ProdConfig()
		slog.Info("running in production mode")
	}
	cfg.ApplyEnv()

	slog.Info("configuration loaded",
		"signals", cfg.Signals.Backend,
		"repository", cfg.Repository.Driver,
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

	// Initialize Signal Store
	store, err := signals.New(cfg.Signals)
	if err != nil {
		slog.Error("failed to initialize signal store", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	slog.Info("signal store initialized", "backend", cfg.Signals.Backend)

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Scoring Engine with the built-in rule set
	engine, err := scoring.NewEngine(cfg.Scoring.AlertThreshold, 10)
	if err != nil {
		slog.Error("failed to initialize scoring engine", "error", err)
		os.Exit(1)
	}
	if err := engine.LoadRules(scoring.DefaultRules(cfg.Scoring)); err != nil {
		slog.Error("failed to load scoring rules", "error", err)
		os.Exit(1)
	}
	slog.Info("scoring engine initialized",
		"rules_count", engine.RuleCount(),
		"alert_threshold", cfg.Scoring.AlertThreshold,
	)

	// Initialize Analysis Worker
	analysisWorker := worker.NewWorker(store, repo, busImpl, engine, cfg.Worker)
	analysisWorker.Start()

	// Initialize Server
	srv := api.NewServer(cfg.Server, store, repo, busImpl, cfg.RateLimit, Version)

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

	// Stop the worker first so in-flight jobs finish before the store closes
	if err := analysisWorker.Stop(); err != nil {
		slog.Error("failed to stop analysis worker", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               KESTREL                     ║")
	fmt.Println("  ║      Fraud Signal Store & Screening       ║")
	fmt.Println("  ║      Hover. Watch. Strike.                ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Signals:  %s\n", cfg.Signals.Backend)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST   /events                    - Ingest a payment event")
	fmt.Println("    GET    /users/{id}/signals        - Combined signal snapshot")
	fmt.Println("    POST   /users/{id}/flag           - Flag a user as suspicious")
	fmt.Println("    DELETE /users/{id}/flag           - Clear a suspicion flag")
	fmt.Println("    GET    /sessions/{id}/risk        - Session risk state")
	fmt.Println("    GET    /evaluations/{id}          - Get evaluation by ID")
	fmt.Println("    GET    /health                    - Health check")
	fmt.Println()
}
