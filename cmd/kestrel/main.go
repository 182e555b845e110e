// Kestrel - Campaign rewards that deploy in 60 seconds.
// Copyright (c) 2025 brandreach.io
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

	"github.com/brandreach/kestrel/internal/api"
	"github.com/brandreach/kestrel/internal/bus"
	"github.com/brandreach/kestrel/internal/cache"
	"github.com/brandreach/kestrel/internal/domain"
	"github.com/brandreach/kestrel/internal/engine"
	"github.com/brandreach/kestrel/internal/ledger"
	"github.com/brandreach/kestrel/internal/worker"
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

	// Initialize Ledger
	repo, err := ledger.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize ledger", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("ledger initialized", "driver", cfg.Repository.Driver)

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

	// Initialize Decision Engine
	eng, err := engine.New(repo, cacheImpl, busImpl, cfg.Engine)
	if err != nil {
		slog.Error("failed to initialize decision engine", "error", err)
		os.Exit(1)
	}
	slog.Info("decision engine initialized",
		"velocity_window_secs", cfg.Engine.VelocityWindowSecs,
	)

	// Tenants to serve on the async path and in the expiry sweeper.
	tenantIDs := []string{}
	if envTenants := os.Getenv("KESTREL_TENANTS"); envTenants != "" {
		for _, id := range strings.Split(envTenants, ",") {
			if id = strings.TrimSpace(id); id != "" {
				tenantIDs = append(tenantIDs, id)
			}
		}
	}

	// Initialize async Worker. It consumes queued decision requests and
	// runs the coupon expiry sweeper for the configured tenants.
	asyncWorker := worker.NewWorker(busImpl, eng)

	workerCfg := worker.Config{
		TenantIDs:     tenantIDs,
		SweepInterval: time.Duration(cfg.Engine.SweepIntervalSecs) * time.Second,
	}

	if err := asyncWorker.Start(workerCfg); err != nil {
		slog.Error("failed to start async worker", "error", err)
	} else {
		slog.Info("async worker started", "tenant_count", len(workerCfg.TenantIDs))
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, eng, Version)

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
	if err := asyncWorker.Stop(); err != nil {
		slog.Error("failed to stop async worker", "error", err)
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
	fmt.Println("  ║               🪶 KESTREL                  ║")
	fmt.Println("  ║     Campaign Reward & Risk Engine         ║")
	fmt.Println("  ║      Every engagement, accounted.         ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /engagement-decision        - Decide an engagement")
	fmt.Println("    GET  /awards/{engagementId}      - Get award by engagement")
	fmt.Println("    POST /coupons/{code}/redeem      - Redeem a coupon")
	fmt.Println("    POST /campaigns                  - Activate a campaign")
	fmt.Println("    GET  /campaigns                  - List campaigns")
	fmt.Println("    GET  /campaigns/{id}             - Get campaign by ID")
	fmt.Println("    GET  /campaigns/{id}/pacing      - Budget pacing snapshot")
	fmt.Println("    GET  /health                     - Health check")
	fmt.Println()
}
