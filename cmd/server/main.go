package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vaultbridge/internal/api"
	"vaultbridge/internal/app"
	"vaultbridge/internal/config"
	"vaultbridge/internal/worker"

	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, err := initLogger()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting VaultBridge Service")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Configuration loaded",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("db_host", cfg.Database.Host),
		zap.Int64("chain_id", cfg.EVM.ChainID),
		zap.String("xrpl_endpoint", cfg.XRPL.WSEndpoint))

	startCtx, startCancel := context.WithTimeout(context.Background(), time.Minute)
	bridge, err := app.Build(startCtx, cfg, logger)
	startCancel()
	if err != nil {
		logger.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer bridge.Close()

	// Initialize API handlers
	apiHandler := api.NewHandler(
		bridge.Deposits,
		bridge.Redemptions,
		bridge.Status,
		bridge.DB,
		bridge.Events,
		bridge.CrossChain,
		logger.Named("api"),
	)
	router := api.SetupRouter(apiHandler, logger)

	// Create HTTP server
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start HTTP server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server",
			zap.String("addr", serverAddr))
		serverErrors <- httpServer.ListenAndServe()
	}()

	// Initialize workers
	runners, err := buildRunners(bridge, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize workers", zap.Error(err))
	}
	workerManager := worker.NewWorkerManager(logger, runners...)

	// Start workers
	workerManager.Start(context.Background())
	logger.Info("Workers started", zap.Int("count", len(runners)))

	logger.Info("Service initialized successfully",
		zap.String("status", "ready"),
		zap.Int("port", cfg.Server.Port))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Wait for interrupt signal, server error or a worker giving up
	select {
	case err := <-serverErrors:
		logger.Error("HTTP server error", zap.Error(err))
	case <-workerManager.Done():
		logger.Error("Workers stopped unexpectedly", zap.Error(workerManager.Err()))
	case sig := <-quit:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	}

	logger.Info("Shutting down service...")

	// Shutdown HTTP server
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Shutdown workers first
	if err := workerManager.Shutdown(30 * time.Second); err != nil {
		logger.Error("Worker shutdown error", zap.Error(err))
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
		httpServer.Close()
	} else {
		logger.Info("HTTP server stopped gracefully")
	}

	logger.Info("Service stopped successfully")
}

func buildRunners(bridge *app.App, cfg *config.Config, logger *zap.Logger) ([]worker.Runner, error) {
	w := cfg.Workers
	reconciler, err := worker.NewReconciler(bridge.Reconcile, cfg.Reconcile.Schedule, logger)
	if err != nil {
		return nil, err
	}
	return []worker.Runner{
		worker.NewDepositWatcher(bridge.DB, bridge.Deposits, w.DepositPollInterval, w.BatchSize, logger),
		worker.NewRedemptionWatcher(bridge.DB, bridge.Redemptions, w.RedemptionPollInterval, w.BatchSize, logger),
		worker.NewCrossChainWatcher(bridge.DB, bridge.CrossChain, w.DepositPollInterval, w.BatchSize, logger),
		worker.NewEventMonitor(bridge.Events, w.MonitorPollInterval, logger),
		worker.NewEscrowWatcher(bridge.Escrows, w.MonitorPollInterval, logger),
		reconciler,
	}, nil
}

func initLogger() (*zap.Logger, error) {
	env := os.Getenv("ENV")
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
