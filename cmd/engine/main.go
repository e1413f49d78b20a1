package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"turtle-signal-engine-go/internal/config"
	"turtle-signal-engine-go/internal/dart"
	"turtle-signal-engine-go/internal/database"
	"turtle-signal-engine-go/internal/engine"
	"turtle-signal-engine-go/internal/ledger"
	"turtle-signal-engine-go/internal/logger"
	"turtle-signal-engine-go/internal/market"
	"turtle-signal-engine-go/internal/risk"
	"turtle-signal-engine-go/internal/server"

	"go.uber.org/zap"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	// Initialize database
	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := database.EnsureAccount(db, cfg.Trading.AccountID, cfg.Trading.InitialCash); err != nil {
		log.Fatal("Failed to ensure account", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")

	// Initialize gateways
	marketClient := market.NewClient(&cfg.Market, log)
	if err := marketClient.Ping(context.Background()); err != nil {
		// The ledger keeps serving cached state when the broker is down,
		// so a failed ping is not fatal.
		log.Warn("Market gateway unreachable, starting with cached prices", zap.Error(err))
	} else {
		log.Info("Successfully connected to market gateway.")
	}
	dartClient := dart.NewClient(&cfg.Dart, log)

	// Initialize ledger and orchestrator
	settings := risk.Settings{
		MaxRiskPerTrade: cfg.Risk.MaxRiskPerTrade,
		MaxTotalRisk:    cfg.Risk.MaxTotalRisk,
		MinCashReserve:  cfg.Risk.MinCashReserve,
	}
	portfolioLedger := ledger.New(db, log, cfg.Trading.AccountID, settings, cfg.Trading.MaxUnits)
	analysisEngine := engine.NewEngine(log, &cfg, marketClient, dartClient, portfolioLedger)

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	// Start the HTTP API
	apiServer := server.NewAPIServer(&cfg.Server, analysisEngine, log)
	apiServer.Start()

	// Scheduled runs are optional; on-demand runs always work via the API.
	if cfg.Trading.Scheduled {
		go analysisEngine.RunLoop(ctx)
	}

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Error("API server shutdown failed", zap.Error(err))
	}

	log.Info("Engine has been shut down.")
}
