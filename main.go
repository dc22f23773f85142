package main

import (
	"context"
	"embed"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//go:embed config/migrations/*/*.sql
var embedMigrations embed.FS

func main() {
	logger := NewLoggerIPFS("root")
	if len(os.Args) > 1 {
		// If a CLI command is provided, run it and exit
		runCli(logger, os.Args[1])
		return
	}

	config, err := LoadConfig(logger)
	if err != nil {
		logger.Fatal("failed to load configuration", "error", err)
	}

	db, err := ConnectToDB(config.dbConf)
	if err != nil {
		logger.Fatal("Failed to setup database", "error", err)
	}

	deriver, err := NewKeyDeriver(config.masterSecret)
	if err != nil {
		logger.Fatal("failed to initialise key deriver", "error", err)
	}

	// Initialize Prometheus metrics
	metrics := NewMetrics()
	hub := NewEventHub(logger)
	audit := NewAuditLog(db, MultiSink{hub, metrics}, logger)

	vault := NewKeyVault(db, deriver, audit, config.policy.Rotation, logger)
	approvals := NewApprovalLedger(db, config.policy, audit, logger)
	eligibility := NewCachedEligibilityChecker(NewHTTPEligibilityChecker(config.eligibilityURL), 0)
	engine := NewAuthorizationEngine(db, config.policy, vault, approvals, eligibility, audit, logger)

	settlement, err := NewEthereumSettlement(config.settlementRPC, config.tokenAddress, config.chainID, logger)
	if err != nil {
		logger.Fatal("failed to connect to settlement network", "error", err)
	}
	ledger := NewHTTPBalanceLedger(config.balanceLedgerURL)

	executor := NewTransferExecutor(db, engine, vault, settlement, ledger, audit, eligibility,
		config.tokenDecimals, time.Duration(config.confirmTimeoutSec)*time.Second, logger)

	apiServer := NewAPIServer(db, executor, approvals, vault, audit, hub, logger)

	apiListenAddr := ":8000"
	metricsListenAddr := ":4242"
	metricsEndpoint := "/metrics"
	// Set up a separate mux for metrics
	metricsMux := http.NewServeMux()
	metricsMux.Handle(metricsEndpoint, promhttp.Handler())

	// Start metrics server on a separate port
	metricsServer := &http.Server{
		Addr:    metricsListenAddr,
		Handler: metricsMux,
	}

	// Start metrics monitoring
	go metrics.RecordMetricsPeriodically(db, logger)

	go func() {
		logger.Info("Prometheus metrics available", "listenAddr", metricsListenAddr, "endpoint", metricsEndpoint)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failure", "error", err)
		}
	}()

	// Start the main HTTP server.
	go func() {
		logger.Info("API server available", "listenAddr", apiListenAddr)
		if err := apiServer.Start(apiListenAddr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server failure", "error", err)
		}
	}()

	// Wait for shutdown signal.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")

	// Shutdown metrics server
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Error("failed to shut down metrics server", "error", err)
	}

	// Shutdown API server
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Echo().Shutdown(ctx); err != nil {
		logger.Error("failed to shut down API server", "error", err)
	}

	logger.Info("shutdown complete")
}

func runCli(logger Logger, name string) {
	switch name {
	case "reconcile":
		runReconcileCli(logger)
	default:
		logger.Fatal("Unknown CLI command", "name", name)
	}
}
