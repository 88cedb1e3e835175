package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/creatorhub/membership-billing/internal/billing"
	billingpostgres "github.com/creatorhub/membership-billing/internal/billing/postgres"
	"github.com/creatorhub/membership-billing/internal/core/events"
	"github.com/creatorhub/membership-billing/internal/tier"
	"github.com/creatorhub/membership-billing/pkg/logger"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the reconciliation worker",
	Long:  `Start the background worker that sweeps stuck transactions and repairs tier drift`,
	Run: func(cmd *cobra.Command, args []string) {
		startReconcilerWorker()
	},
}

func startReconcilerWorker() {
	config, err := loadConfig(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(config.Observability.Logging.Level, config.Observability.Logging.Format)
	log := logger.LoggerWrapper()

	db, err := initDB(config.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	gormDB, err := initGorm(db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize gorm: %v\n", err)
		os.Exit(1)
	}

	store := billingpostgres.NewStore(gormDB)
	eventBus := events.NewEventBus(log)
	selector := buildGatewaySelector(config, log)

	orchestrator := billing.NewOrchestrator(store, selector, tier.NewCatalog(), eventBus, billing.OrchestratorConfig{
		ProcessingTimeout: config.Reconciler.ProcessingTimeout,
		VerifyBackoff:     config.Reconciler.VerifyBackoff,
		MaxVerifyAttempts: config.Reconciler.MaxVerifyAttempts,
		SweepBatchSize:    config.Reconciler.BatchSize,
	}, log)

	billing.NewEventHandler(log).RegisterEventHandlers(eventBus)

	reconciler, err := billing.NewReconciler(orchestrator, config.Reconciler.SweepInterval, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create reconciler: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// One pass on startup so a restarted worker catches up immediately.
	reconciler.RunOnce(ctx)
	if err := reconciler.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start reconciler: %v\n", err)
		os.Exit(1)
	}

	log.Info("reconciliation worker is running. Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("received signal, shutting down reconciliation worker", "signal", sig)

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	shutdownDone := make(chan struct{})
	go func() {
		if err := reconciler.Stop(); err != nil {
			log.Error("reconciler shutdown error", "error", err)
		}
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		log.Info("reconciliation worker shutdown complete")
	case <-shutdownCtx.Done():
		log.Warn("shutdown timeout reached, forcing exit")
	}
}
