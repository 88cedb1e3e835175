package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/creatorhub/membership-billing/internal"
	"github.com/creatorhub/membership-billing/internal/billing"
	billingpostgres "github.com/creatorhub/membership-billing/internal/billing/postgres"
	"github.com/creatorhub/membership-billing/internal/core/events"
	"github.com/creatorhub/membership-billing/internal/gateway"
	"github.com/creatorhub/membership-billing/internal/metrics"
	"github.com/creatorhub/membership-billing/internal/tier"
	"github.com/creatorhub/membership-billing/internal/transport/middleware"
	"github.com/creatorhub/membership-billing/internal/transport/rest"
	"github.com/creatorhub/membership-billing/pkg/logger"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server to handle API requests`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

type Dependencies struct {
	Config   *internal.Config
	DB       *sqlx.DB
	GormDB   *gorm.DB
	Router   *chi.Mux
	Registry *prometheus.Registry
	Logger   *slog.Logger
}

func startHTTPServer() {
	deps, err := initializeDependencies()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}

	if err := setupRoutes(deps); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up routes: %v\n", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf(":%d", deps.Config.Server.Port)
	slog.Info("Starting HTTP server", "address", addr)

	server := &http.Server{
		Addr:         addr,
		Handler:      deps.Router,
		ReadTimeout:  deps.Config.Server.ReadTimeout,
		WriteTimeout: deps.Config.Server.WriteTimeout,
		IdleTimeout:  deps.Config.Server.IdleTimeout,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		slog.Info("Received signal, shutting down...", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
		if err := deps.DB.Close(); err != nil {
			slog.Error("Database close error", "error", err)
		}
	case err := <-serverErrChan:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}

	slog.Info("Server stopped")
}

func setupRoutes(deps *Dependencies) error {
	cfg := deps.Config

	publicKey, err := cfg.Security.GetPublicKey()
	if err != nil {
		return fmt.Errorf("failed to load JWT public key: %w", err)
	}
	auth := middleware.NewAuth(publicKey, deps.Logger)

	selector := buildGatewaySelector(cfg, deps.Logger)
	catalog := tier.NewCatalog()
	store := billingpostgres.NewStore(deps.GormDB)
	eventBus := events.NewEventBus(deps.Logger)

	orchestrator := billing.NewOrchestrator(store, selector, catalog, eventBus, billing.OrchestratorConfig{
		ProcessingTimeout: cfg.Reconciler.ProcessingTimeout,
		VerifyBackoff:     cfg.Reconciler.VerifyBackoff,
		MaxVerifyAttempts: cfg.Reconciler.MaxVerifyAttempts,
		SweepBatchSize:    cfg.Reconciler.BatchSize,
	}, deps.Logger)

	billing.NewEventHandler(deps.Logger).RegisterEventHandlers(eventBus)

	billingHandler := billing.NewHandler(orchestrator, deps.Logger)
	webhookHandler := billing.NewWebhookHandler(orchestrator, selector, deps.Logger)

	deps.Router.Use(middleware.RequestID)
	deps.Router.Use(middleware.LoggingMiddleware(deps.Logger))

	rest.RegisterAllRoutes(deps.Router, deps.DB.DB, auth, billingHandler, webhookHandler, deps.Registry, deps.Logger)
	return nil
}

// buildGatewaySelector maps each supported payment method to its provider:
// cards go through Stripe checkout, e-wallet and bank transfer through
// Xendit invoices.
func buildGatewaySelector(cfg *internal.Config, log *slog.Logger) *gateway.Selector {
	stripeAdapter := gateway.NewStripeAdapter(gateway.StripeConfig{
		APIKey:        cfg.Gateways.Stripe.APIKey,
		WebhookSecret: cfg.Gateways.Stripe.WebhookSecret,
		SuccessURL:    cfg.Server.BaseURL + "/billing/success",
		CancelURL:     cfg.Server.BaseURL + "/billing/cancelled",
		Timeout:       cfg.Gateways.Stripe.Timeout,
	}, log)

	xenditAdapter := gateway.NewXenditAdapter(gateway.XenditConfig{
		BaseURL:       cfg.Gateways.Xendit.BaseURL,
		APIKey:        cfg.Gateways.Xendit.APIKey,
		WebhookSecret: cfg.Gateways.Xendit.WebhookSecret,
		Timeout:       cfg.Gateways.Xendit.Timeout,
	}, log)

	return gateway.NewSelector(map[string]gateway.Adapter{
		"card":          stripeAdapter,
		"ewallet":       xenditAdapter,
		"bank_transfer": xenditAdapter,
	})
}

func initializeDependencies() (*Dependencies, error) {
	config, err := loadConfig(".")
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.Init(config.Observability.Logging.Level, config.Observability.Logging.Format)
	log := logger.LoggerWrapper()

	db, err := initDB(config.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	gormDB, err := initGorm(db)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gorm: %w", err)
	}

	registry := prometheus.NewRegistry()
	if config.Observability.Metrics.Enabled {
		metrics.Register(registry)
	}

	return &Dependencies{
		Config:   config,
		Logger:   log,
		DB:       db,
		GormDB:   gormDB,
		Router:   chi.NewRouter(),
		Registry: registry,
	}, nil
}

func initDB(cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	dbConn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := dbConn.Ping(); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return dbConn, nil
}

// initGorm layers gorm over the already-pooled pgx connection so both
// query paths share one pool.
func initGorm(db *sqlx.DB) (*gorm.DB, error) {
	return gorm.Open(gormpostgres.New(gormpostgres.Config{
		Conn: db.DB,
	}), &gorm.Config{
		TranslateError: true,
	})
}
