package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"

	"ledger-service/internal/config"
	"ledger-service/internal/database"
	"ledger-service/internal/gateway"
	"ledger-service/internal/handlers"
	"ledger-service/internal/logger"
	"ledger-service/internal/repositories"
	"ledger-service/internal/scheduler"
	"ledger-service/internal/services"
)

func main() {
	migrateCmd := flag.String("migrate", "", "Migration command (up/down/version)")
	steps := flag.Int("steps", 0, "Number of migration steps (0 means all)")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(&logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	defer log.Sync()

	db, err := database.NewConnection(cfg, log)
	if err != nil {
		log.Fatal("error connecting to database", zap.Error(err))
	}
	defer db.Close()

	if *migrateCmd != "" {
		handleMigration(cfg, log, *migrateCmd, *steps)
		return
	}

	var available []gateway.Gateway
	if cfg.Gateway.TransferWebhookSecret != "" {
		available = append(available, gateway.NewTransferGateway(cfg.Gateway.TransferWebhookSecret))
	} else {
		log.Warn("TRANSFER_WEBHOOK_SECRET is empty, bank transfer gateway disabled")
	}
	if cfg.Gateway.StripeSecretKey != "" {
		available = append(available, gateway.NewStripeGateway(cfg.Gateway.StripeSecretKey, cfg.Gateway.StripeWebhookSecret, cfg.Gateway.Currency))
	}
	gateways := gateway.NewRegistry(available...)

	runRepo := repositories.NewBillingRunRepository()
	expenseRepo := repositories.NewExpenseRepository()
	unitRepo := repositories.NewUnitRepository()
	chargeRepo := repositories.NewChargeRepository()
	paymentRepo := repositories.NewPaymentRepository()
	bankRepo := repositories.NewBankRepository()
	reconciliationRepo := repositories.NewReconciliationRepository()
	communityRepo := repositories.NewCommunityRepository()
	auditRepo := repositories.NewAuditRepository()

	paymentService := services.NewPaymentService(db, log, cfg.Gateway.Currency, gateways, paymentRepo, chargeRepo, unitRepo, auditRepo)
	billingRunService := services.NewBillingRunService(db, log, cfg.Billing, runRepo, expenseRepo, unitRepo, chargeRepo, auditRepo, paymentService)
	chargeService := services.NewChargeService(db, log, cfg.Billing, chargeRepo, communityRepo)
	reconciliationService := services.NewReconciliationService(db, log, cfg.Reconciliation, bankRepo, paymentRepo, reconciliationRepo, auditRepo)
	dataIngestionService := services.NewDataIngestionService(db, log, gateways, bankRepo, auditRepo)

	router := handlers.SetupRouter(&handlers.Handlers{
		BillingRuns:    handlers.NewBillingRunHandler(billingRunService),
		Charges:        handlers.NewChargeHandler(chargeService),
		Payments:       handlers.NewPaymentHandler(paymentService),
		Reconciliation: handlers.NewReconciliationHandler(reconciliationService),
		Data:           handlers.NewDataHandler(dataIngestionService),
	}, log)

	accrual := scheduler.NewAccrualTrigger(scheduler.AccrualTriggerConfig{
		Hour:          cfg.Billing.AccrualHour,
		CheckInterval: time.Minute,
	}, chargeService, log)
	accrual.Start(context.Background())

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("server is running",
			zap.String("address", cfg.ServerAddress),
			zap.Strings("gateways", gateways.Providers()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server shutdown failed", zap.Error(err))
	}
	if err := accrual.Stop(ctx); err != nil {
		log.Error("accrual trigger did not stop in time", zap.Error(err))
	}
	log.Info("server exited gracefully")
}

func handleMigration(cfg *config.Config, log *zap.Logger, command string, steps int) {
	m, err := migrate.New(
		fmt.Sprintf("file://%s", cfg.Migration.Dir),
		cfg.GetMigrationDBURL(),
	)
	if err != nil {
		log.Fatal("failed to initialize migrate", zap.Error(err))
	}
	defer m.Close()

	switch command {
	case "up":
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
	case "down":
		if steps > 0 {
			err = m.Steps(-steps)
		} else {
			err = m.Down()
		}
	case "version":
		version, dirty, verErr := m.Version()
		if verErr != nil {
			if errors.Is(verErr, migrate.ErrNilVersion) {
				log.Info("no migrations have been applied yet")
				return
			}
			log.Fatal("failed to get version", zap.Error(verErr))
		}
		log.Info("current migration version", zap.Uint("version", version), zap.Bool("dirty", dirty))
		return
	default:
		log.Fatal("invalid migration command", zap.String("command", command))
	}

	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("no migration changes to apply")
			return
		}
		log.Fatal("migration failed", zap.Error(err))
	}

	log.Info("migration completed successfully", zap.String("command", command))
}
