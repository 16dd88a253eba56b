// File: cmd/app/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"subscription-commerce/internal/config"
	"subscription-commerce/internal/domain/ports/adapter"
	"subscription-commerce/internal/domain/ports/repository"
	payAdapters "subscription-commerce/internal/infra/adapters/payment"
	"subscription-commerce/internal/infra/api"
	"subscription-commerce/internal/infra/api/apiv1"
	pg "subscription-commerce/internal/infra/db/postgres"
	"subscription-commerce/internal/infra/events"
	"subscription-commerce/internal/infra/logging"
	"subscription-commerce/internal/infra/metrics"
	red "subscription-commerce/internal/infra/redis"
	"subscription-commerce/internal/infra/sched"
	"subscription-commerce/internal/infra/scheduler"
	"subscription-commerce/internal/infra/worker"
	"subscription-commerce/internal/usecase"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	cfgPath := flag.String("config", config.DefaultPath, "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs, auto-approving gateways)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("app stopped with error")
	}
}

func run(cfg *config.Config, logger *zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)

	// ---- Postgres ----
	pool, err := pg.NewPgxPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	if cfg.Database.Migrate {
		if err := pg.Migrate(ctx, pool, logger); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	go pg.ReportPoolStats(ctx, pool, 15*time.Second, logger)

	// ---- Redis (optional) ----
	var (
		dedup       repository.IdempotencyStore
		limiter     api.Limiter
		locker      red.Locker
		productRepo repository.ProductRepository = pg.NewProductRepo(pool)
	)
	if cfg.Redis.URL != "" {
		rc, err := red.NewClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rc.Close()
		dedup = red.NewIdempotencyStore(rc)
		limiter = red.NewRateLimiter(rc)
		locker = red.NewLocker(rc)
		productRepo = pg.NewProductRepoCacheDecorator(productRepo, rc, cfg.Redis.ProductCacheTTL, logger)
	} else {
		logger.Warn().Msg("redis not configured: webhook dedup, rate limiting and the scheduler lock are off")
	}

	// ---- Events (optional) ----
	var publisher adapter.EventPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		defer func() {
			if err := kp.Close(); err != nil {
				logger.Warn().Err(err).Msg("close kafka writer")
			}
		}()
		publisher = kp
	} else {
		publisher = events.NewLogPublisher(logger)
	}
	// Stops before the writer closes so queued events still get flushed.
	eventPool := worker.NewPool(2, 1024, logger)
	eventPool.Start(context.WithoutCancel(ctx))
	defer eventPool.Stop()
	publisher = events.NewAsyncPublisher(publisher, eventPool, 10*time.Second)

	// ---- Repositories ----
	tm := pg.NewTxManager(pool)
	invoiceRepo := pg.NewInvoiceRepo(pool)
	serviceRepo := pg.NewServiceRepo(pool)
	balanceRepo := pg.NewBalanceRepo(pool)
	settingsRepo := pg.NewSettingsRepo(pool)

	// ---- Gateways ----
	gateways := make([]adapter.PaymentGateway, 0, len(cfg.Payment.Gateways))
	secrets := make(map[string]string, len(cfg.Payment.Gateways))
	for name, gc := range cfg.Payment.Gateways {
		gateways = append(gateways, payAdapters.NewNoopPaymentGateway(name, cfg.Runtime.Dev))
		secrets[name] = gc.WebhookSecret
		logger.Info().Str("gateway", name).Msg("payment gateway registered")
	}

	// ---- Use cases ----
	numbers := usecase.NewInvoiceNumberGenerator(settingsRepo, logger)
	billingUC := usecase.NewBillingUseCase(invoiceRepo, serviceRepo, numbers, tm, publisher, usecase.BillingConfig{
		MaxCatchUp:  cfg.Scheduler.MaxCatchUp,
		DedupWindow: cfg.Scheduler.DedupWindow,
		DueDays:     cfg.Scheduler.DueDays,
		BatchSize:   cfg.Scheduler.BatchSize,
	}, logger)
	fulfillUC := usecase.NewFulfillmentUseCase(invoiceRepo, serviceRepo, tm, publisher, logger)
	paymentUC := usecase.NewPaymentUseCase(invoiceRepo, productRepo, balanceRepo, numbers, fulfillUC, tm, dedup, gateways, publisher,
		usecase.PaymentConfig{
			GatewayTimeout:  cfg.Payment.GatewayTimeout,
			WebhookDedupTTL: cfg.Redis.WebhookDedupTTL,
		}, logger)

	// ---- Background workers ----
	billing := scheduler.New(billingUC, scheduler.Options{
		Interval: cfg.Scheduler.Interval,
		Locker:   locker,
		LockTTL:  cfg.Redis.SchedulerLockTTL,
	}, logger)
	billing.Start(ctx)
	defer billing.Stop()

	reconciler := sched.NewFulfillmentReconciler(fulfillUC, invoiceRepo, cfg.Scheduler.ReconcileInterval, cfg.Scheduler.ReconcileAfter, logger)
	reconcileCtx, stopReconciler := context.WithCancel(ctx)
	reconcilerDone := make(chan struct{})
	go func() {
		defer close(reconcilerDone)
		_ = reconciler.Run(reconcileCtx)
	}()
	defer func() {
		stopReconciler()
		<-reconcilerDone
	}()

	// ---- HTTP ----
	v1 := apiv1.NewServer(paymentUC, fulfillUC, productRepo, secrets, logger)
	srv := api.NewServer(v1, billing, limiter, api.Options{
		Port:               cfg.HTTP.Port,
		AdminAPIKey:        cfg.HTTP.AdminAPIKey,
		RateLimitPerMinute: cfg.HTTP.RateLimitPerMinute,
	}, logger)
	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	// ---- Graceful shutdown ----
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown requested")
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	return nil
}
