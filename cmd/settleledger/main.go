package main

import (
	"SettleLedger/internal/config"
	"SettleLedger/internal/core"
	"SettleLedger/internal/ingestion"
	"SettleLedger/internal/ledger"
	"SettleLedger/internal/observability"
	"SettleLedger/internal/persistence"
	"SettleLedger/internal/query"
	"SettleLedger/internal/relayer"
	"SettleLedger/internal/scheduler"
	"SettleLedger/internal/server"
	"SettleLedger/internal/settlement"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	logger := observability.NewLogger("settleledger")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}
	logger.Info().Msg("Postgres connected")

	// --- Run SQL migrations ---
	if cfg.AutoMigrate {
		migrator := persistence.NewMigrator(db, cfg.MigrationsDir, logger)
		applied, err := migrator.Up(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}
		logger.Info().Int("applied", applied).Msg("migrations up to date")
	}

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", db.PingContext)

	// --- Storage ---
	settlementRepo := persistence.NewSettlementRepository(db)
	ledgerStore := persistence.NewLedgerStore(db)
	ldg := ledger.NewLedger(ledgerStore)
	guard := core.NewIdempotencyGuard(persistence.NewPostgresKeyStore(db), cfg.IdempotencyLRUCapacity, cfg.IdempotencyRetention, metrics)
	guard.SetStaleAfter(cfg.IdempotencyStaleAfter)

	eventLog := persistence.NewEventLogWorker(db, cfg.EventLogBatchSize, cfg.EventLogFlushTimeout, metrics, logger)
	publishers := settlement.EventPublishers{eventLog}
	notifiers := settlement.NotificationSinks{persistence.NewNotificationStore(db)}

	// --- NATS (optional) ---
	var webhookSubscriber *ingestion.WebhookSubscriber
	var nc *nats.Conn
	webhooks := ingestion.NewWebhookProcessor(guard, ldg, metrics, logger.With().Str("service", "webhooks").Logger())
	if cfg.NATSURL != "" {
		conn, js, err := ingestion.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("nats connect")
		}
		nc = conn
		logger.Info().Str("url", cfg.NATSURL).Msg("NATS connected")

		if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
			logger.Fatal().Err(err).Msg("ensure NATS streams")
		}
		publishers = append(publishers, ingestion.NewEventPublisher(js, logger))
		notifiers = append(notifiers, ingestion.NewNotificationPublisher(js))

		webhookSubscriber = ingestion.NewWebhookSubscriber(js, webhooks, logger)
		if err := webhookSubscriber.Subscribe(ctx); err != nil {
			logger.Fatal().Err(err).Msg("webhook subscribe")
		}
		healthChecker.AddCheck("nats", func(context.Context) error {
			if !conn.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		})
	}

	// --- Relayer ---
	var relayerClient settlement.RelayerClient = relayer.Disabled{}
	if client, err := relayer.NewClient(relayer.Config{
		BaseURL:       cfg.RelayerURL,
		Token:         cfg.RelayerToken,
		Timeout:       cfg.RelayerTimeout,
		RatePerSecond: cfg.RelayerRate,
		Burst:         cfg.RelayerBurst,
	}); err == nil {
		relayerClient = client
	} else {
		logger.Warn().Err(err).Msg("relayer disabled; finalize jobs will fail")
	}

	// --- Services ---
	deps := settlement.Deps{
		Repo:      settlementRepo,
		Ledger:    ldg,
		Addresses: persistence.NewAddressDirectory(db),
		Relayer:   relayerClient,
		Notifier:  notifiers,
		Publisher: publishers,
		Metrics:   metrics,
		Logger:    logger,
		Options: settlement.Options{
			TreasuryUserID:   cfg.TreasuryUserID,
			PlatformAddress:  cfg.PlatformAddress,
			UnresolvedPolicy: cfg.UnresolvedPolicy,
		},
	}
	orchestrator := settlement.NewOrchestrator(deps)
	finalizer := settlement.NewFinalizer(deps)
	disputes := settlement.NewDisputes(deps)

	srv, err := server.New(cfg.GRPCAddr, cfg.HTTPAddr, server.Deps{
		Orchestrator:  orchestrator,
		Finalizer:     finalizer,
		Disputes:      disputes,
		Queue:         query.NewQueueService(db, logger),
		Balances:      query.NewBalanceReader(ldg),
		Webhooks:      webhooks,
		Guard:         guard,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Gatherer:      prometheus.DefaultGatherer,
		AdminKey:      cfg.AdminKey,
		Logger:        logger.With().Str("service", "http").Logger(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("build server")
	}

	// --- Scheduler ---
	cron := scheduler.New(logger.With().Str("service", "cron").Logger(), ctx)
	maintenance := scheduler.NewMaintenance(finalizer, guard, ledgerStore, cfg.FinalizeTimeout, logger)
	if err := maintenance.Register(cron, scheduler.Specs{
		Reconcile:   cfg.ReconcileSchedule,
		Purge:       cfg.PurgeSchedule,
		LedgerCheck: cfg.LedgerCheckSpec,
	}); err != nil {
		logger.Fatal().Err(err).Msg("schedule maintenance")
	}

	// --- Start goroutines ---
	errChan := make(chan error, 8)

	// 1. Event log worker
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := eventLog.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("event log worker: %w", err)
		}
	}()

	// 2. gRPC server (health, reflection)
	go func() {
		errChan <- srv.StartGRPC(ctx)
	}()

	// 3. HTTP API
	go func() {
		errChan <- srv.StartHTTP(ctx)
	}()

	// 4. Prometheus metrics server
	if cfg.MetricsAddr != "" {
		go func() {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", promhttp.Handler())
			metricsServer := &http.Server{
				Addr:              cfg.MetricsAddr,
				Handler:           metricsMux,
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
				defer c()
				metricsServer.Shutdown(shutCtx)
			}()
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// 5. Cron
	cron.Start()

	// Reconcile once at boot so jobs left running by a crash are failed.
	if err := maintenance.ReconcileFinalize(ctx); err != nil {
		logger.Warn().Err(err).Msg("startup reconcile")
	}

	healthChecker.SetReady(true)
	logger.Info().
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("SettleLedger ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	healthChecker.SetReady(false)
	if webhookSubscriber != nil {
		webhookSubscriber.Stop()
	}
	cron.Stop()
	cancel()

	select {
	case <-workerDone:
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("event log worker did not drain in time")
	}
	if nc != nil {
		nc.Drain()
	}

	logger.Info().Msg("SettleLedger shutdown complete")
}
