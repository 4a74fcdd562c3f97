// minifabd is the HTTP API server that turns selfie uploads into
// 3D-printable miniature jobs: it dispatches pipeline runs to the GPU
// provider, receives its webhooks, and answers status polls.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"minifab/internal/api"
	"minifab/internal/config"
	"minifab/internal/dispatcher"
	"minifab/internal/health"
	"minifab/internal/ledger"
	"minifab/internal/observability"
	"minifab/internal/provider"
	"minifab/internal/service"
	"minifab/internal/storage"
	"minifab/internal/store"
)

func main() {
	// Local development convenience; in deployment the environment is real.
	_ = godotenv.Load()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	storeCfg := config.LoadStoreConfig()
	ledgerCfg := config.LoadLedgerConfig()
	providerCfg := config.LoadProviderConfig()
	dispatcherCfg := dispatcher.LoadConfigFromEnv()

	if err := config.Validate(svcCfg, providerCfg); err != nil {
		return err
	}

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Ephemeral job store: Redis when configured, in-process otherwise.
	var jobStore store.Store
	if storeCfg.RedisAddr != "" {
		jobStore = store.NewRedis(store.RedisConfig{
			Addr:     storeCfg.RedisAddr,
			Password: storeCfg.RedisPassword,
			DB:       storeCfg.RedisDB,
			TTL:      storeCfg.TTL,
		})
		slog.Info("Using Redis job store", "addr", storeCfg.RedisAddr, "ttl", storeCfg.TTL)
	} else {
		jobStore = store.NewMemory(storeCfg.TTL)
		slog.Warn("Using in-memory job store - state is lost on restart and not shared between instances")
	}
	defer jobStore.Close()

	// Durable ledger, optional.
	var jobLedger ledger.Ledger
	if ledgerCfg.DSN != "" {
		pg, err := ledger.Open(ctx, ledger.Config{
			DSN:             ledgerCfg.DSN,
			MaxConns:        ledgerCfg.MaxConns,
			MinConns:        ledgerCfg.MinConns,
			MaxConnLifetime: ledgerCfg.MaxConnLifetime,
			DialTimeout:     ledgerCfg.DialTimeout,
		})
		if err != nil {
			return err
		}
		defer pg.Close()
		jobLedger = pg
		slog.Info("Connected to job ledger")
	} else {
		slog.Warn("Job ledger disabled - no LEDGER_DSN configured, expired jobs become unknown")
	}

	// Compute provider, optional (useful for local development against
	// hand-posted webhooks).
	var computeClient provider.Client
	if providerCfg.Endpoint != "" {
		computeClient = provider.NewHTTP(provider.HTTPConfig{
			Endpoint:     providerCfg.Endpoint,
			AppName:      providerCfg.AppName,
			FunctionName: providerCfg.FunctionName,
			TokenID:      providerCfg.TokenID,
			TokenSecret:  providerCfg.TokenSecret,
			Timeout:      providerCfg.Timeout,
		})
		slog.Info("Compute provider configured", "endpoint", providerCfg.Endpoint, "app", providerCfg.AppName)
	} else {
		slog.Warn("Compute provider disabled - jobs are recorded but never spawned")
	}

	// Completion notification dispatcher
	notifier := dispatcher.NewMemory(dispatcherCfg, metrics)

	// Download URL signer, optional.
	var signer storage.URLSigner
	if svcCfg.DownloadSecret != "" && svcCfg.FilesBaseURL != "" {
		s, err := storage.NewHMACSigner(svcCfg.FilesBaseURL, svcCfg.DownloadSecret)
		if err != nil {
			return err
		}
		signer = s
		slog.Info("Signed download URLs enabled", "ttl", svcCfg.DownloadTTL)
	} else {
		slog.Warn("Signed download URLs disabled - raw artifact locators are returned")
	}

	// Create health checker
	healthChecker := health.NewChecker()
	healthChecker.AddCheck("store", true, jobStore.Ping)
	if jobLedger != nil {
		healthChecker.AddCheck("ledger", false, jobLedger.Ping)
	}

	// Create job service
	jobService := service.New(jobStore, jobLedger, computeClient, notifier, metrics, service.Config{
		CallbackURL:      svcCfg.PublicBaseURL + "/v1/webhooks/pipeline",
		NotifySigningKey: svcCfg.NotifySigningKey,
		RefreshAfter:     providerCfg.RefreshAfter,
	})

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Handler: api.NewHandler(api.HandlerConfig{
			Service:       jobService,
			Metrics:       metrics,
			HealthChecker: healthChecker,
			Signer:        signer,
			WebhookSecret: svcCfg.WebhookSecret,
			DownloadTTL:   svcCfg.DownloadTTL,
		}),
		Metrics: metrics,
		APIKey:  svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}
	if svcCfg.WebhookSecret == "" {
		slog.Warn("Webhook signature verification disabled - no WEBHOOK_SECRET configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Drain the notification dispatcher
	slog.Info("Draining notification dispatcher")
	notifierCtx, notifierCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer notifierCancel()
	if err := notifier.Close(notifierCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	// Log final dispatcher stats
	stats := notifier.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	// Pipeline runs continue on the provider; their webhooks will be
	// handled by the next instance against the shared stores.
	slog.Info("Shutdown complete")
	return nil
}
