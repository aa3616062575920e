package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amillerrr/kino-pipeline/internal/app"
	"github.com/amillerrr/kino-pipeline/internal/config"
	"github.com/amillerrr/kino-pipeline/internal/health"
	"github.com/amillerrr/kino-pipeline/internal/logger"
	"github.com/amillerrr/kino-pipeline/internal/observability"
	"github.com/amillerrr/kino-pipeline/internal/worker"
)

const ShutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	// Initialize tracing
	shutdownTracer, err := observability.InitTracer(context.Background(), observability.ServiceWorker, cfg)
	if err != nil {
		logger.Error(context.Background(), log, "Failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error(context.Background(), log, "Failed to shutdown tracer", "error", err)
		}
	}()

	services, err := app.Build(context.Background(), cfg, log)
	if err != nil {
		logger.Error(context.Background(), log, "Failed to initialize services", "error", err)
		os.Exit(1)
	}
	defer services.Close()

	workerCfg := &worker.Config{
		SQSClient:         services.SQS,
		QueueURL:          cfg.AWS.SQSQueueURL,
		MaxConcurrentJobs: cfg.Worker.MaxConcurrentJobs,
		Runner:            services.Coordinator,
		Store:             services.Store,
		Layout:            services.Layout,
		Logger:            log,
	}
	if services.Assets != nil {
		workerCfg.Sources = services.Assets
	}
	w := worker.New(workerCfg)

	checker := health.NewChecker(health.DefaultConfig(observability.ServiceWorker, log, services.Probes()...))
	metricsServer := startMetricsServer(cfg.Worker.MetricsPort, checker, log)

	// Graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-quit
		logger.Info(context.Background(), log, "Shutting down worker...")
		cancel()
	}()

	w.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), log, "Failed to shutdown metrics server", "error", err)
	}
}

func startMetricsServer(port int, checker *health.Checker, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", checker.Handler())
	mux.HandleFunc("GET /health/deep", checker.DeepHandler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info(context.Background(), log, "Starting metrics server", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), log, "Metrics server error", "error", err)
		}
	}()
	return srv
}
