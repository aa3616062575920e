package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amillerrr/kino-pipeline/internal/api"
	"github.com/amillerrr/kino-pipeline/internal/app"
	"github.com/amillerrr/kino-pipeline/internal/auth"
	"github.com/amillerrr/kino-pipeline/internal/config"
	"github.com/amillerrr/kino-pipeline/internal/health"
	"github.com/amillerrr/kino-pipeline/internal/logger"
	"github.com/amillerrr/kino-pipeline/internal/observability"
	"github.com/amillerrr/kino-pipeline/internal/queue"
)

const (
	ShutdownTimeout       = 30 * time.Second
	DrainTimeout          = 2 * time.Minute
	TracerShutdownTimeout = 5 * time.Second
)

func main() {
	// Load configuration (reads .env when present)
	cfg, err := config.LoadAPI()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	// Initialize tracer
	shutdownTracer, err := observability.InitTracer(context.Background(), observability.ServiceAPI, cfg)
	if err != nil {
		log.Error("Failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), TracerShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("Failed to shutdown tracer", "error", err)
		}
	}()

	// Wire store, renderer and coordinator
	services, err := app.Build(context.Background(), cfg, log)
	if err != nil {
		log.Error("Failed to initialize services", "error", err)
		os.Exit(1)
	}
	defer services.Close()
	log.Info("Project store initialized", "backend", cfg.Storage.Backend)

	if services.SQS != nil {
		if services.Assets == nil {
			log.Error("S3_BUCKET is required when SQS_QUEUE_URL is set")
			os.Exit(1)
		}
		services.Coordinator.SetDispatcher(queue.NewProducer(services.SQS, cfg.AWS.SQSQueueURL, services.Assets, log))
		log.Info("Pipeline runs dispatched to SQS", "queue_url", cfg.AWS.SQSQueueURL)
	}

	// Initialize JWT service
	jwtSecret, err := cfg.GetJWTSecret()
	if err != nil {
		log.Error("Failed to get JWT secret", "error", err)
		os.Exit(1)
	}
	jwtService, err := auth.NewJWTService(jwtSecret)
	if err != nil {
		log.Error("Failed to create JWT service", "error", err)
		os.Exit(1)
	}

	// Initialize rate limiter
	rateLimiter := auth.NewRateLimiter(auth.DefaultRateLimiterConfig())

	// Initialize health checker
	healthChecker := health.NewChecker(health.DefaultConfig(observability.ServiceAPI, log, services.Probes()...))

	serverCfg := &api.ServerConfig{
		Config:        cfg,
		Logger:        log,
		Store:         services.Store,
		Pipeline:      services.Coordinator,
		Posters:       services.Posters,
		Layout:        services.Layout,
		JWTService:    jwtService,
		RateLimiter:   rateLimiter,
		HealthChecker: healthChecker,
	}
	if services.Assets != nil {
		serverCfg.Media = services.Assets
	}

	// Create and start server
	server, err := api.NewServer(serverCfg)
	if err != nil {
		log.Error("Failed to create server", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := server.Start(); err != nil {
			log.Error("Server error", "error", err)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), DrainTimeout)
	defer drainCancel()
	if err := services.Coordinator.Drain(drainCtx); err != nil {
		log.Warn("In-process runs still active at shutdown", "error", err)
	}

	log.Info("Server shutdown complete")
}
