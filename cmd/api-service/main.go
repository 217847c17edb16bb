package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/automation-scheduler/internal/admission"
	"github.com/cuongbtq/automation-scheduler/internal/api/handler"
	"github.com/cuongbtq/automation-scheduler/internal/api/profile"
	"github.com/cuongbtq/automation-scheduler/internal/api/router"
	"github.com/cuongbtq/automation-scheduler/internal/bootstrap"
	"github.com/cuongbtq/automation-scheduler/internal/config"
	"github.com/cuongbtq/automation-scheduler/internal/policy"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// The cipher comes first: nothing is admitted without a usable key
	cipher, err := bootstrap.InitCipher(cfg)
	if err != nil {
		return err
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("queue_driver", cfg.Queue.Driver),
	)

	evaluator, err := policy.NewEvaluator(cfg.PolicyConfig())
	if err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}

	dbClient, err := bootstrap.InitPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	backend, err := bootstrap.OpenQueue(startupCtx, cfg, "", dbClient, appLogger.Logger)
	startupCancel()
	if err != nil {
		return fmt.Errorf("failed to open job queue: %w", err)
	}
	defer backend.Close()

	appLogger.Info("Job queue ready")

	admissionService := admission.NewService(evaluator, cipher, backend.Queue, appLogger.Logger).
		WithEnqueueOptions(cfg.EnqueueOptions())

	healthChecks := map[string]handler.HealthCheck{
		"postgres": dbClient.HealthCheck,
	}
	for name, check := range backend.HealthChecks {
		healthChecks[name] = handler.HealthCheck(check)
	}

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := router.SetupRouter(&handler.Dependencies{
		Logger:       appLogger.Logger,
		Admission:    admissionService,
		Inspector:    backend.Queue,
		Profiles:     profile.NewStore(dbClient.GetDB()),
		HealthChecks: healthChecks,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...",
			slog.String("signal", sig.String()),
		)
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}
