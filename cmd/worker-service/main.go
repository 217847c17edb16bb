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

	"github.com/cuongbtq/automation-scheduler/internal/bootstrap"
	"github.com/cuongbtq/automation-scheduler/internal/config"
	"github.com/cuongbtq/automation-scheduler/internal/engine"
	"github.com/cuongbtq/automation-scheduler/internal/worker"
	"github.com/cuongbtq/automation-scheduler/shared/postgresql"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// The cipher comes first: no job is claimed without a usable key
	cipher, err := bootstrap.InitCipher(cfg)
	if err != nil {
		return err
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = uuid.New().String()
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("worker_id", workerID),
		slog.String("queue_driver", cfg.Queue.Driver),
	)

	automationEngine, err := engine.NewCommand(engine.CommandConfig{
		Path: cfg.Worker.EngineCommand,
		Args: cfg.Worker.EngineArgs,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	var dbClient *postgresql.Client
	if cfg.Queue.Driver == config.DriverBroker {
		dbClient, err = bootstrap.InitPostgreSQL(&cfg.Database, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer dbClient.Close()

		appLogger.Info("Database connection established")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, err := bootstrap.OpenQueue(ctx, cfg, workerID, dbClient, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to open job queue: %w", err)
	}
	defer backend.Close()

	appLogger.Info("Job queue ready")

	if backend.Recover != nil {
		go backend.Recover(ctx)
	}

	var metricsSrv *http.Server
	if cfg.Worker.MetricsPort != 0 {
		metricsSrv = startMetricsServer(cfg.Worker.MetricsAddr(), backend, appLogger.Logger)
	}

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:            appLogger.Logger,
		Queue:             backend.Queue,
		Cipher:            cipher,
		Engine:            automationEngine,
		WorkerID:          workerID,
		Concurrency:       cfg.Worker.Concurrency,
		JobTimeout:        cfg.Worker.JobTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
	})

	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully",
		slog.Int("concurrency", cfg.Worker.Concurrency),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	// Cancelling interrupts running jobs; they stay unsettled and are
	// redelivered once their lease expires
	cancel()

	shutdownTimeout := cfg.Worker.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			appLogger.Warn("Metrics server shutdown failed", slog.Any("error", err))
		}
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// startMetricsServer exposes /healthz and /metrics on a side listener
func startMetricsServer(addr string, backend *bootstrap.QueueBackend, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		for name, check := range backend.HealthChecks {
			if err := check(ctx); err != nil {
				http.Error(w, name+": "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Metrics server listening", slog.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", slog.Any("error", err))
		}
	}()

	return srv
}
