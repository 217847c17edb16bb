// Package worker runs the execution loop: claim a job, decrypt its
// credentials, hand it to the engine, and report the outcome to the queue.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/automation-scheduler/internal/engine"
	"github.com/cuongbtq/automation-scheduler/internal/queue"
	"github.com/google/uuid"
)

const (
	defaultClaimRetryDelay = time.Second
	settleTimeout          = 10 * time.Second
)

// Decrypter recovers credential fields. It must fail without partial output.
type Decrypter interface {
	DecryptFields(fields map[string]string) (map[string]string, error)
}

// Config holds worker configuration
type Config struct {
	Logger   *slog.Logger
	Queue    queue.Consumer
	Cipher   Decrypter
	Engine   engine.Engine
	WorkerID string
	// Concurrency is the number of jobs processed in parallel
	Concurrency int
	// JobTimeout bounds one engine run; zero leaves supervision to the queue lease
	JobTimeout time.Duration
	// HeartbeatInterval is how often a running job's lease is extended
	HeartbeatInterval time.Duration
	// ClaimRetryDelay is the pause after a failed claim
	ClaimRetryDelay time.Duration
}

// Worker represents the automation job worker
type Worker struct {
	logger            *slog.Logger
	queue             queue.Consumer
	heartbeater       queue.Heartbeater
	cipher            Decrypter
	engine            engine.Engine
	workerID          string
	concurrency       int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	claimRetryDelay   time.Duration
	wg                sync.WaitGroup
	stopChan          chan struct{}
	stopOnce          sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:            cfg.Logger,
		queue:             cfg.Queue,
		cipher:            cfg.Cipher,
		engine:            cfg.Engine,
		workerID:          cfg.WorkerID,
		concurrency:       cfg.Concurrency,
		jobTimeout:        cfg.JobTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		claimRetryDelay:   cfg.ClaimRetryDelay,
		stopChan:          make(chan struct{}),
	}
	if hb, ok := cfg.Queue.(queue.Heartbeater); ok {
		w.heartbeater = hb
	}
	if w.workerID == "" {
		w.workerID = uuid.New().String()
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.claimRetryDelay <= 0 {
		w.claimRetryDelay = defaultClaimRetryDelay
	}
	return w
}

// ID returns the worker id used in logs and failure records
func (w *Worker) ID() string {
	return w.workerID
}

// Start spawns the pool and blocks until ctx is canceled or Stop is called
func (w *Worker) Start(ctx context.Context) error {
	if w.queue == nil || w.cipher == nil || w.engine == nil {
		return errors.New("worker requires a queue, a cipher and an engine")
	}

	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.Duration("heartbeat_interval", w.heartbeatInterval),
		slog.Bool("lease_extension", w.heartbeater != nil),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.spawnWorkerPool(ctx)

	select {
	case <-ctx.Done():
		w.logger.Info("Worker context canceled, stopping...")
	case <-w.stopChan:
		w.logger.Info("Worker stop requested")
	}
	return nil
}

// Stop signals the pool to stop and waits for in-flight jobs to settle
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
