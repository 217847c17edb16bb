package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/automation-scheduler/internal/metrics"
	"github.com/cuongbtq/automation-scheduler/internal/queue"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	w.logger.Info("Worker pool spawned",
		slog.String("worker_id", w.workerID),
		slog.Int("worker_count", w.concurrency),
	)
}

// workerLoop claims and processes one job at a time until ctx is done
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		d, err := w.queue.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, queue.ErrClosed) {
				w.logger.Warn("Queue closed, worker goroutine exiting",
					slog.String("worker_name", workerName),
				)
				return
			}

			metrics.QueueErrors.WithLabelValues("claim").Inc()
			w.logger.Error("Failed to claim job",
				slog.String("worker_name", workerName),
				slog.Any("error", err),
			)
			if !sleepCtx(ctx, w.claimRetryDelay) {
				return
			}
			continue
		}

		w.handle(ctx, workerName, d)
	}
}

// handle processes a claimed job and reports the outcome to the queue
func (w *Worker) handle(ctx context.Context, workerName string, d *queue.Delivery) {
	metrics.JobsActive.Inc()
	defer metrics.JobsActive.Dec()

	start := time.Now()
	outcome := w.processJob(ctx, d)
	metrics.JobDuration.WithLabelValues(string(outcome.Status)).Observe(time.Since(start).Seconds())
	metrics.JobsProcessed.WithLabelValues(string(outcome.Status), string(outcome.Stage)).Inc()

	attrs := []any{
		slog.String("worker_name", workerName),
		slog.String("job_identity", d.Identity.String()),
		slog.String("user_id", d.UserID),
		slog.Int("attempt", d.Attempt),
		slog.String("stage", string(outcome.Stage)),
		slog.Duration("duration", time.Since(start)),
	}

	if !outcome.IsSuccess() && ctx.Err() != nil {
		// Shutdown interrupted the run; the expired lease hands it to another worker.
		w.logger.Warn("Job interrupted by shutdown, leaving it for redelivery", attrs...)
		return
	}

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if outcome.IsSuccess() {
		if err := w.queue.Ack(settleCtx, d); err != nil {
			metrics.QueueErrors.WithLabelValues("ack").Inc()
			w.logger.Error("Failed to acknowledge job", append(attrs, slog.Any("error", err))...)
			return
		}
		w.logger.Info("Job succeeded", attrs...)
		return
	}

	w.logger.Error("Job failed", append(attrs, slog.String("error", outcome.Reason()))...)
	if err := w.queue.Nack(settleCtx, d, outcome.Err); err != nil {
		metrics.QueueErrors.WithLabelValues("nack").Inc()
		w.logger.Error("Failed to record job failure", append(attrs, slog.Any("error", err))...)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
