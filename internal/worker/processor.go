package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/automation-scheduler/internal/domain"
	"github.com/cuongbtq/automation-scheduler/internal/engine"
	"github.com/cuongbtq/automation-scheduler/internal/queue"
)

// processJob drives one claimed job through
// Claimed -> Decrypting -> Running -> Succeeded | Failed.
// Credentials are decrypted in full before the engine is called; any
// failure before Running means the engine is never invoked.
func (w *Worker) processJob(ctx context.Context, d *queue.Delivery) domain.ExecutionOutcome {
	// Claimed
	descriptor, err := domain.DecodeDescriptor(d.Payload)
	if err != nil {
		return domain.Failed(domain.StageClaimed, err)
	}
	if descriptor.Identity() != d.Identity {
		return domain.Failed(domain.StageClaimed,
			fmt.Errorf("%w: payload belongs to %s", domain.ErrInvalidDescriptor, descriptor.Identity()))
	}

	// Decrypting
	secrets, err := w.cipher.DecryptFields(descriptor.Credentials)
	if err != nil {
		return domain.Failed(domain.StageDecrypting, err)
	}

	// Running
	jobCtx, cancel := w.jobContext(ctx)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(jobCtx, cancel, d, heartbeatDone)
	defer close(heartbeatDone)

	rc := &engine.RunConfig{
		Identity:    d.Identity,
		UserID:      descriptor.UserID,
		Attempt:     d.Attempt,
		Credentials: domain.CredentialBundle(secrets),
		Params:      descriptor.Params,
		RateLimits:  descriptor.RateLimits,
		IsPremium:   descriptor.IsPremium,
	}

	w.logger.Info("Running automation", slog.Any("run", rc))

	if err := w.runEngine(jobCtx, rc); err != nil {
		return domain.Failed(domain.StageRunning, domain.NewEngineError(err))
	}
	return domain.Succeeded()
}

func (w *Worker) jobContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.jobTimeout > 0 {
		return context.WithTimeout(ctx, w.jobTimeout)
	}
	return context.WithCancel(ctx)
}

// runEngine turns an engine panic into an error so one job cannot take the
// worker down
func (w *Worker) runEngine(ctx context.Context, rc *engine.RunConfig) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panicked: %v", r)
		}
	}()
	return w.engine.Run(ctx, rc)
}

// sendJobHeartbeat extends the lease while the engine runs. Losing the lease
// cancels the run since another worker may already hold the job.
func (w *Worker) sendJobHeartbeat(ctx context.Context, cancel context.CancelFunc, d *queue.Delivery, done <-chan struct{}) {
	if w.heartbeater == nil || w.heartbeatInterval <= 0 {
		return
	}

	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			err := w.heartbeater.Touch(ctx, d)
			if err == nil {
				continue
			}
			if errors.Is(err, queue.ErrLeaseLost) {
				w.logger.Error("Job lease lost, cancelling run",
					slog.String("job_identity", d.Identity.String()),
				)
				cancel()
				return
			}
			w.logger.Warn("Failed to extend job lease",
				slog.String("job_identity", d.Identity.String()),
				slog.Any("error", err),
			)
		}
	}
}
