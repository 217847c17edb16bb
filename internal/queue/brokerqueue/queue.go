// Package brokerqueue implements queue.Queue with Postgres as the source of
// truth and RabbitMQ as the delivery channel.
//
// A row in automation_jobs exists for every non-terminal identity, so the
// primary key provides deduplication. Broker messages only carry the identity;
// the worker claims the row with an optimistic update, and redeliveries of an
// identity that is already running or gone are dropped.
package brokerqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/automation-scheduler/internal/domain"
	"github.com/cuongbtq/automation-scheduler/internal/queue"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultPrefetch      = 1
	maxFailureErrorBytes = 2048
	contentTypeJSON      = "application/json"
)

// Broker is the subset of the RabbitMQ client the queue needs
type Broker interface {
	Publish(ctx context.Context, body []byte, contentType string) error
	Consume(consumerTag string, prefetch int) (<-chan amqp.Delivery, error)
}

// Config holds queue settings
type Config struct {
	WorkerID      string
	LeaseDuration time.Duration
	Prefetch      int
	// RepublishAfter is how long a PENDING row may wait unclaimed before its
	// message is published again. Defaults to twice the lease.
	RepublishAfter time.Duration
}

// Queue implements queue.Queue on Postgres + RabbitMQ
type Queue struct {
	store    *Store
	broker   Broker
	logger   *slog.Logger
	workerID string
	lease    time.Duration
	prefetch int
	now      func() time.Time

	republishAfter time.Duration

	consumeOnce sync.Once
	deliveries  <-chan amqp.Delivery
	consumeErr  error

	mu      sync.Mutex
	pending map[uint64]amqp.Delivery
}

var _ queue.Queue = (*Queue)(nil)
var _ queue.Heartbeater = (*Queue)(nil)

// New creates a broker-backed queue
func New(store *Store, broker Broker, cfg Config, logger *slog.Logger) *Queue {
	q := &Queue{
		store:    store,
		broker:   broker,
		logger:   logger,
		workerID: cfg.WorkerID,
		lease:    cfg.LeaseDuration,
		prefetch: cfg.Prefetch,
		now:      time.Now,
		pending:  make(map[uint64]amqp.Delivery),
	}
	if q.workerID == "" {
		q.workerID = uuid.New().String()
	}
	if q.lease <= 0 {
		q.lease = queue.DefaultLeaseDuration
	}
	if q.prefetch <= 0 {
		q.prefetch = defaultPrefetch
	}
	q.republishAfter = cfg.RepublishAfter
	if q.republishAfter <= 0 {
		q.republishAfter = 2 * q.lease
	}
	return q
}

// Enqueue commits the job row, then publishes its identity. The row is
// committed first so a consumer can always see it; a publish that fails or
// is lost is repaired by RecoverStale.
func (q *Queue) Enqueue(ctx context.Context, job queue.Job, opts queue.EnqueueOptions) (bool, error) {
	created, err := q.store.Insert(ctx, job, opts, q.now().UTC())
	if err != nil {
		return false, err
	}
	if !created {
		q.logger.Info("Job already queued, submission coalesced",
			slog.String("job_identity", job.Identity.String()),
		)
		return false, nil
	}

	if err := q.publish(ctx, job.Identity); err != nil {
		q.logger.Warn("Job stored but not published, recovery will republish it",
			slog.String("job_identity", job.Identity.String()),
			slog.Duration("republish_after", q.republishAfter),
			slog.Any("error", err),
		)
		return true, nil
	}

	q.logger.Debug("Job enqueued",
		slog.String("job_identity", job.Identity.String()),
		slog.Int("payload_size", len(job.Payload)),
	)
	return true, nil
}

func (q *Queue) publish(ctx context.Context, identity domain.JobIdentity) error {
	body, err := json.Marshal(jobMessage{Identity: string(identity)})
	if err != nil {
		return fmt.Errorf("failed to marshal job message: %w", err)
	}
	if err := q.broker.Publish(ctx, body, contentTypeJSON); err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}
	return nil
}

// Claim waits for a broker delivery and claims the matching row
func (q *Queue) Claim(ctx context.Context) (*queue.Delivery, error) {
	q.consumeOnce.Do(func() {
		q.deliveries, q.consumeErr = q.broker.Consume(q.workerID, q.prefetch)
	})
	if q.consumeErr != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", q.consumeErr)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case msg, ok := <-q.deliveries:
			if !ok {
				return nil, queue.ErrClosed
			}

			d, err := q.claimMessage(ctx, msg)
			if err != nil {
				return nil, err
			}
			if d != nil {
				return d, nil
			}
		}
	}
}

// claimMessage returns nil, nil when the message was dropped
func (q *Queue) claimMessage(ctx context.Context, msg amqp.Delivery) (*queue.Delivery, error) {
	var m jobMessage
	if err := json.Unmarshal(msg.Body, &m); err != nil || m.Identity == "" {
		q.logger.Error("Dropping malformed job message",
			slog.Uint64("delivery_tag", msg.DeliveryTag),
			slog.Int("body_size", len(msg.Body)),
		)
		q.settle(msg, false)
		return nil, nil
	}

	identity := domain.JobIdentity(m.Identity)
	lease := uuid.New().String()

	row, err := q.store.Claim(ctx, identity, q.workerID, lease)
	if errors.Is(err, ErrAlreadyClaimed) {
		q.logger.Info("Dropping redelivery of a job that is running or finished",
			slog.String("job_identity", identity.String()),
		)
		q.settle(msg, true)
		return nil, nil
	}
	if err != nil {
		if nackErr := msg.Nack(false, true); nackErr != nil {
			q.logger.Error("Failed to requeue message",
				slog.String("job_identity", identity.String()),
				slog.Any("error", nackErr),
			)
		}
		return nil, err
	}

	q.mu.Lock()
	q.pending[msg.DeliveryTag] = msg
	q.mu.Unlock()

	return &queue.Delivery{
		Job: queue.Job{
			Identity: identity,
			UserID:   row.UserID,
			Payload:  row.Payload,
		},
		Attempt: row.Attempts,
		Lease:   lease,
		Tag:     msg.DeliveryTag,
	}, nil
}

// settle acks or discards a broker message
func (q *Queue) settle(msg amqp.Delivery, ack bool) {
	var err error
	if ack {
		err = msg.Ack(false)
	} else {
		err = msg.Nack(false, false)
	}
	if err != nil {
		q.logger.Error("Failed to settle broker message",
			slog.Uint64("delivery_tag", msg.DeliveryTag),
			slog.Bool("ack", ack),
			slog.Any("error", err),
		)
	}
}

func (q *Queue) takePending(tag uint64) (amqp.Delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg, ok := q.pending[tag]
	delete(q.pending, tag)
	return msg, ok
}

// Ack deletes the row and acknowledges the broker message
func (q *Queue) Ack(ctx context.Context, d *queue.Delivery) error {
	err := q.store.Complete(ctx, d, q.workerID, q.now().UTC())
	if err != nil && !errors.Is(err, queue.ErrLeaseLost) {
		return err
	}

	// the row is settled or owned elsewhere; this message is no longer needed
	if msg, ok := q.takePending(d.Tag); ok {
		q.settle(msg, true)
	}
	return err
}

// Nack moves the row to the failure history and discards the broker message
func (q *Queue) Nack(ctx context.Context, d *queue.Delivery, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if len(msg) > maxFailureErrorBytes {
		msg = strings.ToValidUTF8(msg[:maxFailureErrorBytes], "")
	}

	err := q.store.Fail(ctx, d, queue.FailureRecord{
		ID:       uuid.New().String(),
		Identity: d.Identity,
		UserID:   d.UserID,
		Error:    msg,
		Attempts: d.Attempt,
		WorkerID: q.workerID,
		FailedAt: q.now().UTC(),
	})
	if err != nil && !errors.Is(err, queue.ErrLeaseLost) {
		return err
	}

	if m, ok := q.takePending(d.Tag); ok {
		q.settle(m, false)
	}
	return err
}

// Touch records a heartbeat for the claimed row
func (q *Queue) Touch(ctx context.Context, d *queue.Delivery) error {
	return q.store.Heartbeat(ctx, d)
}

// RecoverStale republishes jobs that no consumer can be holding: RUNNING rows
// whose heartbeat is older than the lease, and PENDING rows whose last publish
// is older than RepublishAfter. Rows are requeued and committed before the
// publish, so every message refers to a visible PENDING row. A failed publish
// leaves the row to the next sweep.
func (q *Queue) RecoverStale(ctx context.Context) (int, error) {
	now := q.now().UTC()
	identities, err := q.store.Requeue(ctx, now.Add(-q.lease), now.Add(-q.republishAfter), now)
	if err != nil {
		return 0, err
	}

	published := 0
	var errs []error
	for _, identity := range identities {
		if err := q.publish(ctx, identity); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", identity, err))
			continue
		}
		published++
		q.logger.Warn("Republished job",
			slog.String("job_identity", identity.String()),
		)
	}
	return published, errors.Join(errs...)
}

// RunRecovery calls RecoverStale every interval until ctx is done
func (q *Queue) RunRecovery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = q.lease / 2
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.RecoverStale(ctx); err != nil {
				q.logger.Error("Failed to recover stale jobs",
					slog.Any("error", err),
				)
			}
		}
	}
}

// Status returns the live row for identity
func (q *Queue) Status(ctx context.Context, identity domain.JobIdentity) (*queue.JobStatus, error) {
	row, err := q.store.GetJob(ctx, identity)
	if err != nil {
		return nil, err
	}

	return &queue.JobStatus{
		Identity:   identity,
		UserID:     row.UserID,
		State:      stateOf(row.Status),
		Attempts:   row.Attempts,
		EnqueuedAt: row.EnqueuedAt.UTC(),
		ClaimedBy:  row.WorkerID.String,
	}, nil
}

// Failures pages through the failure history, newest first
func (q *Queue) Failures(ctx context.Context, filter queue.FailureFilter) (*queue.FailurePage, error) {
	cursor, err := decodeFailureCursor(filter.Cursor)
	if err != nil {
		return nil, err
	}

	limit := filter.Limit()
	rows, err := q.store.ListFailures(ctx, filter.UserID, cursor, limit)
	if err != nil {
		return nil, err
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	page := &queue.FailurePage{Records: make([]queue.FailureRecord, len(rows))}
	for i, r := range rows {
		page.Records[i] = r.toRecord()
	}
	if hasMore {
		last := rows[len(rows)-1]
		page.NextCursor = encodeFailureCursor(failureCursor{FailedAt: last.FailedAt, ID: last.ID})
	}
	return page, nil
}

// Close is a no-op; the database and broker clients are owned by the caller
func (q *Queue) Close() error {
	return nil
}
