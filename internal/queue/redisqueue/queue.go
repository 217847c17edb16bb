// Package redisqueue is a Redis-backed implementation of queue.Queue.
//
// Each live job is a hash keyed by its identity, so a second Enqueue for the
// same identity is coalesced until the first job is acknowledged or failed.
// Claims are leases tracked in a sorted set; a lease that is not extended with
// Touch before it expires returns the job to the wait list on the next Claim.
//
// The claim script derives job keys from the key prefix at run time instead of
// declaring them, so the queue needs a single Redis node (or a primary with
// replicas). Redis Cluster is not supported.
package redisqueue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/automation-scheduler/internal/domain"
	"github.com/cuongbtq/automation-scheduler/internal/queue"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix     = "automation-jobs"
	defaultPollInterval  = time.Second
	maxFailureErrorBytes = 2048

	// DefaultCompletedHistory is the number of completion records kept for
	// jobs enqueued without RemoveOnSuccess
	DefaultCompletedHistory = 100
)

// Config holds queue settings
type Config struct {
	KeyPrefix     string
	WorkerID      string
	LeaseDuration time.Duration
	PollInterval  time.Duration
	// CompletedHistory bounds the completed list; DefaultCompletedHistory when unset
	CompletedHistory int
}

// Queue implements queue.Queue on Redis
type Queue struct {
	rdb          *goredis.Client
	logger       *slog.Logger
	prefix       string
	workerID     string
	lease        time.Duration
	pollInterval time.Duration
	completedMax int
	now          func() time.Time
}

var _ queue.Queue = (*Queue)(nil)
var _ queue.Heartbeater = (*Queue)(nil)

// New creates a Redis queue on top of an existing client. The client is owned by the caller.
func New(rdb *goredis.Client, cfg Config, logger *slog.Logger) *Queue {
	q := &Queue{
		rdb:          rdb,
		logger:       logger,
		prefix:       cfg.KeyPrefix,
		workerID:     cfg.WorkerID,
		lease:        cfg.LeaseDuration,
		pollInterval: cfg.PollInterval,
		completedMax: cfg.CompletedHistory,
		now:          time.Now,
	}
	if q.prefix == "" {
		q.prefix = defaultKeyPrefix
	}
	if q.workerID == "" {
		q.workerID = uuid.New().String()
	}
	if q.lease <= 0 {
		q.lease = queue.DefaultLeaseDuration
	}
	if q.pollInterval <= 0 {
		q.pollInterval = defaultPollInterval
	}
	if q.completedMax <= 0 {
		q.completedMax = DefaultCompletedHistory
	}
	return q
}

func (q *Queue) jobKeyPrefix() string                { return q.prefix + ":job:" }
func (q *Queue) jobKey(id domain.JobIdentity) string { return q.jobKeyPrefix() + string(id) }
func (q *Queue) waitKey() string                     { return q.prefix + ":wait" }
func (q *Queue) activeKey() string                   { return q.prefix + ":active" }
func (q *Queue) failedKey() string                   { return q.prefix + ":failed" }
func (q *Queue) completedKey() string                { return q.prefix + ":completed" }

// Enqueue stores job unless a live job with the same identity exists
func (q *Queue) Enqueue(ctx context.Context, job queue.Job, opts queue.EnqueueOptions) (bool, error) {
	removeOnSuccess := "0"
	if opts.RemoveOnSuccess {
		removeOnSuccess = "1"
	}

	created, err := enqueueScript.Run(ctx, q.rdb,
		[]string{q.jobKey(job.Identity), q.waitKey()},
		string(job.Identity),
		job.UserID,
		string(job.Payload),
		q.now().UnixMilli(),
		removeOnSuccess,
		opts.FailedHistory,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to enqueue job: %w", err)
	}

	if created == 0 {
		q.logger.Info("Job already queued, submission coalesced",
			slog.String("job_identity", job.Identity.String()),
		)
		return false, nil
	}

	q.logger.Debug("Job enqueued",
		slog.String("job_identity", job.Identity.String()),
		slog.Int("payload_size", len(job.Payload)),
	)
	return true, nil
}

// Claim polls until a job is leased or ctx is done
func (q *Queue) Claim(ctx context.Context) (*queue.Delivery, error) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		d, err := q.tryClaim(ctx)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *Queue) tryClaim(ctx context.Context) (*queue.Delivery, error) {
	lease := uuid.New().String()

	res, err := claimScript.Run(ctx, q.rdb,
		[]string{q.waitKey(), q.activeKey()},
		q.now().UnixMilli(),
		q.lease.Milliseconds(),
		q.workerID,
		lease,
		q.jobKeyPrefix(),
	).Slice()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("failed to claim job: unexpected reply of %d elements", len(res))
	}

	identity, _ := res[0].(string)
	userID, _ := res[1].(string)
	payload, _ := res[2].(string)
	attempts, _ := res[3].(int64)

	return &queue.Delivery{
		Job: queue.Job{
			Identity: domain.JobIdentity(identity),
			UserID:   userID,
			Payload:  []byte(payload),
		},
		Attempt: int(attempts),
		Lease:   lease,
	}, nil
}

// Ack removes the job, or moves it to the completed list when it was enqueued
// without RemoveOnSuccess
func (q *Queue) Ack(ctx context.Context, d *queue.Delivery) error {
	record, err := json.Marshal(map[string]any{
		"job_identity": d.Identity,
		"user_id":      d.UserID,
		"attempts":     d.Attempt,
		"worker_id":    q.workerID,
		"completed_at": q.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal completion record: %w", err)
	}

	ok, err := ackScript.Run(ctx, q.rdb,
		[]string{q.jobKey(d.Identity), q.activeKey(), q.completedKey()},
		string(d.Identity), d.Lease, string(record), q.completedMax,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to ack job: %w", err)
	}
	if ok == 0 {
		return queue.ErrLeaseLost
	}
	return nil
}

// Nack removes the job and records cause in the bounded failure history
func (q *Queue) Nack(ctx context.Context, d *queue.Delivery, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if len(msg) > maxFailureErrorBytes {
		msg = strings.ToValidUTF8(msg[:maxFailureErrorBytes], "")
	}

	record, err := json.Marshal(queue.FailureRecord{
		ID:       uuid.New().String(),
		Identity: d.Identity,
		UserID:   d.UserID,
		Error:    msg,
		Attempts: d.Attempt,
		WorkerID: q.workerID,
		FailedAt: q.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal failure record: %w", err)
	}

	ok, err := nackScript.Run(ctx, q.rdb,
		[]string{q.jobKey(d.Identity), q.activeKey(), q.failedKey()},
		string(d.Identity), d.Lease, string(record),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to nack job: %w", err)
	}
	if ok == 0 {
		return queue.ErrLeaseLost
	}
	return nil
}

// Touch extends the lease of a claimed job
func (q *Queue) Touch(ctx context.Context, d *queue.Delivery) error {
	deadline := q.now().Add(q.lease).UnixMilli()

	ok, err := touchScript.Run(ctx, q.rdb,
		[]string{q.jobKey(d.Identity), q.activeKey()},
		string(d.Identity), d.Lease, deadline,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	if ok == 0 {
		return queue.ErrLeaseLost
	}
	return nil
}

// Status returns the live entry for identity
func (q *Queue) Status(ctx context.Context, identity domain.JobIdentity) (*queue.JobStatus, error) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(identity)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get job status: %w", err)
	}
	if len(fields) == 0 {
		return nil, queue.ErrNotFound
	}

	attempts, _ := strconv.Atoi(fields["attempts"])
	enqueuedMs, _ := strconv.ParseInt(fields["enqueued_at"], 10, 64)

	return &queue.JobStatus{
		Identity:   identity,
		UserID:     fields["user_id"],
		State:      queue.State(fields["state"]),
		Attempts:   attempts,
		EnqueuedAt: time.UnixMilli(enqueuedMs).UTC(),
		ClaimedBy:  fields["claimed_by"],
	}, nil
}

// Failures pages through the failure history, newest first.
// The cursor is an opaque offset into the filtered history.
func (q *Queue) Failures(ctx context.Context, filter queue.FailureFilter) (*queue.FailurePage, error) {
	offset, err := decodeOffset(filter.Cursor)
	if err != nil {
		return nil, err
	}

	raw, err := q.rdb.LRange(ctx, q.failedKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list failures: %w", err)
	}

	matched := make([]queue.FailureRecord, 0, len(raw))
	for _, entry := range raw {
		var rec queue.FailureRecord
		if err := json.Unmarshal([]byte(entry), &rec); err != nil {
			q.logger.Warn("Skipping unreadable failure record",
				slog.String("error", err.Error()),
			)
			continue
		}
		if filter.UserID != "" && rec.UserID != filter.UserID {
			continue
		}
		matched = append(matched, rec)
	}

	page := &queue.FailurePage{Records: []queue.FailureRecord{}}
	if offset >= len(matched) {
		return page, nil
	}

	end := offset + filter.Limit()
	if end > len(matched) {
		end = len(matched)
	}
	page.Records = matched[offset:end]
	if end < len(matched) {
		page.NextCursor = encodeOffset(end)
	}
	return page, nil
}

// Close is a no-op; the Redis client is owned by the caller
func (q *Queue) Close() error {
	return nil
}

func encodeOffset(n int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(n)))
}

func decodeOffset(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", queue.ErrInvalidCursor, err)
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil || n < 0 {
		return 0, queue.ErrInvalidCursor
	}
	return n, nil
}
