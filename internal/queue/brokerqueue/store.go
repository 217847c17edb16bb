package brokerqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/automation-scheduler/internal/domain"
	"github.com/cuongbtq/automation-scheduler/internal/queue"
	"github.com/jmoiron/sqlx"
)

// ErrAlreadyClaimed is returned when a job is not PENDING at claim time
var ErrAlreadyClaimed = errors.New("job already claimed or no longer queued")

// Store handles all database operations for the broker queue
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store instance
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema creates the queue tables
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create queue schema: %w", err)
	}
	return nil
}

// Begin starts a transaction
func (s *Store) Begin(ctx context.Context) (*sqlx.Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

// Insert adds a committed PENDING row unless one exists for the identity.
// It reports whether a row was created.
func (s *Store) Insert(ctx context.Context, job queue.Job, opts queue.EnqueueOptions, enqueuedAt time.Time) (bool, error) {
	query := `
		INSERT INTO automation_jobs (
			identity, user_id, payload, status, attempts,
			remove_on_success, failed_history, enqueued_at, published_at
		) VALUES (
			$1, $2, $3, $4, 0,
			$5, $6, $7, $7
		)
		ON CONFLICT (identity) DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query,
		string(job.Identity),
		job.UserID,
		job.Payload,
		StatusPending,
		opts.RemoveOnSuccess,
		opts.FailedHistory,
		enqueuedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// Claim moves a PENDING row to RUNNING using optimistic locking
func (s *Store) Claim(ctx context.Context, identity domain.JobIdentity, workerID, lease string) (*jobRow, error) {
	query := `
		UPDATE automation_jobs
		SET status = $1,
		    attempts = attempts + 1,
		    lease_token = $2,
		    worker_id = $3,
		    claimed_at = NOW(),
		    last_heartbeat_at = NOW()
		WHERE identity = $4
		  AND status = $5
		RETURNING identity, user_id, payload, attempts
	`

	var row jobRow
	err := s.db.QueryRowxContext(ctx, query, StatusRunning, lease, workerID, string(identity), StatusPending).
		Scan(&row.Identity, &row.UserID, &row.Payload, &row.Attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	row.Status = StatusRunning
	row.LeaseToken = sql.NullString{String: lease, Valid: true}
	row.WorkerID = sql.NullString{String: workerID, Valid: true}
	return &row, nil
}

// Complete removes a RUNNING row held under lease, keeping a completion
// record when the job was enqueued without RemoveOnSuccess
func (s *Store) Complete(ctx context.Context, d *queue.Delivery, workerID string, completedAt time.Time) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var removeOnSuccess bool
	err = tx.QueryRowxContext(ctx, `
		DELETE FROM automation_jobs
		WHERE identity = $1 AND lease_token = $2
		RETURNING remove_on_success
	`, string(d.Identity), d.Lease).Scan(&removeOnSuccess)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return queue.ErrLeaseLost
		}
		return fmt.Errorf("failed to complete job: %w", err)
	}

	if !removeOnSuccess {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO automation_job_completions (identity, user_id, attempts, worker_id, completed_at)
			VALUES ($1, $2, $3, $4, $5)
		`, string(d.Identity), d.UserID, d.Attempt, workerID, completedAt)
		if err != nil {
			return fmt.Errorf("failed to record completion: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit completion: %w", err)
	}
	return nil
}

// Fail removes a RUNNING row held under lease and appends rec to the failure
// history, trimming it to the retention the job was enqueued with
func (s *Store) Fail(ctx context.Context, d *queue.Delivery, rec queue.FailureRecord) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var keep int
	err = tx.QueryRowxContext(ctx, `
		DELETE FROM automation_jobs
		WHERE identity = $1 AND lease_token = $2
		RETURNING failed_history
	`, string(d.Identity), d.Lease).Scan(&keep)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return queue.ErrLeaseLost
		}
		return fmt.Errorf("failed to fail job: %w", err)
	}

	if keep > 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO automation_job_failures (id, identity, user_id, error, attempts, worker_id, failed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, rec.ID, string(rec.Identity), rec.UserID, rec.Error, rec.Attempts, rec.WorkerID, rec.FailedAt)
		if err != nil {
			return fmt.Errorf("failed to record failure: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			DELETE FROM automation_job_failures
			WHERE id IN (
				SELECT id FROM automation_job_failures
				ORDER BY failed_at DESC, id DESC
				OFFSET $1
			)
		`, keep)
		if err != nil {
			return fmt.Errorf("failed to trim failure history: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit failure: %w", err)
	}
	return nil
}

// Heartbeat updates last_heartbeat_at for a RUNNING row held under lease
func (s *Store) Heartbeat(ctx context.Context, d *queue.Delivery) error {
	query := `
		UPDATE automation_jobs
		SET last_heartbeat_at = NOW()
		WHERE identity = $1 AND lease_token = $2 AND status = $3
	`

	result, err := s.db.ExecContext(ctx, query, string(d.Identity), d.Lease, StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return queue.ErrLeaseLost
	}
	return nil
}

// Requeue marks rows for (re)publishing and reports their identities:
// RUNNING rows whose heartbeat is older than staleCutoff go back to PENDING,
// and PENDING rows last published before unpublishedCutoff are picked up
// again in case their message never reached a consumer.
func (s *Store) Requeue(ctx context.Context, staleCutoff, unpublishedCutoff, now time.Time) ([]domain.JobIdentity, error) {
	query := `
		UPDATE automation_jobs
		SET status = $1,
		    lease_token = NULL,
		    worker_id = NULL,
		    published_at = $2
		WHERE (status = $3 AND last_heartbeat_at < $4)
		   OR (status = $1 AND published_at < $5)
		RETURNING identity
	`

	var ids []string
	err := s.db.SelectContext(ctx, &ids, query, StatusPending, now, StatusRunning, staleCutoff, unpublishedCutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to requeue jobs: %w", err)
	}

	identities := make([]domain.JobIdentity, len(ids))
	for i, id := range ids {
		identities[i] = domain.JobIdentity(id)
	}
	return identities, nil
}

// GetJob returns the live row for identity
func (s *Store) GetJob(ctx context.Context, identity domain.JobIdentity) (*jobRow, error) {
	query := `
		SELECT identity, user_id, payload, status, attempts, lease_token, worker_id,
		       remove_on_success, failed_history, enqueued_at
		FROM automation_jobs
		WHERE identity = $1
	`

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, string(identity)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &row, nil
}

// ListFailures returns up to limit+1 records older than cursor, newest first
func (s *Store) ListFailures(ctx context.Context, userID string, cursor *failureCursor, limit int) ([]failureRow, error) {
	query := `
		SELECT id, identity, user_id, error, attempts, worker_id, failed_at
		FROM automation_job_failures
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if userID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, userID)
		argIdx++
	}

	if cursor != nil {
		query += fmt.Sprintf(" AND (failed_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, cursor.FailedAt, cursor.ID)
		argIdx += 2
	}

	query += " ORDER BY failed_at DESC, id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit+1)

	var rows []failureRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list failures: %w", err)
	}
	return rows, nil
}
