package brokerqueue

import (
	"database/sql"
	"time"

	"github.com/cuongbtq/automation-scheduler/internal/domain"
	"github.com/cuongbtq/automation-scheduler/internal/queue"
)

// Row status values. Terminal jobs leave automation_jobs entirely.
const (
	StatusPending = "PENDING"
	StatusRunning = "RUNNING"
)

// Schema creates the job and history tables when they do not exist
const Schema = `
CREATE TABLE IF NOT EXISTS automation_jobs (
	identity          TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	payload           BYTEA NOT NULL,
	status            TEXT NOT NULL,
	attempts          INTEGER NOT NULL DEFAULT 0,
	lease_token       TEXT,
	worker_id         TEXT,
	remove_on_success BOOLEAN NOT NULL DEFAULT TRUE,
	failed_history    INTEGER NOT NULL DEFAULT 100,
	enqueued_at       TIMESTAMPTZ NOT NULL,
	published_at      TIMESTAMPTZ,
	claimed_at        TIMESTAMPTZ,
	last_heartbeat_at TIMESTAMPTZ
);

ALTER TABLE automation_jobs ADD COLUMN IF NOT EXISTS published_at TIMESTAMPTZ;

CREATE INDEX IF NOT EXISTS automation_jobs_status_idx
	ON automation_jobs (status, published_at);

CREATE TABLE IF NOT EXISTS automation_job_failures (
	id         UUID PRIMARY KEY,
	identity   TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	error      TEXT NOT NULL,
	attempts   INTEGER NOT NULL,
	worker_id  TEXT NOT NULL DEFAULT '',
	failed_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS automation_job_failures_user_idx
	ON automation_job_failures (user_id, failed_at DESC, id DESC);

CREATE TABLE IF NOT EXISTS automation_job_completions (
	identity     TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	attempts     INTEGER NOT NULL,
	worker_id    TEXT NOT NULL DEFAULT '',
	completed_at TIMESTAMPTZ NOT NULL
);
`

// jobRow mirrors automation_jobs
type jobRow struct {
	Identity        string         `db:"identity"`
	UserID          string         `db:"user_id"`
	Payload         []byte         `db:"payload"`
	Status          string         `db:"status"`
	Attempts        int            `db:"attempts"`
	LeaseToken      sql.NullString `db:"lease_token"`
	WorkerID        sql.NullString `db:"worker_id"`
	RemoveOnSuccess bool           `db:"remove_on_success"`
	FailedHistory   int            `db:"failed_history"`
	EnqueuedAt      time.Time      `db:"enqueued_at"`
}

// failureRow mirrors automation_job_failures
type failureRow struct {
	ID       string    `db:"id"`
	Identity string    `db:"identity"`
	UserID   string    `db:"user_id"`
	Error    string    `db:"error"`
	Attempts int       `db:"attempts"`
	WorkerID string    `db:"worker_id"`
	FailedAt time.Time `db:"failed_at"`
}

func (r failureRow) toRecord() queue.FailureRecord {
	return queue.FailureRecord{
		ID:       r.ID,
		Identity: domain.JobIdentity(r.Identity),
		UserID:   r.UserID,
		Error:    r.Error,
		Attempts: r.Attempts,
		WorkerID: r.WorkerID,
		FailedAt: r.FailedAt.UTC(),
	}
}

func stateOf(status string) queue.State {
	if status == StatusRunning {
		return queue.StateActive
	}
	return queue.StateWaiting
}

// jobMessage is the broker payload; the job itself lives in Postgres
type jobMessage struct {
	Identity string `json:"job_identity"`
}
