// Package queue defines the durable work queue boundary shared by the admission
// service and the worker. Implementations must provide at-least-once delivery,
// identity-keyed deduplication (at most one non-terminal job per identity) and a
// bounded history of failed jobs.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/cuongbtq/automation-scheduler/internal/domain"
)

const (
	// DefaultFailedHistory is the number of failed entries kept for diagnosis
	DefaultFailedHistory = 100

	// DefaultLeaseDuration is how long a claim is held without a heartbeat
	// when no lease is configured
	DefaultLeaseDuration = 5 * time.Minute
)

var (
	// ErrNotFound is returned when no live job exists for an identity
	ErrNotFound = errors.New("job not found")

	// ErrLeaseLost is returned by Ack/Nack/Touch when the claim expired and the
	// job was released or re-claimed elsewhere
	ErrLeaseLost = errors.New("job lease lost")

	// ErrClosed is returned by Claim once the underlying transport has shut down
	ErrClosed = errors.New("queue closed")

	// ErrInvalidCursor is returned by Failures for a cursor it did not issue
	ErrInvalidCursor = errors.New("invalid cursor")
)

// State is the lifecycle state of a live queue entry
type State string

const (
	StateWaiting State = "waiting"
	StateActive  State = "active"
)

// Job is a unit written to the queue
type Job struct {
	Identity domain.JobIdentity
	UserID   string
	Payload  []byte
}

// EnqueueOptions controls retention. Identity dedup is always enforced.
type EnqueueOptions struct {
	// RemoveOnSuccess drops the entry once acknowledged
	RemoveOnSuccess bool
	// FailedHistory bounds the number of failed entries retained
	FailedHistory int
}

// DefaultEnqueueOptions returns the retention used for automation jobs
func DefaultEnqueueOptions() EnqueueOptions {
	return EnqueueOptions{
		RemoveOnSuccess: true,
		FailedHistory:   DefaultFailedHistory,
	}
}

// Delivery is a claimed job. Lease and Tag are backend-owned handles.
type Delivery struct {
	Job
	Attempt int
	Lease   string
	Tag     uint64
}

// Producer writes jobs
type Producer interface {
	// Enqueue stores job unless a non-terminal job with the same identity exists.
	// created is false when the submission was coalesced into the existing job.
	Enqueue(ctx context.Context, job Job, opts EnqueueOptions) (created bool, err error)
}

// Consumer claims and settles jobs
type Consumer interface {
	// Claim blocks until a job is leased to the caller or ctx is done
	Claim(ctx context.Context) (*Delivery, error)
	// Ack marks the job succeeded
	Ack(ctx context.Context, d *Delivery) error
	// Nack marks the job failed and records cause in the failure history
	Nack(ctx context.Context, d *Delivery, cause error) error
}

// Heartbeater is implemented by queues whose leases can be extended while a job runs
type Heartbeater interface {
	Touch(ctx context.Context, d *Delivery) error
}

// JobStatus describes a live (non-terminal) queue entry
type JobStatus struct {
	Identity   domain.JobIdentity `json:"job_identity"`
	UserID     string             `json:"user_id"`
	State      State              `json:"state"`
	Attempts   int                `json:"attempts"`
	EnqueuedAt time.Time          `json:"enqueued_at"`
	ClaimedBy  string             `json:"claimed_by,omitempty"`
}

// FailureRecord is one entry of the failure history
type FailureRecord struct {
	ID       string             `json:"id"`
	Identity domain.JobIdentity `json:"job_identity"`
	UserID   string             `json:"user_id"`
	Error    string             `json:"error"`
	Attempts int                `json:"attempts"`
	WorkerID string             `json:"worker_id,omitempty"`
	FailedAt time.Time          `json:"failed_at"`
}

// FailureFilter selects a page of the failure history, newest first
type FailureFilter struct {
	UserID   string
	PageSize int
	Cursor   string
}

// FailurePage is one page of failure history
type FailurePage struct {
	Records    []FailureRecord
	NextCursor string
}

// Inspector serves the out-of-band status and history queries
type Inspector interface {
	Status(ctx context.Context, identity domain.JobIdentity) (*JobStatus, error)
	Failures(ctx context.Context, filter FailureFilter) (*FailurePage, error)
}

// Queue is the full boundary a driver implements
type Queue interface {
	Producer
	Consumer
	Inspector
	Close() error
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Limit returns PageSize clamped to [1, 100], defaulting to 20
func (f FailureFilter) Limit() int {
	if f.PageSize <= 0 {
		return defaultPageSize
	}
	if f.PageSize > maxPageSize {
		return maxPageSize
	}
	return f.PageSize
}
