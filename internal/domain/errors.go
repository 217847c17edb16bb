package domain

import "errors"

var (
	// ErrAdmissionDenied is returned when the usage policy refuses a job
	ErrAdmissionDenied = errors.New("admission denied")

	// ErrQueueUnavailable is returned when a job could not be written to the queue.
	// Re-submitting is safe because the job identity is deterministic.
	ErrQueueUnavailable = errors.New("queue unavailable")

	// ErrInvalidRequest is returned for admission calls missing required input
	ErrInvalidRequest = errors.New("invalid admission request")

	// ErrInvalidDescriptor is returned when a job descriptor fails schema validation
	ErrInvalidDescriptor = errors.New("invalid job descriptor")
)

// EngineError wraps a failure raised by the automation engine
type EngineError struct {
	Err error
}

func (e *EngineError) Error() string {
	return "engine error: " + e.Err.Error()
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError wraps err as an EngineError
func NewEngineError(err error) error {
	return &EngineError{Err: err}
}
