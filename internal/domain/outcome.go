package domain

// Stage is a step of the per-job execution state machine
type Stage string

const (
	StageClaimed    Stage = "claimed"
	StageDecrypting Stage = "decrypting"
	StageRunning    Stage = "running"
	StageSucceeded  Stage = "succeeded"
	StageFailed     Stage = "failed"
)

// OutcomeStatus is the terminal status of a claimed job
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
)

// ExecutionOutcome is set once per claimed job by the worker.
// Stage records the last stage the job reached before the outcome was decided.
type ExecutionOutcome struct {
	Status OutcomeStatus
	Stage  Stage
	Err    error
}

// Succeeded builds a successful outcome
func Succeeded() ExecutionOutcome {
	return ExecutionOutcome{Status: OutcomeSucceeded, Stage: StageSucceeded}
}

// Failed builds a failed outcome reached during stage
func Failed(stage Stage, err error) ExecutionOutcome {
	return ExecutionOutcome{Status: OutcomeFailed, Stage: stage, Err: err}
}

// IsSuccess reports whether the outcome is terminal success
func (o ExecutionOutcome) IsSuccess() bool {
	return o.Status == OutcomeSucceeded
}

// Reason returns the failure summary, empty on success
func (o ExecutionOutcome) Reason() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}
