package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound indicates the id is not in the live queue.
	ErrJobNotFound = errors.New("job not found")

	// ErrAlreadyRunning indicates StartJob targeted a running job.
	ErrAlreadyRunning = errors.New("job is already running")

	// ErrEngineBusy indicates another job holds the engine.
	ErrEngineBusy = errors.New("engine is busy with another job")

	// ErrInvalidTransition indicates the state machine forbids the change.
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrJobCancelled is raised by the execution loop when the job it is
	// running has been stopped.
	ErrJobCancelled = errors.New("job cancelled")
)

// errJobGone ends an execution loop whose job left the live queue through
// another path (manual complete/fail or removal). It is never surfaced.
var errJobGone = errors.New("job left the queue")

// errInterrupted ends an execution loop because the engine is closing.
var errInterrupted = errors.New("job interrupted by engine shutdown")

// TransitionError reports a rejected state change.
// Err is one of ErrAlreadyRunning, ErrEngineBusy or ErrInvalidTransition.
type TransitionError struct {
	JobID string
	From  Status
	To    Status
	Err   error
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: %s -> %s: %v", e.JobID, e.From, e.To, e.Err)
}

// Unwrap returns the underlying sentinel.
func (e *TransitionError) Unwrap() error {
	return e.Err
}

func invalidTransition(job *Job, to Status) error {
	return &TransitionError{JobID: job.ID, From: job.Status, To: to, Err: ErrInvalidTransition}
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrJobNotFound, id)
}
