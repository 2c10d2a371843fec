package jobs

import (
	"context"
	"errors"
	"time"
)

// LineExecutor performs one line of a job. Implementations must return
// promptly once ctx is done.
type LineExecutor interface {
	ExecuteLine(ctx context.Context, job Job, line int) error
}

// LineExecutorFunc adapts a function to LineExecutor.
type LineExecutorFunc func(ctx context.Context, job Job, line int) error

// ExecuteLine calls f.
func (f LineExecutorFunc) ExecuteLine(ctx context.Context, job Job, line int) error {
	return f(ctx, job, line)
}

// SimulatedExecutor spends EstimatedDuration / TotalLines on each line.
type SimulatedExecutor struct{}

// ExecuteLine waits one step or until ctx is done.
func (SimulatedExecutor) ExecuteLine(ctx context.Context, job Job, _ int) error {
	if job.TotalLines <= 0 || job.EstimatedDuration <= 0 {
		return ctx.Err()
	}
	step := job.EstimatedDuration / time.Duration(job.TotalLines)
	if step <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(step)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the execution goroutine of one job.
func (e *Engine) run(ctx context.Context, id string) {
	defer e.wg.Done()

	err := e.execute(ctx, id)
	switch {
	case err == nil:
		if cerr := e.CompleteJob(id); cerr != nil && !errors.Is(cerr, ErrJobNotFound) {
			e.logger.Warn("completing job failed", "job", id, "error", cerr)
		}
	case errors.Is(err, ErrJobCancelled):
		e.logger.Debug("execution aborted", "job", id, "reason", err)
	case errors.Is(err, errJobGone):
		e.logger.Debug("execution ended", "job", id)
	case errors.Is(err, errInterrupted):
		e.logger.Info("execution interrupted", "job", id)
	default:
		if ferr := e.FailJob(id, err.Error()); ferr != nil && !errors.Is(ferr, ErrJobNotFound) {
			e.logger.Warn("failing job failed", "job", id, "error", ferr)
		}
	}
}

func (e *Engine) execute(ctx context.Context, id string) error {
	for line := 1; ; line++ {
		job, err := e.awaitRunnable(ctx, id)
		if err != nil {
			return err
		}
		if line > job.TotalLines {
			return nil
		}
		err = e.executor.ExecuteLine(ctx, job, line)
		if ctx.Err() != nil {
			return e.interruption(id)
		}
		if err != nil {
			return err
		}
		e.advance(id, line)
	}
}

// awaitRunnable returns a snapshot of the job once it is running. A paused
// job blocks until the next status change or until ctx is done.
func (e *Engine) awaitRunnable(ctx context.Context, id string) (Job, error) {
	for {
		e.mu.Lock()
		job := e.findLocked(id)
		if job == nil {
			e.mu.Unlock()
			return Job{}, errJobGone
		}
		switch job.Status {
		case StatusRunning:
			snap := job.Clone()
			e.mu.Unlock()
			return snap, nil
		case StatusPaused:
			changed := e.changed
			e.mu.Unlock()
			select {
			case <-changed:
			case <-ctx.Done():
				return Job{}, e.interruption(id)
			}
		case StatusCancelled:
			e.mu.Unlock()
			return Job{}, ErrJobCancelled
		default:
			e.mu.Unlock()
			return Job{}, errJobGone
		}
	}
}

// interruption classifies why a run context ended.
func (e *Engine) interruption(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	job := e.findLocked(id)
	switch {
	case job == nil:
		return errJobGone
	case job.Status == StatusCancelled:
		return ErrJobCancelled
	case job.Status.Active():
		return errInterrupted
	default:
		return errJobGone
	}
}

func (e *Engine) advance(id string, line int) {
	var out outbox

	e.mu.Lock()
	job := e.findLocked(id)
	if job == nil || !job.Status.Active() {
		e.mu.Unlock()
		return
	}
	job.setProgress(line)
	out.add(TopicJobProgress, ProgressEvent{
		JobID:       id,
		CurrentLine: job.CurrentLine,
		TotalLines:  job.TotalLines,
		Progress:    job.Progress,
	})
	e.mu.Unlock()

	out.flush(e.bus)
}
