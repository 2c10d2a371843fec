package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// StoreKey is the storage key under which the queue is persisted.
const StoreKey = "jobs.queue"

// stateVersion is bumped when the persisted layout changes incompatibly.
const stateVersion = 1

// ErrNoStore indicates Save or Load was called without WithStore.
var ErrNoStore = errors.New("jobs: no store configured")

type persistedState struct {
	Version        int           `json:"version"`
	Jobs           []Job         `json:"jobs"`
	CurrentID      string        `json:"currentId,omitempty"`
	Completed      []Job         `json:"completed"`
	Failed         []Job         `json:"failed"`
	CompletedCount int           `json:"completedCount"`
	FailedCount    int           `json:"failedCount"`
	TotalJobsRun   int           `json:"totalJobsRun"`
	TotalRunTime   time.Duration `json:"totalRunTime"`
}

// Save writes the queue, history and totals to the store.
func (e *Engine) Save(ctx context.Context) error {
	if e.store == nil {
		return ErrNoStore
	}

	e.mu.Lock()
	state := persistedState{
		Version:        stateVersion,
		Jobs:           make([]Job, len(e.jobs)),
		CurrentID:      e.currentID,
		Completed:      cloneHistory(e.completed),
		Failed:         cloneHistory(e.failed),
		CompletedCount: e.completedCount,
		FailedCount:    e.failedCount,
		TotalJobsRun:   e.totalJobsRun,
		TotalRunTime:   e.totalRunTime,
	}
	for i, j := range e.jobs {
		state.Jobs[i] = j.Clone()
	}
	e.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	if err := e.store.Set(ctx, StoreKey, string(data)); err != nil {
		return fmt.Errorf("save queue: %w", err)
	}
	return nil
}

// Load replaces the in-memory queue with the persisted one. A missing key
// leaves the engine untouched. Jobs that were running or paused when the
// state was saved are restored as cancelled, since their execution cannot
// be resumed. Load refuses to run while a job holds the engine.
func (e *Engine) Load(ctx context.Context) error {
	if e.store == nil {
		return ErrNoStore
	}
	raw, ok, err := e.store.Get(ctx, StoreKey)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	if !ok {
		return nil
	}

	var state persistedState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return fmt.Errorf("decode queue: %w", err)
	}
	if state.Version != stateVersion {
		return fmt.Errorf("decode queue: unsupported version %d", state.Version)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.processing {
		return ErrEngineBusy
	}

	now := e.clock.Now()
	e.jobs = make([]*Job, 0, len(state.Jobs))
	for i := range state.Jobs {
		job := state.Jobs[i]
		if job.Status.Active() {
			job.Status = StatusCancelled
			job.Warnings = append(job.Warnings, "interrupted by shutdown")
			job.finish(now)
			e.logger.Warn("restored interrupted job as cancelled", "job", job.ID)
		}
		e.jobs = append(e.jobs, &job)
	}
	// An interrupted job no longer owns the current slot.
	e.currentID = ""
	if cur := e.findLocked(state.CurrentID); cur != nil && cur.Status != StatusCancelled {
		e.currentID = state.CurrentID
	}
	e.processing = false
	e.completed = state.Completed
	e.failed = state.Failed
	e.completedCount = state.CompletedCount
	e.failedCount = state.FailedCount
	e.totalJobsRun = state.TotalJobsRun
	e.totalRunTime = state.TotalRunTime

	e.logger.Info("queue restored", "jobs", len(e.jobs), "completed", len(e.completed), "failed", len(e.failed))
	return nil
}
