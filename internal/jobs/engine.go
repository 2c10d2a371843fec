package jobs

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/machinist/internal/bus"
	"github.com/roach88/machinist/internal/clock"
	"github.com/roach88/machinist/internal/ids"
	"github.com/roach88/machinist/internal/storage"
)

// DefaultAutoStartDelay separates "the next job was queued" from "the next
// job begins executing" so StartJob never re-enters from a completion path.
const DefaultAutoStartDelay = 100 * time.Millisecond

// DefaultHistoryLimit bounds each of the completed and failed histories.
const DefaultHistoryLimit = 100

// Engine owns the job queue.
//
// Thread-safety model:
//   - All methods are safe for concurrent use.
//   - State is guarded by mu; bus events are published after mu is
//     released, in the order the mutations happened.
//   - Each running job has one execution goroutine, tracked in runs.
type Engine struct {
	mu         sync.Mutex
	jobs       []*Job
	currentID  string
	processing bool
	autoStart  bool

	completed      []Job
	failed         []Job
	completedCount int
	failedCount    int
	totalJobsRun   int
	totalRunTime   time.Duration

	// changed is closed and replaced on every status transition; execution
	// loops blocked on a paused job wait on it.
	changed chan struct{}
	runs    map[string]context.CancelFunc
	timers  []*time.Timer
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
	closed  bool

	bus            *bus.Bus
	clock          clock.Clock
	ids            ids.Generator
	executor       LineExecutor
	store          storage.KV
	logger         *slog.Logger
	autoStartDelay time.Duration
	historyLimit   int
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the wall clock used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithIDGenerator sets the job id generator (default: UUIDv7).
func WithIDGenerator(g ids.Generator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithExecutor sets the per-line executor (default: SimulatedExecutor).
func WithExecutor(x LineExecutor) Option {
	return func(e *Engine) { e.executor = x }
}

// WithStore sets the durable store used by Save and Load.
func WithStore(kv storage.KV) Option {
	return func(e *Engine) { e.store = kv }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithAutoStart enables promoting and starting queued work automatically.
func WithAutoStart(enabled bool) Option {
	return func(e *Engine) { e.autoStart = enabled }
}

// WithAutoStartDelay sets the delay between completing a job and starting
// the next one.
func WithAutoStartDelay(d time.Duration) Option {
	return func(e *Engine) { e.autoStartDelay = d }
}

// WithHistoryLimit bounds the completed and failed histories.
func WithHistoryLimit(n int) Option {
	return func(e *Engine) { e.historyLimit = n }
}

// New creates an Engine publishing on b.
func New(b *bus.Bus, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		changed:        make(chan struct{}),
		runs:           make(map[string]context.CancelFunc),
		baseCtx:        ctx,
		cancel:         cancel,
		bus:            b,
		clock:          clock.System{},
		ids:            ids.UUIDv7{},
		executor:       SimulatedExecutor{},
		logger:         slog.Default(),
		autoStartDelay: DefaultAutoStartDelay,
		historyLimit:   DefaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.bus == nil {
		e.bus = bus.New(bus.WithLogger(e.logger))
	}
	return e
}

// Close stops all execution loops and pending auto-start timers and waits
// for the loops to exit. Interrupted jobs keep their status.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for _, t := range e.timers {
		t.Stop()
	}
	e.timers = nil
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}

// SetAutoStart toggles auto-start.
func (e *Engine) SetAutoStart(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.autoStart = enabled
}

// AutoStart reports whether auto-start is enabled.
func (e *Engine) AutoStart() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.autoStart
}

// AddJob appends a new pending job and returns its id.
//
// With auto-start enabled and an otherwise empty queue the job is promoted
// to queued and becomes the current job.
func (e *Engine) AddJob(spec JobSpec) string {
	var out outbox

	e.mu.Lock()
	job := &Job{
		ID:                e.ids.Generate(),
		Name:              spec.Name,
		Status:            StatusPending,
		TotalLines:        spec.TotalLines,
		EstimatedDuration: spec.EstimatedDuration,
		Material:          spec.Material,
		Tool:              spec.Tool,
		Metadata:          spec.Metadata,
		CreatedAt:         e.clock.Now(),
	}
	wasEmpty := len(e.jobs) == 0
	e.jobs = append(e.jobs, job)
	out.add(TopicJobAdded, JobEvent{Job: job.Clone()})

	if e.autoStart && wasEmpty {
		_ = e.transitionLocked(job, StatusQueued, &out)
		e.setCurrentLocked(job.ID, &out)
	}
	e.mu.Unlock()

	e.logger.Debug("job added", "job", job.ID, "name", spec.Name, "lines", spec.TotalLines)
	out.flush(e.bus)
	return job.ID
}

// RemoveJob deletes a job from the queue. Removing an active (running or
// paused) job is a no-op.
func (e *Engine) RemoveJob(id string) error {
	var out outbox

	e.mu.Lock()
	idx := e.indexLocked(id)
	if idx < 0 {
		e.mu.Unlock()
		return notFound(id)
	}
	job := e.jobs[idx]
	if job.Status.Active() {
		e.mu.Unlock()
		e.logger.Debug("remove ignored for active job", "job", id, "status", job.Status)
		return nil
	}
	e.jobs = slices.Delete(e.jobs, idx, idx+1)
	if e.currentID == id {
		e.setCurrentLocked("", &out)
	}
	out.add(TopicJobRemoved, JobEvent{Job: job.Clone()})
	e.mu.Unlock()

	out.flush(e.bus)
	return nil
}

// StartJob begins executing a pending or queued job.
//
// Returns a TransitionError wrapping ErrAlreadyRunning when the job is
// already running, ErrEngineBusy when another job holds the engine, and
// ErrInvalidTransition for any other non-startable status.
func (e *Engine) StartJob(id string) error {
	var out outbox

	e.mu.Lock()
	job := e.findLocked(id)
	if job == nil {
		e.mu.Unlock()
		return notFound(id)
	}
	if job.Status == StatusRunning {
		e.mu.Unlock()
		return &TransitionError{JobID: id, From: job.Status, To: StatusRunning, Err: ErrAlreadyRunning}
	}
	if e.processing && e.currentID != id {
		e.mu.Unlock()
		return &TransitionError{JobID: id, From: job.Status, To: StatusRunning, Err: ErrEngineBusy}
	}
	if e.closed || (job.Status != StatusPending && job.Status != StatusQueued) {
		e.mu.Unlock()
		return invalidTransition(job, StatusRunning)
	}

	if job.Status == StatusPending {
		_ = e.transitionLocked(job, StatusQueued, &out)
	}
	now := e.clock.Now()
	job.StartTime = &now
	job.EndTime = nil
	job.ActualDuration = 0
	job.Progress = 0
	job.CurrentLine = 0
	job.Errors = nil
	job.Warnings = nil
	_ = e.transitionLocked(job, StatusRunning, &out)
	e.setCurrentLocked(id, &out)
	e.processing = true

	ctx, cancel := context.WithCancel(e.baseCtx)
	e.runs[id] = cancel
	e.wg.Add(1)
	go e.run(ctx, id)
	e.mu.Unlock()

	e.logger.Info("job started", "job", id, "lines", job.TotalLines)
	out.flush(e.bus)
	return nil
}

// PauseJob pauses a running job. Any other status is a no-op.
func (e *Engine) PauseJob(id string) error {
	return e.toggle(id, StatusRunning, StatusPaused)
}

// ResumeJob resumes a paused job. Any other status is a no-op.
func (e *Engine) ResumeJob(id string) error {
	return e.toggle(id, StatusPaused, StatusRunning)
}

func (e *Engine) toggle(id string, from, to Status) error {
	var out outbox

	e.mu.Lock()
	job := e.findLocked(id)
	if job == nil {
		e.mu.Unlock()
		return notFound(id)
	}
	if job.Status == from {
		_ = e.transitionLocked(job, to, &out)
	}
	e.mu.Unlock()

	out.flush(e.bus)
	return nil
}

// StopJob cancels a running or paused job. The record stays in the queue
// with status cancelled, end time and duration recorded.
func (e *Engine) StopJob(id string) error {
	var out outbox

	e.mu.Lock()
	job := e.findLocked(id)
	if job == nil {
		e.mu.Unlock()
		return notFound(id)
	}
	if err := e.transitionLocked(job, StatusCancelled, &out); err != nil {
		e.mu.Unlock()
		return err
	}
	job.finish(e.clock.Now())
	e.releaseLocked(id, &out)
	e.mu.Unlock()

	e.logger.Info("job stopped", "job", id, "line", job.CurrentLine)
	out.flush(e.bus)
	return nil
}

// CompleteJob moves an active job to the completed history.
func (e *Engine) CompleteJob(id string) error {
	return e.finalize(id, StatusCompleted, "")
}

// FailJob moves an active job to the failed history, recording reason.
func (e *Engine) FailJob(id string, reason string) error {
	return e.finalize(id, StatusFailed, reason)
}

func (e *Engine) finalize(id string, to Status, reason string) error {
	var out outbox

	e.mu.Lock()
	idx := e.indexLocked(id)
	if idx < 0 {
		e.mu.Unlock()
		return notFound(id)
	}
	job := e.jobs[idx]
	if err := e.transitionLocked(job, to, &out); err != nil {
		e.mu.Unlock()
		return err
	}

	switch to {
	case StatusCompleted:
		job.setProgress(job.TotalLines)
		job.Progress = 100
	case StatusFailed:
		if reason != "" {
			job.Errors = append(job.Errors, reason)
		}
	}
	job.finish(e.clock.Now())

	e.jobs = slices.Delete(e.jobs, idx, idx+1)
	e.totalJobsRun++
	e.totalRunTime += job.ActualDuration
	snapshot := job.Clone()
	if to == StatusCompleted {
		e.completedCount++
		e.completed = appendBounded(e.completed, snapshot, e.historyLimit)
		out.add(TopicJobCompleted, JobEvent{Job: snapshot})
	} else {
		e.failedCount++
		e.failed = appendBounded(e.failed, snapshot, e.historyLimit)
		out.add(TopicJobFailed, JobEvent{Job: snapshot})
	}
	e.releaseLocked(id, &out)
	e.scheduleNextLocked(&out)
	e.mu.Unlock()

	if to == StatusCompleted {
		e.logger.Info("job completed", "job", id, "duration", job.ActualDuration)
	} else {
		e.logger.Warn("job failed", "job", id, "reason", reason)
	}
	out.flush(e.bus)
	return nil
}

// scheduleNextLocked promotes the first pending job and starts it after
// autoStartDelay.
func (e *Engine) scheduleNextLocked(out *outbox) {
	if !e.autoStart || e.closed {
		return
	}
	var next *Job
	for _, j := range e.jobs {
		if j.Status == StatusPending {
			next = j
			break
		}
	}
	if next == nil {
		return
	}
	_ = e.transitionLocked(next, StatusQueued, out)
	e.setCurrentLocked(next.ID, out)

	id := next.ID
	timer := time.AfterFunc(e.autoStartDelay, func() {
		if err := e.StartJob(id); err != nil {
			e.logger.Warn("auto-start failed", "job", id, "error", err)
		}
	})
	e.timers = append(e.timers, timer)
}

// releaseLocked clears the current/processing flags when id holds them and
// signals its execution loop.
func (e *Engine) releaseLocked(id string, out *outbox) {
	if e.currentID == id {
		e.setCurrentLocked("", out)
		e.processing = false
	}
	if cancel, ok := e.runs[id]; ok {
		cancel()
		delete(e.runs, id)
	}
}

// MoveJob relocates a job within the queue. newIndex is clamped to the
// queue bounds. Status is unaffected.
func (e *Engine) MoveJob(id string, newIndex int) error {
	var out outbox

	e.mu.Lock()
	from := e.indexLocked(id)
	if from < 0 {
		e.mu.Unlock()
		return notFound(id)
	}
	to := min(max(newIndex, 0), len(e.jobs)-1)
	if from != to {
		job := e.jobs[from]
		e.jobs = slices.Delete(e.jobs, from, from+1)
		e.jobs = slices.Insert(e.jobs, to, job)
		out.add(TopicJobMoved, MovedEvent{JobID: id, From: from, To: to})
	}
	e.mu.Unlock()

	out.flush(e.bus)
	return nil
}

// ClearQueue removes every job except the one holding the engine.
func (e *Engine) ClearQueue() {
	var out outbox

	e.mu.Lock()
	kept := e.jobs[:0:0]
	var removed []string
	for _, j := range e.jobs {
		if j.Status.Active() {
			kept = append(kept, j)
			continue
		}
		removed = append(removed, j.ID)
		if e.currentID == j.ID {
			e.setCurrentLocked("", &out)
		}
	}
	e.jobs = kept
	if len(removed) > 0 {
		out.add(TopicJobQueueCleared, QueueClearedEvent{Removed: removed})
	}
	e.mu.Unlock()

	out.flush(e.bus)
}

// ApplyRemote merges fields received from the remote coordinator into a
// live job. Only descriptive fields are accepted (name, metadata,
// warnings, material, tool); status and progress stay under local
// authority.
func (e *Engine) ApplyRemote(id string, fields map[string]any) error {
	var out outbox

	e.mu.Lock()
	job := e.findLocked(id)
	if job == nil {
		e.mu.Unlock()
		return notFound(id)
	}
	changed := false
	if name, ok := fields["name"].(string); ok && name != job.Name {
		job.Name = name
		changed = true
	}
	if md, ok := fields["metadata"].(map[string]any); ok {
		if job.Metadata == nil {
			job.Metadata = make(map[string]any, len(md))
		}
		for k, v := range md {
			job.Metadata[k] = v
		}
		changed = true
	}
	if ws, ok := fields["warnings"].([]any); ok {
		for _, w := range ws {
			if s, ok := w.(string); ok && !slices.Contains(job.Warnings, s) {
				job.Warnings = append(job.Warnings, s)
				changed = true
			}
		}
	}
	if m, ok := fields["material"].(map[string]any); ok {
		job.Material = m
		changed = true
	}
	if t, ok := fields["tool"].(map[string]any); ok {
		job.Tool = t
		changed = true
	}
	if changed {
		out.add(TopicJobUpdated, JobEvent{Job: job.Clone()})
	}
	e.mu.Unlock()

	out.flush(e.bus)
	return nil
}

// Job returns a snapshot of a live job.
func (e *Engine) Job(id string) (Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job := e.findLocked(id)
	if job == nil {
		return Job{}, false
	}
	return job.Clone(), true
}

// Jobs returns snapshots of the live queue in order.
func (e *Engine) Jobs() []Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Job, len(e.jobs))
	for i, j := range e.jobs {
		out[i] = j.Clone()
	}
	return out
}

// Current returns the current job, if any.
func (e *Engine) Current() (Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.currentID == "" {
		return Job{}, false
	}
	job := e.findLocked(e.currentID)
	if job == nil {
		return Job{}, false
	}
	return job.Clone(), true
}

// Processing reports whether a job holds the engine.
func (e *Engine) Processing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.processing
}

// Completed returns the completed history, oldest first.
func (e *Engine) Completed() []Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneHistory(e.completed)
}

// Failed returns the failed history, oldest first.
func (e *Engine) Failed() []Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneHistory(e.failed)
}

// transitionLocked validates and applies a status change.
func (e *Engine) transitionLocked(job *Job, to Status, out *outbox) error {
	if !CanTransition(job.Status, to) {
		return invalidTransition(job, to)
	}
	from := job.Status
	job.Status = to

	close(e.changed)
	e.changed = make(chan struct{})

	out.add(TopicJobStatus, StatusEvent{JobID: job.ID, From: from, To: to, Job: job.Clone()})
	return nil
}

func (e *Engine) setCurrentLocked(id string, out *outbox) {
	if e.currentID == id {
		return
	}
	prev := e.currentID
	e.currentID = id
	out.add(TopicJobCurrent, CurrentEvent{Previous: prev, Current: id})
}

func (e *Engine) indexLocked(id string) int {
	return slices.IndexFunc(e.jobs, func(j *Job) bool { return j.ID == id })
}

func (e *Engine) findLocked(id string) *Job {
	if idx := e.indexLocked(id); idx >= 0 {
		return e.jobs[idx]
	}
	return nil
}

func appendBounded(history []Job, job Job, limit int) []Job {
	history = append(history, job)
	if limit > 0 && len(history) > limit {
		history = slices.Delete(history, 0, len(history)-limit)
	}
	return history
}

func cloneHistory(history []Job) []Job {
	out := make([]Job, len(history))
	for i := range history {
		out[i] = history[i].Clone()
	}
	return out
}
