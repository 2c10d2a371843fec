package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/machinist/internal/bus"
	"github.com/roach88/machinist/internal/ids"
	"github.com/roach88/machinist/internal/jobs"
	"github.com/roach88/machinist/internal/testutil"
)

// defaultLines is the length of jobs added without an explicit count.
const defaultLines = 10

// waitTimeout bounds wait and run_lines steps.
const waitTimeout = 2 * time.Second

// Harness executes one scenario.
type Harness struct {
	engine  *jobs.Engine
	clock   *testutil.FakeClock
	stepper *stepper
	result  *Result
	logger  *slog.Logger
}

// Option configures a run.
type Option func(*Harness)

// WithLogger routes engine and harness logs to l. Logs are discarded by
// default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// Run executes a scenario on a fresh engine and evaluates its assertions.
// Step and assertion failures are reported in the Result; the error is
// reserved for scenarios that cannot be executed at all.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	if scenario == nil {
		return nil, errors.New("nil scenario")
	}

	h := &Harness{
		clock:   testutil.NewFakeClock(),
		stepper: &stepper{tokens: make(chan struct{})},
		result:  NewResult(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}

	var executor jobs.LineExecutor = h.stepper
	if scenario.Executor == ExecutorInstant {
		executor = jobs.LineExecutorFunc(func(ctx context.Context, _ jobs.Job, _ int) error {
			return ctx.Err()
		})
	}

	b := bus.New(bus.WithLogger(h.logger))
	rec := &recorder{}
	b.SubscribeAll(rec.record)

	h.engine = jobs.New(b,
		jobs.WithClock(h.clock),
		jobs.WithIDGenerator(ids.NewSequential("job")),
		jobs.WithExecutor(executor),
		jobs.WithLogger(h.logger),
		jobs.WithAutoStart(scenario.AutoStart),
		jobs.WithAutoStartDelay(time.Millisecond),
	)

	for i, step := range scenario.Steps {
		h.executeStep(i, step)
	}

	h.engine.Close()
	h.result.Trace = rec.snapshot()
	h.result.Queue = h.engine.Jobs()
	h.result.Completed = h.engine.Completed()
	h.result.Failed = h.engine.Failed()
	h.result.Statistics = h.engine.Statistics()

	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions) {
		h.result.AddError(msg)
	}

	h.logger.Info("scenario finished", "scenario", scenario.Name, "pass", h.result.Pass, "events", len(h.result.Trace))
	return h.result, nil
}

func (h *Harness) executeStep(i int, step Step) {
	err := h.apply(step)

	if step.ExpectError != "" {
		want := expectedErrors[step.ExpectError]
		if !errors.Is(err, want) {
			h.result.AddError(fmt.Sprintf("steps[%d] %s %s: expected %s error, got %v", i, step.Action, step.Job, step.ExpectError, err))
		}
		return
	}
	if err != nil {
		h.result.AddError(fmt.Sprintf("steps[%d] %s %s: %v", i, step.Action, step.Job, err))
	}
}

func (h *Harness) apply(step Step) error {
	id := h.result.jobID(step.Job)

	switch step.Action {
	case StepAddJob:
		lines := step.Lines
		if lines == 0 {
			lines = defaultLines
		}
		h.result.Jobs[step.Job] = h.engine.AddJob(jobs.JobSpec{Name: step.Job, TotalLines: lines})
		return nil
	case StepStartJob:
		return h.engine.StartJob(id)
	case StepPauseJob:
		return h.engine.PauseJob(id)
	case StepResumeJob:
		return h.engine.ResumeJob(id)
	case StepStopJob:
		return h.engine.StopJob(id)
	case StepCompleteJob:
		return h.engine.CompleteJob(id)
	case StepFailJob:
		return h.engine.FailJob(id, step.Reason)
	case StepRemoveJob:
		return h.engine.RemoveJob(id)
	case StepMoveJob:
		return h.engine.MoveJob(id, step.Index)
	case StepClearQueue:
		h.engine.ClearQueue()
		return nil
	case StepRunLines:
		return h.runLines(id, step.Lines)
	case StepWait:
		return h.waitStatus(id, jobs.Status(step.Status))
	case StepAdvance:
		h.clock.Advance(step.Duration)
		return nil
	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
}

// runLines releases n lines of the running job and waits until they are
// recorded. The final line is never released: the engine would complete
// the job on its own goroutine and interleave with later steps.
func (h *Harness) runLines(id string, n int) error {
	job, ok := h.engine.Job(id)
	if !ok {
		return fmt.Errorf("%w: %s", jobs.ErrJobNotFound, id)
	}
	target := job.CurrentLine + n
	if target >= job.TotalLines {
		return fmt.Errorf("run_lines would finish job %s at line %d of %d; finish it with complete_job", id, target, job.TotalLines)
	}

	timeout := time.NewTimer(waitTimeout)
	defer timeout.Stop()
	for range n {
		select {
		case h.stepper.tokens <- struct{}{}:
		case <-timeout.C:
			return fmt.Errorf("job %s is not executing lines", id)
		}
	}

	return h.poll(func() bool {
		j, ok := h.engine.Job(id)
		return !ok || j.CurrentLine >= target
	}, fmt.Sprintf("job %s did not reach line %d", id, target))
}

// waitStatus blocks until the job, live or finished, has the status.
func (h *Harness) waitStatus(id string, want jobs.Status) error {
	return h.poll(func() bool {
		return h.status(id) == want
	}, fmt.Sprintf("job %s never reached %s", id, want))
}

func (h *Harness) status(id string) jobs.Status {
	if j, ok := h.engine.Job(id); ok {
		return j.Status
	}
	for _, set := range [][]jobs.Job{h.engine.Completed(), h.engine.Failed()} {
		for _, j := range set {
			if j.ID == id {
				return j.Status
			}
		}
	}
	return ""
}

func (h *Harness) poll(done func() bool, msg string) error {
	deadline := time.Now().Add(waitTimeout)
	for !done() {
		if time.Now().After(deadline) {
			return errors.New(msg)
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

// stepper executes a line each time the harness hands it a token.
type stepper struct {
	tokens chan struct{}
}

func (s *stepper) ExecuteLine(ctx context.Context, _ jobs.Job, _ int) error {
	select {
	case <-s.tokens:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recorder captures bus events in emission order.
type recorder struct {
	mu     sync.Mutex
	events []TraceEvent
}

func (r *recorder) record(topic string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, traceEvent(len(r.events)+1, topic, payload))
}

func (r *recorder) snapshot() []TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TraceEvent{}, r.events...)
}
