package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/machinist/internal/jobs"
)

// Scenario is a scripted run of the job engine.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// AutoStart enables automatic promotion of the next pending job.
	AutoStart bool `yaml:"auto_start,omitempty"`

	// Executor selects line execution: "step" (default) or "instant".
	Executor string `yaml:"executor,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one engine operation.
type Step struct {
	Action string `yaml:"action"`

	// Job is the scenario name of the job the step targets.
	Job string `yaml:"job,omitempty"`

	// Lines is the job length for add_job (default 10) and the number of
	// lines to release for run_lines.
	Lines int `yaml:"lines,omitempty"`

	// Reason is recorded by fail_job.
	Reason string `yaml:"reason,omitempty"`

	// Index is the destination of move_job.
	Index int `yaml:"index,omitempty"`

	// Status is awaited by wait.
	Status string `yaml:"status,omitempty"`

	// Duration moves the fake clock for advance.
	Duration time.Duration `yaml:"duration,omitempty"`

	// ExpectError names the error the step must return: not_found,
	// already_running, engine_busy or invalid_transition.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Step actions.
const (
	StepAddJob      = "add_job"
	StepStartJob    = "start_job"
	StepPauseJob    = "pause_job"
	StepResumeJob   = "resume_job"
	StepStopJob     = "stop_job"
	StepCompleteJob = "complete_job"
	StepFailJob     = "fail_job"
	StepRemoveJob   = "remove_job"
	StepMoveJob     = "move_job"
	StepClearQueue  = "clear_queue"
	StepRunLines    = "run_lines"
	StepWait        = "wait"
	StepAdvance     = "advance"
)

// Executors.
const (
	ExecutorStep    = "step"
	ExecutorInstant = "instant"
)

// expectedErrors maps expect_error names to engine sentinels.
var expectedErrors = map[string]error{
	"not_found":          jobs.ErrJobNotFound,
	"already_running":    jobs.ErrAlreadyRunning,
	"engine_busy":        jobs.ErrEngineBusy,
	"invalid_transition": jobs.ErrInvalidTransition,
}

// Assertion validates the trace or final state.
type Assertion struct {
	// Type is one of trace_contains, trace_order, trace_count,
	// final_state or statistics.
	Type string `yaml:"type"`

	// Topic is the bus topic for trace_contains and trace_count.
	Topic string `yaml:"topic,omitempty"`

	// Job restricts trace assertions to one job and selects the job for
	// final_state.
	Job string `yaml:"job,omitempty"`

	// Fields is a subset match on trace event fields.
	Fields map[string]any `yaml:"fields,omitempty"`

	// Topics is the expected order for trace_order.
	Topics []string `yaml:"topics,omitempty"`

	// Count is the expected number of events for trace_count.
	Count int `yaml:"count,omitempty"`

	// Expect is a subset match on the job (final_state) or the statistics,
	// keyed by their JSON field names.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertStatistics    = "statistics"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}
	switch s.Executor {
	case "", ExecutorStep, ExecutorInstant:
	default:
		return fmt.Errorf("unknown executor %q", s.Executor)
	}
	if len(s.Steps) == 0 {
		return errors.New("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return errors.New("assertions list is required and must be non-empty")
	}

	added := make(map[string]bool)
	for i, step := range s.Steps {
		if err := validateStep(step, added); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step, added map[string]bool) error {
	if step.ExpectError != "" {
		if _, ok := expectedErrors[step.ExpectError]; !ok {
			return fmt.Errorf("unknown expect_error %q", step.ExpectError)
		}
	}

	switch step.Action {
	case StepAddJob:
		if step.Job == "" {
			return errors.New("job is required for add_job")
		}
		if added[step.Job] {
			return fmt.Errorf("job %q added twice", step.Job)
		}
		if step.Lines < 0 {
			return errors.New("lines must be non-negative")
		}
		added[step.Job] = true
	case StepStartJob, StepPauseJob, StepResumeJob, StepStopJob,
		StepCompleteJob, StepFailJob, StepRemoveJob, StepMoveJob:
		if step.Job == "" {
			return fmt.Errorf("job is required for %s", step.Action)
		}
	case StepRunLines:
		if step.Job == "" || step.Lines <= 0 {
			return errors.New("run_lines needs a job and a positive lines count")
		}
	case StepWait:
		if step.Job == "" || step.Status == "" {
			return errors.New("wait needs a job and a status")
		}
	case StepAdvance:
		if step.Duration <= 0 {
			return errors.New("advance needs a positive duration")
		}
	case StepClearQueue:
	case "":
		return errors.New("action is required")
	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		if a.Topic == "" {
			return errors.New("topic is required for trace_contains")
		}
	case AssertTraceOrder:
		if len(a.Topics) == 0 {
			return errors.New("topics list is required for trace_order")
		}
	case AssertTraceCount:
		if a.Topic == "" {
			return errors.New("topic is required for trace_count")
		}
		if a.Count < 0 {
			return errors.New("count must be non-negative for trace_count")
		}
	case AssertFinalState:
		if a.Job == "" {
			return errors.New("job is required for final_state")
		}
		if len(a.Expect) == 0 {
			return errors.New("expect is required for final_state")
		}
	case AssertStatistics:
		if len(a.Expect) == 0 {
			return errors.New("expect is required for statistics")
		}
	case "":
		return errors.New("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
