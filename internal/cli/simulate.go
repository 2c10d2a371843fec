package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/machinist/internal/jobs"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	Jobs     int
	Lines    int
	Duration time.Duration
	FailJob  int
	FailLine int
	Timeout  time.Duration
}

// SimulationReport is the outcome of a simulate run.
type SimulationReport struct {
	Finished   []jobs.Job      `json:"finished"`
	Statistics jobs.Statistics `json:"statistics"`
}

// RenderText implements TextRenderer.
func (r SimulationReport) RenderText(w io.Writer) {
	for _, j := range r.Finished {
		fmt.Fprintf(w, "%-10s %-10s %5.1f%% (%d/%d) in %s\n", j.Name, j.Status, j.Progress, j.CurrentLine, j.TotalLines, j.ActualDuration.Round(time.Millisecond))
		for _, e := range j.Errors {
			fmt.Fprintf(w, "  error: %s\n", e)
		}
	}
	s := r.Statistics
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Simulation Summary: %d completed, %d failed, success rate %.1f%%, average %s\n",
		s.CompletedCount, s.FailedCount, s.SuccessRate, s.AverageJobTime.Round(time.Millisecond))
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run simulated jobs through the queue",
		Long: `Queue a batch of simulated jobs with auto-start enabled and run them to
the end, offline and without touching the configured database.

Each line takes duration/lines. --fail-job and --fail-line inject a fault
into one job to exercise the failure path.

Examples:
  machinist simulate
  machinist simulate --jobs 5 --lines 50 --duration 500ms
  machinist simulate --fail-job 2 --fail-line 7 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Jobs, "jobs", 3, "number of jobs")
	cmd.Flags().IntVar(&opts.Lines, "lines", 20, "lines per job")
	cmd.Flags().DurationVar(&opts.Duration, "duration", time.Second, "estimated duration per job")
	cmd.Flags().IntVar(&opts.FailJob, "fail-job", 0, "1-based job number that fails (0 for none)")
	cmd.Flags().IntVar(&opts.FailLine, "fail-line", 1, "line at which --fail-job fails")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", time.Minute, "give up after this long")

	return cmd
}

// faultExecutor fails one job at one line and simulates everything else.
type faultExecutor struct {
	jobs.SimulatedExecutor
	name string
	line int
}

func (f faultExecutor) ExecuteLine(ctx context.Context, job jobs.Job, line int) error {
	if job.Name == f.name && line == f.line {
		return fmt.Errorf("simulated fault at line %d", line)
	}
	return f.SimulatedExecutor.ExecuteLine(ctx, job, line)
}

func simJobName(n int) string {
	return fmt.Sprintf("sim-%d", n)
}

func runSimulation(opts *SimulateOptions, cmd *cobra.Command) error {
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: opts.Verbose}

	if opts.Jobs < 1 || opts.Lines < 1 {
		return NewExitError(ExitCommandError, "--jobs and --lines must be at least 1")
	}
	if opts.FailJob < 0 || opts.FailJob > opts.Jobs {
		return NewExitError(ExitCommandError, fmt.Sprintf("--fail-job must be between 0 and %d", opts.Jobs))
	}

	cfg, logger, err := loadConfig(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	cfg.Storage.Path = ""
	cfg.Jobs.AutoStart = true

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithTimeout(parentCtx, opts.Timeout)
	defer cancel()

	var executor jobs.LineExecutor = jobs.SimulatedExecutor{}
	if opts.FailJob > 0 {
		executor = faultExecutor{name: simJobName(opts.FailJob), line: opts.FailLine}
	}
	m, err := OpenMachine(ctx, cfg, logger, WithLineExecutor(executor))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start", err)
	}

	finished := make(chan struct{}, opts.Jobs)
	onFinish := func(string, any) { finished <- struct{}{} }
	m.Bus.Subscribe(jobs.TopicJobCompleted, onFinish)
	m.Bus.Subscribe(jobs.TopicJobFailed, onFinish)

	var first string
	for i := 1; i <= opts.Jobs; i++ {
		id := m.Jobs.AddJob(jobs.JobSpec{
			Name:              simJobName(i),
			TotalLines:        opts.Lines,
			EstimatedDuration: opts.Duration,
			Metadata:          map[string]any{"simulated": true},
		})
		if i == 1 {
			first = id
		}
	}
	if err := m.Jobs.StartJob(first); err != nil {
		_ = m.Shutdown(context.Background())
		return WrapExitError(ExitFailure, "failed to start first job", err)
	}

	var waitErr error
	for done := 0; done < opts.Jobs && waitErr == nil; {
		select {
		case <-finished:
			done++
			out.VerboseLog("%d/%d jobs finished", done, opts.Jobs)
		case <-ctx.Done():
			waitErr = WrapExitError(ExitFailure, "simulation did not finish", ctx.Err())
		}
	}

	if err := m.Shutdown(context.Background()); err != nil {
		logger.Warn("shutdown", "error", err)
	}

	report := SimulationReport{
		Finished:   append(m.Jobs.Completed(), m.Jobs.Failed()...),
		Statistics: m.Jobs.Statistics(),
	}
	if waitErr != nil {
		_ = out.Failure("E_TIMEOUT", waitErr.Error(), report)
		return waitErr
	}
	return out.Success(report)
}
