package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/machinist/internal/coordinator"
	"github.com/roach88/machinist/internal/syncer"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database  string
	URL       string
	Offline   bool
	Subscribe []string

	// machineOpts lets tests swap the executor and dialer.
	machineOpts []MachineOption
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(rootOpts)
}

func newRunCommand(rootOpts *RootOptions, machineOpts ...MachineOption) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts, machineOpts: machineOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the client until interrupted",
		Long: `Start the job engine, the cache and the sync link to the remote
coordinator, and keep them running until SIGINT or SIGTERM.

The persisted job queue and cache snapshot are restored on start and saved
on shutdown. Jobs that were running when the process stopped come back as
cancelled. Notifications are printed as they happen.

Examples:
  machinist run
  machinist run --url ws://coordinator.local:8080/sync --subscribe machine,job
  machinist run --offline --db /tmp/machinist.db --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides storage.path)")
	cmd.Flags().StringVar(&opts.URL, "url", "", "coordinator WebSocket URL (overrides sync.url)")
	cmd.Flags().BoolVar(&opts.Offline, "offline", false, "do not connect to the coordinator")
	cmd.Flags().StringSliceVar(&opts.Subscribe, "subscribe", []string{syncer.DomainMachine, syncer.DomainJob}, "domains to subscribe to")

	return cmd
}

func runClient(opts *RunOptions, cmd *cobra.Command) error {
	cfg, logger, err := loadConfig(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("db") {
		cfg.Storage.Path = opts.Database
	}
	if opts.URL != "" {
		cfg.Sync.URL = opts.URL
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	m, err := OpenMachine(ctx, cfg, logger, opts.machineOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start", err)
	}

	w := cmd.OutOrStdout()
	var mu sync.Mutex
	m.Bus.Subscribe(coordinator.TopicNotify, func(_ string, payload any) {
		n, ok := payload.(coordinator.Notification)
		if !ok {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if n.JobID != "" {
			fmt.Fprintf(w, "[%s] %s (job %s)\n", n.Severity, n.Message, n.JobID)
			return
		}
		fmt.Fprintf(w, "[%s] %s\n", n.Severity, n.Message)
	})

	var bg sync.WaitGroup
	bg.Add(1)
	go func() {
		defer bg.Done()
		if err := m.Cache.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("cache sweeper stopped", "error", err)
		}
	}()

	if !opts.Offline {
		for _, domain := range opts.Subscribe {
			m.Sync.Subscribe(domain, time.Second)
		}
		if err := m.Sync.Connect(ctx); err != nil {
			logger.Warn("coordinator unreachable, working offline", "url", cfg.Sync.URL, "error", err)
		}
	}

	stats := m.Jobs.Statistics()
	logger.Info("client started", "queued", stats.QueueLength, "offline", opts.Offline, "db", cfg.Storage.Path)
	mu.Lock()
	fmt.Fprintln(w, "Machinist running. Press Ctrl-C to stop.")
	mu.Unlock()

	<-ctx.Done()
	logger.Info("shutting down")
	bg.Wait()

	saveCtx, saveCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer saveCancel()
	if err := m.Shutdown(saveCtx); err != nil {
		return WrapExitError(ExitFailure, "failed to save state", err)
	}

	final := m.Jobs.Statistics()
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(w, "Stopped. %d queued, %d completed, %d failed.\n", final.QueueLength, final.CompletedCount, final.FailedCount)
	return nil
}
