package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/machinist/internal/cache"
)

// CacheReport describes the persisted cache snapshot.
type CacheReport struct {
	Database string          `json:"database"`
	Key      string          `json:"key"`
	Imported int             `json:"imported"`
	Skipped  int             `json:"skipped"`
	Policy   cache.Policy    `json:"policy"`
	Metrics  cache.Metrics   `json:"metrics"`
	Entries  []CacheKeyEntry `json:"entries"`
}

// CacheKeyEntry is one live key in the snapshot.
type CacheKeyEntry struct {
	Key     string    `json:"key"`
	Size    int64     `json:"size"`
	Hits    int64     `json:"hits"`
	Expires time.Time `json:"expires,omitzero"`
}

// RenderText implements TextRenderer.
func (r CacheReport) RenderText(w io.Writer) {
	fmt.Fprintf(w, "Snapshot %q in %s\n", r.Key, r.Database)
	fmt.Fprintf(w, "  policy:   %s\n", r.Policy)
	fmt.Fprintf(w, "  entries:  %d (%d skipped)\n", r.Imported, r.Skipped)
	fmt.Fprintf(w, "  size:     %d bytes\n", r.Metrics.Size)
	for _, e := range r.Entries {
		exp := "never"
		if !e.Expires.IsZero() {
			exp = e.Expires.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "  %-32s %8d B  hits=%d  expires=%s\n", e.Key, e.Size, e.Hits, exp)
	}
}

// CacheClearReport is the outcome of cache clear.
type CacheClearReport struct {
	Database string `json:"database"`
	Key      string `json:"key"`
	Cleared  bool   `json:"cleared"`
}

// RenderText implements TextRenderer.
func (r CacheClearReport) RenderText(w io.Writer) {
	if !r.Cleared {
		fmt.Fprintf(w, "No snapshot %q in %s\n", r.Key, r.Database)
		return
	}
	fmt.Fprintf(w, "Removed snapshot %q from %s\n", r.Key, r.Database)
}

type cacheOptions struct {
	*RootOptions
	Database string
}

// NewCacheCommand creates the cache command and its subcommands.
func NewCacheCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &cacheOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the persisted cache snapshot",
		Long: `Work with the cache snapshot saved in the client database on shutdown.

Examples:
  machinist cache inspect
  machinist cache inspect --db /tmp/machinist.db --format json
  machinist cache clear`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides storage.path)")

	cmd.AddCommand(&cobra.Command{
		Use:           "inspect",
		Short:         "Show the entries of the persisted snapshot",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCacheInspect(opts, cmd)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:           "clear",
		Short:         "Delete the persisted snapshot",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCacheClear(opts, cmd)
		},
	})

	return cmd
}

func (o *cacheOptions) databasePath(cmd *cobra.Command, configured string) string {
	if cmd.Flags().Changed("db") {
		return o.Database
	}
	return configured
}

func runCacheInspect(opts *cacheOptions, cmd *cobra.Command) error {
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: opts.Verbose}

	cfg, logger, err := loadConfig(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	path := opts.databasePath(cmd, cfg.Storage.Path)

	store, closeStore, err := openStore(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer closeStore()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	// Sweeping is off so an inspection never mutates the snapshot.
	cacheCfg := cfg.CacheManagerConfig()
	cacheCfg.CleanupInterval = 0
	c := cache.New(cacheCfg, cache.WithLogger(logger))
	res, err := c.Restore(ctx, store, cfg.Cache.PersistKey)
	if err != nil {
		_ = out.Error("E_CACHE", err.Error(), nil)
		return WrapExitError(ExitFailure, "failed to read cache snapshot", err)
	}

	snap := c.Snapshot()
	report := CacheReport{
		Database: path,
		Key:      cfg.Cache.PersistKey,
		Imported: res.Imported,
		Skipped:  res.Skipped,
		Policy:   cacheCfg.Policy,
		Metrics:  c.Metrics(),
		Entries:  make([]CacheKeyEntry, 0, len(snap.Entries)),
	}
	for _, e := range snap.Entries {
		entry := CacheKeyEntry{Key: e.Key, Size: e.Size, Hits: e.AccessCount}
		if e.Expiry > 0 {
			entry.Expires = time.UnixMilli(e.Expiry)
		}
		report.Entries = append(report.Entries, entry)
	}
	return out.Success(report)
}

func runCacheClear(opts *cacheOptions, cmd *cobra.Command) error {
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: opts.Verbose}

	cfg, _, err := loadConfig(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	path := opts.databasePath(cmd, cfg.Storage.Path)

	store, closeStore, err := openStore(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer closeStore()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	_, found, err := store.Get(ctx, cfg.Cache.PersistKey)
	if err == nil && found {
		err = store.Remove(ctx, cfg.Cache.PersistKey)
	}
	if err != nil {
		_ = out.Error("E_CACHE", err.Error(), nil)
		return WrapExitError(ExitFailure, "failed to clear cache snapshot", err)
	}
	return out.Success(CacheClearReport{Database: path, Key: cfg.Cache.PersistKey, Cleared: found})
}
