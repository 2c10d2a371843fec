package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/machinist/internal/config"
)

// loadConfig reads the --config file and sets up the process logger.
// Logs go to stderr so JSON output on stdout stays parseable.
func loadConfig(opts *RootOptions, stderr io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	logger := cfg.NewLogger(stderr, opts.Verbose)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// effectiveConfig renders as YAML in text mode.
type effectiveConfig struct {
	*config.Config
}

func (c effectiveConfig) RenderText(w io.Writer) {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	_ = enc.Encode(c.Config)
	_ = enc.Close()
}

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults, the config file and MACHINIST_*
environment overrides are applied. Fails when the result does not validate.

Examples:
  machinist config
  machinist config --config ./shop.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: rootOpts.Verbose}
			cfg, _, err := loadConfig(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				_ = out.Error("E_CONFIG", err.Error(), nil)
				return err
			}
			if err := out.Success(effectiveConfig{cfg}); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			return nil
		},
	}
}
