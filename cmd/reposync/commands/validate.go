package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/apphost/reposync/pkg/config"
)

func newValidateCommand(g *globals) *cobra.Command {
	var checkPaths bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long: `Validate the configuration file without contacting upstream or touching
any working copy.

This command checks:
  - File syntax (YAML, JSON or CUE) and unknown keys
  - Application names, and that names and paths are unique
  - Tunables: poll_interval, max_retries, degraded_ceiling, concurrency
  - Oracle, runner, logging and tracing settings

With --paths it also creates missing parent directories of the working
copies and data files and checks they are writable.`,
		Example: `  # Validate the default configuration
  reposync validate

  # Validate a specific file and print the resolved configuration
  reposync validate --config ./reposync.cue --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}

			if checkPaths {
				if err := config.PreparePaths(cfg); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if g.jsonOutput() {
				return printJSON(out, cfg)
			}

			fmt.Fprintf(out, "%s: configuration valid\n", cfg.Source())
			fmt.Fprintf(out, "  applications:     %d\n", len(cfg.Applications))
			fmt.Fprintf(out, "  poll interval:    %s\n", cfg.Interval())
			fmt.Fprintf(out, "  max retries:      %d\n", cfg.MaxRetries)
			fmt.Fprintf(out, "  degraded ceiling: %d\n", cfg.DegradedCeiling)
			fmt.Fprintf(out, "  oracle:           %s\n", cfg.Oracle.Kind)
			fmt.Fprintf(out, "  runner:           %s\n", cfg.Executor.Runner.Kind)
			for _, app := range cfg.Snapshot().Applications {
				fmt.Fprintf(out, "  - %s: %s@%s -> %s\n", app.Name, app.Source(), app.Branch, app.Path)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&checkPaths, "paths", false, "also prepare and check working and data paths")

	return cmd
}
