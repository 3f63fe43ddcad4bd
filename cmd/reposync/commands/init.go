package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/apphost/reposync/pkg/config"
)

const sampleConfig = `# reposync configuration
#
# Relative paths resolve against the directory of this file.

# Seconds between reconciliation passes.
poll_interval: 300

# Deployment attempts per application per pass.
max_retries: 3

# Applications whose consecutive failures exceed this count are skipped.
degraded_ceiling: 5

state_db: data/reposync.db
audit_log: data/audit.log

applications:
  - name: example
    owner: example-org
    repo: example
    branch: main
    path: apps/example

oracle:
  kind: github
  token_env: GITHUB_TOKEN
  timeout: 30s

executor:
  timeout: 10m
  backoff_initial: 2s
  backoff_max: 1m
  restart:
    - ["docker", "restart", "{{.Name}}"]
  runner:
    kind: local

health:
  listen: 127.0.0.1:9464

logging:
  level: info
  format: console
`

func newInitCommand(g *globals) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a sample configuration and initialize the state database",
		Long: `Write a sample configuration file, create the working and data
directories it names and initialize the state database.

The file is written to --config, or ./reposync.yaml by default. An existing
file is left alone unless --force is given.`,
		Example: `  # Initialize in the current directory
  reposync init

  # Initialize a system-wide configuration
  reposync init --config /etc/reposync/reposync.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := g.v.GetString("config")
			if path == "" {
				path = DefaultConfigPaths[0]
			}

			log.Info().
				Str("config", path).
				Bool("force", force).
				Msg("Initializing configuration")

			out := cmd.OutOrStdout()

			if err := writeSampleConfig(path, force); err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Created config file: %s\n", path)

			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			if err := config.PreparePaths(cfg); err != nil {
				return err
			}
			for _, app := range cfg.Applications {
				fmt.Fprintf(out, "✓ Prepared working copy parent: %s\n", filepath.Dir(app.Path))
			}

			store, err := openExistingStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if err := store.Close(); err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Initialized state database: %s\n", cfg.StateDB)

			fmt.Fprintln(out, "\nNext steps:")
			fmt.Fprintf(out, "  1. Edit %s and list your applications\n", path)
			fmt.Fprintf(out, "  2. Check it with: reposync validate --config %s --paths\n", path)
			fmt.Fprintf(out, "  3. Start the loop with: reposync daemon --config %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing configuration file")

	return cmd
}

func writeSampleConfig(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists; use --force to overwrite", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to check %s: %w", path, err)
		}
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
