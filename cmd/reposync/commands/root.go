package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/apphost/reposync/pkg/config"
)

// Exit codes of the once command.
const (
	ExitOK      = 0
	ExitFatal   = 1
	ExitFailure = 2
)

// DefaultConfigPaths are tried in order when no configuration is given.
var DefaultConfigPaths = []string{"reposync.yaml", "/etc/reposync/reposync.yaml"}

// ExitError carries a process exit code. Err may be nil when the command
// already reported the problem.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// globals holds the settings shared by every command. Flags win over
// REPOSYNC_* environment variables.
type globals struct {
	v         *viper.Viper
	version   string
	commit    string
	buildDate string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	g := &globals{
		v:         viper.New(),
		version:   version,
		commit:    commit,
		buildDate: buildDate,
	}

	rootCmd := &cobra.Command{
		Use:   "reposync",
		Short: "reposync - keep deployed applications at the tip of their branch",
		Long: `reposync watches the tracked branch of each configured application and,
when a new commit appears, synchronizes the working copy and restarts the
application.

Each reconciliation pass queries upstream once per application, compares
the result with the durably recorded applied commit and acts only on
change. Failed deployments are retried with backoff and applications that
keep failing are marked degraded.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file path (default: ./reposync.yaml, then /etc/reposync/reposync.yaml)")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")
	flags.String("log-format", "", "log format (console, json)")
	flags.Bool("json", false, "output in JSON format")

	g.v.SetEnvPrefix("REPOSYNC")
	g.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	g.v.AutomaticEnv()
	for _, name := range []string{"config", "log-level", "log-format", "json"} {
		_ = g.v.BindPFlag(name, flags.Lookup(name))
	}

	// Add subcommands
	rootCmd.AddCommand(newDaemonCommand(g))
	rootCmd.AddCommand(newOnceCommand(g))
	rootCmd.AddCommand(newValidateCommand(g))
	rootCmd.AddCommand(newStatusCommand(g))
	rootCmd.AddCommand(newAuditCommand(g))
	rootCmd.AddCommand(newInitCommand(g))

	return rootCmd
}

// jsonOutput reports whether results should be printed as JSON.
func (g *globals) jsonOutput() bool {
	return g.v.GetBool("json")
}

// configPath returns the configuration file to use.
func (g *globals) configPath() (string, error) {
	if path := g.v.GetString("config"); path != "" {
		return path, nil
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", errors.New("no configuration file found; pass --config or run 'reposync init'")
}

// loadConfig loads and validates the configuration and applies the logging
// overrides from flags and environment.
func (g *globals) loadConfig() (*config.Config, error) {
	path, err := g.configPath()
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if level := g.v.GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if format := g.v.GetString("log-format"); format != "" {
		cfg.Logging.Format = format
	}
	return cfg, nil
}
