package commands

import (
	"github.com/spf13/cobra"
)

func newOnceCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single reconciliation pass and exit",
		Long: `Run exactly one reconciliation pass over every configured application
and print the results.

Exit status:
  0  every application ended unchanged, updated or skipped
  2  at least one application ended failed
  1  the pass could not run (invalid configuration, state database error)`,
		Example: `  # Reconcile once from cron
  reposync once --config /etc/reposync/reposync.yaml

  # Machine-readable report
  reposync once --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}

			rt, err := newRuntime(cmd.Context(), cfg, g.version)
			if err != nil {
				return err
			}
			defer rt.Close()

			report, err := rt.newDriver(nil).RunOnce(cmd.Context())
			if err != nil {
				return &ExitError{Code: ExitFatal, Err: err}
			}

			out := cmd.OutOrStdout()
			if g.jsonOutput() {
				err = printJSON(out, report)
			} else {
				err = printReport(out, report)
			}
			if err != nil {
				return err
			}

			if report.Failed() {
				return &ExitError{Code: ExitFailure}
			}
			return nil
		},
	}

	return cmd
}
