package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/apphost/reposync/pkg/engine"
	"github.com/apphost/reposync/pkg/stores"
)

func newAuditCommand(g *globals) *cobra.Command {
	var filter stores.CycleResultFilter

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List recorded reconciliation results",
		Long: `List the per-application results of past reconciliation passes, newest
first, from the state database.

Results can be narrowed to one application, one outcome or one cycle.`,
		Example: `  # Last 20 results
  reposync audit

  # Failures of a single application
  reposync audit --application web --outcome failed

  # Every result of one pass
  reposync audit --cycle 3f1c2a9e-0d4b-4a55-9f43-1d2e3c4b5a69 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if filter.Outcome != "" && !validOutcome(filter.Outcome) {
				return engine.NewConfigurationError(fmt.Sprintf("unknown outcome %q", filter.Outcome), nil)
			}
			if filter.Limit < 0 || filter.Offset < 0 {
				return engine.NewConfigurationError("--limit and --offset must not be negative", nil)
			}

			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}

			store, err := openExistingStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.ListCycleResults(cmd.Context(), filter)
			if err != nil {
				return engine.NewPersistenceError("list cycle results", err)
			}

			out := cmd.OutOrStdout()
			if g.jsonOutput() {
				return printJSON(out, records)
			}
			if len(records) == 0 {
				_, err := fmt.Fprintln(out, "No results recorded")
				return err
			}
			return printRecords(out, records)
		},
	}

	cmd.Flags().StringVarP(&filter.Application, "application", "a", "", "only results of this application")
	cmd.Flags().StringVar(&filter.Outcome, "outcome", "", "only results with this outcome (unchanged, updated, failed, skipped_degraded, skipped_in_flight)")
	cmd.Flags().StringVar(&filter.CycleID, "cycle", "", "only results of this cycle")
	cmd.Flags().IntVar(&filter.Limit, "limit", 20, "maximum number of results")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "number of results to skip")

	return cmd
}

func validOutcome(s string) bool {
	switch engine.Outcome(s) {
	case engine.OutcomeUnchanged, engine.OutcomeUpdated, engine.OutcomeFailed,
		engine.OutcomeSkippedDegraded, engine.OutcomeSkippedInFlight:
		return true
	}
	return false
}
