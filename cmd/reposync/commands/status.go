package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/apphost/reposync/pkg/config"
	"github.com/apphost/reposync/pkg/engine"
	"github.com/apphost/reposync/pkg/stores"
)

// applicationStatus is the JSON form of one status line.
type applicationStatus struct {
	engine.State
	Degraded bool `json:"degraded"`
}

func newStatusCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the applied commit and failure count of each application",
		Long: `Show the durable reconciliation state of every configured application:
the applied commit, consecutive failures, degraded status and the time of
the last attempt and last success.

Applications that were configured but never evaluated are listed as
pending. Reconciliation state is never modified.`,
		Example: `  reposync status
  reposync status --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}

			store, err := openExistingStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			tracker := stores.NewTracker(store, nil)
			states := make([]engine.State, 0, len(cfg.Applications))
			for _, name := range cfg.Snapshot().Names() {
				st, err := tracker.Get(cmd.Context(), name)
				if err != nil {
					return err
				}
				st.Application = name
				states = append(states, st)
			}

			out := cmd.OutOrStdout()
			if g.jsonOutput() {
				doc := make([]applicationStatus, 0, len(states))
				for _, st := range states {
					doc = append(doc, applicationStatus{State: st, Degraded: st.Degraded(cfg.DegradedCeiling)})
				}
				return printJSON(out, doc)
			}
			return printStates(out, states, cfg.DegradedCeiling)
		},
	}

	return cmd
}

// openExistingStore opens the state database and brings its schema up to date.
func openExistingStore(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.StateDB})
	if err != nil {
		return nil, engine.NewConfigurationError("invalid state store settings", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, engine.NewPersistenceError("open state store", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, engine.NewPersistenceError("migrate state store", err)
	}
	return store, nil
}
