package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/apphost/reposync/pkg/config"
	"github.com/apphost/reposync/pkg/telemetry"
)

func newDaemonCommand(g *globals) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the reconciliation loop until stopped",
		Long: `Run a reconciliation pass immediately and then once per poll interval
until SIGINT or SIGTERM.

On shutdown no new pass is started; running passes finish their current
deployments before the process exits. A failure to read or write the state
database stops the daemon with a non-zero exit status.

The health server (health.listen) serves /healthz, /readyz, /status and
/metrics. Under systemd the daemon reports READY=1 on startup, WATCHDOG=1
after every pass and STOPPING=1 on shutdown.`,
		Example: `  # Run with the default configuration file
  reposync daemon

  # Reload the configuration when the file changes
  reposync daemon --config /etc/reposync/reposync.yaml --watch`,
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

			return runDaemon(cmd.Context(), rt, watch || g.v.GetBool("watch"))
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "reload the configuration file when it changes")
	_ = g.v.BindEnv("watch")

	return cmd
}

func runDaemon(ctx context.Context, rt *runtime, watch bool) error {
	health := telemetry.NewHealth(telemetry.HealthOptions{
		Interval: func() time.Duration {
			return rt.holder.Snapshot().PollInterval
		},
		StaleCycles: rt.cfg.Health.StaleCycles,
		Ready:       rt.store.HealthCheck,
		Extra:       rt.statusExtra,
		Metrics:     rt.telemetry.Metrics.Handler(),
		Logger:      rt.logger,
	})
	driver := rt.newDriver(health)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	group, groupCtx := errgroup.WithContext(runCtx)

	if listen := rt.cfg.Health.Listen; listen != "" {
		group.Go(func() error {
			return health.Serve(groupCtx, listen)
		})
	}

	if watch {
		watcher := config.NewWatcher(rt.holder, config.WatchOptions{
			Logger:   rt.logger,
			OnReload: rt.forgetRemoved,
		})
		group.Go(func() error {
			return watcher.Run(groupCtx)
		})
	}

	group.Go(func() error {
		// Auxiliary goroutines stop with the driver.
		defer stop()

		health.Ready()
		err := driver.Run(groupCtx)
		health.Stopping()
		return err
	})

	return group.Wait()
}
