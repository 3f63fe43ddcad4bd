package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/apphost/reposync/pkg/audit"
	"github.com/apphost/reposync/pkg/config"
	"github.com/apphost/reposync/pkg/engine"
	"github.com/apphost/reposync/pkg/executor"
	"github.com/apphost/reposync/pkg/oracle"
	"github.com/apphost/reposync/pkg/stores"
	"github.com/apphost/reposync/pkg/telemetry"
	"github.com/apphost/reposync/pkg/transports/ssh"
)

// runtime is the wired component graph shared by the daemon and once
// commands.
type runtime struct {
	cfg        *config.Config
	holder     *config.Holder
	telemetry  *telemetry.Telemetry
	logger     *zerolog.Logger
	store      *stores.SQLiteStore
	tracker    *stores.Tracker
	oracle     *oracle.Oracle
	runner     executor.Runner
	audit      *audit.Log
	reconciler *engine.Reconciler

	closers []func() error
}

// newRuntime builds every component from cfg. On error, everything opened
// so far is closed.
func newRuntime(ctx context.Context, cfg *config.Config, version string) (rt *runtime, err error) {
	rt = &runtime{cfg: cfg, holder: config.NewHolder(cfg)}
	defer func() {
		if err != nil {
			_ = rt.Close()
			rt = nil
		}
	}()

	if err := config.PreparePaths(cfg); err != nil {
		return rt, err
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry(version))
	if err != nil {
		return rt, engine.NewConfigurationError("invalid telemetry settings", err)
	}
	tel.Logger.SetGlobal()
	rt.telemetry = tel
	rt.logger = tel.Logger.Zerolog()
	rt.closers = append(rt.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return tel.Shutdown(shutdownCtx)
	})

	if err := rt.openStore(ctx); err != nil {
		return rt, err
	}

	if err := rt.buildOracle(); err != nil {
		return rt, err
	}

	exec, err := rt.buildExecutor()
	if err != nil {
		return rt, err
	}

	auditLog, err := audit.Open(cfg.AuditLog, rt.store, audit.Options{
		Recorder: tel.Metrics,
		Logger:   rt.logger,
	})
	if err != nil {
		return rt, engine.NewConfigurationError("failed to open audit log", err)
	}
	rt.audit = auditLog
	rt.closers = append(rt.closers, auditLog.Close)

	rt.reconciler = engine.NewReconciler(rt.oracle, exec, rt.tracker, auditLog, engine.Options{
		Concurrency: cfg.Concurrency,
		Backoff:     cfg.Backoff(),
		Logger:      rt.logger,
		Recorder:    tel.Metrics,
		Tracer:      tel.Tracer.Tracer(),
	})

	rt.logger.Info().
		Str("config", cfg.Source()).
		Int("applications", len(cfg.Applications)).
		Str("oracle", cfg.Oracle.Kind).
		Str("runner", cfg.Executor.Runner.Kind).
		Str("state_db", cfg.StateDB).
		Msg("Runtime initialized")

	return rt, nil
}

func (rt *runtime) openStore(ctx context.Context) error {
	store, err := openExistingStore(ctx, rt.cfg)
	if err != nil {
		return err
	}
	rt.closers = append(rt.closers, store.Close)

	rt.store = store
	rt.tracker = stores.NewTracker(store, rt.logger)
	return nil
}

func (rt *runtime) buildOracle() error {
	oc := rt.cfg.Oracle

	var source oracle.Source
	switch oc.Kind {
	case config.OracleGitHub:
		gh, err := oracle.NewGitHubSource(oracle.GitHubConfig{
			BaseURL: oc.BaseURL,
			Token:   oc.Token(),
		})
		if err != nil {
			return engine.NewConfigurationError("invalid oracle settings", err)
		}
		source = gh
	case config.OracleGit:
		source = oracle.NewGitRemoteSource(oc.Token())
	default:
		return engine.NewConfigurationError(fmt.Sprintf("unknown oracle kind %q", oc.Kind), nil)
	}

	// The budget exists even without a local limit so that rate headers
	// reported by the host can populate it.
	budget := oracle.NewPollBudget(oc.BudgetLimit, oc.BudgetWindow.Std())

	rt.oracle = oracle.New(source, oracle.Options{
		Budget:            budget,
		RequestsPerSecond: oc.RequestsPerSecond,
		Burst:             oc.Burst,
		Timeout:           oc.Timeout.Std(),
		Recorder:          rt.telemetry.Metrics,
		Logger:            rt.logger,
	})
	return nil
}

func (rt *runtime) buildExecutor() (*executor.Executor, error) {
	rc := rt.cfg.Executor.Runner

	switch rc.Kind {
	case config.RunnerLocal:
		rt.runner = executor.NewLocalRunner()
	case config.RunnerSSH:
		if rc.SSH == nil {
			return nil, engine.NewConfigurationError("executor.runner.ssh is required for the ssh runner", nil)
		}
		client, err := ssh.NewSSHClient(rc.SSH.Transport(), rt.logger)
		if err != nil {
			return nil, engine.NewConfigurationError("invalid ssh runner settings", err)
		}
		runner := ssh.NewRunner(client)
		rt.runner = runner
		rt.closers = append(rt.closers, runner.Close)
	default:
		return nil, engine.NewConfigurationError(fmt.Sprintf("unknown runner kind %q", rc.Kind), nil)
	}

	exec, err := executor.New(rt.runner, rt.cfg.ExecutorConfig(), rt.logger)
	if err != nil {
		return nil, engine.NewConfigurationError("invalid executor commands", err)
	}
	return exec, nil
}

// newDriver creates a driver over the runtime's holder.
func (rt *runtime) newDriver(health engine.HealthReporter) *engine.Driver {
	return engine.NewDriver(rt.reconciler, rt.holder, rt.tracker, engine.DriverOptions{
		Health:  health,
		OnCycle: rt.logCycle,
		Logger:  rt.logger,
	})
}

// logCycle summarizes a completed cycle.
func (rt *runtime) logCycle(report *engine.CycleReport) {
	counts := report.Counts()
	event := rt.logger.Info()
	if report.Failed() {
		event = rt.logger.Warn()
	}
	event.
		Str("cycle_id", report.ID).
		Int("unchanged", counts[engine.OutcomeUnchanged]).
		Int("updated", counts[engine.OutcomeUpdated]).
		Int("failed", counts[engine.OutcomeFailed]).
		Int("skipped", counts[engine.OutcomeSkippedDegraded]+counts[engine.OutcomeSkippedInFlight]).
		Dur("duration", report.CompletedAt.Sub(report.StartedAt)).
		Msg("Cycle completed")
}

// statusExtra contributes the poll budget and in-flight applications to /status.
func (rt *runtime) statusExtra() map[string]any {
	return map[string]any{
		"budget":    rt.oracle.Budget().Snapshot(),
		"in_flight": rt.reconciler.InFlight(),
	}
}

// forgetRemoved drops metric series of applications removed by a reload.
func (rt *runtime) forgetRemoved(old, current *config.Config) {
	kept := make(map[string]bool, len(current.Applications))
	for _, app := range current.Applications {
		kept[app.Name] = true
	}
	for _, app := range old.Applications {
		if !kept[app.Name] {
			rt.telemetry.Metrics.ForgetApplication(app.Name)
		}
	}
}

// Close releases components in reverse order of creation.
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
