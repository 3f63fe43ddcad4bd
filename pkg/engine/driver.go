package engine

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DriverOptions configures a Driver.
type DriverOptions struct {
	// Health receives cycle completions and fatal errors. Optional.
	Health HealthReporter

	// OnCycle is called after every completed cycle. Optional.
	OnCycle func(report *CycleReport)

	// Logger receives driver logs. Defaults to the global zerolog logger.
	Logger *zerolog.Logger

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Driver invokes the reconciler either once or periodically. Both modes share
// the same reconciler core; the driver only decides when cycles run.
type Driver struct {
	reconciler *Reconciler
	source     SnapshotSource
	state      StateTracker
	health     HealthReporter
	onCycle    func(report *CycleReport)
	logger     zerolog.Logger
	now        func() time.Time

	tracked []string
}

// NewDriver creates a driver over the given reconciler and configuration source.
func NewDriver(reconciler *Reconciler, source SnapshotSource, state StateTracker, opts DriverOptions) *Driver {
	d := &Driver{
		reconciler: reconciler,
		source:     source,
		state:      state,
		health:     opts.Health,
		onCycle:    opts.OnCycle,
		now:        opts.Now,
	}
	if opts.Logger != nil {
		d.logger = opts.Logger.With().Str("component", "driver").Logger()
	} else {
		d.logger = log.Logger.With().Str("component", "driver").Logger()
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// RunOnce runs exactly one reconciliation cycle over all applications.
func (d *Driver) RunOnce(ctx context.Context) (*CycleReport, error) {
	snap := d.source.Snapshot()
	if err := d.track(ctx, snap); err != nil {
		return nil, err
	}

	report, err := d.reconciler.RunCycle(ctx, snap, d.now().Add(snap.PollInterval))
	if err != nil {
		d.fatal(err)
		return report, err
	}
	d.completed(report)
	return report, nil
}

// Run drives a cycle immediately and then every poll interval until ctx is
// done. Each cycle runs in its own goroutine so a slow application never
// delays the next tick; the reconciler's in-flight guard keeps evaluations of
// one application from overlapping.
//
// On cancellation Run stops scheduling immediately, waits for running cycles
// (whose executor calls finish under their own timeout) and returns nil. A
// persistence failure stops the driver and is returned.
func (d *Driver) Run(ctx context.Context) error {
	snap := d.source.Snapshot()
	interval := snap.PollInterval
	if interval <= 0 {
		return NewConfigurationError("poll interval must be positive", nil)
	}

	cycleCtx, cancelCycles := context.WithCancel(ctx)
	defer cancelCycles()

	var wg sync.WaitGroup
	fatalCh := make(chan error, 1)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	launch := func() {
		snap := d.source.Snapshot()
		if snap.PollInterval > 0 && snap.PollInterval != interval {
			d.logger.Info().
				Dur("old_interval", interval).
				Dur("new_interval", snap.PollInterval).
				Msg("Poll interval changed")
			interval = snap.PollInterval
			ticker.Reset(interval)
		}

		if err := d.track(cycleCtx, snap); err != nil {
			select {
			case fatalCh <- err:
			default:
			}
			return
		}

		deadline := d.now().Add(interval)
		wg.Add(1)
		go func() {
			defer wg.Done()

			report, err := d.reconciler.RunCycle(cycleCtx, snap, deadline)
			if err != nil {
				select {
				case fatalCh <- err:
				default:
				}
				return
			}
			if cycleCtx.Err() == nil {
				d.completed(report)
			}
		}()
	}

	d.logger.Info().
		Int("applications", len(snap.Applications)).
		Dur("poll_interval", interval).
		Msg("Reconciliation driver started")

	launch()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("Shutdown requested, waiting for in-flight cycles")
			wg.Wait()
			d.logger.Info().Msg("Reconciliation driver stopped")
			return nil

		case err := <-fatalCh:
			d.logger.Error().Err(err).Msg("Fatal error, stopping reconciliation")
			cancelCycles()
			wg.Wait()
			d.fatal(err)
			return err

		case <-ticker.C:
			launch()
		}
	}
}

// track registers the configured application set with the state tracker
// whenever it changes.
func (d *Driver) track(ctx context.Context, snap Snapshot) error {
	names := snap.Names()
	if d.tracked != nil && slices.Equal(names, d.tracked) {
		return nil
	}
	if err := d.state.Track(ctx, names); err != nil {
		return asPersistenceError("track applications", err)
	}
	d.tracked = names
	return nil
}

func (d *Driver) completed(report *CycleReport) {
	if d.health != nil {
		d.health.CycleCompleted(report)
	}
	if d.onCycle != nil {
		d.onCycle(report)
	}
}

func (d *Driver) fatal(err error) {
	if d.health != nil {
		d.health.Fatal(err)
	}
}
