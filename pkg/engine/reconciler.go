package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultConcurrency caps the worker pool when no bound is configured.
const DefaultConcurrency = 4

// Options configures a Reconciler.
type Options struct {
	// Concurrency bounds the number of applications evaluated at once.
	// Zero means min(len(applications), DefaultConcurrency).
	Concurrency int

	// Backoff is the delay curve between executor attempts.
	Backoff Backoff

	// Logger receives reconciler logs. Defaults to the global zerolog logger.
	Logger *zerolog.Logger

	// Recorder receives metrics. Optional.
	Recorder Recorder

	// Tracer creates spans for cycles and evaluations. Defaults to the global provider.
	Tracer trace.Tracer

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Sleep waits between executor attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Reconciler evaluates tracked applications against their upstream branch
// and drives them to the latest commit. It is the only component with
// cross-application logic and the only writer of reconciliation state.
type Reconciler struct {
	oracle   CommitOracle
	executor ActionExecutor
	state    StateTracker
	audit    AuditLog

	concurrency int
	backoff     Backoff
	logger      zerolog.Logger
	recorder    Recorder
	tracer      trace.Tracer
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error

	// mu protects inflight
	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewReconciler creates a new reconciler.
func NewReconciler(
	oracle CommitOracle,
	executor ActionExecutor,
	state StateTracker,
	audit AuditLog,
	opts Options,
) *Reconciler {
	r := &Reconciler{
		oracle:      oracle,
		executor:    executor,
		state:       state,
		audit:       audit,
		concurrency: opts.Concurrency,
		backoff:     opts.Backoff,
		recorder:    opts.Recorder,
		tracer:      opts.Tracer,
		now:         opts.Now,
		sleep:       opts.Sleep,
		inflight:    make(map[string]struct{}),
	}

	if opts.Logger != nil {
		r.logger = opts.Logger.With().Str("component", "reconciler").Logger()
	} else {
		r.logger = log.Logger.With().Str("component", "reconciler").Logger()
	}
	if r.recorder == nil {
		r.recorder = nopRecorder{}
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer("github.com/apphost/reposync/pkg/engine")
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.sleep == nil {
		r.sleep = sleepContext
	}

	return r
}

// RunCycle evaluates every application in snap once. Applications are
// queued in configuration order and evaluated by a bounded worker pool;
// the report lists results in configuration order.
//
// The returned error is non-nil only for persistence failures, which are
// fatal: no further applications are scheduled once one occurs. When ctx
// is cancelled, applications not yet started are not evaluated and produce
// no result.
func (r *Reconciler) RunCycle(ctx context.Context, snap Snapshot, deadline time.Time) (*CycleReport, error) {
	report := &CycleReport{
		ID:        uuid.New().String(),
		StartedAt: r.now(),
	}

	ctx, span := r.tracer.Start(ctx, "reconcile.cycle", trace.WithAttributes(
		attribute.String("cycle.id", report.ID),
		attribute.Int("cycle.applications", len(snap.Applications)),
	))
	defer span.End()

	apps := snap.Applications
	workerCount := r.concurrency
	if workerCount <= 0 {
		workerCount = DefaultConcurrency
	}
	if len(apps) < workerCount {
		workerCount = len(apps)
	}

	// Create work queue
	workQueue := make(chan int, len(apps))
	for i := range apps {
		workQueue <- i
	}
	close(workQueue)

	results := make([]*CycleResult, len(apps))
	stop := make(chan struct{})
	var (
		wg        sync.WaitGroup
		fatalOnce sync.Once
		fatalErr  error
	)

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for idx := range workQueue {
				select {
				case <-stop:
					return
				case <-ctx.Done():
					return
				default:
				}

				res, err := r.evaluate(ctx, report.ID, snap, apps[idx], deadline)
				if err != nil {
					fatalOnce.Do(func() {
						fatalErr = err
						close(stop)
					})
					return
				}
				results[idx] = res
			}
		}()
	}

	wg.Wait()

	for _, res := range results {
		if res != nil {
			report.Results = append(report.Results, *res)
		}
	}
	report.CompletedAt = r.now()
	r.recorder.RecordCycle(report)

	if fatalErr != nil {
		span.RecordError(fatalErr)
		span.SetStatus(codes.Error, fatalErr.Error())
		return report, fatalErr
	}

	counts := report.Counts()
	r.logger.Info().
		Str("cycle_id", report.ID).
		Int("applications", len(apps)).
		Int("evaluated", len(report.Results)).
		Int("updated", counts[OutcomeUpdated]).
		Int("unchanged", counts[OutcomeUnchanged]).
		Int("failed", counts[OutcomeFailed]).
		Int("skipped", counts[OutcomeSkippedDegraded]+counts[OutcomeSkippedInFlight]).
		Dur("duration", report.CompletedAt.Sub(report.StartedAt)).
		Msg("Reconciliation cycle complete")

	return report, nil
}

// evaluate runs the state machine for one application. A nil result with
// a nil error means the evaluation was abandoned before any decision
// because ctx was cancelled.
func (r *Reconciler) evaluate(
	ctx context.Context,
	cycleID string,
	snap Snapshot,
	app Application,
	deadline time.Time,
) (*CycleResult, error) {
	start := r.now()

	ctx, span := r.tracer.Start(ctx, "reconcile.application", trace.WithAttributes(
		attribute.String("cycle.id", cycleID),
		attribute.String("application.name", app.Name),
		attribute.String("application.source", app.Source()),
		attribute.String("application.branch", app.Branch),
	))
	defer span.End()

	logger := r.logger.With().
		Str("cycle_id", cycleID).
		Str("application", app.Name).
		Logger()

	// Durable writes and executor calls must not be torn by a shutdown signal.
	detached := context.WithoutCancel(ctx)

	result := &CycleResult{
		CycleID:     cycleID,
		Application: app.Name,
	}

	if !r.acquire(app.Name) {
		result.Outcome = OutcomeSkippedInFlight
		result.Reason = "previous evaluation still running"
		logger.Warn().Msg("Skipping application, previous evaluation still running")
		return r.emit(detached, span, result, start), nil
	}
	defer r.release(app.Name)

	if ctx.Err() != nil {
		return nil, nil
	}

	state, err := r.state.Get(ctx, app.Name)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, asPersistenceError("read reconciliation state", err)
	}
	result.OldCommit = state.AppliedCommit
	ceiling := snap.DegradedCeiling

	// Step 1: ask the oracle.
	latest, err := r.oracle.LatestCommit(ctx, app)
	switch {
	case err == nil:
	case IsBudgetExhausted(err):
		result.Outcome = OutcomeSkippedDegraded
		result.Reason = err.Error()
		result.Degraded = state.Degraded(ceiling)
		logger.Info().Err(err).Msg("Poll budget exhausted, deferring to next cycle")
		return r.emit(detached, span, result, start), nil
	case ctx.Err() != nil:
		return nil, nil
	default:
		result.Outcome = OutcomeFailed
		result.Stage = StageOracle
		result.Reason = err.Error()
		result.Degraded = state.Degraded(ceiling)
		logger.Error().Err(err).Msg("Latest commit query failed")
		return r.emit(detached, span, result, start), nil
	}
	result.NewCommit = latest

	// Step 2: the only gate for invoking the executor.
	if latest == state.AppliedCommit {
		result.Outcome = OutcomeUnchanged
		result.Degraded = state.Degraded(ceiling)
		logger.Debug().Str("commit", ShortCommit(latest)).Msg("Application up to date")
		r.recorder.SetApplicationState(app.Name, state, ceiling)
		return r.emit(detached, span, result, start), nil
	}

	// Step 3: a change is pending.
	attempts := snap.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	if state.Degraded(ceiling) {
		attempts = 1
	}

	logger.Info().
		Str("old_commit", ShortCommit(state.AppliedCommit)).
		Str("new_commit", ShortCommit(latest)).
		Int("max_attempts", attempts).
		Bool("degraded", state.Degraded(ceiling)).
		Msg("Applying upstream commit")

	var (
		lastErr     error
		interrupted bool
	)
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay, ok := Clamp(r.backoff.Delay(attempt-1), r.now(), deadline)
			if !ok {
				logger.Warn().Int("attempts", result.Attempts).Msg("Poll interval exhausted, no further attempts this cycle")
				break
			}
			if err := r.sleep(ctx, delay); err != nil {
				logger.Warn().Int("attempts", result.Attempts).Msg("Retry wait interrupted by shutdown")
				interrupted = true
				break
			}
		}

		result.Attempts++
		attemptStart := r.now()
		lastErr = r.executor.Apply(detached, app, latest)
		r.recorder.RecordAttempt(app.Name, lastErr, r.now().Sub(attemptStart))

		if lastErr == nil {
			break
		}

		logger.Warn().
			Err(lastErr).
			Int("attempt", attempt+1).
			Int("max_attempts", attempts).
			Msg("Apply attempt failed")
	}

	at := r.now()

	// Step 4: success.
	if lastErr == nil {
		if err := r.state.RecordSuccess(detached, app.Name, latest, at); err != nil {
			return nil, asPersistenceError("record success", err)
		}
		result.Outcome = OutcomeUpdated
		result.Degraded = false
		r.recorder.SetApplicationState(app.Name, State{
			Application:   app.Name,
			AppliedCommit: latest,
			LastAttemptAt: &at,
			LastSuccessAt: &at,
		}, ceiling)
		return r.emit(detached, span, result, start), nil
	}

	// Shutdown cut the attempt sequence short. The retries were never
	// exhausted, so no failure is counted against the application.
	if interrupted {
		result.Outcome = OutcomeFailed
		result.Stage = StageOf(lastErr)
		result.Reason = fmt.Sprintf("%v (retries interrupted by shutdown)", lastErr)
		result.Degraded = state.Degraded(ceiling)
		return r.emit(detached, span, result, start), nil
	}

	// Step 5: retries exhausted, the applied commit stays as it was.
	if err := r.state.RecordFailure(detached, app.Name, at); err != nil {
		return nil, asPersistenceError("record failure", err)
	}
	failed := state
	failed.ConsecutiveFailures++
	failed.LastAttemptAt = &at

	result.Outcome = OutcomeFailed
	result.Stage = StageOf(lastErr)
	result.Reason = lastErr.Error()
	result.Degraded = failed.Degraded(ceiling)
	r.recorder.SetApplicationState(app.Name, failed, ceiling)

	if result.Degraded && !state.Degraded(ceiling) {
		logger.Error().
			Int("consecutive_failures", failed.ConsecutiveFailures).
			Int("ceiling", ceiling).
			Msg("Application entered degraded status")
	}

	return r.emit(detached, span, result, start), nil
}

// emit finalizes a result and sends it to the audit log and metrics.
func (r *Reconciler) emit(ctx context.Context, span trace.Span, result *CycleResult, start time.Time) *CycleResult {
	result.At = r.now()
	result.Duration = result.At.Sub(start)

	span.SetAttributes(
		attribute.String("result.outcome", string(result.Outcome)),
		attribute.Int("result.attempts", result.Attempts),
		attribute.Bool("result.degraded", result.Degraded),
	)
	if result.Outcome == OutcomeFailed {
		span.SetStatus(codes.Error, result.Reason)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	r.recorder.RecordResult(*result)

	if r.audit != nil {
		if err := r.audit.Append(ctx, *result); err != nil {
			r.logger.Error().
				Err(err).
				Str("application", result.Application).
				Str("outcome", string(result.Outcome)).
				Msg("Failed to append audit entry")
		}
	}

	return result
}

// acquire marks an application in flight. It returns false if a previous
// evaluation still holds it.
func (r *Reconciler) acquire(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.inflight[name]; busy {
		return false
	}
	r.inflight[name] = struct{}{}
	r.recorder.SetInFlight(len(r.inflight))
	return true
}

// release clears the in-flight mark for an application.
func (r *Reconciler) release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.inflight, name)
	r.recorder.SetInFlight(len(r.inflight))
}

// InFlight returns the names of applications currently being evaluated.
func (r *Reconciler) InFlight() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.inflight))
	for name := range r.inflight {
		names = append(names, name)
	}
	return names
}

func asPersistenceError(op string, err error) error {
	if IsPersistenceError(err) {
		return err
	}
	return NewPersistenceError(op, err)
}

// ShortCommit abbreviates a commit hash for display.
func ShortCommit(commit string) string {
	if len(commit) > 8 {
		return commit[:8]
	}
	return commit
}
