package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/apphost/reposync/pkg/engine"
)

// Default oracle settings.
const (
	DefaultTimeout = 30 * time.Second
	DefaultBurst   = 1
)

// ErrRateLimited is returned by a Source when the upstream host refused a
// request because its rate limit was reached.
var ErrRateLimited = errors.New("upstream rate limit reached")

// Source queries one kind of upstream host for the tip of a branch.
type Source interface {
	// Name identifies the source in logs and metrics.
	Name() string

	// LatestCommit returns the full hash of the tip of app.Branch.
	LatestCommit(ctx context.Context, app engine.Application) (string, error)
}

// RateObserver is implemented by sources that learn the host's rate limit
// from responses.
type RateObserver interface {
	ObserveRate(fn func(limit, remaining int, reset time.Time))
}

// Recorder receives oracle metrics.
type Recorder interface {
	RecordOracleRequest(source, status string, duration time.Duration)
	SetPollBudget(limit, remaining int)
}

// Options configures an Oracle.
type Options struct {
	// Budget is the shared poll budget. Nil disables budgeting.
	Budget *PollBudget

	// RequestsPerSecond paces upstream requests. Zero disables pacing.
	RequestsPerSecond float64

	// Burst is the pacing burst size.
	Burst int

	// Timeout bounds a single upstream query.
	Timeout time.Duration

	// Recorder receives metrics. Optional.
	Recorder Recorder

	// Logger receives oracle logs. Defaults to the global zerolog logger.
	Logger *zerolog.Logger
}

// Oracle implements engine.CommitOracle on top of a Source, gating every
// query through the poll budget and a client-side rate limiter.
type Oracle struct {
	source   Source
	budget   *PollBudget
	limiter  *rate.Limiter
	timeout  time.Duration
	recorder Recorder
	logger   zerolog.Logger
}

// New creates an oracle over source.
func New(source Source, opts Options) *Oracle {
	o := &Oracle{
		source:   source,
		budget:   opts.Budget,
		timeout:  opts.Timeout,
		recorder: opts.Recorder,
	}

	if opts.Logger != nil {
		o.logger = opts.Logger.With().Str("component", "oracle").Str("source", source.Name()).Logger()
	} else {
		o.logger = log.Logger.With().Str("component", "oracle").Str("source", source.Name()).Logger()
	}
	if o.timeout <= 0 {
		o.timeout = DefaultTimeout
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = DefaultBurst
		}
		o.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	if ro, ok := source.(RateObserver); ok && o.budget != nil {
		ro.ObserveRate(o.budget.Observe)
	}

	return o
}

// Budget returns the poll budget shared by this oracle.
func (o *Oracle) Budget() *PollBudget {
	return o.budget
}

// LatestCommit implements engine.CommitOracle.
func (o *Oracle) LatestCommit(ctx context.Context, app engine.Application) (string, error) {
	if err := o.budget.Acquire(); err != nil {
		o.record("budget_exhausted", 0)
		return "", engine.NewBudgetExhaustedError(app.Name, err)
	}

	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return "", engine.NewOracleError(app.Name, fmt.Errorf("waiting for rate limiter: %w", err))
		}
	}

	qctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	start := time.Now()
	commit, err := o.source.LatestCommit(qctx, app)
	elapsed := time.Since(start)

	switch {
	case errors.Is(err, ErrRateLimited):
		o.record("rate_limited", elapsed)
		o.logger.Warn().Err(err).Str("application", app.Name).Msg("Upstream rate limit reached")
		return "", engine.NewBudgetExhaustedError(app.Name, err)
	case err != nil:
		o.record("error", elapsed)
		return "", engine.NewOracleError(app.Name, err)
	case commit == "":
		o.record("error", elapsed)
		return "", engine.NewOracleError(app.Name, fmt.Errorf("branch %s has no commit", app.Branch))
	}

	o.record("ok", elapsed)
	o.logger.Debug().
		Str("application", app.Name).
		Str("branch", app.Branch).
		Str("commit", engine.ShortCommit(commit)).
		Dur("duration", elapsed).
		Msg("Resolved latest commit")

	return commit, nil
}

func (o *Oracle) record(status string, duration time.Duration) {
	if o.recorder == nil {
		return
	}
	o.recorder.RecordOracleRequest(o.source.Name(), status, duration)
	snap := o.budget.Snapshot()
	if !snap.Unlimited {
		o.recorder.SetPollBudget(snap.Limit, snap.Remaining)
	}
}
