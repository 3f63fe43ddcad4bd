package engine

import (
	"context"
	"time"
)

// CommitOracle queries upstream source control for the tip of a branch.
type CommitOracle interface {
	// LatestCommit returns the tip commit hash of app.Branch.
	// It returns a throttled error when the poll budget is spent and an
	// oracle error for any network or API failure.
	LatestCommit(ctx context.Context, app Application) (string, error)
}

// StateTracker is the durable record of the last applied commit per application.
// Implementations must survive process restart.
type StateTracker interface {
	// Get returns the state for name, or a zero-value state if unseen.
	Get(ctx context.Context, name string) (State, error)

	// RecordSuccess sets the applied commit and clears the failure count.
	RecordSuccess(ctx context.Context, name, commit string, at time.Time) error

	// RecordFailure increments the failure count and leaves the applied commit untouched.
	RecordFailure(ctx context.Context, name string, at time.Time) error

	// Track creates state for newly configured applications and removes
	// state for applications no longer configured.
	Track(ctx context.Context, names []string) error
}

// ActionExecutor drives a working copy to a commit and restarts the runtime unit.
type ActionExecutor interface {
	// Apply synchronizes app to commit and restarts it. Repeating a call with
	// the same target must be safe.
	Apply(ctx context.Context, app Application, commit string) error
}

// AuditLog is the append-only record of every CycleResult.
type AuditLog interface {
	// Append records one result.
	Append(ctx context.Context, result CycleResult) error
}

// SnapshotSource hands out the current read-only configuration.
type SnapshotSource interface {
	Snapshot() Snapshot
}

// StaticSnapshot is a SnapshotSource that never changes.
type StaticSnapshot Snapshot

// Snapshot implements SnapshotSource.
func (s StaticSnapshot) Snapshot() Snapshot {
	return Snapshot(s)
}

// Recorder receives reconciliation metrics. All methods must be safe for
// concurrent use.
type Recorder interface {
	RecordResult(result CycleResult)
	RecordAttempt(application string, err error, duration time.Duration)
	RecordCycle(report *CycleReport)
	SetInFlight(n int)
	SetApplicationState(application string, state State, ceiling int)
}

// HealthReporter receives driver lifecycle signals for the health surface.
type HealthReporter interface {
	CycleCompleted(report *CycleReport)
	Fatal(err error)
}

type nopRecorder struct{}

func (nopRecorder) RecordResult(CycleResult)                  {}
func (nopRecorder) RecordAttempt(string, error, time.Duration) {}
func (nopRecorder) RecordCycle(*CycleReport)                  {}
func (nopRecorder) SetInFlight(int)                           {}
func (nopRecorder) SetApplicationState(string, State, int)    {}
