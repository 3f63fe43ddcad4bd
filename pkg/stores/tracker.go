package stores

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/apphost/reposync/pkg/engine"
)

// Tracker adapts a Store to engine.StateTracker. Every store failure is
// returned as an engine persistence error.
type Tracker struct {
	store  Store
	logger zerolog.Logger
}

// NewTracker creates a state tracker backed by store.
func NewTracker(store Store, logger *zerolog.Logger) *Tracker {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &Tracker{
		store:  store,
		logger: l.With().Str("component", "state").Logger(),
	}
}

// Get implements engine.StateTracker.
func (t *Tracker) Get(ctx context.Context, name string) (engine.State, error) {
	row, err := t.store.GetState(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return engine.State{Application: name}, nil
	}
	if err != nil {
		return engine.State{}, engine.NewPersistenceError("read reconciliation state", err).WithApplication(name)
	}
	return row.ToEngine(), nil
}

// RecordSuccess implements engine.StateTracker. An application removed
// from the tracked set while it was being deployed is not recorded.
func (t *Tracker) RecordSuccess(ctx context.Context, name, commit string, at time.Time) error {
	return t.record("record success", name, t.store.MarkSuccess(ctx, name, commit, at))
}

// RecordFailure implements engine.StateTracker.
func (t *Tracker) RecordFailure(ctx context.Context, name string, at time.Time) error {
	return t.record("record failure", name, t.store.MarkFailure(ctx, name, at))
}

func (t *Tracker) record(op, name string, err error) error {
	if errors.Is(err, ErrNotFound) {
		t.logger.Warn().
			Str("application", name).
			Msg("Application no longer tracked, state not recorded")
		return nil
	}
	if err != nil {
		return engine.NewPersistenceError(op, err).WithApplication(name)
	}
	return nil
}

// Track implements engine.StateTracker.
func (t *Tracker) Track(ctx context.Context, names []string) error {
	added, removed, err := t.store.SyncApplications(ctx, names)
	if err != nil {
		return engine.NewPersistenceError("track applications", err)
	}
	if added > 0 || removed > 0 {
		t.logger.Info().
			Int("added", added).
			Int("removed", removed).
			Int("tracked", len(names)).
			Msg("Tracked application set changed")
	}
	return nil
}

// List returns the state of every tracked application.
func (t *Tracker) List(ctx context.Context) ([]engine.State, error) {
	rows, err := t.store.ListStates(ctx)
	if err != nil {
		return nil, engine.NewPersistenceError("list reconciliation state", err)
	}
	states := make([]engine.State, 0, len(rows))
	for _, row := range rows {
		states = append(states, row.ToEngine())
	}
	return states, nil
}

// ToEngine converts a stored row to the engine's state type.
func (s *ApplicationState) ToEngine() engine.State {
	return engine.State{
		Application:         s.Application,
		AppliedCommit:       s.AppliedCommit,
		ConsecutiveFailures: s.ConsecutiveFailures,
		LastAttemptAt:       s.LastAttemptAt,
		LastSuccessAt:       s.LastSuccessAt,
	}
}

// NewCycleResultRecord converts an engine cycle result to a table row.
func NewCycleResultRecord(result engine.CycleResult) *CycleResultRecord {
	return &CycleResultRecord{
		CycleID:     result.CycleID,
		Application: result.Application,
		Outcome:     string(result.Outcome),
		OldCommit:   result.OldCommit,
		NewCommit:   result.NewCommit,
		Reason:      result.Reason,
		Stage:       result.Stage,
		Attempts:    result.Attempts,
		Degraded:    result.Degraded,
		Duration:    result.Duration,
		RecordedAt:  result.At,
	}
}
