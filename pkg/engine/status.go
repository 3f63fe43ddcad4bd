package engine

import "fmt"

// Outcome represents the kind of a CycleResult.
type Outcome string

const (
	// OutcomeUnchanged indicates the applied commit already matches upstream.
	OutcomeUnchanged Outcome = "unchanged"

	// OutcomeUpdated indicates a new commit was synchronized and restarted.
	OutcomeUpdated Outcome = "updated"

	// OutcomeFailed indicates the upstream query or every executor attempt failed.
	OutcomeFailed Outcome = "failed"

	// OutcomeSkippedDegraded indicates the evaluation was deferred because
	// the poll budget was exhausted.
	OutcomeSkippedDegraded Outcome = "skipped_degraded"

	// OutcomeSkippedInFlight indicates a previous cycle still owns the application.
	OutcomeSkippedInFlight Outcome = "skipped_in_flight"
)

// IsSkipped returns true for outcomes where nothing was attempted.
func (o Outcome) IsSkipped() bool {
	return o == OutcomeSkippedDegraded || o == OutcomeSkippedInFlight
}

// Validate checks if the outcome is valid.
func (o Outcome) Validate() error {
	switch o {
	case OutcomeUnchanged, OutcomeUpdated, OutcomeFailed,
		OutcomeSkippedDegraded, OutcomeSkippedInFlight:
		return nil
	default:
		return fmt.Errorf("invalid outcome: %s", o)
	}
}

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	return string(o)
}
