package engine

import (
	"time"
)

// Application identifies one deployable unit tracked against an upstream branch.
type Application struct {
	// Name is the unique key, also used for process and routing naming.
	Name string `json:"name"`

	// Owner is the upstream repository owner (user or organization).
	Owner string `json:"owner"`

	// Repo is the upstream repository name.
	Repo string `json:"repo"`

	// Branch is the ref to track.
	Branch string `json:"branch"`

	// Path is the local working copy. Unique across the configured set.
	Path string `json:"path"`

	// URL is the clone URL of the upstream repository.
	URL string `json:"url,omitempty"`
}

// Source returns the owner/repo reference of the application.
func (a Application) Source() string {
	return a.Owner + "/" + a.Repo
}

// State is the durable record of what is currently deployed for an application.
// A zero State means the application has never been deployed.
type State struct {
	// Application is the application name.
	Application string `json:"application"`

	// AppliedCommit is the commit last successfully deployed ("" when never deployed).
	AppliedCommit string `json:"applied_commit,omitempty"`

	// ConsecutiveFailures counts failed attempts since the last success.
	ConsecutiveFailures int `json:"consecutive_failures"`

	// LastAttemptAt is when the executor was last invoked for this application.
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`

	// LastSuccessAt is when the application was last deployed successfully.
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
}

// Degraded reports whether the failure count is above ceiling.
func (s State) Degraded(ceiling int) bool {
	return s.ConsecutiveFailures > ceiling
}

// Deployed reports whether a commit has ever been applied.
func (s State) Deployed() bool {
	return s.AppliedCommit != ""
}

// CycleResult is the outcome of evaluating one application in one reconciliation pass.
// It is emitted once its outcome is fully determined and never mutated afterwards.
type CycleResult struct {
	// CycleID identifies the reconciliation pass.
	CycleID string `json:"cycle_id"`

	// Application is the application name.
	Application string `json:"application"`

	// Outcome is the kind of result.
	Outcome Outcome `json:"outcome"`

	// OldCommit is the applied commit before the evaluation.
	OldCommit string `json:"old_commit,omitempty"`

	// NewCommit is the upstream commit observed in this evaluation.
	NewCommit string `json:"new_commit,omitempty"`

	// Reason explains failed and skipped outcomes.
	Reason string `json:"reason,omitempty"`

	// Stage is the failing stage for failed outcomes.
	Stage string `json:"stage,omitempty"`

	// Attempts is the number of executor invocations made.
	Attempts int `json:"attempts"`

	// Degraded is true when the application is in degraded status after this evaluation.
	Degraded bool `json:"degraded"`

	// At is when the outcome was determined.
	At time.Time `json:"at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// CycleReport aggregates the results of one reconciliation pass.
type CycleReport struct {
	// ID is the unique identifier of the pass.
	ID string `json:"id"`

	// StartedAt is when the pass began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the last evaluation finished.
	CompletedAt time.Time `json:"completed_at"`

	// Results holds one entry per evaluated application, in configuration order.
	Results []CycleResult `json:"results"`
}

// Failed reports whether any application ended the pass failed.
func (r *CycleReport) Failed() bool {
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed {
			return true
		}
	}
	return false
}

// Counts returns the number of results per outcome.
func (r *CycleReport) Counts() map[Outcome]int {
	counts := make(map[Outcome]int)
	for _, res := range r.Results {
		counts[res.Outcome]++
	}
	return counts
}

// Result returns the result for the named application.
func (r *CycleReport) Result(name string) (CycleResult, bool) {
	for _, res := range r.Results {
		if res.Application == name {
			return res, true
		}
	}
	return CycleResult{}, false
}

// Snapshot is a read-only view of the configuration a cycle runs against.
type Snapshot struct {
	// Applications in configuration order.
	Applications []Application

	// PollInterval is the time between reconciliation passes.
	PollInterval time.Duration

	// MaxRetries is the executor attempt count per application per cycle.
	MaxRetries int

	// DegradedCeiling is the failure count above which an application is degraded.
	DegradedCeiling int
}

// Names returns the application names in configuration order.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s.Applications))
	for _, app := range s.Applications {
		names = append(names, app.Name)
	}
	return names
}
