package stores

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ApplicationState represents the durable reconciliation state of one application
type ApplicationState struct {
	Application         string     `json:"application"`
	AppliedCommit       string     `json:"applied_commit"` // "" = never deployed
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastAttemptAt       *time.Time `json:"last_attempt_at,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// CycleResultRecord represents one row of the append-only cycle result table
type CycleResultRecord struct {
	ID          int64         `json:"id"`
	CycleID     string        `json:"cycle_id"`
	Application string        `json:"application"`
	Outcome     string        `json:"outcome"`
	OldCommit   string        `json:"old_commit,omitempty"`
	NewCommit   string        `json:"new_commit,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Stage       string        `json:"stage,omitempty"`
	Attempts    int           `json:"attempts"`
	Degraded    bool          `json:"degraded"`
	Duration    time.Duration `json:"duration"`
	RecordedAt  time.Time     `json:"recorded_at"`
}

// CycleResultFilter narrows ListCycleResults. Empty fields match everything.
type CycleResultFilter struct {
	Application string
	Outcome     string
	CycleID     string
	Limit       int
	Offset      int
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Reconciliation state operations
	GetState(ctx context.Context, application string) (*ApplicationState, error)
	ListStates(ctx context.Context) ([]*ApplicationState, error)
	MarkSuccess(ctx context.Context, application, commit string, at time.Time) error
	MarkFailure(ctx context.Context, application string, at time.Time) error
	SyncApplications(ctx context.Context, applications []string) (added, removed int, err error)

	// Cycle result operations
	AppendCycleResult(ctx context.Context, record *CycleResultRecord) error
	ListCycleResults(ctx context.Context, filter CycleResultFilter) ([]*CycleResultRecord, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
