package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/apphost/reposync/pkg/engine"
)

// setupTestStore creates a file-backed SQLite store in a temp directory
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	return openTestStore(t, filepath.Join(t.TempDir(), "state.db"))
}

func openTestStore(t *testing.T, path string) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return store
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: MemoryPath,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestHealthCheckUninitialized(t *testing.T) {
	store, _ := NewSQLiteStore(Config{Path: MemoryPath})
	if err := store.HealthCheck(context.Background()); err == nil {
		t.Error("expected error for uninitialized store")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	// Check that tables exist by querying them
	tables := []string{"reconciliation_state", "cycle_results"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Running migrations again is a no-op
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migration failed: %v", err)
	}
}

func TestGetStateNotFound(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	_, err := store.GetState(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkSuccessAndFailure(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(5 * time.Minute)
	t3 := t2.Add(5 * time.Minute)

	trackApplications(t, store, "web")
	if err := store.MarkSuccess(ctx, "web", "abc123", t1); err != nil {
		t.Fatalf("failed to mark success: %v", err)
	}

	state, err := store.GetState(ctx, "web")
	if err != nil {
		t.Fatalf("failed to get state: %v", err)
	}
	if state.AppliedCommit != "abc123" {
		t.Errorf("expected applied commit abc123, got %s", state.AppliedCommit)
	}
	if state.LastSuccessAt == nil || !state.LastSuccessAt.Equal(t1) {
		t.Errorf("expected last success %v, got %v", t1, state.LastSuccessAt)
	}

	// Two failures keep the applied commit and count up
	for _, at := range []time.Time{t2, t3} {
		if err := store.MarkFailure(ctx, "web", at); err != nil {
			t.Fatalf("failed to mark failure: %v", err)
		}
	}

	state, err = store.GetState(ctx, "web")
	if err != nil {
		t.Fatalf("failed to get state: %v", err)
	}
	if state.AppliedCommit != "abc123" {
		t.Errorf("expected applied commit to stay abc123, got %s", state.AppliedCommit)
	}
	if state.ConsecutiveFailures != 2 {
		t.Errorf("expected 2 consecutive failures, got %d", state.ConsecutiveFailures)
	}
	if state.LastAttemptAt == nil || !state.LastAttemptAt.Equal(t3) {
		t.Errorf("expected last attempt %v, got %v", t3, state.LastAttemptAt)
	}
	if !state.LastSuccessAt.Equal(t1) {
		t.Errorf("expected last success to stay %v, got %v", t1, state.LastSuccessAt)
	}

	// Success resets the counter
	if err := store.MarkSuccess(ctx, "web", "def456", t3); err != nil {
		t.Fatalf("failed to mark success: %v", err)
	}
	state, _ = store.GetState(ctx, "web")
	if state.ConsecutiveFailures != 0 || state.AppliedCommit != "def456" {
		t.Errorf("expected reset state at def456, got %+v", state)
	}
}

func TestMarkFailureBeforeFirstDeploy(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	trackApplications(t, store, "api")
	if err := store.MarkFailure(ctx, "api", time.Now()); err != nil {
		t.Fatalf("failed to mark failure: %v", err)
	}

	state, err := store.GetState(ctx, "api")
	if err != nil {
		t.Fatalf("failed to get state: %v", err)
	}
	if state.AppliedCommit != "" {
		t.Errorf("expected no applied commit, got %s", state.AppliedCommit)
	}
	if state.ConsecutiveFailures != 1 {
		t.Errorf("expected 1 failure, got %d", state.ConsecutiveFailures)
	}
	if state.LastSuccessAt != nil {
		t.Error("expected no last success")
	}
}

func TestStateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "state.db")
	ctx := context.Background()

	store := openTestStore(t, path)
	trackApplications(t, store, "web")
	if err := store.MarkSuccess(ctx, "web", "def456", time.Now()); err != nil {
		t.Fatalf("failed to mark success: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	reopened := openTestStore(t, path)
	defer reopened.Close()

	state, err := reopened.GetState(ctx, "web")
	if err != nil {
		t.Fatalf("failed to get state after reopen: %v", err)
	}
	if state.AppliedCommit != "def456" {
		t.Errorf("expected def456 after reopen, got %s", state.AppliedCommit)
	}
}

func trackApplications(t *testing.T, store *SQLiteStore, names ...string) {
	t.Helper()
	if _, _, err := store.SyncApplications(context.Background(), names); err != nil {
		t.Fatalf("failed to sync applications: %v", err)
	}
}

func TestMarkUntrackedApplication(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.MarkSuccess(ctx, "ghost", "abc123", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound from MarkSuccess, got %v", err)
	}
	if err := store.MarkFailure(ctx, "ghost", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound from MarkFailure, got %v", err)
	}

	states, err := store.ListStates(ctx)
	if err != nil {
		t.Fatalf("failed to list states: %v", err)
	}
	if len(states) != 0 {
		t.Errorf("expected no rows for untracked application, got %+v", states)
	}
}

func TestLateResultAfterRemovalIsDropped(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	tracker := NewTracker(store, nil)

	if err := tracker.Track(ctx, []string{"a", "b"}); err != nil {
		t.Fatalf("failed to track: %v", err)
	}
	// b is removed by a reload while its deployment is still running.
	if err := tracker.Track(ctx, []string{"a"}); err != nil {
		t.Fatalf("failed to track: %v", err)
	}
	if err := tracker.RecordSuccess(ctx, "b", "b1", time.Now()); err != nil {
		t.Fatalf("expected late success to be dropped silently, got %v", err)
	}
	if err := tracker.RecordFailure(ctx, "b", time.Now()); err != nil {
		t.Fatalf("expected late failure to be dropped silently, got %v", err)
	}

	states, err := tracker.List(ctx)
	if err != nil {
		t.Fatalf("failed to list states: %v", err)
	}
	if len(states) != 1 || states[0].Application != "a" {
		t.Fatalf("expected only a to be tracked, got %+v", states)
	}

	// Re-adding b starts from a clean state.
	if err := tracker.Track(ctx, []string{"a", "b"}); err != nil {
		t.Fatalf("failed to track: %v", err)
	}
	st, err := tracker.Get(ctx, "b")
	if err != nil {
		t.Fatalf("failed to get state: %v", err)
	}
	if st.Deployed() || st.ConsecutiveFailures != 0 {
		t.Errorf("expected fresh state for re-added application, got %+v", st)
	}
}

func TestSyncApplications(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	added, removed, err := store.SyncApplications(ctx, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("failed to sync applications: %v", err)
	}
	if added != 3 || removed != 0 {
		t.Errorf("expected (3, 0), got (%d, %d)", added, removed)
	}

	if err := store.MarkSuccess(ctx, "a", "a1", time.Now()); err != nil {
		t.Fatalf("failed to mark success: %v", err)
	}

	added, removed, err = store.SyncApplications(ctx, []string{"a", "d"})
	if err != nil {
		t.Fatalf("failed to sync applications: %v", err)
	}
	if added != 1 || removed != 2 {
		t.Errorf("expected (1, 2), got (%d, %d)", added, removed)
	}

	states, err := store.ListStates(ctx)
	if err != nil {
		t.Fatalf("failed to list states: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("expected 2 states, got %d", len(states))
	}
	if states[0].Application != "a" || states[0].AppliedCommit != "a1" {
		t.Errorf("expected a to keep its applied commit, got %+v", states[0])
	}
	if states[1].Application != "d" || states[1].AppliedCommit != "" {
		t.Errorf("expected fresh row for d, got %+v", states[1])
	}

	// Empty configuration prunes everything
	_, removed, err = store.SyncApplications(ctx, nil)
	if err != nil {
		t.Fatalf("failed to sync applications: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}
}

func TestCycleResultsAppendOnly(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	record := &CycleResultRecord{
		CycleID:     "cycle-1",
		Application: "web",
		Outcome:     "updated",
		OldCommit:   "abc123",
		NewCommit:   "def456",
		Attempts:    1,
		Duration:    1500 * time.Millisecond,
		RecordedAt:  time.Now(),
	}
	if err := store.AppendCycleResult(ctx, record); err != nil {
		t.Fatalf("failed to append cycle result: %v", err)
	}
	if record.ID == 0 {
		t.Error("expected cycle result ID to be set after insert")
	}

	if _, err := store.db.ExecContext(ctx, `UPDATE cycle_results SET outcome = 'failed' WHERE id = ?`, record.ID); err == nil {
		t.Error("expected update of cycle result to be rejected")
	}
	if _, err := store.db.ExecContext(ctx, `DELETE FROM cycle_results WHERE id = ?`, record.ID); err == nil {
		t.Error("expected delete of cycle result to be rejected")
	}

	records, err := store.ListCycleResults(ctx, CycleResultFilter{})
	if err != nil {
		t.Fatalf("failed to list cycle results: %v", err)
	}
	if len(records) != 1 || records[0].Outcome != "updated" {
		t.Errorf("expected original row untouched, got %+v", records)
	}
	if records[0].Duration != 1500*time.Millisecond {
		t.Errorf("expected duration 1.5s, got %v", records[0].Duration)
	}
}

func TestCycleResultsRejectUnknownOutcome(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	err := store.AppendCycleResult(context.Background(), &CycleResultRecord{
		CycleID:     "cycle-1",
		Application: "web",
		Outcome:     "exploded",
		RecordedAt:  time.Now(),
	})
	if err == nil {
		t.Error("expected unknown outcome to be rejected")
	}
}

func TestListCycleResultsFilters(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()
	rows := []CycleResultRecord{
		{CycleID: "c1", Application: "web", Outcome: "updated"},
		{CycleID: "c1", Application: "api", Outcome: "failed", Reason: "exit status 1", Stage: "sync", Degraded: true},
		{CycleID: "c2", Application: "web", Outcome: "unchanged"},
		{CycleID: "c2", Application: "api", Outcome: "failed", Stage: "oracle"},
	}
	for i := range rows {
		rows[i].RecordedAt = now.Add(time.Duration(i) * time.Second)
		if err := store.AppendCycleResult(ctx, &rows[i]); err != nil {
			t.Fatalf("failed to append cycle result: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter CycleResultFilter
		want   int
	}{
		{"all", CycleResultFilter{}, 4},
		{"by application", CycleResultFilter{Application: "api"}, 2},
		{"by outcome", CycleResultFilter{Outcome: "failed"}, 2},
		{"by cycle", CycleResultFilter{CycleID: "c2"}, 2},
		{"combined", CycleResultFilter{Application: "web", Outcome: "updated"}, 1},
		{"limit", CycleResultFilter{Limit: 3}, 3},
		{"offset", CycleResultFilter{Limit: 10, Offset: 3}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListCycleResults(ctx, tt.filter)
			if err != nil {
				t.Fatalf("failed to list cycle results: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("expected %d results, got %d", tt.want, len(got))
			}
		})
	}

	// Newest first
	all, _ := store.ListCycleResults(ctx, CycleResultFilter{})
	if all[0].CycleID != "c2" || all[0].Application != "api" {
		t.Errorf("expected newest row first, got %+v", all[0])
	}
	if !all[2].Degraded {
		t.Error("expected degraded flag to round-trip")
	}
}

func TestTrackerImplementsStateTracker(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	var tracker engine.StateTracker = NewTracker(store, nil)
	ctx := context.Background()

	state, err := tracker.Get(ctx, "web")
	if err != nil {
		t.Fatalf("failed to get unseen state: %v", err)
	}
	if state.Application != "web" || state.Deployed() {
		t.Errorf("expected zero state for unseen application, got %+v", state)
	}

	if err := tracker.Track(ctx, []string{"web"}); err != nil {
		t.Fatalf("failed to track: %v", err)
	}
	if err := tracker.RecordFailure(ctx, "web", time.Now()); err != nil {
		t.Fatalf("failed to record failure: %v", err)
	}
	if err := tracker.RecordSuccess(ctx, "web", "def456", time.Now()); err != nil {
		t.Fatalf("failed to record success: %v", err)
	}

	state, err = tracker.Get(ctx, "web")
	if err != nil {
		t.Fatalf("failed to get state: %v", err)
	}
	if state.AppliedCommit != "def456" || state.ConsecutiveFailures != 0 {
		t.Errorf("unexpected state: %+v", state)
	}
}

func TestTrackerWrapsPersistenceErrors(t *testing.T) {
	store := setupTestStore(t)
	tracker := NewTracker(store, nil)
	_ = store.Close()

	ctx := context.Background()
	if _, err := tracker.Get(ctx, "web"); !engine.IsPersistenceError(err) {
		t.Errorf("expected persistence error from Get, got %v", err)
	}
	if err := tracker.RecordSuccess(ctx, "web", "abc", time.Now()); !engine.IsPersistenceError(err) {
		t.Errorf("expected persistence error from RecordSuccess, got %v", err)
	}
	if err := tracker.RecordFailure(ctx, "web", time.Now()); !engine.IsPersistenceError(err) {
		t.Errorf("expected persistence error from RecordFailure, got %v", err)
	}
	if err := tracker.Track(ctx, []string{"web"}); !engine.IsPersistenceError(err) {
		t.Errorf("expected persistence error from Track, got %v", err)
	}
}

func TestNewCycleResultRecord(t *testing.T) {
	at := time.Now()
	record := NewCycleResultRecord(engine.CycleResult{
		CycleID:     "c1",
		Application: "web",
		Outcome:     engine.OutcomeFailed,
		Stage:       engine.StageRestart,
		Attempts:    3,
		Degraded:    true,
		At:          at,
	})
	if record.Outcome != "failed" || record.Stage != "restart" || !record.RecordedAt.Equal(at) {
		t.Errorf("unexpected record: %+v", record)
	}
}
