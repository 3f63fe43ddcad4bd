package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// Mock oracle for testing
type mockOracle struct {
	mu      sync.Mutex
	commits map[string]string
	errs    map[string]error
	calls   map[string]int
}

func newMockOracle() *mockOracle {
	return &mockOracle{
		commits: make(map[string]string),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (m *mockOracle) LatestCommit(ctx context.Context, app Application) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[app.Name]++
	if err, ok := m.errs[app.Name]; ok {
		return "", err
	}
	return m.commits[app.Name], nil
}

// Mock executor for testing
type mockExecutor struct {
	mu        sync.Mutex
	failApps  map[string]bool
	delay     time.Duration
	started   chan string
	release   chan struct{}
	calls     map[string][]string
	callOrder []string
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{
		failApps: make(map[string]bool),
		calls:    make(map[string][]string),
	}
}

func (m *mockExecutor) Apply(ctx context.Context, app Application, commit string) error {
	m.mu.Lock()
	m.calls[app.Name] = append(m.calls[app.Name], commit)
	m.callOrder = append(m.callOrder, app.Name)
	shouldFail := m.failApps[app.Name]
	started, release, delay := m.started, m.release, m.delay
	m.mu.Unlock()

	if started != nil {
		started <- app.Name
	}
	if release != nil {
		<-release
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	if shouldFail {
		return NewExecutionError(app.Name, StageSync, errors.New("git reset exited with code 128"))
	}
	return nil
}

func (m *mockExecutor) callCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls[name])
}

// In-memory state tracker for testing
type memState struct {
	mu       sync.Mutex
	states   map[string]State
	tracked  []string
	getErr   error
	writeErr error
}

func newMemState() *memState {
	return &memState{states: make(map[string]State)}
}

func (m *memState) Get(ctx context.Context, name string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return State{}, m.getErr
	}
	st, ok := m.states[name]
	if !ok {
		return State{Application: name}, nil
	}
	return st, nil
}

func (m *memState) RecordSuccess(ctx context.Context, name, commit string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	st := m.states[name]
	st.Application = name
	st.AppliedCommit = commit
	st.ConsecutiveFailures = 0
	st.LastAttemptAt = &at
	st.LastSuccessAt = &at
	m.states[name] = st
	return nil
}

func (m *memState) RecordFailure(ctx context.Context, name string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	st := m.states[name]
	st.Application = name
	st.ConsecutiveFailures++
	st.LastAttemptAt = &at
	m.states[name] = st
	return nil
}

func (m *memState) Track(ctx context.Context, names []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked = append([]string(nil), names...)
	return nil
}

func (m *memState) get(name string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[name]
}

// In-memory audit log for testing
type memAudit struct {
	mu      sync.Mutex
	results []CycleResult
}

func (m *memAudit) Append(ctx context.Context, result CycleResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
	return nil
}

func (m *memAudit) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results)
}

type fixture struct {
	oracle   *mockOracle
	executor *mockExecutor
	state    *memState
	audit    *memAudit
	sleeps   []time.Duration
	sleepMu  sync.Mutex
	recon    *Reconciler
}

func newFixture(t *testing.T, concurrency int) *fixture {
	t.Helper()

	f := &fixture{
		oracle:   newMockOracle(),
		executor: newMockExecutor(),
		state:    newMemState(),
		audit:    &memAudit{},
	}
	f.recon = NewReconciler(f.oracle, f.executor, f.state, f.audit, Options{
		Concurrency: concurrency,
		Backoff:     Backoff{Initial: time.Second, Max: 10 * time.Second},
		Sleep: func(ctx context.Context, d time.Duration) error {
			f.sleepMu.Lock()
			f.sleeps = append(f.sleeps, d)
			f.sleepMu.Unlock()
			return ctx.Err()
		},
	})
	return f
}

func testApp(name string) Application {
	return Application{
		Name:   name,
		Owner:  "acme",
		Repo:   name,
		Branch: "main",
		Path:   "/srv/apps/" + name,
	}
}

func testSnapshot(maxRetries int, apps ...Application) Snapshot {
	return Snapshot{
		Applications:    apps,
		PollInterval:    5 * time.Minute,
		MaxRetries:      maxRetries,
		DegradedCeiling: 5,
	}
}

func runCycle(t *testing.T, f *fixture, snap Snapshot) *CycleReport {
	t.Helper()
	report, err := f.recon.RunCycle(context.Background(), snap, time.Now().Add(snap.PollInterval))
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	return report
}

func TestReconcilerUnchangedNeverInvokesExecutor(t *testing.T) {
	f := newFixture(t, 2)
	f.state.states["web"] = State{Application: "web", AppliedCommit: "abc123"}
	f.oracle.commits["web"] = "abc123"

	report := runCycle(t, f, testSnapshot(3, testApp("web")))

	res, ok := report.Result("web")
	if !ok {
		t.Fatal("expected a result for web")
	}
	if res.Outcome != OutcomeUnchanged {
		t.Errorf("expected outcome %s, got %s", OutcomeUnchanged, res.Outcome)
	}
	if n := f.executor.callCount("web"); n != 0 {
		t.Errorf("expected executor not to be invoked, got %d calls", n)
	}
	if res.Attempts != 0 {
		t.Errorf("expected 0 attempts, got %d", res.Attempts)
	}
}

func TestReconcilerUpdatesToNewCommit(t *testing.T) {
	f := newFixture(t, 2)
	f.state.states["web"] = State{Application: "web", AppliedCommit: "abc123"}
	f.oracle.commits["web"] = "def456"

	report := runCycle(t, f, testSnapshot(3, testApp("web")))

	res, _ := report.Result("web")
	if res.Outcome != OutcomeUpdated {
		t.Fatalf("expected outcome %s, got %s (%s)", OutcomeUpdated, res.Outcome, res.Reason)
	}
	if res.OldCommit != "abc123" || res.NewCommit != "def456" {
		t.Errorf("expected updated(abc123, def456), got updated(%s, %s)", res.OldCommit, res.NewCommit)
	}
	if res.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", res.Attempts)
	}

	st := f.state.get("web")
	if st.AppliedCommit != "def456" {
		t.Errorf("expected applied commit def456, got %s", st.AppliedCommit)
	}
	if st.LastSuccessAt == nil {
		t.Error("expected last success timestamp to be set")
	}
}

func TestReconcilerFirstDeployment(t *testing.T) {
	f := newFixture(t, 1)
	f.oracle.commits["web"] = "def456"

	report := runCycle(t, f, testSnapshot(3, testApp("web")))

	res, _ := report.Result("web")
	if res.Outcome != OutcomeUpdated {
		t.Fatalf("expected outcome %s, got %s", OutcomeUpdated, res.Outcome)
	}
	if res.OldCommit != "" {
		t.Errorf("expected empty old commit, got %s", res.OldCommit)
	}
	if got := f.state.get("web").AppliedCommit; got != "def456" {
		t.Errorf("expected applied commit def456, got %s", got)
	}
}

func TestReconcilerExhaustedRetriesLeaveStateUnchanged(t *testing.T) {
	f := newFixture(t, 1)
	f.state.states["web"] = State{Application: "web", AppliedCommit: "abc123", ConsecutiveFailures: 1}
	f.oracle.commits["web"] = "def456"
	f.executor.failApps["web"] = true

	report := runCycle(t, f, testSnapshot(3, testApp("web")))

	if n := f.executor.callCount("web"); n != 3 {
		t.Errorf("expected exactly 3 executor invocations, got %d", n)
	}

	res, _ := report.Result("web")
	if res.Outcome != OutcomeFailed {
		t.Fatalf("expected outcome %s, got %s", OutcomeFailed, res.Outcome)
	}
	if res.Stage != StageSync {
		t.Errorf("expected stage %s, got %s", StageSync, res.Stage)
	}
	if res.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", res.Attempts)
	}

	st := f.state.get("web")
	if st.AppliedCommit != "abc123" {
		t.Errorf("expected applied commit to stay abc123, got %s", st.AppliedCommit)
	}
	if st.ConsecutiveFailures != 2 {
		t.Errorf("expected consecutive failures incremented to 2, got %d", st.ConsecutiveFailures)
	}

	// Two waits between three attempts, doubling.
	if len(f.sleeps) != 2 {
		t.Fatalf("expected 2 backoff waits, got %d", len(f.sleeps))
	}
	if f.sleeps[0] != time.Second || f.sleeps[1] != 2*time.Second {
		t.Errorf("expected backoff [1s 2s], got %v", f.sleeps)
	}
}

func TestReconcilerRetriesUntilSuccess(t *testing.T) {
	f := newFixture(t, 1)
	f.oracle.commits["web"] = "def456"

	flaky := &flakyExecutor{failures: 2}
	recon := NewReconciler(f.oracle, flaky, f.state, f.audit, Options{
		Backoff: Backoff{Initial: time.Millisecond},
		Sleep:   func(ctx context.Context, d time.Duration) error { return nil },
	})

	report, err := recon.RunCycle(context.Background(), testSnapshot(3, testApp("web")), time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	res, _ := report.Result("web")
	if res.Outcome != OutcomeUpdated {
		t.Fatalf("expected outcome %s, got %s", OutcomeUpdated, res.Outcome)
	}
	if res.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", res.Attempts)
	}
	if st := f.state.get("web"); st.ConsecutiveFailures != 0 {
		t.Errorf("expected failures reset, got %d", st.ConsecutiveFailures)
	}
}

type flakyExecutor struct {
	mu       sync.Mutex
	failures int
}

func (e *flakyExecutor) Apply(ctx context.Context, app Application, commit string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failures > 0 {
		e.failures--
		return NewExecutionError(app.Name, StageRestart, errors.New("exit status 1"))
	}
	return nil
}

func TestReconcilerIsolatesFailingApplication(t *testing.T) {
	for _, concurrency := range []int{1, 2} {
		f := newFixture(t, concurrency)
		f.state.states["a"] = State{Application: "a", AppliedCommit: "a1"}
		f.state.states["b"] = State{Application: "b", AppliedCommit: "b1"}
		f.oracle.commits["a"] = "a2"
		f.oracle.commits["b"] = "b2"
		f.executor.failApps["a"] = true

		report := runCycle(t, f, testSnapshot(3, testApp("a"), testApp("b")))

		resA, _ := report.Result("a")
		resB, _ := report.Result("b")
		if resA.Outcome != OutcomeFailed {
			t.Errorf("concurrency %d: expected a failed, got %s", concurrency, resA.Outcome)
		}
		if resB.Outcome != OutcomeUpdated {
			t.Errorf("concurrency %d: expected b updated, got %s", concurrency, resB.Outcome)
		}
		if got := f.state.get("b").AppliedCommit; got != "b2" {
			t.Errorf("concurrency %d: expected b applied commit b2, got %s", concurrency, got)
		}
		if got := f.state.get("a").AppliedCommit; got != "a1" {
			t.Errorf("concurrency %d: expected a applied commit a1, got %s", concurrency, got)
		}
	}
}

func TestReconcilerResultsInConfigurationOrder(t *testing.T) {
	f := newFixture(t, 3)
	names := []string{"c", "a", "b"}
	apps := make([]Application, 0, len(names))
	for _, n := range names {
		f.oracle.commits[n] = "x"
		apps = append(apps, testApp(n))
	}

	report := runCycle(t, f, testSnapshot(1, apps...))

	if len(report.Results) != len(names) {
		t.Fatalf("expected %d results, got %d", len(names), len(report.Results))
	}
	for i, n := range names {
		if report.Results[i].Application != n {
			t.Errorf("result %d: expected %s, got %s", i, n, report.Results[i].Application)
		}
	}
	if f.audit.count() != len(names) {
		t.Errorf("expected %d audit entries, got %d", len(names), f.audit.count())
	}
}

func TestReconcilerBudgetExhaustedDefers(t *testing.T) {
	f := newFixture(t, 2)
	for _, n := range []string{"a", "b"} {
		f.state.states[n] = State{Application: n, AppliedCommit: "old", ConsecutiveFailures: 1}
		f.oracle.errs[n] = NewBudgetExhaustedError(n, nil)
	}

	report := runCycle(t, f, testSnapshot(3, testApp("a"), testApp("b")))

	for _, n := range []string{"a", "b"} {
		res, _ := report.Result(n)
		if res.Outcome != OutcomeSkippedDegraded {
			t.Errorf("%s: expected outcome %s, got %s", n, OutcomeSkippedDegraded, res.Outcome)
		}
		if c := f.executor.callCount(n); c != 0 {
			t.Errorf("%s: expected no executor calls, got %d", n, c)
		}
		if st := f.state.get(n); st.ConsecutiveFailures != 1 {
			t.Errorf("%s: expected failures to stay 1, got %d", n, st.ConsecutiveFailures)
		}
	}
	if report.Failed() {
		t.Error("expected budget deferral not to fail the cycle")
	}
}

func TestReconcilerOracleErrorIsScoped(t *testing.T) {
	f := newFixture(t, 2)
	f.oracle.errs["a"] = NewOracleError("a", errors.New("connection refused"))
	f.oracle.commits["b"] = "b2"

	report := runCycle(t, f, testSnapshot(3, testApp("a"), testApp("b")))

	resA, _ := report.Result("a")
	if resA.Outcome != OutcomeFailed || resA.Stage != StageOracle {
		t.Errorf("expected a failed at stage oracle, got %s/%s", resA.Outcome, resA.Stage)
	}
	if f.executor.callCount("a") != 0 {
		t.Error("expected no executor calls for a")
	}
	if st := f.state.get("a"); st.ConsecutiveFailures != 0 {
		t.Errorf("expected oracle error not to count as a failure, got %d", st.ConsecutiveFailures)
	}
	if f.oracle.calls["a"] != 1 {
		t.Errorf("expected oracle queried once for a, got %d", f.oracle.calls["a"])
	}

	resB, _ := report.Result("b")
	if resB.Outcome != OutcomeUpdated {
		t.Errorf("expected b updated, got %s", resB.Outcome)
	}
}

func TestReconcilerDegradedLimitsAttempts(t *testing.T) {
	f := newFixture(t, 1)
	f.state.states["web"] = State{Application: "web", AppliedCommit: "abc123", ConsecutiveFailures: 6}
	f.oracle.commits["web"] = "def456"
	f.executor.failApps["web"] = true

	report := runCycle(t, f, testSnapshot(3, testApp("web")))

	if n := f.executor.callCount("web"); n != 1 {
		t.Errorf("expected a single attempt while degraded, got %d", n)
	}
	res, _ := report.Result("web")
	if !res.Degraded {
		t.Error("expected result to report degraded")
	}
	if f.oracle.calls["web"] != 1 {
		t.Error("expected degraded application to still be queried")
	}
	if st := f.state.get("web"); st.ConsecutiveFailures != 7 {
		t.Errorf("expected failures 7, got %d", st.ConsecutiveFailures)
	}
}

func TestReconcilerDegradedRecovery(t *testing.T) {
	f := newFixture(t, 1)
	f.state.states["web"] = State{Application: "web", AppliedCommit: "abc123", ConsecutiveFailures: 9}
	f.oracle.commits["web"] = "def456"

	report := runCycle(t, f, testSnapshot(3, testApp("web")))

	res, _ := report.Result("web")
	if res.Outcome != OutcomeUpdated {
		t.Fatalf("expected outcome %s, got %s", OutcomeUpdated, res.Outcome)
	}
	if res.Degraded {
		t.Error("expected degraded status cleared")
	}
	st := f.state.get("web")
	if st.ConsecutiveFailures != 0 {
		t.Errorf("expected failures reset to 0, got %d", st.ConsecutiveFailures)
	}
	if st.Degraded(5) {
		t.Error("expected state to no longer be degraded")
	}
}

func TestReconcilerEntersDegradedAboveCeiling(t *testing.T) {
	f := newFixture(t, 1)
	f.state.states["web"] = State{Application: "web", AppliedCommit: "abc123", ConsecutiveFailures: 5}
	f.oracle.commits["web"] = "def456"
	f.executor.failApps["web"] = true

	report := runCycle(t, f, testSnapshot(2, testApp("web")))

	res, _ := report.Result("web")
	if !res.Degraded {
		t.Error("expected application to become degraded at 6 failures with ceiling 5")
	}
	// At exactly the ceiling the application is not yet degraded, so all attempts run.
	if n := f.executor.callCount("web"); n != 2 {
		t.Errorf("expected 2 attempts, got %d", n)
	}
}

func TestReconcilerStopsRetryingAtDeadline(t *testing.T) {
	f := newFixture(t, 1)
	f.oracle.commits["web"] = "def456"
	f.executor.failApps["web"] = true

	snap := testSnapshot(5, testApp("web"))
	report, err := f.recon.RunCycle(context.Background(), snap, time.Now().Add(-time.Second))
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	if n := f.executor.callCount("web"); n != 1 {
		t.Errorf("expected 1 attempt with no interval left, got %d", n)
	}
	res, _ := report.Result("web")
	if res.Outcome != OutcomeFailed {
		t.Errorf("expected failed, got %s", res.Outcome)
	}
	if st := f.state.get("web"); st.ConsecutiveFailures != 1 {
		t.Errorf("expected failures 1, got %d", st.ConsecutiveFailures)
	}
}

func TestReconcilerNoAttemptWhenWaitEndsAtDeadline(t *testing.T) {
	f := newFixture(t, 1)
	f.oracle.commits["web"] = "def456"
	f.executor.failApps["web"] = true

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f.recon.now = func() time.Time { return base }

	// The first backoff wait is 1s, exactly the time left.
	snap := testSnapshot(3, testApp("web"))
	report, err := f.recon.RunCycle(context.Background(), snap, base.Add(time.Second))
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	if n := f.executor.callCount("web"); n != 1 {
		t.Errorf("expected 1 attempt, got %d", n)
	}
	if len(f.sleeps) != 0 {
		t.Errorf("expected no backoff wait, got %v", f.sleeps)
	}
	res, _ := report.Result("web")
	if res.Outcome != OutcomeFailed {
		t.Errorf("expected failed, got %s", res.Outcome)
	}
	if st := f.state.get("web"); st.ConsecutiveFailures != 1 {
		t.Errorf("expected failures 1, got %d", st.ConsecutiveFailures)
	}
}

func TestReconcilerShutdownDuringBackoffCountsNoFailure(t *testing.T) {
	f := newFixture(t, 1)
	f.state.states["web"] = State{Application: "web", AppliedCommit: "abc123", ConsecutiveFailures: 2}
	f.oracle.commits["web"] = "def456"
	f.executor.failApps["web"] = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.recon.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	snap := testSnapshot(3, testApp("web"))
	report, err := f.recon.RunCycle(ctx, snap, time.Now().Add(snap.PollInterval))
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	if n := f.executor.callCount("web"); n != 1 {
		t.Errorf("expected 1 attempt before shutdown, got %d", n)
	}

	res, ok := report.Result("web")
	if !ok {
		t.Fatal("expected a result for the started evaluation")
	}
	if res.Outcome != OutcomeFailed {
		t.Errorf("expected failed, got %s", res.Outcome)
	}
	if res.Stage != StageSync {
		t.Errorf("expected stage %s, got %s", StageSync, res.Stage)
	}
	if !strings.Contains(res.Reason, "interrupted by shutdown") {
		t.Errorf("expected reason to mention shutdown, got %q", res.Reason)
	}

	st := f.state.get("web")
	if st.ConsecutiveFailures != 2 {
		t.Errorf("expected failures to stay 2, got %d", st.ConsecutiveFailures)
	}
	if st.AppliedCommit != "abc123" {
		t.Errorf("expected applied commit to stay abc123, got %s", st.AppliedCommit)
	}
	if f.audit.count() != 1 {
		t.Errorf("expected 1 audit entry, got %d", f.audit.count())
	}
}

func TestReconcilerPersistenceErrorIsFatal(t *testing.T) {
	f := newFixture(t, 1)
	f.oracle.commits["web"] = "def456"
	f.state.getErr = errors.New("disk I/O error")

	_, err := f.recon.RunCycle(context.Background(), testSnapshot(3, testApp("web")), time.Now().Add(time.Minute))
	if err == nil {
		t.Fatal("expected fatal error")
	}
	if !IsPersistenceError(err) {
		t.Errorf("expected persistence error, got %v", err)
	}
	if !IsFatal(err) {
		t.Error("expected error to be fatal")
	}
	if f.executor.callCount("web") != 0 {
		t.Error("expected no executor calls without durable state")
	}
}

func TestReconcilerRecordFailurePersistenceIsFatal(t *testing.T) {
	f := newFixture(t, 1)
	f.oracle.commits["web"] = "def456"
	f.state.writeErr = errors.New("database is locked")

	_, err := f.recon.RunCycle(context.Background(), testSnapshot(1, testApp("web")), time.Now().Add(time.Minute))
	if !IsPersistenceError(err) {
		t.Fatalf("expected persistence error, got %v", err)
	}
}

func TestReconcilerSkipsApplicationInFlight(t *testing.T) {
	f := newFixture(t, 1)
	f.oracle.commits["web"] = "def456"
	f.executor.started = make(chan string, 1)
	f.executor.release = make(chan struct{})

	snap := testSnapshot(1, testApp("web"))

	done := make(chan *CycleReport, 1)
	go func() {
		report, _ := f.recon.RunCycle(context.Background(), snap, time.Now().Add(time.Minute))
		done <- report
	}()

	// Wait until the first cycle is inside the executor.
	select {
	case <-f.executor.started:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for executor")
	}

	second := runCycle(t, f, snap)
	res, _ := second.Result("web")
	if res.Outcome != OutcomeSkippedInFlight {
		t.Errorf("expected outcome %s, got %s", OutcomeSkippedInFlight, res.Outcome)
	}

	close(f.executor.release)
	first := <-done
	res, _ = first.Result("web")
	if res.Outcome != OutcomeUpdated {
		t.Errorf("expected first cycle to update, got %s", res.Outcome)
	}
	if n := f.executor.callCount("web"); n != 1 {
		t.Errorf("expected exactly 1 executor call, got %d", n)
	}
	if len(f.recon.InFlight()) != 0 {
		t.Error("expected no applications in flight after both cycles")
	}
}

func TestReconcilerCancelledBeforeStart(t *testing.T) {
	f := newFixture(t, 1)
	f.oracle.commits["web"] = "def456"

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.recon.RunCycle(ctx, testSnapshot(3, testApp("web")), time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("expected no error on cancellation, got %v", err)
	}
	if len(report.Results) != 0 {
		t.Errorf("expected no results, got %d", len(report.Results))
	}
	if f.audit.count() != 0 {
		t.Error("expected nothing audited for an abandoned cycle")
	}
}

func TestReconcilerEmptySnapshot(t *testing.T) {
	f := newFixture(t, 0)
	report := runCycle(t, f, testSnapshot(3))
	if len(report.Results) != 0 {
		t.Errorf("expected no results, got %d", len(report.Results))
	}
	if report.ID == "" {
		t.Error("expected cycle ID to be set")
	}
}
