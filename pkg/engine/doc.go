// Package engine provides the reconciliation core of reposync.
//
// # Overview
//
// reposync keeps a set of locally checked-out applications in sync with the
// tip of a tracked upstream branch. The engine runs reconciliation cycles,
// each of which evaluates every configured application once:
//
//  1. Query - Ask the CommitOracle for the latest upstream commit
//  2. Compare - Compare it against the applied commit held by the StateTracker
//  3. Apply - Drive the working copy to the commit through the ActionExecutor
//  4. Record - Persist success or failure and append a CycleResult to the AuditLog
//
// The applied commit only ever advances after the executor reports success,
// so a partially applied update is retried from scratch on the next cycle.
//
// # Core Domain Types
//
//   - Application: A deployable unit tracked against an upstream branch
//   - State: The durable applied commit and failure counter of an application
//   - CycleResult: The outcome of evaluating one application in one cycle
//   - CycleReport: All results of one cycle
//   - Snapshot: A read-only view of the configuration used by one cycle
//
// # Drivers
//
// Driver runs the reconciler either once (RunOnce) or on a fixed poll
// interval (Run). Cycles never overlap for the same application; an
// application still being applied by an earlier cycle is reported as
// skipped_in_flight.
//
// # Error Classification
//
// Errors are classified to decide how far they propagate:
//
//   - Configuration: Invalid configuration, fatal at startup
//   - Throttled: Poll budget spent, application deferred to the next cycle
//   - Transient: Upstream query failure, scoped to one application
//   - Execution: Failed clone, sync or restart step, retried with backoff
//   - Persistence: State store failure, fatal for the whole process
package engine
