// Package audit records every reconciliation result.
//
// Each engine.CycleResult is written twice: as one JSON line appended to a
// plain file that operators can tail or ship, and as a row in the store's
// cycle_results table, which rejects updates and deletes. A failing sink
// is logged and counted; it never stops reconciliation.
package audit
