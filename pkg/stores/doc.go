// Package stores provides the persistence layer of reposync.
// It includes a SQLite-based store with WAL mode and embedded migrations
// holding the reconciliation state of each application and the append-only
// table of cycle results, plus a Tracker adapting the store to the engine.
package stores
