// Package executor drives an application's working copy to a commit and
// restarts its runtime unit.
//
// Commands are argv templates rendered with the application's fields and
// the target commit. They run through a Runner: locally with os/exec, or on
// a remote host through the SSH transport. Each failing stage (clone, sync,
// restart) is reported as an engine execution error, and exceeding the
// overall timeout is reported as stage timeout.
package executor
