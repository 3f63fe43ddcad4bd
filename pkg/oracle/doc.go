// Package oracle answers "what is the latest commit on this branch" for the
// reconciler.
//
// An Oracle wraps a Source (the GitHub REST API or a plain git remote) and
// gates every query through a shared PollBudget and a client-side rate
// limiter. A spent budget is reported as a throttled engine error so the
// application is deferred to the next cycle; every other failure becomes an
// oracle error scoped to the one application.
package oracle
