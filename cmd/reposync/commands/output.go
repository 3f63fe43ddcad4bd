package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/apphost/reposync/pkg/engine"
	"github.com/apphost/reposync/pkg/stores"
)

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, header ...string) *tabwriter.Writer {
	t := tabwriter.NewWriter(w, 0, 4, 3, ' ', 0)
	fmt.Fprintln(t, strings.Join(header, "\t"))
	return t
}

func row(t *tabwriter.Writer, cols ...string) {
	fmt.Fprintln(t, strings.Join(cols, "\t"))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.RFC3339)
}

// printReport writes the results of one cycle.
func printReport(w io.Writer, report *engine.CycleReport) error {
	t := newTable(w, "APPLICATION", "OUTCOME", "OLD", "NEW", "ATTEMPTS", "DURATION", "REASON")
	for _, res := range report.Results {
		row(t,
			res.Application,
			degradedMark(string(res.Outcome), res.Degraded),
			orDash(engine.ShortCommit(res.OldCommit)),
			orDash(engine.ShortCommit(res.NewCommit)),
			fmt.Sprint(res.Attempts),
			res.Duration.Round(time.Millisecond).String(),
			orDash(reason(res.Stage, res.Reason)),
		)
	}
	if err := t.Flush(); err != nil {
		return err
	}

	counts := report.Counts()
	_, err := fmt.Fprintf(w, "\ncycle %s: %d updated, %d unchanged, %d failed, %d skipped in %s\n",
		report.ID,
		counts[engine.OutcomeUpdated],
		counts[engine.OutcomeUnchanged],
		counts[engine.OutcomeFailed],
		counts[engine.OutcomeSkippedDegraded]+counts[engine.OutcomeSkippedInFlight],
		report.CompletedAt.Sub(report.StartedAt).Round(time.Millisecond),
	)
	return err
}

// printStates writes one line per configured application.
func printStates(w io.Writer, states []engine.State, ceiling int) error {
	t := newTable(w, "APPLICATION", "APPLIED", "FAILURES", "STATUS", "LAST ATTEMPT", "LAST SUCCESS")
	for _, st := range states {
		status := "ok"
		switch {
		case st.Degraded(ceiling):
			status = "degraded"
		case st.ConsecutiveFailures > 0:
			status = "failing"
		case !st.Deployed():
			status = "pending"
		}
		row(t,
			st.Application,
			orDash(engine.ShortCommit(st.AppliedCommit)),
			fmt.Sprint(st.ConsecutiveFailures),
			status,
			formatTime(st.LastAttemptAt),
			formatTime(st.LastSuccessAt),
		)
	}
	return t.Flush()
}

// printRecords writes audit rows, newest first.
func printRecords(w io.Writer, records []*stores.CycleResultRecord) error {
	t := newTable(w, "RECORDED", "CYCLE", "APPLICATION", "OUTCOME", "OLD", "NEW", "ATTEMPTS", "REASON")
	for _, rec := range records {
		recorded := rec.RecordedAt
		row(t,
			formatTime(&recorded),
			shortID(rec.CycleID),
			rec.Application,
			degradedMark(rec.Outcome, rec.Degraded),
			orDash(engine.ShortCommit(rec.OldCommit)),
			orDash(engine.ShortCommit(rec.NewCommit)),
			fmt.Sprint(rec.Attempts),
			orDash(reason(rec.Stage, rec.Reason)),
		)
	}
	return t.Flush()
}

func degradedMark(outcome string, degraded bool) string {
	if degraded {
		return outcome + " (degraded)"
	}
	return outcome
}

func reason(stage, msg string) string {
	if stage == "" {
		return msg
	}
	if msg == "" {
		return stage
	}
	return stage + ": " + msg
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
