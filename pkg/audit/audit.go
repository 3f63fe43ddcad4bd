package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/apphost/reposync/pkg/engine"
	"github.com/apphost/reposync/pkg/stores"
)

// Sink names used when counting write failures.
const (
	SinkFile  = "file"
	SinkStore = "store"
)

// Appender is the part of the store the audit log writes to.
type Appender interface {
	AppendCycleResult(ctx context.Context, record *stores.CycleResultRecord) error
}

// FailureRecorder counts audit writes that did not land.
type FailureRecorder interface {
	RecordAuditFailure(sink string)
}

// Options configures a Log.
type Options struct {
	// Recorder counts write failures. Optional.
	Recorder FailureRecorder

	// Logger receives failure logs. Defaults to the global zerolog logger.
	Logger *zerolog.Logger
}

// Log implements engine.AuditLog. Every result is written as one JSON line
// to an append-only file and inserted into the store's cycle result table.
type Log struct {
	mu       sync.Mutex
	file     io.WriteCloser
	store    Appender
	recorder FailureRecorder
	logger   zerolog.Logger
}

// Open opens the JSON lines file at path for appending, creating it and its
// parent directory when needed. An empty path disables the file sink and a
// nil store disables the table sink.
func Open(path string, store Appender, opts Options) (*Log, error) {
	l := &Log{
		store:    store,
		recorder: opts.Recorder,
	}
	if opts.Logger != nil {
		l.logger = opts.Logger.With().Str("component", "audit").Logger()
	} else {
		l.logger = log.Logger.With().Str("component", "audit").Logger()
	}

	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		l.file = f
	}

	return l, nil
}

// NewWriterLog creates a Log that writes lines to w instead of a file.
func NewWriterLog(w io.Writer, store Appender, opts Options) *Log {
	l, _ := Open("", store, opts)
	l.file = nopCloser{w}
	return l
}

// Append implements engine.AuditLog. Both sinks are attempted; failures are
// logged, counted and returned joined.
func (l *Log) Append(ctx context.Context, result engine.CycleResult) error {
	var errs []error

	if l.file != nil {
		if err := l.writeLine(result); err != nil {
			errs = append(errs, l.fail(SinkFile, result, err))
		}
	}

	if l.store != nil {
		if err := l.store.AppendCycleResult(ctx, stores.NewCycleResultRecord(result)); err != nil {
			errs = append(errs, l.fail(SinkStore, result, err))
		}
	}

	return errors.Join(errs...)
}

// writeLine renders the line into a buffer first so the file write error
// is observable and each line lands in a single write.
func (l *Log) writeLine(result engine.CycleResult) error {
	var buf bytes.Buffer
	zl := zerolog.New(&buf)
	ev := zl.Log().
		Str("at", result.At.UTC().Format(time.RFC3339Nano)).
		Str("cycle_id", result.CycleID).
		Str("application", result.Application).
		Str("outcome", string(result.Outcome)).
		Int("attempts", result.Attempts).
		Bool("degraded", result.Degraded).
		Int64("duration_ms", result.Duration.Milliseconds())
	if result.OldCommit != "" {
		ev = ev.Str("old_commit", result.OldCommit)
	}
	if result.NewCommit != "" {
		ev = ev.Str("new_commit", result.NewCommit)
	}
	if result.Stage != "" {
		ev = ev.Str("stage", result.Stage)
	}
	if result.Reason != "" {
		ev = ev.Str("reason", result.Reason)
	}
	ev.Send()

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.file.Write(buf.Bytes())
	return err
}

func (l *Log) fail(sink string, result engine.CycleResult, err error) error {
	if l.recorder != nil {
		l.recorder.RecordAuditFailure(sink)
	}
	l.logger.Error().
		Err(err).
		Str("sink", sink).
		Str("cycle_id", result.CycleID).
		Str("application", result.Application).
		Msg("Audit write failed")
	return fmt.Errorf("audit %s: %w", sink, err)
}

// Close closes the file sink.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
