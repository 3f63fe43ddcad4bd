package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// DefaultListLimit is used when a list call passes a non-positive limit.
const DefaultListLimit = 100

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
	now  func() time.Time
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	// Every connection to :memory: is a separate database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
		now:  time.Now,
	}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if s.path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Open database with SQLite-specific connection parameters
	dsn := fmt.Sprintf(
		"%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		s.path, s.cfg.BusyTimeout.Milliseconds(),
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	// Verify connection
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// GetState retrieves the reconciliation state of an application.
// It returns ErrNotFound when the application has no row yet.
func (s *SQLiteStore) GetState(ctx context.Context, application string) (*ApplicationState, error) {
	query := `
		SELECT application, applied_commit, consecutive_failures,
		       last_attempt_at, last_success_at, created_at, updated_at
		FROM reconciliation_state
		WHERE application = ?
	`

	state, err := scanState(s.db.QueryRowContext(ctx, query, application))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("application state %s: %w", application, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get application state: %w", err)
	}

	return state, nil
}

// ListStates lists the reconciliation state of every tracked application
func (s *SQLiteStore) ListStates(ctx context.Context) ([]*ApplicationState, error) {
	query := `
		SELECT application, applied_commit, consecutive_failures,
		       last_attempt_at, last_success_at, created_at, updated_at
		FROM reconciliation_state
		ORDER BY application ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list application states: %w", err)
	}
	defer rows.Close()

	states := []*ApplicationState{}
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan application state: %w", err)
		}
		states = append(states, state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating application states: %w", err)
	}

	return states, nil
}

// MarkSuccess records a successful deployment of commit. The failure
// counter is reset and both timestamps are set to at. Only applications
// registered through SyncApplications are updated; for any other name
// ErrNotFound is returned and nothing is written.
func (s *SQLiteStore) MarkSuccess(ctx context.Context, application, commit string, at time.Time) error {
	query := `
		UPDATE reconciliation_state SET
			applied_commit = ?,
			consecutive_failures = 0,
			last_attempt_at = ?,
			last_success_at = ?,
			updated_at = ?
		WHERE application = ?
	`

	ts := formatTime(at)
	result, err := s.db.ExecContext(ctx, query, commit, ts, ts, formatTime(s.now()), application)
	if err != nil {
		return fmt.Errorf("failed to record success: %w", err)
	}

	return requireRow(result, application)
}

// MarkFailure records a failed deployment attempt. The applied commit is
// left untouched. Like MarkSuccess it never creates a row.
func (s *SQLiteStore) MarkFailure(ctx context.Context, application string, at time.Time) error {
	query := `
		UPDATE reconciliation_state SET
			consecutive_failures = consecutive_failures + 1,
			last_attempt_at = ?,
			updated_at = ?
		WHERE application = ?
	`

	result, err := s.db.ExecContext(ctx, query, formatTime(at), formatTime(s.now()), application)
	if err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}

	return requireRow(result, application)
}

func requireRow(result sql.Result, application string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("application %s is not tracked: %w", application, ErrNotFound)
	}
	return nil
}

// SyncApplications makes the state table match the configured application
// set: missing rows are created and rows of removed applications deleted.
func (s *SQLiteStore) SyncApplications(ctx context.Context, applications []string) (added, removed int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := formatTime(s.now())
	insert := `
		INSERT INTO reconciliation_state (application, created_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(application) DO NOTHING
	`
	for _, name := range applications {
		result, execErr := tx.ExecContext(ctx, insert, name, now, now)
		if execErr != nil {
			err = fmt.Errorf("failed to track application %s: %w", name, execErr)
			return 0, 0, err
		}
		n, _ := result.RowsAffected()
		added += int(n)
	}

	prune := `DELETE FROM reconciliation_state`
	args := make([]any, 0, len(applications))
	if len(applications) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(applications)), ",")
		prune += ` WHERE application NOT IN (` + placeholders + `)`
		for _, name := range applications {
			args = append(args, name)
		}
	}
	result, execErr := tx.ExecContext(ctx, prune, args...)
	if execErr != nil {
		err = fmt.Errorf("failed to prune application state: %w", execErr)
		return 0, 0, err
	}
	n, _ := result.RowsAffected()
	removed = int(n)

	if commitErr := tx.Commit(); commitErr != nil {
		err = fmt.Errorf("failed to commit transaction: %w", commitErr)
		return 0, 0, err
	}

	return added, removed, nil
}

// AppendCycleResult appends a cycle result. Rows are never updated or deleted.
func (s *SQLiteStore) AppendCycleResult(ctx context.Context, record *CycleResultRecord) error {
	query := `
		INSERT INTO cycle_results (
			cycle_id, application, outcome, old_commit, new_commit,
			reason, stage, attempts, degraded, duration_ms, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		record.CycleID,
		record.Application,
		record.Outcome,
		record.OldCommit,
		record.NewCommit,
		record.Reason,
		record.Stage,
		record.Attempts,
		record.Degraded,
		record.Duration.Milliseconds(),
		formatTime(record.RecordedAt),
	)

	if err != nil {
		return fmt.Errorf("failed to append cycle result: %w", err)
	}

	// Get the auto-generated ID
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get cycle result ID: %w", err)
	}

	record.ID = id
	return nil
}

// ListCycleResults lists cycle results, newest first, with optional filters
func (s *SQLiteStore) ListCycleResults(ctx context.Context, filter CycleResultFilter) ([]*CycleResultRecord, error) {
	query := `
		SELECT id, cycle_id, application, outcome, old_commit, new_commit,
		       reason, stage, attempts, degraded, duration_ms, recorded_at
		FROM cycle_results
		WHERE (? = '' OR application = ?)
		  AND (? = '' OR outcome = ?)
		  AND (? = '' OR cycle_id = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, query,
		filter.Application, filter.Application,
		filter.Outcome, filter.Outcome,
		filter.CycleID, filter.CycleID,
		limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycle results: %w", err)
	}
	defer rows.Close()

	records := []*CycleResultRecord{}
	for rows.Next() {
		var (
			record     CycleResultRecord
			durationMs int64
			recordedAt string
		)
		err := rows.Scan(
			&record.ID,
			&record.CycleID,
			&record.Application,
			&record.Outcome,
			&record.OldCommit,
			&record.NewCommit,
			&record.Reason,
			&record.Stage,
			&record.Attempts,
			&record.Degraded,
			&durationMs,
			&recordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cycle result: %w", err)
		}
		record.Duration = time.Duration(durationMs) * time.Millisecond
		if record.RecordedAt, err = parseTime(recordedAt); err != nil {
			return nil, fmt.Errorf("failed to parse recorded_at: %w", err)
		}
		records = append(records, &record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cycle results: %w", err)
	}

	return records, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (*ApplicationState, error) {
	var (
		state                    ApplicationState
		lastAttempt, lastSuccess sql.NullString
		createdAt, updatedAt     string
	)
	err := row.Scan(
		&state.Application,
		&state.AppliedCommit,
		&state.ConsecutiveFailures,
		&lastAttempt,
		&lastSuccess,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if state.LastAttemptAt, err = parseNullTime(lastAttempt); err != nil {
		return nil, err
	}
	if state.LastSuccessAt, err = parseNullTime(lastSuccess); err != nil {
		return nil, err
	}
	if state.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if state.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	return &state, nil
}

// Timestamps are stored as RFC 3339 text in UTC.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
