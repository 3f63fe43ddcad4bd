package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/apphost/reposync/pkg/engine"
)

// DefaultTimeout bounds a whole Apply invocation.
const DefaultTimeout = 2 * time.Minute

// maxStderr caps the stderr tail carried by a CommandError.
const maxStderr = 512

// Config holds the command templates of an Executor.
type Config struct {
	// Timeout bounds one Apply call across all stages.
	Timeout time.Duration

	// Check exits 0 when the working copy exists.
	Check []string

	// Clone creates the working copy when Check fails.
	Clone []string

	// Sync drives the working copy to the target commit. Runs inside Path.
	Sync [][]string

	// Restart restarts the application's runtime unit.
	Restart [][]string
}

// DefaultConfig returns the stock git + docker command set.
func DefaultConfig() Config {
	return Config{
		Timeout: DefaultTimeout,
		Check:   []string{"test", "-d", "{{.Path}}/.git"},
		Clone:   []string{"git", "clone", "--branch", "{{.Branch}}", "{{.URL}}", "{{.Path}}"},
		Sync: [][]string{
			{"git", "fetch", "--prune", "origin", "{{.Branch}}"},
			{"git", "reset", "--hard", "{{.Commit}}"},
			{"git", "clean", "-fd"},
		},
		Restart: [][]string{
			{"docker", "restart", "{{.Name}}"},
		},
	}
}

// CommandError reports a command that exited non-zero.
type CommandError struct {
	Argv     []string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%q exited with code %d", strings.Join(e.Argv, " "), e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Executor implements engine.ActionExecutor by running templated commands
// through a Runner.
type Executor struct {
	runner  Runner
	timeout time.Duration
	check   *argvTemplate
	clone   *argvTemplate
	sync    []*argvTemplate
	restart []*argvTemplate
	logger  zerolog.Logger
}

// New creates an executor. Template errors are returned as configuration errors.
func New(runner Runner, cfg Config, logger *zerolog.Logger) (*Executor, error) {
	e := &Executor{
		runner:  runner,
		timeout: cfg.Timeout,
	}
	if logger != nil {
		e.logger = logger.With().Str("component", "executor").Logger()
	} else {
		e.logger = log.Logger.With().Str("component", "executor").Logger()
	}
	if e.timeout <= 0 {
		e.timeout = DefaultTimeout
	}

	var err error
	if e.check, err = parseArgv("check", cfg.Check); err != nil {
		return nil, engine.NewConfigurationError("invalid executor command", err)
	}
	if e.clone, err = parseArgv("clone", cfg.Clone); err != nil {
		return nil, engine.NewConfigurationError("invalid executor command", err)
	}
	if len(cfg.Sync) == 0 {
		return nil, engine.NewConfigurationError("executor sync commands are required", nil)
	}
	for i, argv := range cfg.Sync {
		t, err := parseArgv(fmt.Sprintf("sync[%d]", i), argv)
		if err != nil {
			return nil, engine.NewConfigurationError("invalid executor command", err)
		}
		e.sync = append(e.sync, t)
	}
	for i, argv := range cfg.Restart {
		t, err := parseArgv(fmt.Sprintf("restart[%d]", i), argv)
		if err != nil {
			return nil, engine.NewConfigurationError("invalid executor command", err)
		}
		e.restart = append(e.restart, t)
	}

	return e, nil
}

// Apply implements engine.ActionExecutor. The working copy is cloned when
// missing, synchronized to commit and the runtime unit restarted. Every
// step is idempotent, so a repeated call with the same target is safe.
func (e *Executor) Apply(ctx context.Context, app engine.Application, commit string) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	data := NewTemplateData(app, commit)
	logger := e.logger.With().
		Str("application", app.Name).
		Str("commit", engine.ShortCommit(commit)).
		Logger()

	start := time.Now()

	// Stage: clone
	res, err := e.run(ctx, e.check, data, "")
	if err != nil {
		return e.stageError(ctx, app, engine.StageClone, err)
	}
	if res.ExitCode != 0 {
		logger.Info().Str("path", app.Path).Msg("Working copy missing, cloning")
		if err := e.runChecked(ctx, e.clone, data, ""); err != nil {
			return e.stageError(ctx, app, engine.StageClone, err)
		}
	}

	// Stage: sync
	for _, t := range e.sync {
		if err := e.runChecked(ctx, t, data, app.Path); err != nil {
			return e.stageError(ctx, app, engine.StageSync, err)
		}
	}

	// Stage: restart
	for _, t := range e.restart {
		if err := e.runChecked(ctx, t, data, ""); err != nil {
			return e.stageError(ctx, app, engine.StageRestart, err)
		}
	}

	logger.Info().Dur("duration", time.Since(start)).Msg("Application synchronized and restarted")
	return nil
}

func (e *Executor) run(ctx context.Context, t *argvTemplate, data TemplateData, dir string) (*Result, error) {
	argv, err := t.render(data)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", t, err)
	}

	cmd := Command{Argv: argv, Dir: dir}
	res, err := e.runner.Run(ctx, cmd)

	ev := e.logger.Debug().Str("command", cmd.String()).Str("dir", dir)
	if res != nil {
		ev = ev.Int("exit_code", res.ExitCode).Dur("duration", res.Duration)
	}
	ev.Err(err).Msg("Command completed")

	return res, err
}

func (e *Executor) runChecked(ctx context.Context, t *argvTemplate, data TemplateData, dir string) error {
	res, err := e.run(ctx, t, data, dir)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		argv, _ := t.render(data)
		return &CommandError{
			Argv:     argv,
			ExitCode: res.ExitCode,
			Stderr:   tail(strings.TrimSpace(res.Stderr), maxStderr),
		}
	}
	return nil
}

func (e *Executor) stageError(ctx context.Context, app engine.Application, stage string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return engine.NewExecutionError(app.Name, engine.StageTimeout,
			fmt.Errorf("%s stage exceeded %s: %w", stage, e.timeout, context.DeadlineExceeded))
	}
	return engine.NewExecutionError(app.Name, stage, err)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
