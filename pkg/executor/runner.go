package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultWaitDelay bounds how long a killed process may hold its output pipes.
const DefaultWaitDelay = 5 * time.Second

// Command is one argv invocation.
type Command struct {
	// Argv is the program followed by its arguments. No shell is involved.
	Argv []string

	// Dir is the working directory. Empty means the runner's default.
	Dir string
}

// String renders the command for logs.
func (c Command) String() string {
	return strings.Join(c.Argv, " ")
}

// Result is the outcome of a command that ran to completion.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner executes commands. Run returns an error only when the command
// could not be run or was interrupted; a non-zero exit is reported in
// Result.ExitCode.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// LocalRunner runs commands on the local host.
type LocalRunner struct {
	// WaitDelay is passed to exec.Cmd. Zero means DefaultWaitDelay.
	WaitDelay time.Duration

	// Env replaces the process environment when non-nil.
	Env []string
}

// NewLocalRunner creates a local runner.
func NewLocalRunner() *LocalRunner {
	return &LocalRunner{WaitDelay: DefaultWaitDelay}
}

// Run implements Runner.
func (r *LocalRunner) Run(ctx context.Context, c Command) (*Result, error) {
	if len(c.Argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	if r.Env != nil {
		cmd.Env = r.Env
	}
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}

	// Setup output capture
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctx.Err() != nil {
		return result, ctx.Err()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("failed to execute %s: %w", c.Argv[0], err)
	}

	return result, nil
}
