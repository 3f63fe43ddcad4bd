package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/apphost/reposync/pkg/executor"
)

// Runner runs executor commands on the remote host. It implements
// executor.Runner.
type Runner struct {
	client *SSHClient
}

// NewRunner wraps client. The connection is opened on first use.
func NewRunner(client *SSHClient) *Runner {
	return &Runner{client: client}
}

// Close releases the underlying connection.
func (r *Runner) Close() error {
	return r.client.Disconnect()
}

// Run implements executor.Runner. A command that exits non-zero is reported
// through Result.ExitCode; the error is reserved for transport failures and
// context cancellation.
func (r *Runner) Run(ctx context.Context, cmd executor.Command) (*executor.Result, error) {
	if len(cmd.Argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	session, err := r.session(ctx)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	line := ShellCommand(cmd)
	start := time.Now()
	if err := session.Start(line); err != nil {
		return nil, &TransportError{Op: "exec", Err: err, IsTemporary: true}
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	var waitErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		return &executor.Result{
			ExitCode: -1,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(start),
		}, ctx.Err()
	case waitErr = <-done:
	}

	res := &executor.Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	var exitErr *ssh.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		res.ExitCode = exitErr.ExitStatus()
	default:
		res.ExitCode = -1
		return res, &TransportError{Op: "exec", Err: waitErr, IsTemporary: true}
	}

	r.client.logger.Debug().
		Str("command", line).
		Int("exit_code", res.ExitCode).
		Dur("duration", res.Duration).
		Msg("Remote command completed")

	return res, nil
}

// session opens a session, connecting or reconnecting once when needed.
func (r *Runner) session(ctx context.Context) (*ssh.Session, error) {
	if !r.client.IsConnected() {
		if err := r.client.Connect(ctx); err != nil {
			return nil, err
		}
	}

	session, err := r.client.newSession()
	if err == nil {
		return session, nil
	}

	r.client.logger.Warn().Err(err).Msg("Session failed, reconnecting")
	if err := r.client.Connect(ctx); err != nil {
		return nil, err
	}
	return r.client.newSession()
}

// ShellCommand renders cmd as a single POSIX shell line, changing into
// cmd.Dir first when set.
func ShellCommand(cmd executor.Command) string {
	quoted := make([]string, len(cmd.Argv))
	for i, arg := range cmd.Argv {
		quoted[i] = shellQuote(arg)
	}
	line := strings.Join(quoted, " ")
	if cmd.Dir != "" {
		line = "cd " + shellQuote(cmd.Dir) + " && " + line
	}
	return line
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	for _, r := range s {
		if !isShellSafe(r) {
			return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
		}
	}
	return s
}

func isShellSafe(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("@%+=:,./_-", r)
}
