// Package repo drives the external repository tools: the composer, the comps
// checkout, the composed tree's sanity checks and the staging link.
package repo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/cordum/masher/core/infra/logging"
)

var ErrCommandFailed = errors.New("command failed")

// Command is one subprocess invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// CommandError carries the exit code and captured stderr of a failed command.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s: exit %d", e.Command, e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

func (e *CommandError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrCommandFailed}
	}
	return []error{ErrCommandFailed, e.Err}
}

// Runner executes commands and returns their stdout.
type Runner interface {
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, c Command) ([]byte, error) {
	logging.Info("repo", "running command", "cmd", c.String(), "dir", c.Dir)
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if out := strings.TrimSpace(stdout.String()); out != "" {
		logging.Debug("repo", "command stdout", "cmd", c.Name, "output", out)
	}
	if runErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		cerr := &CommandError{Command: c.String(), ExitCode: exitCode, Stderr: stderr.String(), Err: runErr}
		if ctxErr := ctx.Err(); ctxErr != nil {
			cerr.Err = ctxErr
		}
		logging.Error("repo", "command failed", "cmd", c.Name, "exit", exitCode, "stderr", strings.TrimSpace(stderr.String()))
		return stdout.Bytes(), cerr
	}
	if errOut := strings.TrimSpace(stderr.String()); errOut != "" {
		logging.Warn("repo", "command stderr", "cmd", c.Name, "output", errOut)
	}
	return stdout.Bytes(), nil
}
