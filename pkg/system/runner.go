// Package system holds the capabilities the reconciler drives but does not
// design: command execution, privilege elevation, the package manager and
// the service manager.
package system

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/google/shlex"
	"github.com/rs/zerolog"

	cerrors "peertech.de/converge/pkg/errors"
)

// Result is the outcome of a command that ran to completion, whatever its exit
// code.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner executes commands. Run only returns an error if the command could
// not be started or was interrupted; a non-zero exit code is reported in the
// Result.
type Runner interface {
	Run(ctx context.Context, argv ...string) (*Result, error)
}

// CommandExecutionError represents a command that executed but exited with an
// unexpected code.
type CommandExecutionError struct {
	Command  string
	ExitCode int
	Expected []int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

func (e *CommandExecutionError) Error() string {
	msg := fmt.Sprintf("command '%s' failed with exit code %d (expected %v)",
		e.Command, e.ExitCode, e.Expected)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + lastLine(s)
	}
	return msg
}

// Check turns a result with an unexpected exit code into a
// CommandExecutionError. With no expected codes only 0 is accepted.
func Check(argv []string, res *Result, expected ...int) error {
	if len(expected) == 0 {
		expected = []int{0}
	}
	if slices.Contains(expected, res.ExitCode) {
		return nil
	}
	return &CommandExecutionError{
		Command:  strings.Join(argv, " "),
		ExitCode: res.ExitCode,
		Expected: expected,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		Duration: res.Duration,
	}
}

// Split parses a shell-like command string into argv.
func Split(command string) ([]string, error) {
	parts, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid command syntax %q: %w", command, err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return parts, nil
}

// ExecRunner runs commands as local processes. Env, when non-nil, is the
// complete environment of every child; the runner never inherits the
// environment of the calling process implicitly.
type ExecRunner struct {
	Env    []string
	Dir    string
	Logger zerolog.Logger
}

func (r *ExecRunner) Run(ctx context.Context, argv ...string) (*Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = r.Env
	cmd.Dir = r.Dir

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return nil, cerrors.Wrapf(err, cerrors.ErrTimeout, "command %q timed out", argv[0])
		case errors.Is(ctx.Err(), context.Canceled):
			return nil, cerrors.Wrapf(err, cerrors.ErrCancelled, "command %q cancelled", argv[0])
		}

		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			// Not found, permission denied and friends.
			return nil, fmt.Errorf("execute %q: %w", argv[0], err)
		}
		res.ExitCode = exitErr.ExitCode()
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Exited() {
			res.ExitCode = status.ExitStatus()
		}
	}

	r.Logger.Debug().
		Strs("argv", argv).
		Int("exit_code", res.ExitCode).
		Int("stdout_len", len(res.Stdout)).
		Int("stderr_len", len(res.Stderr)).
		Dur("duration", res.Duration).
		Msg("Command execution completed")

	return res, nil
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
