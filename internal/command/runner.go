// Package command abstracts external command execution behind a narrow
// interface so business logic never touches os/exec directly and tests can
// substitute a recording implementation.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds a single external invocation. Enforcement and tc
// commands are local and fast; anything slower is treated as a failure.
const DefaultTimeout = 30 * time.Second

// Result holds the outcome of an executed command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Error describes a failed command invocation.
type Error struct {
	Argv     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("command %q failed (exit %d): %v: %s",
		strings.Join(e.Argv, " "), e.ExitCode, e.Err, strings.TrimSpace(e.Stderr))
}

func (e *Error) Unwrap() error { return e.Err }

// Runner executes external commands.
type Runner interface {
	// Run executes argv and returns an *Error on non-zero exit.
	Run(ctx context.Context, argv []string) error
	// Output executes argv and returns captured stdout/stderr and exit code.
	// A non-zero exit still returns the Result alongside the *Error.
	Output(ctx context.Context, argv []string) (Result, error)
	// RunInput executes argv with input supplied on stdin.
	RunInput(ctx context.Context, input string, argv []string) error
}

// ExecRunner executes real commands with a bounded per-call timeout.
type ExecRunner struct {
	Timeout time.Duration
}

// NewExecRunner creates a runner with the given timeout (DefaultTimeout if zero).
func NewExecRunner(timeout time.Duration) *ExecRunner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ExecRunner{Timeout: timeout}
}

func (r *ExecRunner) run(ctx context.Context, input string, argv []string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, &Error{Argv: argv, ExitCode: -1, Err: errors.New("empty argv")}
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if input != "" {
		cmd.Stdin = strings.NewReader(input)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	if ctx.Err() == context.DeadlineExceeded {
		return res, &Error{Argv: argv, ExitCode: res.ExitCode, Stderr: res.Stderr, Err: fmt.Errorf("timed out after %v", timeout)}
	}
	if err != nil {
		return res, &Error{Argv: argv, ExitCode: res.ExitCode, Stderr: res.Stderr, Err: err}
	}
	return res, nil
}

// Run executes argv and returns an *Error on non-zero exit.
func (r *ExecRunner) Run(ctx context.Context, argv []string) error {
	_, err := r.run(ctx, "", argv)
	return err
}

// Output executes argv and returns captured output.
func (r *ExecRunner) Output(ctx context.Context, argv []string) (Result, error) {
	return r.run(ctx, "", argv)
}

// RunInput executes argv with input on stdin.
func (r *ExecRunner) RunInput(ctx context.Context, input string, argv []string) error {
	_, err := r.run(ctx, input, argv)
	return err
}
