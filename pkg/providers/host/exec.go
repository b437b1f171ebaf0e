// Package host implements the engine capabilities against the local operating system.
package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Runner spawns processes. It is satisfied by *ExecRunner and by test fakes.
type Runner interface {
	// Run executes argv and returns its exit status. err is non-nil only when
	// the process could not be started.
	Run(ctx context.Context, argv []string) (int, error)

	// Output is Run with stdout captured.
	Output(ctx context.Context, argv []string) ([]byte, int, error)
}

// ExecRunner runs commands directly, without a shell.
type ExecRunner struct {
	logger zerolog.Logger
	stdout io.Writer
	stderr io.Writer
	env    []string
}

// ExecOption configures an ExecRunner.
type ExecOption func(*ExecRunner)

// WithOutput sends child stdout and stderr to the given writers.
func WithOutput(stdout, stderr io.Writer) ExecOption {
	return func(r *ExecRunner) {
		r.stdout = stdout
		r.stderr = stderr
	}
}

// WithEnv appends KEY=VALUE pairs to the child environment.
func WithEnv(env ...string) ExecOption {
	return func(r *ExecRunner) {
		r.env = append(r.env, env...)
	}
}

// NewExecRunner creates a runner. Child output is discarded unless WithOutput is given.
func NewExecRunner(logger zerolog.Logger, opts ...ExecOption) *ExecRunner {
	r := &ExecRunner{
		logger: logger.With().Str("component", "exec").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run implements engine.CommandRunner.
func (r *ExecRunner) Run(ctx context.Context, argv []string) (int, error) {
	return r.run(ctx, argv, r.stdout)
}

// Output runs argv and returns its stdout.
func (r *ExecRunner) Output(ctx context.Context, argv []string) ([]byte, int, error) {
	var stdout bytes.Buffer
	code, err := r.run(ctx, argv, &stdout)
	return stdout.Bytes(), code, err
}

func (r *ExecRunner) run(ctx context.Context, argv []string, stdout io.Writer) (int, error) {
	if len(argv) == 0 {
		return -1, fmt.Errorf("empty command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = r.stderr
	if len(r.env) > 0 {
		cmd.Env = append(cmd.Environ(), r.env...)
	}

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			r.logger.Debug().
				Str("command", strings.Join(argv, " ")).
				Int("exit_code", exitErr.ExitCode()).
				Dur("duration", duration).
				Msg("Command exited with non-zero status")
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("failed to execute %s: %w", argv[0], err)
	}

	r.logger.Debug().
		Str("command", strings.Join(argv, " ")).
		Dur("duration", duration).
		Msg("Command completed")
	return 0, nil
}

// runChecked runs argv and turns a non-zero exit into an error.
func runChecked(ctx context.Context, runner Runner, argv ...string) error {
	code, err := runner.Run(ctx, argv)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%s exited with status %d", strings.Join(argv, " "), code)
	}
	return nil
}
