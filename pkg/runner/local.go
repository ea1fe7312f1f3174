package runner

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

// DefaultShell runs commands when LocalRunner.Shell is empty.
const DefaultShell = "/bin/sh"

// waitDelay bounds how long a killed command may hold its output pipes.
const waitDelay = 2 * time.Second

// LocalRunner runs commands with a local shell.
type LocalRunner struct {
	// Shell is invoked as "<shell> -c <command>".
	Shell string

	// Dir is the working directory; empty means the current one.
	Dir string

	// Env is appended to the process environment.
	Env []string

	logger zerolog.Logger
}

// NewLocalRunner creates a runner using shell, or DefaultShell when empty.
func NewLocalRunner(shell string, logger zerolog.Logger) *LocalRunner {
	if shell == "" {
		shell = DefaultShell
	}
	return &LocalRunner{
		Shell:  shell,
		logger: logger.With().Str("component", "local-runner").Logger(),
	}
}

// Run executes command and returns its combined output. Cancelling ctx
// kills the shell.
func (r *LocalRunner) Run(ctx context.Context, command string) (string, int, error) {
	startTime := time.Now()

	cmd := exec.CommandContext(ctx, r.Shell, "-c", command)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	cmd.WaitDelay = waitDelay

	out, err := cmd.CombinedOutput()
	output := string(out)

	r.logger.Debug().
		Str("command", command).
		Int("output_len", len(output)).
		Dur("duration", time.Since(startTime)).
		Err(err).
		Msg("command completed")

	if ctxErr := ctx.Err(); ctxErr != nil {
		return output, -1, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return output, exitErr.ExitCode(), nil
		}
		return output, -1, err
	}
	return output, 0, nil
}
