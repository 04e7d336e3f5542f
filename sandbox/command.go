package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// cliWaitDelay bounds how long a cancelled CLI call may hold its pipes open.
const cliWaitDelay = 5 * time.Second

// CommandRunner runs one container CLI invocation.
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner runs commands with os/exec, without a shell.
type RealCommandRunner struct{}

// RunCommand executes args[0] with the remaining arguments. A non-zero exit
// is reported through exitCode, not err.
func (RealCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) == 0 {
		return "", "", 0, errors.New("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // arguments are built by CLIRuntime, never through a shell
	cmd.WaitDelay = cliWaitDelay

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr) && ctx.Err() == nil:
			return stdoutBuf.String(), stderrBuf.String(), exitErr.ExitCode(), nil
		case errors.Is(err, exec.ErrNotFound):
			return "", "", -1, fmt.Errorf("container CLI %q not installed: %w", args[0], err)
		case ctx.Err() != nil:
			return stdoutBuf.String(), stderrBuf.String(), -1, ctx.Err()
		default:
			return "", "", -1, err
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), 0, nil
}
