// Package execrunner implements workflow.AgentRunner by shelling out to an
// arbitrary CLI agent (e.g. "claude -p", or a mockagent binary in tests).
// It is the trivial counterpart to anthropicrunner: no process management,
// event streaming, or output buffering beyond what's needed to return a
// single captured result.
package execrunner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/coven/daemon/internal/workflow"
)

// Runner spawns the configured command with the prompt appended as its
// final argument, waits for it to exit, and returns combined stdout+stderr.
type Runner struct {
	Command string
	Args    []string
}

// New creates a Runner that invokes command with args, appending the
// rendered prompt as the final argument on each Run.
func New(command string, args []string) *Runner {
	return &Runner{Command: command, Args: args}
}

// Run implements workflow.AgentRunner.
func (r *Runner) Run(ctx context.Context, workDir, prompt string) (*workflow.AgentRunResult, error) {
	args := append(append([]string{}, r.Args...), prompt)

	cmd := exec.CommandContext(ctx, r.Command, args...)
	cmd.Dir = workDir
	cmd.Env = os.Environ()
	cmd.Stdin = nil // non-interactive: child sees immediate EOF on stdin

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()

	result := &workflow.AgentRunResult{
		Output: out.String(),
	}

	if ctx.Err() != nil {
		result.ExitCode = -1
		return result, ctx.Err()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		result.ExitCode = -1
		return result, fmt.Errorf("execrunner: failed to run %s: %w", r.Command, err)
	}

	result.ExitCode = 0
	return result, nil
}

func asExitError(err error, target **exec.ExitError) bool {
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}
	*target = exitErr
	return true
}

var _ workflow.AgentRunner = (*Runner)(nil)
