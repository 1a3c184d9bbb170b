package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// RunResult captures the outcome of a one-shot command execution.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runner executes one-shot commands. The session supervisor does not use
// it; it exists for probes such as the engine locator's version check.
type Runner interface {
	Run(ctx context.Context, path string, args ...string) (RunResult, error)
}

// ExecRunner runs commands via os/exec.
type ExecRunner struct{}

var _ Runner = (*ExecRunner)(nil)

// Run executes path with args and waits for completion, honouring ctx
// cancellation and deadline. A non-zero exit is not an error; the caller
// inspects ExitCode. Output is captured whole, trimmed of trailing
// whitespace.
func (r *ExecRunner) Run(ctx context.Context, path string, args ...string) (RunResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return RunResult{}, errors.New("executable path is required")
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	result := RunResult{
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		ExitCode: -1,
		Duration: time.Since(started),
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, fmt.Errorf("run %s: %w", path, ctxErr)
		}
		return result, fmt.Errorf("run %s: %w", path, err)
	}
	return result, nil
}
