package proc

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExecRunnerCapturesOutput(t *testing.T) {
	t.Parallel()
	requireUnix(t)

	runner := &ExecRunner{}
	result, err := runner.Run(context.Background(), "/bin/sh", "-c", "echo out; echo err >&2")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Stdout != "out" {
		t.Fatalf("stdout = %q, want %q", result.Stdout, "out")
	}
	if result.Stderr != "err" {
		t.Fatalf("stderr = %q, want %q", result.Stderr, "err")
	}
	if result.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", result.ExitCode)
	}
}

func TestExecRunnerReportsNonZeroExitWithoutError(t *testing.T) {
	t.Parallel()
	requireUnix(t)

	runner := &ExecRunner{}
	result, err := runner.Run(context.Background(), "/bin/sh", "-c", "exit 7")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.ExitCode != 7 {
		t.Fatalf("exit code = %d, want 7", result.ExitCode)
	}
}

func TestExecRunnerHonoursContextTimeout(t *testing.T) {
	t.Parallel()
	requireUnix(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	runner := &ExecRunner{}
	_, err := runner.Run(ctx, "/bin/sh", "-c", "sleep 5")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
}

func TestExecRunnerRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	runner := &ExecRunner{}
	if _, err := runner.Run(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestExecRunnerMissingExecutable(t *testing.T) {
	t.Parallel()
	requireUnix(t)

	runner := &ExecRunner{}
	if _, err := runner.Run(context.Background(), "/nonexistent/flumeng-probe"); err == nil {
		t.Fatal("expected error for missing executable")
	}
}
