package tracing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flumeproject/flume/internal/proc"
)

const maxOutputEventBytes = 1024

// Runner decorates a proc.Runner with a span per invocation. Probe
// commands such as engine version checks flow through it so discovery
// shows up in traces.
type Runner struct {
	next proc.Runner
}

var _ proc.Runner = (*Runner)(nil)

// NewRunner wraps next; a nil next falls back to os/exec.
func NewRunner(next proc.Runner) *Runner {
	if next == nil {
		next = &proc.ExecRunner{}
	}
	return &Runner{next: next}
}

// Run executes the command through the wrapped runner and records the
// outcome on a probe.exec span.
func (r *Runner) Run(ctx context.Context, path string, args ...string) (proc.RunResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	redactedArgs := redactArgs(args)
	spanCtx, span := otel.Tracer("flume/tracing").Start(
		ctx,
		"probe.exec",
		trace.WithAttributes(
			attribute.String("tool_name", strings.TrimSpace(path)),
			attribute.String("args_redacted", strings.Join(redactedArgs, " ")),
		),
	)

	started := time.Now()
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	result, err := r.next.Run(spanCtx, path, args...)

	span.SetAttributes(attribute.Int("exit_code", result.ExitCode))
	if result.Stdout != "" {
		span.AddEvent(
			"probe.stdout",
			trace.WithAttributes(attribute.String("output", truncateOutput(result.Stdout, maxOutputEventBytes))),
		)
	}
	if result.Stderr != "" {
		span.AddEvent(
			"probe.stderr",
			trace.WithAttributes(attribute.String("output", truncateOutput(result.Stderr, maxOutputEventBytes))),
		)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	if result.ExitCode != 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("probe exited with code %d", result.ExitCode))
		return result, nil
	}

	span.SetStatus(codes.Ok, "probe completed")
	return result, nil
}

func truncateOutput(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	const marker = "...[truncated]"
	if limit <= len(marker) {
		return value[:limit]
	}
	return value[:limit-len(marker)] + marker
}

func redactArgs(args []string) []string {
	redacted := make([]string, 0, len(args))
	maskNext := false

	for _, arg := range args {
		if maskNext {
			redacted = append(redacted, "<redacted>")
			maskNext = false
			continue
		}

		trimmed := strings.TrimSpace(arg)
		if strings.Contains(trimmed, "=") {
			parts := strings.SplitN(trimmed, "=", 2)
			if len(parts) == 2 && isSensitiveToken(strings.ToLower(parts[0])) {
				redacted = append(redacted, parts[0]+"=<redacted>")
				continue
			}
		}

		lower := strings.ToLower(trimmed)
		if isSensitiveToken(lower) {
			maskNext = true
			redacted = append(redacted, trimmed)
			continue
		}

		redacted = append(redacted, trimmed)
	}

	return redacted
}

func isSensitiveToken(value string) bool {
	sensitiveSubstrings := []string{
		"token",
		"password",
		"passwd",
		"secret",
		"api-key",
		"apikey",
		"auth",
		"bearer",
	}
	for _, candidate := range sensitiveSubstrings {
		if strings.Contains(value, candidate) {
			return true
		}
	}
	return false
}

// FormatCommand returns a deterministic command preview for traces/logs.
func FormatCommand(toolName string, args []string) string {
	parts := append([]string{strings.TrimSpace(toolName)}, args...)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return strings.Join(out, " ")
}

// WrapExecutionError annotates execution failures with command identity.
func WrapExecutionError(toolName string, args []string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("run %s: %w", FormatCommand(toolName, args), err)
}
