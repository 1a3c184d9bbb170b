package invariants

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// InvariantStateTransitionLegal requires session lifecycle transitions to follow the deterministic state machine.
	InvariantStateTransitionLegal = "state_transition_legal"
	// InvariantSingleActiveProgram requires at most one active program per session.
	InvariantSingleActiveProgram = "single_active_program"
	// InvariantWorkerUIDStable requires a worker to report one UID for its lifetime.
	InvariantWorkerUIDStable = "worker_uid_stable"
	// InvariantStreamsClosedBeforeKill requires stdio streams to be released before the process is signalled.
	InvariantStreamsClosedBeforeKill = "streams_closed_before_kill"
)

const (
	// SeverityWarn is used for non-fatal invariant violations.
	SeverityWarn = "warn"
	// SeverityError is used for fatal invariant violations.
	SeverityError = "error"
)

var invariantChecksEnabled atomic.Bool

func init() {
	invariantChecksEnabled.Store(true)
}

// ViolationDetails captures invariant violation context for telemetry events.
type ViolationDetails struct {
	WhatInvariant string
	WhereDetected string
	WhyViolated   string
	StackTrace    string
	Additional    map[string]string
}

// SetEnabled globally enables or disables invariant checks.
func SetEnabled(enabled bool) {
	invariantChecksEnabled.Store(enabled)
}

// Enabled reports whether invariant checks are currently enabled.
func Enabled() bool {
	return invariantChecksEnabled.Load()
}

// InvariantViolation emits an invariant.violation telemetry event on the active span.
// If the context has no active span, a short synthetic span is created for observability.
func InvariantViolation(
	ctx context.Context,
	invariantName string,
	severity string,
	details ViolationDetails,
) {
	if !Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	invariantName = strings.TrimSpace(invariantName)
	if invariantName == "" {
		invariantName = "unknown_invariant"
	}
	severity = normalizeSeverity(severity)

	attrs := []attribute.KeyValue{
		attribute.String("invariant_name", invariantName),
		attribute.String("severity", severity),
		attribute.String("what_invariant", strings.TrimSpace(details.WhatInvariant)),
		attribute.String("where_detected", strings.TrimSpace(details.WhereDetected)),
		attribute.String("why_violated", strings.TrimSpace(details.WhyViolated)),
	}
	if stack := strings.TrimSpace(details.StackTrace); stack != "" {
		attrs = append(attrs, attribute.String("stack_trace", stack))
	}

	if len(details.Additional) > 0 {
		keys := make([]string, 0, len(details.Additional))
		for key := range details.Additional {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			value := strings.TrimSpace(details.Additional[key])
			if value == "" {
				continue
			}
			attrs = append(attrs, attribute.String("context."+key, value))
		}
	}

	span := trace.SpanFromContext(ctx)
	if span != nil && span.SpanContext().IsValid() {
		span.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
		return
	}

	tracedCtx, temporarySpan := otel.Tracer("flume/invariants").Start(ctx, "invariant.violation")
	defer temporarySpan.End()
	temporarySpan.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
	_ = tracedCtx
}

// CheckStateTransitionLegal validates the state_transition_legal invariant.
func CheckStateTransitionLegal(
	ctx context.Context,
	whereDetected string,
	sessionKey string,
	fromState string,
	toState string,
	legal bool,
) bool {
	if legal {
		return true
	}
	InvariantViolation(ctx, InvariantStateTransitionLegal, SeverityError, ViolationDetails{
		WhatInvariant: "session state transition is legal",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("illegal transition for session=%s from=%s to=%s", sessionKey, fromState, toState),
		Additional: map[string]string{
			"session_key": strings.TrimSpace(sessionKey),
			"from_state":  strings.TrimSpace(fromState),
			"to_state":    strings.TrimSpace(toState),
		},
	})
	return false
}

// CheckSingleActiveProgram validates the single_active_program invariant.
func CheckSingleActiveProgram(ctx context.Context, whereDetected, sessionKey string, idle bool) bool {
	if idle {
		return true
	}
	InvariantViolation(ctx, InvariantSingleActiveProgram, SeverityError, ViolationDetails{
		WhatInvariant: "at most one active program per session",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("session=%s already has an active program", sessionKey),
		Additional: map[string]string{
			"session_key": strings.TrimSpace(sessionKey),
		},
	})
	return false
}

// CheckWorkerUIDStable validates the worker_uid_stable invariant.
func CheckWorkerUIDStable(ctx context.Context, whereDetected, sessionKey, previousUID, reportedUID string) bool {
	previousUID = strings.TrimSpace(previousUID)
	reportedUID = strings.TrimSpace(reportedUID)
	if previousUID == "" || previousUID == reportedUID {
		return true
	}
	InvariantViolation(ctx, InvariantWorkerUIDStable, SeverityWarn, ViolationDetails{
		WhatInvariant: "worker reports one UID for its lifetime",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("session=%s uid changed from %s to %s", sessionKey, previousUID, reportedUID),
		Additional: map[string]string{
			"session_key":  sessionKey,
			"previous_uid": previousUID,
			"reported_uid": reportedUID,
		},
	})
	return false
}

// CheckStreamsClosedBeforeKill validates the streams_closed_before_kill invariant.
func CheckStreamsClosedBeforeKill(ctx context.Context, whereDetected, sessionKey string, closed bool) bool {
	if closed {
		return true
	}
	InvariantViolation(ctx, InvariantStreamsClosedBeforeKill, SeverityError, ViolationDetails{
		WhatInvariant: "stdio streams are released before the process is signalled",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("session=%s was signalled while streams were still open", sessionKey),
		Additional: map[string]string{
			"session_key": strings.TrimSpace(sessionKey),
		},
	})
	return false
}

func normalizeSeverity(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case SeverityWarn:
		return SeverityWarn
	case SeverityError:
		return SeverityError
	default:
		return SeverityError
	}
}
