package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/flumeproject/flume/internal/telemetry/invariants"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// State is one phase of a session lifecycle.
type State string

const (
	// Starting covers process launch up to the first worker message.
	Starting State = "starting"
	// Running means the worker is executing a command.
	Running State = "running"
	// Ready means the worker is idle and accepting commands.
	Ready State = "ready"
	// Completing means a stop was requested and the worker is winding down.
	Completing State = "completing"
	// Error is terminal and entered on protocol or process failure.
	Error State = "error"
	// Terminated is terminal and entered once the process has exited.
	Terminated State = "terminated"
)

// Known reports whether s is a recognised session state.
func Known(s State) bool {
	switch s {
	case Starting, Running, Ready, Completing, Error, Terminated:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func Terminal(s State) bool {
	return s == Error || s == Terminated
}

var allowedTransitions = map[State]map[State]struct{}{
	Starting: {
		Running:    {},
		Ready:      {},
		Completing: {},
		Error:      {},
		Terminated: {},
	},
	Running: {
		Ready:      {},
		Completing: {},
		Error:      {},
		Terminated: {},
	},
	Ready: {
		Running:    {},
		Completing: {},
		Error:      {},
		Terminated: {},
	},
	Completing: {
		Ready:      {},
		Error:      {},
		Terminated: {},
	},
}

// Recorder receives accepted transitions, typically a session journal.
type Recorder interface {
	RecordTransition(sessionKey string, record TransitionRecord) error
}

// Option configures Machine construction.
type Option func(*Machine)

// WithTracer configures the tracer used for state transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(machine *Machine) {
		if tracer == nil {
			return
		}
		machine.tracer = tracer
	}
}

// WithClock overrides the timestamp source for transition records.
func WithClock(now func() time.Time) Option {
	return func(machine *Machine) {
		if now == nil {
			return
		}
		machine.now = now
	}
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	SessionKey string
	FromState  State
	ToState    State
	Reason     string
	Timestamp  time.Time
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	SessionKey string
	FromState  State
	ToState    State
	Reason     string
}

func (e *IllegalTransitionError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "illegal transition for session lifecycle"
	}
	return fmt.Sprintf(
		"cannot transition session %q from %q to %q: %s",
		e.SessionKey,
		e.FromState,
		e.ToState,
		reason,
	)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// maxHistory bounds the retained transition records. One shared machine
// serves every session of a manager for its whole lifetime; oldest
// records are evicted first.
const maxHistory = 1000

// Machine validates and records deterministic session state transitions.
// Transition is called concurrently by monitor goroutines and
// caller-side operations of the same manager.
type Machine struct {
	recorder Recorder
	tracer   trace.Tracer
	now      func() time.Time

	historyMu sync.Mutex
	history   []TransitionRecord
}

// NewMachine builds a session state machine. The recorder may be nil when
// transitions only need validation.
func NewMachine(recorder Recorder, options ...Option) *Machine {
	machine := &Machine{
		recorder: recorder,
		tracer:   otel.Tracer("flume/state"),
		now:      time.Now,
		history:  []TransitionRecord{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(machine)
	}
	if machine.tracer == nil {
		machine.tracer = otel.Tracer("flume/state")
	}

	return machine
}

// Transition validates and records one session state transition. A
// same-state transition is accepted and recorded as a no-op.
func (m *Machine) Transition(ctx context.Context, sessionKey string, fromState, toState State, reason string) error {
	if m == nil {
		return errors.New("machine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	normalizedReason := strings.TrimSpace(reason)

	ctx, span := m.tracer.Start(ctx, "state.transition")
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	sessionKey = strings.TrimSpace(sessionKey)
	span.SetAttributes(
		attribute.String("session_key", sessionKey),
		attribute.String("from_state", string(fromState)),
		attribute.String("to_state", string(toState)),
		attribute.String("reason", normalizedReason),
	)

	if sessionKey == "" {
		err := errors.New("session key must not be empty")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if !Known(fromState) || !Known(toState) {
		err := fmt.Errorf("unknown session state in transition %q -> %q", fromState, toState)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if !isAllowed(fromState, toState) {
		invariants.CheckStateTransitionLegal(
			ctx,
			"state.machine.transition",
			sessionKey,
			string(fromState),
			string(toState),
			false,
		)
		err := &IllegalTransitionError{
			SessionKey: sessionKey,
			FromState:  fromState,
			ToState:    toState,
			Reason:     "illegal transition for session lifecycle",
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	record := TransitionRecord{
		SessionKey: sessionKey,
		FromState:  fromState,
		ToState:    toState,
		Reason:     normalizedReason,
		Timestamp:  m.now().UTC(),
	}

	if m.recorder != nil {
		if err := m.recorder.RecordTransition(sessionKey, record); err != nil {
			wrapped := fmt.Errorf("record state transition for %s: %w", sessionKey, err)
			span.RecordError(wrapped)
			span.SetStatus(codes.Error, wrapped.Error())
			return wrapped
		}
	}

	m.appendHistory(record)
	span.SetStatus(codes.Ok, "state transition recorded")
	return nil
}

func (m *Machine) appendHistory(record TransitionRecord) {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()
	m.history = append(m.history, record)
	if len(m.history) > maxHistory {
		m.history = append(m.history[:0], m.history[len(m.history)-maxHistory:]...)
	}
}

// History returns the retained transition records oldest-first, at most
// the last maxHistory of them.
func (m *Machine) History() []TransitionRecord {
	if m == nil {
		return nil
	}
	m.historyMu.Lock()
	defer m.historyMu.Unlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

func isAllowed(fromState, toState State) bool {
	if fromState == toState {
		return true
	}
	nextStates, ok := allowedTransitions[fromState]
	if !ok {
		return false
	}
	_, ok = nextStates[toState]
	return ok
}
