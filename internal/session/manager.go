package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/flumeproject/flume/internal/commlog"
	"github.com/flumeproject/flume/internal/events"
	"github.com/flumeproject/flume/internal/proc"
	"github.com/flumeproject/flume/internal/protocol"
	"github.com/flumeproject/flume/internal/state"
	"github.com/flumeproject/flume/internal/telemetry/invariants"
)

// DefaultShutdownGrace bounds how long Shutdown waits for any single
// worker to die after the force kill.
const DefaultShutdownGrace = 2 * time.Second

var (
	// ErrSessionNotFound is returned for operations on unknown keys.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionInactive is returned when a command targets a session in a
	// terminal state.
	ErrSessionInactive = errors.New("session inactive")
	// ErrSessionActive is returned by RemoveSession for sessions that have
	// not yet reached a terminal state.
	ErrSessionActive = errors.New("session still active")
)

// StatusSink receives human-readable status lines for display. It may be
// invoked from monitor goroutines; a panicking sink is recovered and
// logged.
type StatusSink func(message string)

// ResultRouter claims result messages whose originating command is the
// configured fetch command, bypassing program dispatch.
type ResultRouter func(sessionKey string, msg protocol.Message)

// Option configures Manager construction.
type ManagerOption func(*Manager)

// WithLogger sets the runtime logger.
func WithLogger(logger *charmlog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger == nil {
			return
		}
		m.logger = logger
	}
}

// WithStatusSink sets the display sink for status lines.
func WithStatusSink(sink StatusSink) ManagerOption {
	return func(m *Manager) {
		m.statusSink = sink
	}
}

// WithHub sets the event hub used for lifecycle fan-out.
func WithHub(hub *events.Hub) ManagerOption {
	return func(m *Manager) {
		if hub == nil {
			return
		}
		m.hub = hub
	}
}

// WithCommLogCapacity bounds each session's communication journal.
// Zero keeps every line.
func WithCommLogCapacity(capacity int) ManagerOption {
	return func(m *Manager) {
		m.logCapacity = capacity
	}
}

// WithShutdownGrace bounds the per-worker wait during Shutdown.
func WithShutdownGrace(grace time.Duration) ManagerOption {
	return func(m *Manager) {
		if grace <= 0 {
			return
		}
		m.shutdownGrace = grace
	}
}

// WithBaseEnv sets environment entries appended to every worker's
// inherited environment.
func WithBaseEnv(env map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(env) == 0 {
			return
		}
		m.baseEnv = make(map[string]string, len(env))
		for key, value := range env {
			m.baseEnv[key] = value
		}
	}
}

// WithFetchResultCommand overrides the command name whose results are
// diverted to the result router.
func WithFetchResultCommand(name string) ManagerOption {
	return func(m *Manager) {
		name = strings.TrimSpace(name)
		if name == "" {
			return
		}
		m.fetchResultCmd = name
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now == nil {
			return
		}
		m.now = now
	}
}

// Manager owns the table of supervised engine sessions. It launches
// workers, runs two monitor goroutines per session, dispatches decoded
// protocol messages, and fans lifecycle events out to listeners. Each
// manager owns its own key counter; there is no process-wide state.
type Manager struct {
	launcher       Launcher
	logger         *charmlog.Logger
	hub            *events.Hub
	machine        *state.Machine
	statusSink     StatusSink
	now            func() time.Time
	logCapacity    int
	shutdownGrace  time.Duration
	fetchResultCmd string
	baseEnv        map[string]string

	mu           sync.Mutex
	counter      int
	sessions     map[string]*Session
	resultRouter ResultRouter
	shutdown     bool
}

// NewManager builds a session manager around the given launcher.
func NewManager(launcher Launcher, options ...ManagerOption) (*Manager, error) {
	if launcher == nil {
		return nil, errors.New("launcher is required")
	}

	manager := &Manager{
		launcher:       launcher,
		logger:         charmlog.Default(),
		hub:            events.NewHub(),
		now:            time.Now,
		logCapacity:    commlog.DefaultCapacity,
		shutdownGrace:  DefaultShutdownGrace,
		fetchResultCmd: protocol.CmdGetResult,
		sessions:       map[string]*Session{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(manager)
	}
	manager.machine = state.NewMachine(manager, state.WithClock(manager.now))

	return manager, nil
}

// RecordTransition journals accepted state transitions into the owning
// session's communication log.
func (m *Manager) RecordTransition(sessionKey string, record state.TransitionRecord) error {
	session, ok := m.lookup(sessionKey)
	if !ok {
		return nil
	}
	text := fmt.Sprintf("State: %s -> %s", record.FromState, record.ToState)
	if record.Reason != "" {
		text += " (" + record.Reason + ")"
	}
	session.journal.Record(commlog.System, commlog.SystemChannel, text)
	return nil
}

// StartSession launches a worker and registers it in Starting state. It
// returns once the process has been spawned; readiness is signalled later
// through an event. Spawn failure is returned directly and registers
// nothing.
func (m *Manager) StartSession(ctx context.Context, path string, args []string, workingDir string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return "", errors.New("manager is shut down")
	}
	m.counter++
	key := fmt.Sprintf("session-%d", m.counter)
	m.mu.Unlock()

	worker, err := m.launcher.Launch(proc.Spec{
		Path:       path,
		Args:       args,
		WorkingDir: workingDir,
		Env:        m.baseEnv,
	})
	if err != nil {
		return "", fmt.Errorf("launch worker for %s: %w", key, err)
	}

	now := m.now()
	session := &Session{
		key:          key,
		worker:       worker,
		journal:      commlog.New(key, m.logCapacity),
		st:           state.Starting,
		status:       "Starting worker process",
		startedAt:    now,
		lastActivity: now,
	}

	m.mu.Lock()
	m.sessions[key] = session
	m.mu.Unlock()

	m.logger.Info("session started", "session", key, "pid", worker.PID(), "path", path)
	m.publish(session, "", state.Starting, "Starting worker process")

	session.monitors.Add(2)
	go m.monitorStdout(session)
	go m.monitorStderr(session)
	go m.reapWhenDone(session)

	return key, nil
}

// SendCommand writes one protocol line to the session's worker, journals
// it, and moves the session to Running, or to Completing for a stop
// request. The line is sent as-is except for the trailing newline.
func (m *Manager) SendCommand(ctx context.Context, key, line string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	session, ok := m.lookup(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}
	if !session.Active() {
		return fmt.Errorf("%w: %s is %s", ErrSessionInactive, key, session.State())
	}

	stopping := false
	if command, ok := protocol.DecodeCommand(line); ok {
		stopping = command.Kind == protocol.CommandKindStop
		if command.Name != "" {
			session.mu.Lock()
			session.lastCommand = command.Name
			session.mu.Unlock()
		}
	}

	session.journal.Record(commlog.ToWorker, commlog.Stdin, line)
	if err := session.worker.WriteLine(line); err != nil {
		m.transition(session, state.Error, fmt.Sprintf("Failed to send command: %v", err))
		return fmt.Errorf("send command to %s: %w", key, err)
	}

	session.touch(m.now())
	if stopping {
		m.transition(session, state.Completing, "Stop requested")
	} else {
		m.transition(session, state.Running, "Command sent")
	}
	return nil
}

// TerminateSession force-kills the worker and marks the session
// Terminated. The record stays in the table until RemoveSession.
func (m *Manager) TerminateSession(ctx context.Context, key string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	session, ok := m.lookup(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}

	session.worker.Cancel(true)
	invariants.CheckStreamsClosedBeforeKill(ctx, "session.manager.TerminateSession", key, session.worker.StreamsClosed())
	m.transition(session, state.Terminated, "Session terminated")
	m.logger.Info("session terminated", "session", key)
	return nil
}

// RemoveSession drops a session from the table. Only sessions in a
// terminal state may be removed.
func (m *Manager) RemoveSession(key string) error {
	session, ok := m.lookup(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}
	if session.Active() {
		return fmt.Errorf("%w: %s is %s", ErrSessionActive, key, session.State())
	}

	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()
	return nil
}

// GetSession returns the session for key.
func (m *Manager) GetSession(key string) (*Session, bool) {
	return m.lookup(key)
}

// ListSessions returns all registered sessions ordered by key number.
func (m *Manager) ListSessions() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		out = append(out, session)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return sessionOrdinal(out[i].key) < sessionOrdinal(out[j].key)
	})
	return out
}

// SetProgram attaches a workflow program to an active session. Attaching
// over a still-active program is refused.
func (m *Manager) SetProgram(key string, program Program) error {
	session, ok := m.lookup(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}
	if !session.Active() {
		return fmt.Errorf("%w: %s is %s", ErrSessionInactive, key, session.State())
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	if session.program != nil && session.program.IsActive() {
		invariants.CheckSingleActiveProgram(context.Background(), "session.manager.SetProgram", key, false)
		return fmt.Errorf("session %s already has an active program", key)
	}
	session.program = program
	return nil
}

// AddListener registers a lifecycle event listener and returns its
// handle for removal.
func (m *Manager) AddListener(listener events.Listener) uint64 {
	return m.hub.AddListener(listener)
}

// RemoveListener drops a previously registered listener.
func (m *Manager) RemoveListener(id uint64) {
	m.hub.RemoveListener(id)
}

// Subscribe returns a buffered channel of lifecycle events and an
// unsubscribe function.
func (m *Manager) Subscribe() (<-chan events.Event, func()) {
	return m.hub.Subscribe()
}

// SetResultRouter registers the single sink that claims results of the
// fetch command. A nil router restores normal dispatch.
func (m *Manager) SetResultRouter(router ResultRouter) {
	m.mu.Lock()
	m.resultRouter = router
	m.mu.Unlock()
}

// WaitReady blocks until the session reaches Ready, fails, or the
// context expires. A terminal state is reported as an error carrying the
// last status message.
func (m *Manager) WaitReady(ctx context.Context, key string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	eventsCh, unsubscribe := m.hub.Subscribe()
	defer unsubscribe()

	check := func() (bool, error) {
		session, ok := m.lookup(key)
		if !ok {
			return false, fmt.Errorf("%w: %s", ErrSessionNotFound, key)
		}
		current := session.State()
		if current == state.Ready {
			return true, nil
		}
		if state.Terminal(current) {
			return false, fmt.Errorf("%w: %s is %s: %s", ErrSessionInactive, key, current, session.StatusMessage())
		}
		return false, nil
	}

	if done, err := check(); done || err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-eventsCh:
			if !ok {
				return errors.New("event stream closed")
			}
			if event.SessionKey != key {
				continue
			}
			if done, err := check(); done || err != nil {
				return err
			}
		}
	}
}

// Shutdown force-kills every active worker in parallel and clears the
// session table. It completes within the grace window per worker even if
// a worker ignores the kill.
func (m *Manager) Shutdown(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	m.shutdown = true
	targets := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		targets = append(targets, session)
	}
	m.sessions = map[string]*Session{}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, session := range targets {
		session := session
		wg.Add(1)
		go func() {
			defer wg.Done()
			session.worker.Cancel(true)
			invariants.CheckStreamsClosedBeforeKill(ctx, "session.manager.Shutdown", session.key, session.worker.StreamsClosed())
			select {
			case <-session.worker.Done():
			case <-time.After(m.shutdownGrace):
				m.logger.Warn("worker ignored kill during shutdown", "session", session.key, "pid", session.worker.PID())
			case <-ctx.Done():
			}
			m.transition(session, state.Terminated, "Manager shutdown")
		}()
	}
	wg.Wait()
	m.logger.Info("session manager shut down", "sessions", len(targets))
}

func (m *Manager) lookup(key string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[key]
	return session, ok
}

func (m *Manager) fetchRouter() ResultRouter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resultRouter
}

// transition applies one lifecycle transition, journals it, and fires an
// event. Illegal transitions are dropped with a warning; terminal states
// never regress.
func (m *Manager) transition(session *Session, to state.State, message string) bool {
	session.mu.Lock()
	from := session.st
	session.mu.Unlock()

	if from == to {
		if message != "" {
			session.mu.Lock()
			session.status = message
			session.mu.Unlock()
		}
		return true
	}

	if err := m.machine.Transition(context.Background(), session.key, from, to, message); err != nil {
		m.logger.Warn("state transition rejected", "session", session.key, "from", from, "to", to, "err", err)
		return false
	}

	session.mu.Lock()
	// Re-check under the lock; a concurrent transition may have won.
	if session.st != from {
		session.mu.Unlock()
		return false
	}
	session.st = to
	session.status = message
	session.lastActivity = m.now()
	session.mu.Unlock()

	m.publish(session, from, to, message)
	return true
}

func (m *Manager) publish(session *Session, from, to state.State, message string) {
	m.hub.Publish(events.Event{
		SessionKey: session.key,
		OldState:   string(from),
		NewState:   string(to),
		Message:    message,
		Timestamp:  m.now(),
	})
}

// reportStatus hands a status line to the display sink, surviving a
// panicking sink.
func (m *Manager) reportStatus(message string) {
	sink := m.statusSink
	if sink == nil {
		return
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			m.logger.Error("status sink panicked", "panic", recovered)
		}
	}()
	sink(message)
}

func sessionOrdinal(key string) int {
	ordinal := 0
	for _, r := range key {
		if r >= '0' && r <= '9' {
			ordinal = ordinal*10 + int(r-'0')
		}
	}
	return ordinal
}
