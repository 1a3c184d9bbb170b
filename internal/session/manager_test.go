package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/flumeproject/flume/internal/commlog"
	"github.com/flumeproject/flume/internal/events"
	"github.com/flumeproject/flume/internal/proc"
	"github.com/flumeproject/flume/internal/protocol"
	"github.com/flumeproject/flume/internal/state"
)

type fakeWorker struct {
	mu        sync.Mutex
	written   []string
	writeErr  error
	cancelled bool
	forces    []bool
	exitCode  int

	stdout chan string
	stderr chan string
	done   chan struct{}
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{
		stdout: make(chan string, 32),
		stderr: make(chan string, 32),
		done:   make(chan struct{}),
	}
}

func (w *fakeWorker) PID() int { return 4242 }

func (w *fakeWorker) Alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

func (w *fakeWorker) Done() <-chan struct{} { return w.done }

func (w *fakeWorker) ExitCode() int {
	if w.Alive() {
		return -1
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitCode
}

func (w *fakeWorker) WriteLine(line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancelled {
		return proc.ErrCancelled
	}
	if w.writeErr != nil {
		return w.writeErr
	}
	w.written = append(w.written, strings.TrimSuffix(line, "\n"))
	return nil
}

func (w *fakeWorker) ReadStdoutLine() (string, error) {
	line, ok := <-w.stdout
	if !ok {
		return "", io.EOF
	}
	return line, nil
}

func (w *fakeWorker) ReadStderrLine() (string, error) {
	line, ok := <-w.stderr
	if !ok {
		return "", io.EOF
	}
	return line, nil
}

func (w *fakeWorker) StreamsClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancelled
}

func (w *fakeWorker) Cancel(force bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancelled {
		return false
	}
	w.cancelled = true
	w.forces = append(w.forces, force)
	close(w.stdout)
	close(w.stderr)
	close(w.done)
	return true
}

// exit simulates the process finishing on its own with the given code.
func (w *fakeWorker) exit(code int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancelled {
		return
	}
	w.cancelled = true
	w.exitCode = code
	close(w.stdout)
	close(w.stderr)
	close(w.done)
}

func (w *fakeWorker) writtenLines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.written))
	copy(out, w.written)
	return out
}

type fakeLauncher struct {
	mu      sync.Mutex
	workers []*fakeWorker
	err     error
}

func (l *fakeLauncher) Launch(spec proc.Spec) (Worker, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	worker := newFakeWorker()
	l.workers = append(l.workers, worker)
	return worker, nil
}

func (l *fakeLauncher) worker(i int) *fakeWorker {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.workers[i]
}

func quietLogger() *charmlog.Logger {
	return charmlog.New(io.Discard)
}

func newTestManager(t *testing.T, options ...ManagerOption) (*Manager, *fakeLauncher) {
	t.Helper()
	launcher := &fakeLauncher{}
	options = append([]ManagerOption{WithLogger(quietLogger())}, options...)
	manager, err := NewManager(launcher, options...)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return manager, launcher
}

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartSessionRegistersStartingSessionAndFiresEvent(t *testing.T) {
	t.Parallel()

	manager, _ := newTestManager(t)
	var recorded []events.Event
	var recordedMu sync.Mutex
	manager.AddListener(func(event events.Event) {
		recordedMu.Lock()
		recorded = append(recorded, event)
		recordedMu.Unlock()
	})

	key, err := manager.StartSession(context.Background(), "/usr/bin/flumeng", nil, "")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if key != "session-1" {
		t.Fatalf("key = %q, want session-1", key)
	}

	session, ok := manager.GetSession(key)
	if !ok {
		t.Fatal("session not registered")
	}
	if session.State() != state.Starting {
		t.Fatalf("state = %s, want starting", session.State())
	}

	recordedMu.Lock()
	defer recordedMu.Unlock()
	if len(recorded) != 1 {
		t.Fatalf("events = %d, want 1", len(recorded))
	}
	if recorded[0].OldState != "" || recorded[0].NewState != string(state.Starting) {
		t.Fatalf("event transition = %q -> %q", recorded[0].OldState, recorded[0].NewState)
	}
}

func TestStartSessionSurfacesSpawnFailure(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{err: errors.New("no such executable")}
	manager, err := NewManager(launcher, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	if _, err := manager.StartSession(context.Background(), "/missing", nil, ""); err == nil {
		t.Fatal("expected spawn failure")
	}
	if sessions := manager.ListSessions(); len(sessions) != 0 {
		t.Fatalf("sessions = %d, want 0 after spawn failure", len(sessions))
	}
}

func TestReadyMessageCapturesUIDAndTransitions(t *testing.T) {
	t.Parallel()

	manager, launcher := newTestManager(t)
	eventsCh, unsubscribe := manager.Subscribe()
	defer unsubscribe()

	key, err := manager.StartSession(context.Background(), "/usr/bin/flumeng", nil, "")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	launcher.worker(0).stdout <- `{"m":"rdy","uid":"w1"}`

	session, _ := manager.GetSession(key)
	waitFor(t, "ready state", func() bool { return session.State() == state.Ready })
	if session.WorkerUID() != "w1" {
		t.Fatalf("worker uid = %q, want w1", session.WorkerUID())
	}

	sawReady := false
	deadline := time.After(2 * time.Second)
	for !sawReady {
		select {
		case event := <-eventsCh:
			if event.OldState == string(state.Starting) && event.NewState == string(state.Ready) {
				sawReady = true
			}
		case <-deadline:
			t.Fatal("no starting->ready event observed")
		}
	}
}

func TestSendCommandJournalsAndTransitionsToRunning(t *testing.T) {
	t.Parallel()

	manager, launcher := newTestManager(t)
	key, err := manager.StartSession(context.Background(), "/usr/bin/flumeng", nil, "")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	line := protocol.RunSimulation()
	if err := manager.SendCommand(context.Background(), key, line); err != nil {
		t.Fatalf("send command: %v", err)
	}

	worker := launcher.worker(0)
	if got := worker.writtenLines(); len(got) != 1 || got[0] != line {
		t.Fatalf("written = %v, want [%s]", got, line)
	}

	session, _ := manager.GetSession(key)
	if session.State() != state.Running {
		t.Fatalf("state = %s, want running", session.State())
	}

	found := false
	for _, entry := range session.Log().Snapshot() {
		if entry.Direction == commlog.ToWorker && entry.Text == line {
			found = true
		}
	}
	if !found {
		t.Fatal("command not journaled")
	}
}

func TestSendStopRequestMovesSessionToCompleting(t *testing.T) {
	t.Parallel()

	manager, launcher := newTestManager(t)
	key, err := manager.StartSession(context.Background(), "/usr/bin/flumeng", nil, "")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := manager.SendCommand(context.Background(), key, protocol.RunSimulation()); err != nil {
		t.Fatalf("send command: %v", err)
	}

	if err := manager.SendCommand(context.Background(), key, protocol.Encode(protocol.NewStop("user cancel"))); err != nil {
		t.Fatalf("send stop: %v", err)
	}

	session, _ := manager.GetSession(key)
	if session.State() != state.Completing {
		t.Fatalf("state = %s, want completing", session.State())
	}

	// The worker acknowledges the stop and returns to its prompt.
	launcher.worker(0).stdout <- `{"m":"rdy","rc":2}`
	waitFor(t, "ready after stop", func() bool { return session.State() == state.Ready })
}

func TestSendCommandFailsOnUnknownAndInactiveSessions(t *testing.T) {
	t.Parallel()

	manager, launcher := newTestManager(t)

	err := manager.SendCommand(context.Background(), "session-99", protocol.RunSimulation())
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("error = %v, want ErrSessionNotFound", err)
	}

	key, err := manager.StartSession(context.Background(), "/usr/bin/flumeng", nil, "")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := manager.TerminateSession(context.Background(), key); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	err = manager.SendCommand(context.Background(), key, protocol.RunSimulation())
	if !errors.Is(err, ErrSessionInactive) {
		t.Fatalf("error = %v, want ErrSessionInactive", err)
	}
	if got := launcher.worker(0).writtenLines(); len(got) != 0 {
		t.Fatalf("terminated session performed I/O: %v", got)
	}
}

func TestSendCommandWriteFailureMovesSessionToError(t *testing.T) {
	t.Parallel()

	manager, launcher := newTestManager(t)
	key, err := manager.StartSession(context.Background(), "/usr/bin/flumeng", nil, "")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	worker := launcher.worker(0)
	worker.mu.Lock()
	worker.writeErr = errors.New("broken pipe")
	worker.mu.Unlock()

	if err := manager.SendCommand(context.Background(), key, protocol.RunSimulation()); err == nil {
		t.Fatal("expected write failure")
	}
	session, _ := manager.GetSession(key)
	if session.State() != state.Error {
		t.Fatalf("state = %s, want error", session.State())
	}
}

func TestTerminateSessionIsTerminalAndIdempotentOnWorker(t *testing.T) {
	t.Parallel()

	manager, launcher := newTestManager(t)
	key, err := manager.StartSession(context.Background(), "/usr/bin/flumeng", nil, "")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	if err := manager.TerminateSession(context.Background(), key); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	worker := launcher.worker(0)
	if worker.Alive() {
		t.Fatal("worker still alive after terminate")
	}
	if worker.Cancel(true) {
		t.Fatal("second cancel must be a no-op")
	}
	if len(worker.forces) != 1 || !worker.forces[0] {
		t.Fatalf("cancel calls = %v, want one forced", worker.forces)
	}

	// Late protocol traffic must not resurrect a terminal session.
	session, _ := manager.GetSession(key)
	manager.dispatch(session, protocol.Message{Kind: protocol.KindReady})
	if session.State() != state.Terminated {
		t.Fatalf("state regressed to %s", session.State())
	}
}

func TestRemoveSessionRequiresTerminalState(t *testing.T) {
	t.Parallel()

	manager, _ := newTestManager(t)
	key, err := manager.StartSession(context.Background(), "/usr/bin/flumeng", nil, "")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	if err := manager.RemoveSession(key); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("error = %v, want ErrSessionActive", err)
	}

	if err := manager.TerminateSession(context.Background(), key); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if err := manager.RemoveSession(key); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := manager.GetSession(key); ok {
		t.Fatal("session still present after removal")
	}
}

func TestCriticalStderrLineFailsSession(t *testing.T) {
	t.Parallel()

	manager, launcher := newTestManager(t)
	key, err := manager.StartSession(context.Background(), "/usr/bin/flumeng", nil, "")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	launcher.worker(0).stderr <- "FATAL: solver matrix is singular"

	session, _ := manager.GetSession(key)
	waitFor(t, "error state", func() bool { return session.State() == state.Error })
	if !strings.Contains(session.StatusMessage(), "solver matrix") {
		t.Fatalf("status = %q, want critical line", session.StatusMessage())
	}
}

func TestStderrProtocolTrafficIsDecoded(t *testing.T) {
	t.Parallel()

	manager, launcher := newTestManager(t)
	key, err := manager.StartSession(context.Background(), "/usr/bin/flumeng", nil, "")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	launcher.worker(0).stderr <- `{"m":"rdy","uid":"w9"}`

	session, _ := manager.GetSession(key)
	waitFor(t, "ready via stderr", func() bool { return session.State() == state.Ready })
	if session.WorkerUID() != "w9" {
		t.Fatalf("worker uid = %q, want w9", session.WorkerUID())
	}
}

func TestResultRouterClaimsFetchCommandResults(t *testing.T) {
	t.Parallel()

	manager, launcher := newTestManager(t)
	key, err := manager.StartSession(context.Background(), "/usr/bin/flumeng", nil, "")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	var routedMu sync.Mutex
	var routed []protocol.Message
	manager.SetResultRouter(func(sessionKey string, msg protocol.Message) {
		routedMu.Lock()
		routed = append(routed, msg)
		routedMu.Unlock()
	})

	if err := manager.SendCommand(context.Background(), key, protocol.GetResult("flow", "json")); err != nil {
		t.Fatalf("send command: %v", err)
	}
	launcher.worker(0).stdout <- `{"m":"res","ok":true,"r":{"series":"flow"}}`

	waitFor(t, "routed result", func() bool {
		routedMu.Lock()
		defer routedMu.Unlock()
		return len(routed) == 1
	})
	routedMu.Lock()
	defer routedMu.Unlock()
	if routed[0].Kind != protocol.KindResult {
		t.Fatalf("routed kind = %s, want res", routed[0].Kind)
	}
}

type recordingProgram struct {
	mu       sync.Mutex
	active   bool
	handled  []protocol.Message
	handleFn func(protocol.Message) bool
}

func (p *recordingProgram) HandleMessage(msg protocol.Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handled = append(p.handled, msg)
	if p.handleFn != nil {
		return p.handleFn(msg)
	}
	return true
}

func (p *recordingProgram) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *recordingProgram) IsCompleted() bool { return false }
func (p *recordingProgram) IsFailed() bool    { return false }

func (p *recordingProgram) StateDescription() string { return "recording" }

func TestActiveProgramReceivesMessagesFirst(t *testing.T) {
	t.Parallel()

	manager, launcher := newTestManager(t)
	key, err := manager.StartSession(context.Background(), "/usr/bin/flumeng", nil, "")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	program := &recordingProgram{active: true}
	if err := manager.SetProgram(key, program); err != nil {
		t.Fatalf("set program: %v", err)
	}

	launcher.worker(0).stdout <- `{"m":"prg","i":5,"n":10,"t":"sim"}`

	waitFor(t, "program dispatch", func() bool {
		program.mu.Lock()
		defer program.mu.Unlock()
		return len(program.handled) == 1
	})

	// A handled message must not fall through to generic ready handling.
	session, _ := manager.GetSession(key)
	if session.State() != state.Starting {
		t.Fatalf("state = %s, want starting", session.State())
	}
}

func TestSetProgramRefusesSecondActiveProgram(t *testing.T) {
	t.Parallel()

	manager, _ := newTestManager(t)
	key, err := manager.StartSession(context.Background(), "/usr/bin/flumeng", nil, "")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	if err := manager.SetProgram(key, &recordingProgram{active: true}); err != nil {
		t.Fatalf("set program: %v", err)
	}
	if err := manager.SetProgram(key, &recordingProgram{active: true}); err == nil {
		t.Fatal("expected refusal for second active program")
	}
}

func TestWorkerExitWithNonZeroCodeFailsSession(t *testing.T) {
	t.Parallel()

	manager, launcher := newTestManager(t)
	key, err := manager.StartSession(context.Background(), "/usr/bin/flumeng", nil, "")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	launcher.worker(0).exit(3)

	session, _ := manager.GetSession(key)
	waitFor(t, "error on exit", func() bool { return session.State() == state.Error })
	if !strings.Contains(session.StatusMessage(), "code 3") {
		t.Fatalf("status = %q, want exit code", session.StatusMessage())
	}
}

func TestShutdownKillsAllSessionsPromptly(t *testing.T) {
	t.Parallel()

	manager, launcher := newTestManager(t, WithShutdownGrace(200*time.Millisecond))
	for i := 0; i < 5; i++ {
		if _, err := manager.StartSession(context.Background(), "/usr/bin/flumeng", nil, ""); err != nil {
			t.Fatalf("start session %d: %v", i, err)
		}
	}

	started := time.Now()
	manager.Shutdown(context.Background())
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("shutdown took %s", elapsed)
	}

	if sessions := manager.ListSessions(); len(sessions) != 0 {
		t.Fatalf("sessions = %d, want 0 after shutdown", len(sessions))
	}
	for i := 0; i < 5; i++ {
		if launcher.worker(i).Alive() {
			t.Fatalf("worker %d survived shutdown", i)
		}
	}
}

func TestWaitReadySeesReadinessAndFailure(t *testing.T) {
	t.Parallel()

	manager, launcher := newTestManager(t)
	key, err := manager.StartSession(context.Background(), "/usr/bin/flumeng", nil, "")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		launcher.worker(0).stdout <- `{"m":"rdy"}`
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := manager.WaitReady(ctx, key); err != nil {
		t.Fatalf("wait ready: %v", err)
	}

	key2, err := manager.StartSession(context.Background(), "/usr/bin/flumeng", nil, "")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		launcher.worker(1).stderr <- "FATAL: cannot load runtime"
	}()
	if err := manager.WaitReady(ctx, key2); !errors.Is(err, ErrSessionInactive) {
		t.Fatalf("wait ready error = %v, want ErrSessionInactive", err)
	}
}

func TestConcurrentSessionsKeepLogsIsolated(t *testing.T) {
	t.Parallel()

	const sessions = 50
	manager, _ := newTestManager(t)

	keys := make([]string, sessions)
	var wg sync.WaitGroup
	errs := make([]error, sessions)
	for i := 0; i < sessions; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, err := manager.StartSession(context.Background(), "/usr/bin/flumeng", nil, "")
			if err != nil {
				errs[i] = err
				return
			}
			keys[i] = key
			errs[i] = manager.SendCommand(context.Background(), key, protocol.LoadModelString(fmt.Sprintf("model-%s", key)))
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	for i, key := range keys {
		if errs[i] != nil {
			t.Fatalf("session %d: %v", i, errs[i])
		}
		if seen[key] {
			t.Fatalf("duplicate session key %s", key)
		}
		seen[key] = true
	}
	if len(seen) != sessions {
		t.Fatalf("distinct keys = %d, want %d", len(seen), sessions)
	}

	for _, key := range keys {
		session, ok := manager.GetSession(key)
		if !ok {
			t.Fatalf("session %s missing", key)
		}
		own := fmt.Sprintf("model-%s", key)
		commands := 0
		for _, entry := range session.Log().Snapshot() {
			if entry.Direction != commlog.ToWorker {
				continue
			}
			commands++
			if !strings.Contains(entry.Text, own) {
				t.Fatalf("session %s journal contains foreign command: %s", key, entry.Text)
			}
		}
		if commands != 1 {
			t.Fatalf("session %s journaled %d commands, want 1", key, commands)
		}
	}
}

func TestStatusSinkPanicsAreContained(t *testing.T) {
	t.Parallel()

	manager, launcher := newTestManager(t, WithStatusSink(func(string) {
		panic("display is gone")
	}))
	key, err := manager.StartSession(context.Background(), "/usr/bin/flumeng", nil, "")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	launcher.worker(0).stderr <- "just a harmless note"
	launcher.worker(0).stdout <- `{"m":"rdy"}`

	session, _ := manager.GetSession(key)
	waitFor(t, "ready despite panicking sink", func() bool { return session.State() == state.Ready })
}
