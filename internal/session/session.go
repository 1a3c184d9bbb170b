package session

import (
	"sync"
	"time"

	"github.com/flumeproject/flume/internal/commlog"
	"github.com/flumeproject/flume/internal/proc"
	"github.com/flumeproject/flume/internal/protocol"
	"github.com/flumeproject/flume/internal/state"
)

// Worker is the slice of a launched engine process the manager drives.
// *proc.Worker satisfies it; tests substitute scripted fakes.
type Worker interface {
	PID() int
	Alive() bool
	Done() <-chan struct{}
	ExitCode() int
	WriteLine(line string) error
	ReadStdoutLine() (string, error)
	ReadStderrLine() (string, error)
	Cancel(force bool) bool
	StreamsClosed() bool
}

// Launcher starts engine processes. *ProcLauncher is the production
// implementation.
type Launcher interface {
	Launch(spec proc.Spec) (Worker, error)
}

// ProcLauncher adapts proc.Launcher to the manager's Launcher contract.
type ProcLauncher struct {
	launcher *proc.Launcher
}

// NewProcLauncher builds the os/exec backed launcher.
func NewProcLauncher() *ProcLauncher {
	return &ProcLauncher{launcher: proc.NewLauncher()}
}

var _ Launcher = (*ProcLauncher)(nil)

// Launch starts the engine process described by spec.
func (p *ProcLauncher) Launch(spec proc.Spec) (Worker, error) {
	return p.launcher.Launch(spec)
}

// Program is a multi-step workflow driven by inbound engine messages.
// At most one program is active per session; the manager offers it every
// decoded message while IsActive reports true.
type Program interface {
	// HandleMessage consumes one decoded message. It returns false for
	// messages not meaningful in the program's current state, letting the
	// manager fall through to generic handling.
	HandleMessage(msg protocol.Message) bool
	IsActive() bool
	IsCompleted() bool
	IsFailed() bool
	StateDescription() string
}

// Session is one supervised engine instance. All mutation happens inside
// the owning manager; callers observe it through the read accessors.
type Session struct {
	key     string
	worker  Worker
	journal *commlog.Log

	mu           sync.Mutex
	st           state.State
	status       string
	startedAt    time.Time
	lastActivity time.Time
	workerUID    string
	lastCommand  string
	program      Program

	monitors sync.WaitGroup
}

// Key returns the manager-unique session key.
func (s *Session) Key() string {
	return s.key
}

// State returns the current lifecycle state.
func (s *Session) State() state.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// Active reports whether the session can still accept commands.
func (s *Session) Active() bool {
	return !state.Terminal(s.State())
}

// StatusMessage returns the most recent human-readable status line.
func (s *Session) StatusMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// StartedAt returns the launch timestamp.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// LastActivity returns the time of the most recent line in either
// direction.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// WorkerUID returns the engine-reported session id, or "" before the
// first message carrying one arrives.
func (s *Session) WorkerUID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workerUID
}

// PID returns the OS process id of the worker.
func (s *Session) PID() int {
	return s.worker.PID()
}

// Log returns the session's communication journal.
func (s *Session) Log() *commlog.Log {
	return s.journal
}

// ProgramDescription returns the active program's state description, or
// "" when no program has been attached.
func (s *Session) ProgramDescription() string {
	s.mu.Lock()
	program := s.program
	s.mu.Unlock()
	if program == nil {
		return ""
	}
	return program.StateDescription()
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

func (s *Session) activeProgram() Program {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.program == nil || !s.program.IsActive() {
		return nil
	}
	return s.program
}
