package proc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
)

// Line buffers sized for model definitions and result payloads, which can
// be sent as single JSON lines well beyond the bufio default.
const (
	initialLineBuffer = 64 * 1024
	maxLineBuffer     = 4 * 1024 * 1024
)

// ErrCancelled is returned by WriteLine once a worker has been cancelled.
var ErrCancelled = errors.New("worker cancelled")

// Spec describes one worker process to launch.
type Spec struct {
	Path       string
	Args       []string
	WorkingDir string
	Env        map[string]string
}

// Launcher starts worker processes in interactive mode. It is safe for
// concurrent use; each Launch returns an independent Worker.
type Launcher struct{}

// NewLauncher builds a process launcher.
func NewLauncher() *Launcher {
	return &Launcher{}
}

// Launch starts the worker with its three standard streams piped.
// The returned Worker owns the process; the caller must eventually
// call Cancel.
func (l *Launcher) Launch(spec Spec) (*Worker, error) {
	if l == nil {
		return nil, errors.New("launcher is nil")
	}
	path := strings.TrimSpace(spec.Path)
	if path == "" {
		return nil, errors.New("executable path is required")
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.WorkingDir
	if len(spec.Env) > 0 {
		env := os.Environ()
		for key, value := range spec.Env {
			env = append(env, key+"="+value)
		}
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdin pipe for %s: %w", path, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdout pipe for %s: %w", path, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("open stderr pipe for %s: %w", path, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launch %s: %w", path, err)
	}

	worker := &Worker{
		cmd:    cmd,
		stdin:  stdin,
		stdout: newLineReader(stdout),
		stderr: newLineReader(stderr),
		done:   make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		worker.exitMu.Lock()
		worker.exitErr = err
		if cmd.ProcessState != nil {
			worker.exitCode = cmd.ProcessState.ExitCode()
		} else {
			worker.exitCode = -1
		}
		worker.exitMu.Unlock()
		close(worker.done)
	}()

	return worker, nil
}

// Worker is one launched engine process with exclusive line-based access
// to its standard streams.
type Worker struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *lineReader
	stderr *lineReader
	done   chan struct{}

	writeMu   sync.Mutex
	cancelled bool

	exitMu   sync.Mutex
	exitCode int
	exitErr  error
}

// PID returns the OS process id for diagnostics.
func (w *Worker) PID() int {
	if w == nil || w.cmd == nil || w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

// Alive reports whether the process is still running.
func (w *Worker) Alive() bool {
	if w == nil {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Done is closed when the process has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// ExitCode returns the process exit code, or -1 while still running.
func (w *Worker) ExitCode() int {
	if w.Alive() {
		return -1
	}
	w.exitMu.Lock()
	defer w.exitMu.Unlock()
	return w.exitCode
}

// WriteLine writes one line to the worker's stdin, appending a newline if
// absent. The pipe is unbuffered, so the write is flushed on return.
func (w *Worker) WriteLine(line string) error {
	if w == nil {
		return errors.New("worker is nil")
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.cancelled {
		return ErrCancelled
	}
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	if _, err := io.WriteString(w.stdin, line); err != nil {
		return fmt.Errorf("write to worker stdin: %w", err)
	}
	return nil
}

// ReadStdoutLine blocks until the next stdout line arrives. It returns
// io.EOF once the stream is closed, including after Cancel.
func (w *Worker) ReadStdoutLine() (string, error) {
	return w.stdout.ReadLine()
}

// ReadStderrLine blocks until the next stderr line arrives. It returns
// io.EOF once the stream is closed, including after Cancel.
func (w *Worker) ReadStderrLine() (string, error) {
	return w.stderr.ReadLine()
}

// StreamsClosed reports whether both output streams have been released.
func (w *Worker) StreamsClosed() bool {
	if w == nil {
		return false
	}
	return w.stdout.isClosed() && w.stderr.isClosed()
}

// Cancel terminates the worker. Streams are closed before any signal is
// sent so blocked readers observe EOF instead of hanging on a half-dead
// pipe. A graceful cancel sends the default termination signal; force
// kills outright. Repeated calls are no-ops; the return value reports
// whether this call performed the cancellation.
func (w *Worker) Cancel(force bool) bool {
	if w == nil {
		return false
	}

	w.writeMu.Lock()
	if w.cancelled {
		w.writeMu.Unlock()
		return false
	}
	w.cancelled = true
	w.writeMu.Unlock()

	_ = w.stdin.Close()
	w.stdout.Close()
	w.stderr.Close()

	if w.Alive() && w.cmd.Process != nil {
		if force {
			_ = w.cmd.Process.Kill()
		} else {
			_ = w.cmd.Process.Signal(syscall.SIGTERM)
		}
	}
	return true
}

// lineReader wraps a pipe with line discipline. Reads come from a single
// monitor goroutine; the mutex only protects against Close racing a read.
type lineReader struct {
	mu      sync.Mutex
	scanner *bufio.Scanner
	source  io.ReadCloser
	closed  bool
}

func newLineReader(source io.ReadCloser) *lineReader {
	scanner := bufio.NewScanner(source)
	scanner.Buffer(make([]byte, 0, initialLineBuffer), maxLineBuffer)
	return &lineReader{scanner: scanner, source: source}
}

func (r *lineReader) ReadLine() (string, error) {
	if r == nil {
		return "", io.EOF
	}
	if r.scanner.Scan() {
		return r.scanner.Text(), nil
	}

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return "", io.EOF
	}
	if err := r.scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		return "", fmt.Errorf("read worker stream: %w", err)
	}
	return "", io.EOF
}

func (r *lineReader) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *lineReader) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	_ = r.source.Close()
}
