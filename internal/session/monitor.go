package session

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/flumeproject/flume/internal/commlog"
	"github.com/flumeproject/flume/internal/protocol"
	"github.com/flumeproject/flume/internal/state"
	"github.com/flumeproject/flume/internal/telemetry/invariants"
)

// Keyword patterns on stderr that indicate the worker is failing rather
// than logging. Matched case-insensitively against the whole line.
var criticalKeywords = []string{
	"fatal",
	"critical",
	"exception",
	"error:",
	"failed to",
}

var errorWithCodePattern = regexp.MustCompile(`(?i)error.*\d`)

// isCriticalLine reports whether a stderr line signals worker failure.
func isCriticalLine(line string) bool {
	lowered := strings.ToLower(line)
	for _, keyword := range criticalKeywords {
		if strings.Contains(lowered, keyword) {
			return true
		}
	}
	return errorWithCodePattern.MatchString(line)
}

// monitorStdout journals and dispatches protocol traffic on stdout until
// the stream closes.
func (m *Manager) monitorStdout(session *Session) {
	defer session.monitors.Done()
	for {
		line, err := session.worker.ReadStdoutLine()
		if err != nil {
			return
		}
		session.journal.Record(commlog.FromWorker, commlog.Stdout, line)
		session.touch(m.now())

		if msg, ok := protocol.Decode(line); ok {
			m.dispatch(session, msg)
		}
	}
}

// monitorStderr journals stderr, surfaces every line as diagnostics,
// fails the session on critical keywords, and decodes protocol traffic
// as a fallback since some workers emit it on stderr.
func (m *Manager) monitorStderr(session *Session) {
	defer session.monitors.Done()
	for {
		line, err := session.worker.ReadStderrLine()
		if err != nil {
			return
		}
		session.journal.Record(commlog.FromWorker, commlog.Stderr, line)
		session.touch(m.now())

		if trimmed := strings.TrimSpace(line); trimmed != "" {
			m.reportStatus(fmt.Sprintf("%s: %s", session.key, trimmed))
		}

		if isCriticalLine(line) {
			m.logger.Error("critical worker error", "session", session.key, "line", line)
			m.transition(session, state.Error, strings.TrimSpace(line))
			continue
		}

		if msg, ok := protocol.Decode(line); ok {
			m.dispatch(session, msg)
		}
	}
}

// reapWhenDone finalises the session once both monitors have exited and
// the process is gone. A clean exit terminates the session; a non-zero
// exit not already explained is surfaced as an error.
func (m *Manager) reapWhenDone(session *Session) {
	session.monitors.Wait()
	<-session.worker.Done()

	if !session.Active() {
		return
	}
	exitCode := session.worker.ExitCode()
	if exitCode == 0 {
		m.transition(session, state.Terminated, "Worker exited")
	} else {
		m.transition(session, state.Error, fmt.Sprintf("Worker exited with code %d", exitCode))
	}
	m.logger.Info("worker exited", "session", session.key, "exit_code", exitCode)
}

// dispatch routes one decoded message: UID capture, then the result
// router bypass for the fetch command, then the active program, then
// generic handling.
func (m *Manager) dispatch(session *Session, msg protocol.Message) {
	if msg.WorkerUID != "" {
		session.mu.Lock()
		previous := session.workerUID
		if previous == "" {
			session.workerUID = msg.WorkerUID
		}
		session.mu.Unlock()
		invariants.CheckWorkerUIDStable(context.Background(), "session.monitor.dispatch", session.key, previous, msg.WorkerUID)
	}

	if msg.Kind == protocol.KindResult {
		session.mu.Lock()
		originating := session.lastCommand
		session.mu.Unlock()
		if originating == m.fetchResultCmd {
			if router := m.fetchRouter(); router != nil {
				router(session.key, msg)
				return
			}
		}
	}

	if program := session.activeProgram(); program != nil {
		if program.HandleMessage(msg) {
			return
		}
	}

	switch msg.Kind {
	case protocol.KindLog:
		if text := strings.TrimSpace(msg.ErrorText); text != "" {
			m.reportStatus(fmt.Sprintf("%s: %s", session.key, text))
		}
	case protocol.KindReady:
		// Routine readiness is evented but kept out of the status stream.
		m.transition(session, state.Ready, "Ready")
	default:
		m.logger.Debug("unhandled message", "session", session.key, "kind", msg.Kind)
		m.reportStatus(fmt.Sprintf("%s: unhandled %s message", session.key, msg.Kind))
	}
}
