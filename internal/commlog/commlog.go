package commlog

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultCapacity bounds a session log to a generous but finite window.
// Long-lived sessions stream progress lines continuously; an unbounded
// log is a slow leak.
const DefaultCapacity = 10000

// Direction records which side produced a log entry.
type Direction string

const (
	// ToWorker marks lines written to the worker's stdin.
	ToWorker Direction = "HOST->ENG"
	// FromWorker marks lines read from the worker's stdout or stderr.
	FromWorker Direction = "ENG->HOST"
	// System marks host-side lifecycle notes.
	System Direction = "SYSTEM"
)

// Channel records which stream carried a log entry.
type Channel string

const (
	// Stdin is the worker's standard input.
	Stdin Channel = "STDIN"
	// Stdout is the worker's standard output.
	Stdout Channel = "STDOUT"
	// Stderr is the worker's standard error.
	Stderr Channel = "STDERR"
	// SystemChannel carries host-side notes with no stream attached.
	SystemChannel Channel = "SYSTEM"
)

// Entry is one timestamped exchange with the worker.
type Entry struct {
	Timestamp time.Time
	Direction Direction
	Channel   Channel
	Text      string
}

// Format renders the entry with a millisecond timestamp.
func (e Entry) Format() string {
	stream := ""
	if e.Channel != SystemChannel {
		stream = " (" + string(e.Channel) + ")"
	}
	return fmt.Sprintf("[%s] %s%s: %s",
		e.Timestamp.Format("15:04:05.000"), e.Direction, stream, e.Text)
}

// Log is an append-only bounded record of every line exchanged with one
// worker. The stdout and stderr monitors of a session write concurrently.
type Log struct {
	mu         sync.Mutex
	sessionKey string
	capacity   int
	entries    []Entry
	start      int
	count      int
	dropped    int
	now        func() time.Time
}

// New creates a log for one session. A capacity of zero or less retains
// every entry.
func New(sessionKey string, capacity int) *Log {
	l := &Log{
		sessionKey: sessionKey,
		capacity:   capacity,
		now:        time.Now,
	}
	if capacity > 0 {
		l.entries = make([]Entry, capacity)
	}
	l.Record(System, SystemChannel, "Session created: "+sessionKey)
	return l
}

// SessionKey returns the owning session's key.
func (l *Log) SessionKey() string {
	return l.sessionKey
}

// Record appends one entry. Safe for concurrent use.
func (l *Log) Record(direction Direction, channel Channel, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Timestamp: l.now(),
		Direction: direction,
		Channel:   channel,
		Text:      text,
	}

	if l.capacity <= 0 {
		l.entries = append(l.entries, entry)
		l.count++
		return
	}

	if l.count < l.capacity {
		l.entries[(l.start+l.count)%l.capacity] = entry
		l.count++
		return
	}
	l.entries[l.start] = entry
	l.start = (l.start + 1) % l.capacity
	l.dropped++
}

// Snapshot returns the retained entries oldest-first.
func (l *Log) Snapshot() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, l.count)
	if l.capacity <= 0 {
		copy(out, l.entries)
		return out
	}
	for i := 0; i < l.count; i++ {
		out[i] = l.entries[(l.start+i)%l.capacity]
	}
	return out
}

// Dropped reports how many entries the ring has evicted.
func (l *Log) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Format renders the whole retained log for display.
func (l *Log) Format() string {
	entries := l.Snapshot()
	dropped := l.Dropped()

	var sb strings.Builder
	sb.WriteString("=== Communication log for session: " + l.sessionKey + " ===\n")
	if dropped > 0 {
		fmt.Fprintf(&sb, "(%d earlier entries evicted)\n", dropped)
	}
	for _, entry := range entries {
		sb.WriteString(entry.Format())
		sb.WriteString("\n")
	}
	return sb.String()
}
