package events

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultBufferSize is the default per-subscriber channel capacity.
const DefaultBufferSize = 100

// Event is one session lifecycle transition. OldState is empty for the
// initial event of a session.
type Event struct {
	ID         string
	SessionKey string
	OldState   string
	NewState   string
	Message    string
	Timestamp  time.Time
}

// Listener consumes a published event synchronously.
type Listener func(Event)

// Logger captures warnings for dropped events and panicking listeners.
type Logger interface {
	Printf(format string, args ...any)
}

// Option customizes hub construction.
type Option func(*Hub)

// WithBufferSize configures per-subscriber channel capacity.
func WithBufferSize(size int) Option {
	return func(hub *Hub) {
		if size > 0 {
			hub.bufferSize = size
		}
	}
}

// WithLogger configures the warning log sink.
func WithLogger(logger Logger) Option {
	return func(hub *Hub) {
		if logger != nil {
			hub.logger = logger
		}
	}
}

// Hub fans session events out to registered listeners and channel
// subscribers. Listeners run synchronously on the publisher's goroutine
// with panics contained; subscribers receive through buffered channels
// and lose events rather than block the publisher.
type Hub struct {
	mu         sync.RWMutex
	bufferSize int
	logger     Logger
	listeners  map[uint64]Listener
	subs       map[uint64]chan Event
	next       uint64
}

// NewHub creates an event hub.
func NewHub(options ...Option) *Hub {
	hub := &Hub{
		bufferSize: DefaultBufferSize,
		logger:     log.Default(),
		listeners:  make(map[uint64]Listener),
		subs:       make(map[uint64]chan Event),
	}
	for _, option := range options {
		option(hub)
	}
	return hub
}

// AddListener registers a listener and returns a handle for removal.
func (h *Hub) AddListener(listener Listener) uint64 {
	if listener == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	h.listeners[h.next] = listener
	return h.next
}

// RemoveListener unregisters a previously added listener.
func (h *Hub) RemoveListener(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.listeners, id)
}

// Subscribe returns a buffered event channel and an unsubscribe function.
// The channel is closed on unsubscribe.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, h.bufferSize)

	h.mu.Lock()
	h.next++
	id := h.next
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			// Closing under the write lock serializes against the sends in
			// Publish, which hold the read lock.
			h.mu.Lock()
			delete(h.subs, id)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, unsubscribe
}

// Publish delivers an event to every listener and subscriber. A missing
// id or timestamp is filled in.
func (h *Hub) Publish(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	h.mu.RLock()
	listeners := make([]Listener, 0, len(h.listeners))
	for _, listener := range h.listeners {
		listeners = append(listeners, listener)
	}
	// Sends happen under the read lock; unsubscribe closes under the write
	// lock, so a send can never hit a closed channel. The sends are
	// non-blocking, so holding the lock here is cheap.
	for _, ch := range h.subs {
		select {
		case ch <- event:
		default:
			h.logger.Printf("events: dropping event %s for slow subscriber session=%s %s->%s",
				event.ID, event.SessionKey, event.OldState, event.NewState)
		}
	}
	h.mu.RUnlock()

	for _, listener := range listeners {
		h.invoke(listener, event)
	}
}

func (h *Hub) invoke(listener Listener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Printf("events: listener panic for session=%s: %v", event.SessionKey, r)
		}
	}()
	listener(event)
}
