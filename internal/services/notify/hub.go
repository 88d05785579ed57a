// Package notify is the push channel back to pairing requesters.
//
// Each requester registers a channel and gets a uuid. Pairing codes and
// pairing errors go only to the requesting channel; directory-changed
// snapshots fan out to every connected channel.
//
// Contract (same as an in-memory event bus):
//   - Push/Broadcast never block.
//   - Channels are buffered; slow consumers drop events.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types delivered over the hub.
const (
	EventPairingCode  = "pairing-code"
	EventPairingError = "pairing-error"
	EventLinkSuccess  = "link-success"
	EventSessionList  = "session-update"
	EventBroadcast    = "broadcast-done"
)

// Event is one push to a requester (or to everyone, for EventSessionList).
// Data should be small and JSON-serializable.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type Hub struct {
	mu   sync.RWMutex
	subs map[string]chan Event
}

func NewHub() *Hub {
	return &Hub{subs: map[string]chan Event{}}
}

// Register creates a channel for one requester and returns its id, the
// event stream, and an unsubscribe func (safe to call more than once).
func (h *Hub) Register(buffer int) (string, <-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	id := uuid.NewString()
	ch := make(chan Event, buffer)

	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			// Closing is safe because sends recover from the panic.
			close(ch)
		})
	}
	return id, ch, unsub
}

// Known reports whether a channel id is currently registered.
func (h *Hub) Known(id string) bool {
	h.mu.RLock()
	_, ok := h.subs[id]
	h.mu.RUnlock()
	return ok
}

// Push delivers an event to a single requester. Unknown ids and full
// buffers drop silently; pairing retries re-deliver anyway.
func (h *Hub) Push(id string, e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	h.mu.RLock()
	ch := h.subs[id]
	h.mu.RUnlock()
	if ch == nil {
		return
	}
	trySend(ch, e)
}

// Broadcast delivers an event to every registered channel.
func (h *Hub) Broadcast(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Broadcast doesn't hold locks while sending.
	h.mu.RLock()
	chs := make([]chan Event, 0, len(h.subs))
	for _, ch := range h.subs {
		chs = append(chs, ch)
	}
	h.mu.RUnlock()

	for _, ch := range chs {
		trySend(ch, e)
	}
}

// trySend is a non-blocking delivery that tolerates a concurrent
// unsubscribe closing the channel.
func trySend(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
	}
}
