// Package progress fans request state transitions out to subscribers.
package progress

import (
	"sync"
	"time"
)

// State is a step of the request lifecycle.
type State string

// Request states.
const (
	StateReceived     State = "received"
	StateValidated    State = "validated"
	StateResolving    State = "resolving"
	StateLoading      State = "loading"
	StateConverting   State = "converting"
	StateSynthesizing State = "synthesizing"
	StatePersisted    State = "persisted"
	StateResponded    State = "responded"
	StateFailed       State = "failed"
)

// Job kinds.
const (
	KindConvert    = "convert"
	KindSynthesize = "synthesize"
	KindLoad       = "load"
)

// Event is one state transition of a job.
type Event struct {
	JobID     string    `json:"job_id"`
	Kind      string    `json:"kind"`
	State     State     `json:"state"`
	Model     string    `json:"model,omitempty"`
	Output    string    `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Time      time.Time `json:"time"`
}

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Hub broadcasts events. Publishing never blocks: a subscriber whose queue is
// full misses the event.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Event
	nextID uint64
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]chan Event)}
}

// Subscribe registers a subscriber with a queue of size buf. The returned
// function unsubscribes and closes the channel; it is safe to call twice.
func (h *Hub) Subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = DefaultBuffer
	}

	ch := make(chan Event, buf)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers ev to every subscriber that has room.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.subs)
}

// Close closes every subscriber channel. Later subscriptions get a closed
// channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
