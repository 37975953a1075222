// Package hub tells every connected session when canonical state has
// changed. Notices carry no state: each session re-reads the store on its
// own, so a notice can never deliver anything older than what a later
// notice announced. Delivery coalesces; a subscriber that falls behind
// sees one pending notice, never a backlog.
package hub

import (
	"sync"
)

// Hub is the in-process subscriber registry.
type Hub struct {
	mu   sync.Mutex
	subs map[string]chan struct{}
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{subs: make(map[string]chan struct{})}
}

// Subscribe registers a subscriber under its session id and returns the
// notice channel plus an unsubscribe func. The channel holds at most one
// pending notice and is closed by unsubscribe.
func (h *Hub) Subscribe(id string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish notifies every subscriber except origin that canonical state
// changed. The writing session passes its own id and pushes to its client
// directly; everyone else re-reads the store. A full slot already means a
// pending re-read, so Publish never blocks.
func (h *Hub) Publish(origin string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		if id == origin {
			continue
		}
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Len reports the current subscriber count.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
