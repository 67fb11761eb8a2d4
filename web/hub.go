package web

import (
	"sync"

	"github.com/fieldline/swathguide/engine"
)

// Hub fans session events out to websocket clients. Slow clients lose
// events rather than delaying the session.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan engine.Event
	nextID int
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan engine.Event)}
}

func (h *Hub) Subscribe(buffer int) (int, <-chan engine.Event) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan engine.Event, buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	return id, ch
}

func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Publish is an engine.Listener.
func (h *Hub) Publish(e engine.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close drops all subscribers, ending their streams.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
