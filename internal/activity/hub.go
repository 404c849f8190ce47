package activity

import "sync"

// Hub fans freshly-written entries out to live subscribers. Slow
// subscribers drop entries rather than stall the write loop.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Entry]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan Entry]struct{})}
}

func (h *Hub) Subscribe() chan Entry {
	ch := make(chan Entry, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Entry) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

func (h *Hub) Broadcast(e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
