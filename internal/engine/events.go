package engine

import (
	"sync"
)

// Hub fans turn-processing events out to per-conversation subscribers.
// Sends never block: a slow subscriber drops events rather than stalling
// the pipeline.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]map[int]chan any
	nextSubID   int
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]map[int]chan any)}
}

func (h *Hub) Subscribe(conversationID string) (<-chan any, func()) {
	if conversationID == "" {
		ch := make(chan any)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan any, 256)
	h.mu.Lock()
	h.nextSubID++
	id := h.nextSubID
	if _, ok := h.subscribers[conversationID]; !ok {
		h.subscribers[conversationID] = make(map[int]chan any)
	}
	h.subscribers[conversationID][id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs := h.subscribers[conversationID]
		if subs == nil {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
		if len(subs) == 0 {
			delete(h.subscribers, conversationID)
		}
	}
}

func (h *Hub) Publish(conversationID string, event any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subscribers[conversationID] {
		select {
		case ch <- event:
		default:
		}
	}
}
