package backend

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/agentdeck/agentdeck/transport"
	"github.com/google/uuid"
)

// Hub fans events out to pattern subscribers. Delivery is synchronous on
// the publisher's goroutine, so frames from a single source stay in the
// order they were emitted.
type Hub struct {
	mu   sync.Mutex
	subs map[string][]hubListener
}

type hubListener struct {
	token string
	fn    transport.EventFunc
}

func newHub() *Hub {
	return &Hub{subs: make(map[string][]hubListener)}
}

// Subscribe registers fn for events matching pattern and returns its
// removal token as a CancelFunc.
func (h *Hub) Subscribe(pattern string, fn transport.EventFunc) transport.CancelFunc {
	token := uuid.NewString()
	h.mu.Lock()
	h.subs[pattern] = append(h.subs[pattern], hubListener{token: token, fn: fn})
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		kept := h.subs[pattern][:0]
		for _, l := range h.subs[pattern] {
			if l.token != token {
				kept = append(kept, l)
			}
		}
		if len(kept) == 0 {
			delete(h.subs, pattern)
		} else {
			h.subs[pattern] = kept
		}
	}
}

// Publish marshals payload and delivers the event to every matching
// subscriber. Events with no matching subscriber are dropped.
func (h *Hub) Publish(eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("hub: failed to marshal payload", "eventType", eventType, "error", err)
		return
	}
	ev := transport.Event{Type: eventType, Payload: data}

	h.mu.Lock()
	var fns []transport.EventFunc
	for pattern, listeners := range h.subs {
		if !transport.Matches(pattern, eventType) {
			continue
		}
		for _, l := range listeners {
			fns = append(fns, l.fn)
		}
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
