package transport

import (
	"sync"

	"github.com/google/uuid"
)

// listener is one registered callback under a pattern.
type listener struct {
	token string
	fn    EventFunc
}

// subscriptionBook refcounts listeners per pattern. The wire-level
// subscribe for a pattern must be sent exactly once when its listener count
// goes 0→1, and unsubscribe exactly once on 1→0; add and remove report
// those edges so the owner can do that.
type subscriptionBook struct {
	mu       sync.Mutex
	patterns map[string][]listener
}

func newSubscriptionBook() *subscriptionBook {
	return &subscriptionBook{patterns: make(map[string][]listener)}
}

// add registers fn under pattern and reports whether this was the
// pattern's first listener.
func (b *subscriptionBook) add(pattern string, fn EventFunc) (token string, first bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	token = uuid.NewString()
	first = len(b.patterns[pattern]) == 0
	b.patterns[pattern] = append(b.patterns[pattern], listener{token: token, fn: fn})
	return token, first
}

// remove drops the listener with the given token and reports whether the
// pattern now has no listeners left. Unknown tokens are ignored.
func (b *subscriptionBook) remove(pattern, token string) (last bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.patterns[pattern]
	kept := current[:0]
	removed := false
	for _, l := range current {
		if l.token == token && !removed {
			removed = true
			continue
		}
		kept = append(kept, l)
	}
	if !removed {
		return false
	}
	if len(kept) == 0 {
		delete(b.patterns, pattern)
		return true
	}
	b.patterns[pattern] = kept
	return false
}

// dispatch delivers ev to every listener whose pattern matches. Events
// matching no pattern are dropped.
func (b *subscriptionBook) dispatch(ev Event) {
	b.mu.Lock()
	var fns []EventFunc
	for pattern, listeners := range b.patterns {
		if !Matches(pattern, ev.Type) {
			continue
		}
		for _, l := range listeners {
			fns = append(fns, l.fn)
		}
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// livePatterns returns every pattern with at least one listener, for
// resubscription replay after a reconnect.
func (b *subscriptionBook) livePatterns() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.patterns))
	for pattern := range b.patterns {
		out = append(out, pattern)
	}
	return out
}

func (b *subscriptionBook) clear() {
	b.mu.Lock()
	b.patterns = make(map[string][]listener)
	b.mu.Unlock()
}
