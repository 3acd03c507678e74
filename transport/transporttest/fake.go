// Package transporttest provides an in-memory Transport fake for adapter
// and client tests. Commands are scripted with Handle, events are injected
// with Emit, and every Invoke is recorded for assertions.
package transporttest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/agentdeck/agentdeck/transport"
)

// Call is one recorded Invoke.
type Call struct {
	Command string
	Args    json.RawMessage
}

// Fake implements transport.Transport entirely in memory.
type Fake struct {
	mu       sync.Mutex
	calls    []Call
	handlers map[string]func(args json.RawMessage) (json.RawMessage, error)
	subs     map[int]subEntry
	nextSub  int
}

type subEntry struct {
	pattern string
	fn      transport.EventFunc
}

func New() *Fake {
	return &Fake{
		handlers: make(map[string]func(args json.RawMessage) (json.RawMessage, error)),
		subs:     make(map[int]subEntry),
	}
}

// Handle scripts the reply for one command.
func (f *Fake) Handle(command string, fn func(args json.RawMessage) (json.RawMessage, error)) {
	f.mu.Lock()
	f.handlers[command] = fn
	f.mu.Unlock()
}

// HandleValue scripts a fixed successful reply for one command.
func (f *Fake) HandleValue(command string, result any) {
	f.Handle(command, func(json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(result)
	})
}

func (f *Fake) Invoke(ctx context.Context, command string, args any) (json.RawMessage, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, Call{Command: command, Args: raw})
	handler := f.handlers[command]
	f.mu.Unlock()

	if handler == nil {
		return nil, fmt.Errorf("transporttest: no handler for %q", command)
	}
	return handler(raw)
}

func (f *Fake) Listen(pattern string, fn transport.EventFunc) (transport.CancelFunc, error) {
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = subEntry{pattern: pattern, fn: fn}
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}, nil
}

// Emit delivers an event to every listener whose pattern matches.
// Delivery is synchronous on the caller's goroutine.
func (f *Fake) Emit(eventType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("transporttest: emit payload: %v", err))
	}
	f.mu.Lock()
	var fns []transport.EventFunc
	for _, e := range f.subs {
		if transport.Matches(e.pattern, eventType) {
			fns = append(fns, e.fn)
		}
	}
	f.mu.Unlock()

	ev := transport.Event{Type: eventType, Payload: raw}
	for _, fn := range fns {
		fn(ev)
	}
}

// Calls returns every recorded Invoke for command, in order.
func (f *Fake) Calls(command string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if c.Command == command {
			out = append(out, c)
		}
	}
	return out
}

// ListenerCount reports how many listeners are currently registered.
func (f *Fake) ListenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *Fake) SetAuthToken(string) {}

func (f *Fake) AuthRequired() bool { return false }

func (f *Fake) State() transport.ConnectionState { return transport.StateConnected }

func (f *Fake) OnReconnect(func()) transport.CancelFunc { return func() {} }

func (f *Fake) OnAuthRequired(func()) transport.CancelFunc { return func() {} }

func (f *Fake) OnStateChange(func(transport.ConnectionState)) transport.CancelFunc {
	return func() {}
}

func (f *Fake) Disconnect() {}
