package transport

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
)

// fakeHost records calls and lets tests publish events to its subscribers.
type fakeHost struct {
	calls      []string
	subscribed []string
	cancelled  []string
	subs       map[string]EventFunc
	reply      json.RawMessage
	err        error
}

func newFakeHost() *fakeHost {
	return &fakeHost{subs: make(map[string]EventFunc), reply: json.RawMessage(`{}`)}
}

func (h *fakeHost) Call(ctx context.Context, command string, args json.RawMessage) (json.RawMessage, error) {
	h.calls = append(h.calls, command)
	return h.reply, h.err
}

func (h *fakeHost) Subscribe(pattern string, fn EventFunc) CancelFunc {
	h.subscribed = append(h.subscribed, pattern)
	h.subs[pattern] = fn
	return func() {
		h.cancelled = append(h.cancelled, pattern)
		delete(h.subs, pattern)
	}
}

func (h *fakeHost) publish(ev Event) {
	for pattern, fn := range h.subs {
		if Matches(pattern, ev.Type) {
			fn(ev)
		}
	}
}

func TestBridgeInvoke(t *testing.T) {
	host := newFakeHost()
	host.reply = json.RawMessage(`{"id":"s1"}`)
	b := NewBridge(host)

	data, err := b.Invoke(context.Background(), "session.create", map[string]string{"name": "x"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(data) != `{"id":"s1"}` {
		t.Errorf("data = %s", data)
	}
	if !reflect.DeepEqual(host.calls, []string{"session.create"}) {
		t.Errorf("host calls = %v", host.calls)
	}
}

func TestBridgeSubscribesHostOncePerPattern(t *testing.T) {
	host := newFakeHost()
	b := NewBridge(host)

	var got []string
	c1, _ := b.Listen("proc:p1:*", func(ev Event) { got = append(got, "one:"+ev.Type) })
	c2, _ := b.Listen("proc:p1:*", func(ev Event) { got = append(got, "two:"+ev.Type) })

	if !reflect.DeepEqual(host.subscribed, []string{"proc:p1:*"}) {
		t.Fatalf("host subscriptions = %v, want exactly one", host.subscribed)
	}

	host.publish(Event{Type: "proc:p1:stdout"})
	if len(got) != 2 {
		t.Errorf("deliveries = %v, want both listeners", got)
	}

	// The host-side subscription survives until the last listener leaves.
	c1()
	if len(host.cancelled) != 0 {
		t.Errorf("host cancels after first remove = %v", host.cancelled)
	}
	c2()
	if !reflect.DeepEqual(host.cancelled, []string{"proc:p1:*"}) {
		t.Errorf("host cancels = %v", host.cancelled)
	}
}

func TestBridgeDisconnect(t *testing.T) {
	host := newFakeHost()
	b := NewBridge(host)

	var n int
	b.Listen("a:*", func(Event) { n++ })
	b.Listen("b:*", func(Event) { n++ })

	b.Disconnect()

	if len(host.cancelled) != 2 {
		t.Errorf("host cancels = %v, want both patterns", host.cancelled)
	}
	host.publish(Event{Type: "a:x"})
	if n != 0 {
		t.Errorf("deliveries after Disconnect = %d", n)
	}
}

func TestBridgeAlwaysConnected(t *testing.T) {
	b := NewBridge(newFakeHost())
	if b.State() != StateConnected {
		t.Error("bridge not connected")
	}
	if b.AuthRequired() {
		t.Error("bridge reported auth required")
	}
}
