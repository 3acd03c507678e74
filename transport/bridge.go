package transport

import (
	"context"
	"encoding/json"
	"sync"
)

// Host is the native call/event surface a Bridge delegates to: the
// execution backend linked into the same process.
type Host interface {
	// Call dispatches one named command with JSON-encoded args.
	Call(ctx context.Context, command string, args json.RawMessage) (json.RawMessage, error)

	// Subscribe registers fn for events matching pattern.
	Subscribe(pattern string, fn EventFunc) CancelFunc
}

// Bridge is the local Transport variant. It has no socket: commands and
// events go straight to the in-process Host with the same semantics as the
// network transport, so the host-side subscription is still established
// once per pattern.
type Bridge struct {
	host Host
	subs *subscriptionBook

	mu          sync.Mutex
	hostCancels map[string]CancelFunc

	stateCbs callbackList[func(ConnectionState)]
	// reconnect and auth-required callbacks are accepted for interface
	// parity but never fire: a bridge cannot drop or reject.
	reconnectCbs callbackList[func()]
	authCbs      callbackList[func()]
}

// NewBridge creates a local transport over the given host.
func NewBridge(host Host) *Bridge {
	return &Bridge{
		host:        host,
		subs:        newSubscriptionBook(),
		hostCancels: make(map[string]CancelFunc),
	}
}

var _ Transport = (*Bridge)(nil)

func (b *Bridge) Invoke(ctx context.Context, command string, args any) (json.RawMessage, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	return b.host.Call(ctx, command, data)
}

func (b *Bridge) Listen(pattern string, fn EventFunc) (CancelFunc, error) {
	token, first := b.subs.add(pattern, fn)
	if first {
		cancel := b.host.Subscribe(pattern, func(ev Event) {
			b.subs.dispatch(ev)
		})
		b.mu.Lock()
		b.hostCancels[pattern] = cancel
		b.mu.Unlock()
	}

	return func() {
		if last := b.subs.remove(pattern, token); last {
			b.mu.Lock()
			cancel := b.hostCancels[pattern]
			delete(b.hostCancels, pattern)
			b.mu.Unlock()
			if cancel != nil {
				cancel()
			}
		}
	}, nil
}

func (b *Bridge) SetAuthToken(string) {}

func (b *Bridge) AuthRequired() bool { return false }

func (b *Bridge) State() ConnectionState { return StateConnected }

func (b *Bridge) OnReconnect(fn func()) CancelFunc { return b.reconnectCbs.add(fn) }

func (b *Bridge) OnAuthRequired(fn func()) CancelFunc { return b.authCbs.add(fn) }

func (b *Bridge) OnStateChange(fn func(ConnectionState)) CancelFunc { return b.stateCbs.add(fn) }

func (b *Bridge) Disconnect() {
	b.mu.Lock()
	cancels := b.hostCancels
	b.hostCancels = make(map[string]CancelFunc)
	b.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	b.subs.clear()
	b.reconnectCbs.clear()
	b.authCbs.clear()
	b.stateCbs.clear()
}
