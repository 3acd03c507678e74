// Package backend is the execution side of the transport: a named command
// registry plus an event hub, with subprocess and filesystem sources
// feeding it. The local bridge calls it in-process; the network server
// exposes the same surface over HTTP and WebSocket.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/agentdeck/agentdeck/transport"
)

// ErrUnknownCommand is returned for invoke calls naming no registered handler.
var ErrUnknownCommand = errors.New("unknown command")

// HandlerFunc executes one named command.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Backend bundles the command registry and event hub. It implements
// transport.Host so a Bridge can be layered directly on top.
type Backend struct {
	hub *Hub

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// New creates an empty backend. Command sources register themselves via
// Register; event sources publish through Hub().
func New() *Backend {
	b := &Backend{
		hub:      newHub(),
		handlers: make(map[string]HandlerFunc),
	}
	b.Register("sys.ping", func(ctx context.Context, args json.RawMessage) (any, error) {
		return map[string]string{"message": "pong"}, nil
	})
	return b
}

var _ transport.Host = (*Backend)(nil)

// Register installs a command handler. Later registrations replace earlier
// ones for the same name.
func (b *Backend) Register(command string, fn HandlerFunc) {
	b.mu.Lock()
	b.handlers[command] = fn
	b.mu.Unlock()
}

// Call dispatches a command and JSON-encodes its result.
func (b *Backend) Call(ctx context.Context, command string, args json.RawMessage) (json.RawMessage, error) {
	b.mu.RLock()
	fn, ok := b.handlers[command]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}

	result, err := fn(ctx, args)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return json.RawMessage("null"), nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result of %s: %w", command, err)
	}
	return data, nil
}

// Subscribe registers an event listener on the hub.
func (b *Backend) Subscribe(pattern string, fn transport.EventFunc) transport.CancelFunc {
	return b.hub.Subscribe(pattern, fn)
}

// Hub returns the event hub for publishers.
func (b *Backend) Hub() *Hub {
	return b.hub
}
