// Package transport carries commands and events between the client side of
// the application and the execution backend. Two interchangeable
// implementations exist: Remote speaks HTTP + WebSocket to a networked
// backend, Bridge calls straight into a backend linked in-process.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ConnectionState tracks the event channel lifecycle.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Event is one frame from the backend event channel.
type Event struct {
	Type    string
	Payload json.RawMessage
}

// EventFunc receives matched events.
type EventFunc func(Event)

// CancelFunc removes a listener or callback registration.
type CancelFunc func()

// ErrAuthRequired marks a rejected request that can be recovered by
// supplying credentials via SetAuthToken.
var ErrAuthRequired = errors.New("authentication required")

// HTTPError is a transport-level failure: the backend answered with a
// non-2xx status, distinct from an application-level success=false result.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned status %d", e.Status)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.Status, e.Message)
}

// InvokeError is an application-level failure reported by the backend
// inside a 2xx response.
type InvokeError struct {
	Command string
	Message string
}

func (e *InvokeError) Error() string {
	return fmt.Sprintf("invoke %s: %s", e.Command, e.Message)
}

// Transport is the contract shared by the local bridge and the network
// client. Listen patterns are exact event types, or a string prefix
// followed by '*' which matches any event type starting with that prefix.
type Transport interface {
	// Invoke issues a single command call and returns the raw result.
	Invoke(ctx context.Context, command string, args any) (json.RawMessage, error)

	// Listen registers fn for events matching pattern. The returned
	// CancelFunc removes exactly this registration.
	Listen(pattern string, fn EventFunc) (CancelFunc, error)

	// SetAuthToken installs the bearer token used for subsequent requests
	// and event channel connections. A non-empty token clears AuthRequired.
	SetAuthToken(token string)

	// AuthRequired reports whether the last request failed with 401 and no
	// new token has been supplied since.
	AuthRequired() bool

	// State returns the current event channel state.
	State() ConnectionState

	// OnReconnect registers fn to run after the event channel reconnects.
	// It never fires for the very first successful connection.
	OnReconnect(fn func()) CancelFunc

	// OnAuthRequired registers fn to run when a request is rejected with 401.
	OnAuthRequired(fn func()) CancelFunc

	// OnStateChange registers fn to run on every connection state change.
	OnStateChange(fn func(ConnectionState)) CancelFunc

	// Disconnect closes the event channel and clears all subscriptions and
	// callbacks. A hard reset, not a graceful unsubscribe.
	Disconnect()
}

// Matches reports whether an event type matches a listen pattern.
func Matches(pattern, eventType string) bool {
	if n := len(pattern); n > 0 && pattern[n-1] == '*' {
		return len(eventType) >= n-1 && eventType[:n-1] == pattern[:n-1]
	}
	return pattern == eventType
}

// callbackList is a token-addressed callback collection. Removal is by
// token, never by function identity, so double-removal is harmless.
type callbackList[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]T
}

func (l *callbackList[T]) add(fn T) CancelFunc {
	l.mu.Lock()
	if l.fns == nil {
		l.fns = make(map[int]T)
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

func (l *callbackList[T]) snapshot() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]T, 0, len(l.fns))
	for _, fn := range l.fns {
		out = append(out, fn)
	}
	return out
}

func (l *callbackList[T]) clear() {
	l.mu.Lock()
	l.fns = nil
	l.mu.Unlock()
}
