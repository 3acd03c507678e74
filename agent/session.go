package agent

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/agentdeck/agentdeck/transport"
)

var (
	// ErrAlreadyResolved marks a decision sent for an approval request
	// that was already answered.
	ErrAlreadyResolved = errors.New("approval request already resolved")

	// ErrUnknownRequest marks a decision for a request id the adapter
	// never surfaced (or already discarded).
	ErrUnknownRequest = errors.New("unknown approval request")

	// ErrNotRunning marks an operation that needs a live turn.
	ErrNotRunning = errors.New("no running chat")
)

// ChatSession is the per-conversation record owned by one adapter. All
// fields are guarded by mu; adapters mutate it only from transport
// callbacks and API calls.
type ChatSession struct {
	ChatID string

	mu        sync.Mutex
	proc      *ProcHandle
	running   bool
	stopped   bool
	sessionID string
	reqSeq    int64
	pending   map[string]*ToolApprovalRequest
	resolved  map[string]bool
	taskStack []string

	eventCbs callbackList[func(AgentEvent)]
	doneCbs  callbackList[func()]
}

// Sessions is the keyed registry from chat id to session record. One per
// adapter, passed by reference.
type Sessions struct {
	mu sync.Mutex
	m  map[string]*ChatSession
}

func NewSessions() *Sessions {
	return &Sessions{m: make(map[string]*ChatSession)}
}

// Get returns the session for chatID or nil.
func (s *Sessions) Get(chatID string) *ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[chatID]
}

// GetOrCreate returns the session for chatID, creating it on first use.
func (s *Sessions) GetOrCreate(chatID string) *ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.m[chatID]; sess != nil {
		return sess
	}
	sess := &ChatSession{
		ChatID:   chatID,
		pending:  make(map[string]*ToolApprovalRequest),
		resolved: make(map[string]bool),
	}
	s.m[chatID] = sess
	return sess
}

// Remove drops the session record.
func (s *Sessions) Remove(chatID string) {
	s.mu.Lock()
	delete(s.m, chatID)
	s.mu.Unlock()
}

// Proc returns the backing subprocess handle, nil until the first message
// spawns it.
func (c *ChatSession) Proc() *ProcHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proc
}

// SetProc installs or clears the subprocess handle.
func (c *ChatSession) SetProc(h *ProcHandle) {
	c.mu.Lock()
	c.proc = h
	c.mu.Unlock()
}

// OnEvent registers an event callback; removal is by token.
func (c *ChatSession) OnEvent(fn func(AgentEvent)) transport.CancelFunc {
	return c.eventCbs.add(fn)
}

// OnDone registers a turn-completion callback.
func (c *ChatSession) OnDone(fn func()) transport.CancelFunc {
	return c.doneCbs.add(fn)
}

// Emit delivers a canonical event to every subscriber, attributing tool
// activity to the enclosing subagent task if one is active.
func (c *ChatSession) Emit(ev AgentEvent) {
	if ev.Type == EventTypeMessage && ev.ToolMeta != nil {
		c.mu.Lock()
		if parent := c.currentTaskLocked(); parent != "" && parent != ev.ToolUseID {
			ev.ParentToolUseID = parent
		}
		c.mu.Unlock()
	}
	for _, fn := range c.eventCbs.snapshot() {
		fn(ev)
	}
}

// EmitDone fires the done callbacks and clears the running flag.
func (c *ChatSession) EmitDone() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	for _, fn := range c.doneCbs.snapshot() {
		fn()
	}
}

// Running reports whether a turn is in flight.
func (c *ChatSession) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// SetRunning sets the in-flight flag. Starting a turn also clears the
// stopped marker from any previous cancellation.
func (c *ChatSession) SetRunning(running bool) {
	c.mu.Lock()
	c.running = running
	if running {
		c.stopped = false
	}
	c.mu.Unlock()
}

// MarkStopped records that the user cancelled; trailing protocol frames
// for the old turn must be discarded rather than delivered.
func (c *ChatSession) MarkStopped() {
	c.mu.Lock()
	c.running = false
	c.stopped = true
	c.mu.Unlock()
}

// Stopped reports whether a cancellation is pending acknowledgement.
func (c *ChatSession) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// SessionID returns the agent-assigned conversation id, "" if unknown.
func (c *ChatSession) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// SetSessionID stores the agent-assigned id and reports whether it
// changed, so the adapter can emit a session_id event exactly once.
func (c *ChatSession) SetSessionID(id string) bool {
	if id == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID == id {
		return false
	}
	c.sessionID = id
	return true
}

// FirstMessage reports whether the next message starts a brand-new
// session. Derived strictly from the absence of a session id, never from a
// separate counter that could drift from actual session state.
func (c *ChatSession) FirstMessage() bool {
	return c.SessionID() == ""
}

// ComposePrompt prepends initPrompt with a blank-line separator on the
// first message of a new session, and never afterwards.
func (c *ChatSession) ComposePrompt(initPrompt, prompt string) string {
	if initPrompt != "" && c.FirstMessage() {
		return initPrompt + "\n\n" + prompt
	}
	return prompt
}

// NextRequestID returns the adapter's own monotonic request id,
// independent of the wire protocol's numbering scheme.
func (c *ChatSession) NextRequestID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqSeq++
	return strconv.FormatInt(c.reqSeq, 10)
}

// AddApproval stores a pending approval request for later resolution.
func (c *ChatSession) AddApproval(req *ToolApprovalRequest) {
	c.mu.Lock()
	c.pending[req.ID] = req
	c.mu.Unlock()
}

// TakeApproval resolves a pending request exactly once. The second call
// for the same id fails with ErrAlreadyResolved; ids never surfaced fail
// with ErrUnknownRequest.
func (c *ChatSession) TakeApproval(requestID string) (*ToolApprovalRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.pending[requestID]
	if !ok {
		if c.resolved[requestID] {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyResolved, requestID)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	delete(c.pending, requestID)
	c.resolved[requestID] = true
	return req, nil
}

// BeginTask pushes a subagent task boundary. Until EndTask, tool activity
// with a different tool_use_id is attributed to this task.
func (c *ChatSession) BeginTask(toolUseID string) {
	c.mu.Lock()
	c.taskStack = append(c.taskStack, toolUseID)
	c.mu.Unlock()
}

// EndTask pops the task if it is the active one.
func (c *ChatSession) EndTask(toolUseID string) {
	c.mu.Lock()
	if n := len(c.taskStack); n > 0 && c.taskStack[n-1] == toolUseID {
		c.taskStack = c.taskStack[:n-1]
	}
	c.mu.Unlock()
}

// CurrentTask returns the active subagent task id, "" if none.
func (c *ChatSession) CurrentTask() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTaskLocked()
}

func (c *ChatSession) currentTaskLocked() string {
	if n := len(c.taskStack); n > 0 {
		return c.taskStack[n-1]
	}
	return ""
}

// callbackList mirrors the transport package's token-addressed callback
// collection for adapter-side subscribers.
type callbackList[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]T
}

func (l *callbackList[T]) add(fn T) transport.CancelFunc {
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
