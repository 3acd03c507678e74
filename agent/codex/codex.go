// Package codex adapts the Codex CLI's app-server protocol: JSON-RPC 2.0
// over the process's stdio. Turn output arrives as notifications; approvals
// arrive as server-initiated requests whose reply is deferred until the
// user decides.
package codex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/agentdeck/agentdeck/agent"
	"github.com/agentdeck/agentdeck/cmdprefix"
	"github.com/agentdeck/agentdeck/transport"
)

// Binary is the Codex CLI executable name.
const Binary = "codex"

// Adapter drives one Codex app-server process per chat.
type Adapter struct {
	deps     agent.Deps
	log      *slog.Logger
	sessions *agent.Sessions

	mu    sync.Mutex
	conns map[string]*jsonrpc2.Conn
}

func New(deps agent.Deps) *Adapter {
	return &Adapter{
		deps:     deps,
		log:      deps.Logger().With("adapter", "codex"),
		sessions: agent.NewSessions(),
		conns:    make(map[string]*jsonrpc2.Conn),
	}
}

func (a *Adapter) Kind() agent.Kind { return agent.KindCodex }

func (a *Adapter) conn(chatID string) *jsonrpc2.Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conns[chatID]
}

func (a *Adapter) setConn(chatID string, c *jsonrpc2.Conn) {
	a.mu.Lock()
	if c == nil {
		delete(a.conns, chatID)
	} else {
		a.conns[chatID] = c
	}
	a.mu.Unlock()
}

// SendMessage starts the app-server on first use, opens or resumes the
// thread, and fires the turn as a notification. Completion comes back as a
// turn.completed notification.
func (a *Adapter) SendMessage(ctx context.Context, chatID string, opts agent.SendOptions) error {
	sess := a.sessions.GetOrCreate(chatID)
	prompt := sess.ComposePrompt(opts.InitPrompt, opts.Prompt)

	if a.conn(chatID) == nil {
		if err := a.start(ctx, sess, opts); err != nil {
			return err
		}
	}
	conn := a.conn(chatID)
	if conn == nil {
		return agent.ErrNotRunning
	}

	sess.SetRunning(true)
	err := conn.Notify(ctx, "turn.start", turnStartParams{
		ThreadID: sess.SessionID(),
		Prompt:   prompt,
	})
	if err != nil {
		sess.SetRunning(false)
		return fmt.Errorf("turn.start: %w", err)
	}
	return nil
}

func (a *Adapter) start(ctx context.Context, sess *agent.ChatSession, opts agent.SendOptions) error {
	args := []string{"app-server"}
	if opts.LogDir != "" {
		args = append(args, "--log-dir", opts.LogDir)
	}

	spec := agent.ProcSpec{Command: Binary, Args: args, Dir: opts.WorkDir}
	h, err := agent.Spawn(ctx, a.deps.Transport, spec)
	if err != nil {
		return a.deps.Availability.WrapSpawnError(agent.KindCodex, err)
	}
	a.deps.Availability.MarkAvailable(agent.KindCodex)

	stream := newProcStream(h)
	err = h.Attach(
		stream.push,
		func(line string) { a.log.Debug("codex stderr", "chat_id", sess.ChatID, "line", line) },
		func(code int, errMsg string) {
			stream.closeRead()
			a.handleExit(sess, code, errMsg)
		},
	)
	if err != nil {
		h.Kill(ctx)
		return err
	}
	sess.SetProc(h)

	// No AsyncHandler: handlers never block, and stream events must keep
	// their wire order.
	handler := &rpcHandler{adapter: a, sess: sess}
	conn := jsonrpc2.NewConn(context.Background(), stream, handler)
	a.setConn(sess.ChatID, conn)

	var started threadStartedParams
	params := threadStartParams{
		Cwd:            opts.WorkDir,
		Model:          opts.Model,
		ApprovalPolicy: "on-request",
	}
	if sid := sess.SessionID(); sid != "" {
		params.ThreadID = sid
	}
	if err := conn.Call(ctx, "thread.start", params, &started); err != nil {
		a.teardown(ctx, sess)
		return fmt.Errorf("thread.start: %w", err)
	}
	if sess.SetSessionID(started.ThreadID) {
		sess.Emit(agent.AgentEvent{Type: agent.EventTypeSessionID, SessionID: started.ThreadID})
	}
	return nil
}

func (a *Adapter) handleExit(sess *agent.ChatSession, code int, errMsg string) {
	a.setConn(sess.ChatID, nil)
	sess.SetProc(nil)
	if sess.Stopped() {
		return
	}
	if code != 0 {
		if errMsg == "" {
			errMsg = fmt.Sprintf("codex exited with code %d", code)
		}
		sess.Emit(agent.AgentEvent{Type: agent.EventTypeMessage, Content: errMsg, IsInfo: true})
	}
	if sess.Running() {
		sess.EmitDone()
	}
}

func (a *Adapter) teardown(ctx context.Context, sess *agent.ChatSession) {
	if conn := a.conn(sess.ChatID); conn != nil {
		conn.Close()
	}
	a.setConn(sess.ChatID, nil)
	if proc := sess.Proc(); proc != nil {
		proc.Close()
		proc.Kill(ctx)
		sess.SetProc(nil)
	}
}

// SendToolApproval replies to a deferred exec.approval / patch.approval
// request. The wire id, numeric or string on the wire, was normalized when
// the request was surfaced; the original is restored from Raw for the
// reply.
func (a *Adapter) SendToolApproval(ctx context.Context, chatID, requestID string, approved bool, scope string) error {
	sess := a.sessions.Get(chatID)
	conn := a.conn(chatID)
	if sess == nil || conn == nil {
		return agent.ErrNotRunning
	}
	pending, err := sess.TakeApproval(requestID)
	if err != nil {
		return err
	}
	var wireID jsonrpc2.ID
	if err := json.Unmarshal(pending.Raw, &wireID); err != nil {
		return fmt.Errorf("stored wire id corrupt: %w", err)
	}
	return conn.Reply(ctx, wireID, decisionFor(approved, scope))
}

func decisionFor(approved bool, scope string) approvalResult {
	switch {
	case !approved:
		return approvalResult{Decision: "denied"}
	case scope == agent.ScopeAlways:
		return approvalResult{Decision: "approved_for_session"}
	default:
		return approvalResult{Decision: "approved"}
	}
}

// StopChat interrupts the turn best-effort, then kills the app-server
// unconditionally.
func (a *Adapter) StopChat(ctx context.Context, chatID string) error {
	sess := a.sessions.Get(chatID)
	if sess == nil {
		return nil
	}
	conn := a.conn(chatID)
	if conn == nil && sess.Proc() == nil {
		return nil
	}
	sess.MarkStopped()

	if conn != nil {
		// Best effort: the kill below does not depend on it.
		_ = conn.Notify(ctx, "turn.interrupt", turnInterruptParams{ThreadID: sess.SessionID()})
		conn.Close()
	}
	a.setConn(chatID, nil)

	var err error
	if proc := sess.Proc(); proc != nil {
		proc.Close()
		err = proc.Kill(ctx)
		sess.SetProc(nil)
	}
	sess.EmitDone()
	return err
}

func (a *Adapter) OnEvent(chatID string, fn func(agent.AgentEvent)) transport.CancelFunc {
	return a.sessions.GetOrCreate(chatID).OnEvent(fn)
}

func (a *Adapter) OnDone(chatID string, fn func()) transport.CancelFunc {
	return a.sessions.GetOrCreate(chatID).OnDone(fn)
}

func (a *Adapter) IsRunning(chatID string) bool {
	sess := a.sessions.Get(chatID)
	return sess != nil && sess.Running()
}

func (a *Adapter) SessionID(chatID string) string {
	sess := a.sessions.Get(chatID)
	if sess == nil {
		return ""
	}
	return sess.SessionID()
}

func (a *Adapter) RemoveChat(ctx context.Context, chatID string) {
	if err := a.StopChat(ctx, chatID); err != nil {
		a.log.Debug("stop on remove", "chat_id", chatID, "err", err)
	}
	a.sessions.Remove(chatID)
}

// rpcHandler receives server-initiated traffic for one chat.
type rpcHandler struct {
	adapter *Adapter
	sess    *agent.ChatSession
}

func (h *rpcHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	a, sess := h.adapter, h.sess

	switch req.Method {
	case "thread.started":
		var p threadStartedParams
		if unmarshalParams(req, &p) && sess.SetSessionID(p.ThreadID) {
			sess.Emit(agent.AgentEvent{Type: agent.EventTypeSessionID, SessionID: p.ThreadID})
		}
	case "item.delta":
		var p itemDeltaParams
		if unmarshalParams(req, &p) && p.Delta != "" {
			sess.Emit(agent.AgentEvent{Type: agent.EventTypeText, Delta: p.Delta})
		}
	case "item.completed":
		var p itemCompletedParams
		if unmarshalParams(req, &p) {
			h.handleItem(sess, p)
		}
	case "turn.completed":
		if sess.Stopped() {
			return
		}
		sess.Emit(agent.AgentEvent{Type: agent.EventTypeTurnComplete})
		sess.EmitDone()
	case "error":
		var p errorParams
		if unmarshalParams(req, &p) && !sess.Stopped() {
			sess.Emit(agent.AgentEvent{Type: agent.EventTypeMessage, Content: p.Message, IsInfo: true})
		}
	case "exec.approval":
		h.handleExecApproval(ctx, conn, req)
	case "patch.approval":
		h.handlePatchApproval(req)
	default:
		if !req.Notif {
			err := &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "method not found: " + req.Method}
			if replyErr := conn.ReplyWithError(ctx, req.ID, err); replyErr != nil {
				a.log.Error("reply failed", "err", replyErr)
			}
		}
	}
}

func (h *rpcHandler) handleItem(sess *agent.ChatSession, p itemCompletedParams) {
	switch p.Item.Type {
	case "agent_message":
		if p.Item.Text != "" {
			sess.Emit(agent.AgentEvent{Type: agent.EventTypeMessage, Content: p.Item.Text})
		}
	case "command_execution":
		input, _ := json.Marshal(map[string]string{"command": p.Item.Command})
		sess.Emit(agent.AgentEvent{
			Type:      agent.EventTypeMessage,
			ToolUseID: p.Item.ID,
			ToolMeta:  &agent.ToolMeta{Name: "Bash", Input: input},
		})
		if p.Item.AggregatedOutput != "" {
			sess.Emit(agent.AgentEvent{Type: agent.EventTypeBashOutput, Output: p.Item.AggregatedOutput})
		}
	case "reasoning":
		// Thinking text is not surfaced.
	default:
		h.adapter.log.Debug("unhandled item type", "chat_id", sess.ChatID, "type", p.Item.Type)
	}
}

// handleExecApproval surfaces a shell approval. Safe commands are answered
// on the spot; everything else is deferred until SendToolApproval replies
// with the stored wire id.
func (h *rpcHandler) handleExecApproval(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	a, sess := h.adapter, h.sess

	var p execApprovalParams
	if !unmarshalParams(req, &p) {
		return
	}
	rawID, err := json.Marshal(req.ID)
	if err != nil {
		a.log.Error("marshal wire id", "err", err)
		return
	}
	approval := &agent.ToolApprovalRequest{
		ID:              normalizeID(req.ID),
		Name:            "Bash",
		Input:           rawParams(req),
		DisplayInput:    p.Command,
		CommandPrefixes: cmdprefix.Prefixes(p.Command),
		Raw:             rawID,
	}

	if a.deps.Policy.AutoApproveCommand(p.Command) {
		approval.AutoApproved = true
		if err := conn.Reply(ctx, req.ID, approvalResult{Decision: "approved"}); err != nil {
			a.log.Warn("auto-approve reply failed", "chat_id", sess.ChatID, "err", err)
		}
		sess.Emit(agent.AgentEvent{Type: agent.EventTypeToolApproval, Approval: approval})
		return
	}

	sess.AddApproval(approval)
	sess.Emit(agent.AgentEvent{Type: agent.EventTypeToolApproval, Approval: approval})
}

func (h *rpcHandler) handlePatchApproval(req *jsonrpc2.Request) {
	a, sess := h.adapter, h.sess

	var p patchApprovalParams
	if !unmarshalParams(req, &p) {
		return
	}
	rawID, err := json.Marshal(req.ID)
	if err != nil {
		a.log.Error("marshal wire id", "err", err)
		return
	}
	approval := &agent.ToolApprovalRequest{
		ID:           normalizeID(req.ID),
		Name:         "ApplyPatch",
		Input:        rawParams(req),
		DisplayInput: p.Summary,
		Raw:          rawID,
	}
	sess.AddApproval(approval)
	sess.Emit(agent.AgentEvent{Type: agent.EventTypeToolApproval, Approval: approval})
}

// normalizeID renders a JSON-RPC id as a plain string, without the quoting
// jsonrpc2.ID.String applies to string ids.
func normalizeID(id jsonrpc2.ID) string {
	if id.IsString {
		return id.Str
	}
	return strconv.FormatUint(id.Num, 10)
}

func unmarshalParams(req *jsonrpc2.Request, v any) bool {
	if req.Params == nil {
		return false
	}
	return json.Unmarshal(*req.Params, v) == nil
}

func rawParams(req *jsonrpc2.Request) json.RawMessage {
	if req.Params == nil {
		return nil
	}
	return *req.Params
}

// procStream adapts a backend subprocess to jsonrpc2.ObjectStream: writes
// become stdin lines, stdout lines are pushed in from the transport
// listener.
type procStream struct {
	proc  *agent.ProcHandle
	lines chan string

	once   sync.Once
	closed chan struct{}
}

func newProcStream(proc *agent.ProcHandle) *procStream {
	return &procStream{
		proc:   proc,
		lines:  make(chan string, 64),
		closed: make(chan struct{}),
	}
}

func (s *procStream) push(line string) {
	select {
	case s.lines <- line:
	case <-s.closed:
	}
}

func (s *procStream) ReadObject(v any) error {
	select {
	case line := <-s.lines:
		return json.Unmarshal([]byte(line), v)
	case <-s.closed:
		return io.EOF
	}
}

func (s *procStream) WriteObject(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.proc.WriteLine(context.Background(), string(data))
}

func (s *procStream) closeRead() {
	s.once.Do(func() { close(s.closed) })
}

func (s *procStream) Close() error {
	s.closeRead()
	return nil
}

var _ jsonrpc2.ObjectStream = (*procStream)(nil)

// --- Wire types ---

type threadStartParams struct {
	ThreadID       string `json:"thread_id,omitempty"`
	Cwd            string `json:"cwd,omitempty"`
	Model          string `json:"model,omitempty"`
	ApprovalPolicy string `json:"approval_policy,omitempty"`
}

type threadStartedParams struct {
	ThreadID string `json:"thread_id"`
}

type turnStartParams struct {
	ThreadID string `json:"thread_id"`
	Prompt   string `json:"prompt"`
}

type turnInterruptParams struct {
	ThreadID string `json:"thread_id"`
}

type itemDeltaParams struct {
	ItemID string `json:"item_id"`
	Delta  string `json:"delta"`
}

type itemCompletedParams struct {
	Item struct {
		ID               string `json:"id"`
		Type             string `json:"type"`
		Text             string `json:"text,omitempty"`
		Command          string `json:"command,omitempty"`
		AggregatedOutput string `json:"aggregated_output,omitempty"`
		ExitCode         int    `json:"exit_code,omitempty"`
	} `json:"item"`
}

type errorParams struct {
	Message string `json:"message"`
}

type execApprovalParams struct {
	CallID  string `json:"call_id"`
	Command string `json:"command"`
	Cwd     string `json:"cwd,omitempty"`
}

type patchApprovalParams struct {
	CallID  string `json:"call_id"`
	Summary string `json:"summary,omitempty"`
}

type approvalResult struct {
	Decision string `json:"decision"`
}
