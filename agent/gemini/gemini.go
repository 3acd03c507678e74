// Package gemini adapts the Gemini CLI's ACP mode: JSON-RPC 2.0 over
// stdio with client-owned request ids. The prompt call itself is the turn;
// its response carries the stop reason. Progress streams in as
// session/update notifications, and permission handshakes arrive as
// agent-to-client requests.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/agentdeck/agentdeck/agent"
	"github.com/agentdeck/agentdeck/cmdprefix"
	"github.com/agentdeck/agentdeck/transport"
)

// Binary is the Gemini CLI executable name.
const Binary = "gemini"

const protocolVersion = 1

// Adapter drives one Gemini ACP process per chat.
type Adapter struct {
	deps     agent.Deps
	log      *slog.Logger
	sessions *agent.Sessions

	mu      sync.Mutex
	clients map[string]*rpcClient
}

func New(deps agent.Deps) *Adapter {
	return &Adapter{
		deps:     deps,
		log:      deps.Logger().With("adapter", "gemini"),
		sessions: agent.NewSessions(),
		clients:  make(map[string]*rpcClient),
	}
}

func (a *Adapter) Kind() agent.Kind { return agent.KindGemini }

func (a *Adapter) client(chatID string) *rpcClient {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.clients[chatID]
}

func (a *Adapter) setClient(chatID string, c *rpcClient) {
	a.mu.Lock()
	if c == nil {
		delete(a.clients, chatID)
	} else {
		a.clients[chatID] = c
	}
	a.mu.Unlock()
}

// SendMessage establishes the ACP session on first use, then fires the
// prompt request. The turn completes when the request's response arrives.
func (a *Adapter) SendMessage(ctx context.Context, chatID string, opts agent.SendOptions) error {
	sess := a.sessions.GetOrCreate(chatID)
	prompt := sess.ComposePrompt(opts.InitPrompt, opts.Prompt)

	if a.client(chatID) == nil {
		if err := a.start(ctx, sess, opts); err != nil {
			return err
		}
	}
	client := a.client(chatID)
	if client == nil {
		return agent.ErrNotRunning
	}

	sess.SetRunning(true)
	go a.runTurn(sess, client, prompt)
	return nil
}

// runTurn blocks on session/prompt until the agent reports a stop reason.
func (a *Adapter) runTurn(sess *agent.ChatSession, client *rpcClient, prompt string) {
	var res promptResponse
	err := client.call(context.Background(), "session/prompt", promptRequest{
		SessionID: sess.SessionID(),
		Prompt:    []contentBlock{{Type: "text", Text: prompt}},
	}, &res)

	if sess.Stopped() {
		return
	}
	if err != nil {
		sess.Emit(agent.AgentEvent{Type: agent.EventTypeMessage, Content: err.Error(), IsInfo: true})
		sess.EmitDone()
		return
	}
	if res.StopReason == "cancelled" {
		sess.EmitDone()
		return
	}
	sess.Emit(agent.AgentEvent{Type: agent.EventTypeTurnComplete})
	sess.EmitDone()
}

func (a *Adapter) start(ctx context.Context, sess *agent.ChatSession, opts agent.SendOptions) error {
	args := []string{"--experimental-acp"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}

	spec := agent.ProcSpec{Command: Binary, Args: args, Dir: opts.WorkDir}
	h, err := agent.Spawn(ctx, a.deps.Transport, spec)
	if err != nil {
		return a.deps.Availability.WrapSpawnError(agent.KindGemini, err)
	}
	a.deps.Availability.MarkAvailable(agent.KindGemini)

	client := newRPCClient(h)
	client.onNotify = func(method string, params json.RawMessage) { a.handleNotification(sess, method, params) }
	client.onRequest = func(id int64, method string, params json.RawMessage) {
		a.handleRequest(sess, client, id, method, params)
	}

	err = h.Attach(
		client.handleLine,
		func(line string) { a.log.Debug("gemini stderr", "chat_id", sess.ChatID, "line", line) },
		func(code int, errMsg string) {
			client.closePending()
			a.handleExit(sess, code, errMsg)
		},
	)
	if err != nil {
		h.Kill(ctx)
		return err
	}
	sess.SetProc(h)
	a.setClient(sess.ChatID, client)

	var initRes initializeResponse
	initReq := initializeRequest{
		ProtocolVersion: protocolVersion,
		ClientInfo:      implementation{Name: "agentdeck", Version: "1"},
	}
	if err := client.call(ctx, "initialize", initReq, &initRes); err != nil {
		a.teardown(ctx, sess)
		return fmt.Errorf("initialize: %w", err)
	}

	if sid := sess.SessionID(); sid != "" {
		err = client.call(ctx, "session/load", loadSessionRequest{SessionID: sid, Cwd: opts.WorkDir}, &struct{}{})
		if err != nil {
			a.teardown(ctx, sess)
			return fmt.Errorf("session/load: %w", err)
		}
		return nil
	}

	var newRes newSessionResponse
	newReq := newSessionRequest{Cwd: opts.WorkDir, McpServers: []struct{}{}}
	if err := client.call(ctx, "session/new", newReq, &newRes); err != nil {
		a.teardown(ctx, sess)
		return fmt.Errorf("session/new: %w", err)
	}
	if sess.SetSessionID(newRes.SessionID) {
		sess.Emit(agent.AgentEvent{Type: agent.EventTypeSessionID, SessionID: newRes.SessionID})
	}
	return nil
}

func (a *Adapter) handleExit(sess *agent.ChatSession, code int, errMsg string) {
	a.setClient(sess.ChatID, nil)
	sess.SetProc(nil)
	if sess.Stopped() {
		return
	}
	if code != 0 {
		if errMsg == "" {
			errMsg = fmt.Sprintf("gemini exited with code %d", code)
		}
		sess.Emit(agent.AgentEvent{Type: agent.EventTypeMessage, Content: errMsg, IsInfo: true})
	}
	if sess.Running() {
		sess.EmitDone()
	}
}

func (a *Adapter) teardown(ctx context.Context, sess *agent.ChatSession) {
	a.setClient(sess.ChatID, nil)
	if proc := sess.Proc(); proc != nil {
		proc.Close()
		proc.Kill(ctx)
		sess.SetProc(nil)
	}
}

func (a *Adapter) handleNotification(sess *agent.ChatSession, method string, params json.RawMessage) {
	if method != "session/update" {
		a.log.Debug("unhandled notification", "chat_id", sess.ChatID, "method", method)
		return
	}
	var n sessionNotification
	if err := json.Unmarshal(params, &n); err != nil {
		a.log.Warn("bad session/update", "chat_id", sess.ChatID, "err", err)
		return
	}

	u := n.Update
	switch u.Type {
	case "agent_message_chunk":
		if u.Content != nil && u.Content.Text != "" {
			sess.Emit(agent.AgentEvent{Type: agent.EventTypeText, Delta: u.Content.Text})
		}
	case "agent_thought_chunk":
		// Thinking text is not surfaced.
	case "tool_call":
		sess.Emit(agent.AgentEvent{
			Type:      agent.EventTypeMessage,
			ToolUseID: u.ToolCallID,
			ToolMeta:  &agent.ToolMeta{Name: toolDisplayName(u.ToolName, u.Title, u.Kind), Input: u.Input},
		})
	case "tool_call_update":
		if u.Status == "errored" {
			sess.Emit(agent.AgentEvent{
				Type:      agent.EventTypeMessage,
				Content:   "tool call failed",
				ToolUseID: u.ToolCallID,
				IsInfo:    true,
			})
		}
	case "tool_call_result":
		if text := joinBlocks(u.Result); text != "" {
			sess.Emit(agent.AgentEvent{
				Type:      agent.EventTypeMessage,
				Content:   text,
				ToolUseID: u.ToolCallID,
				IsInfo:    true,
			})
		}
	case "plan_update":
		if u.Plan != nil {
			sess.Emit(agent.AgentEvent{
				Type:    agent.EventTypeMessage,
				Content: renderPlan(u.Plan),
				IsInfo:  true,
			})
		}
	default:
		a.log.Debug("unhandled session update", "chat_id", sess.ChatID, "update", u.Type)
	}
}

// handleRequest serves agent-to-client requests; only the permission
// handshake is supported.
func (a *Adapter) handleRequest(sess *agent.ChatSession, client *rpcClient, id int64, method string, params json.RawMessage) {
	if method != "session/request_permission" {
		client.replyError(id, -32601, "method not found: "+method)
		return
	}
	var req permissionRequest
	if err := json.Unmarshal(params, &req); err != nil {
		client.replyError(id, -32602, "invalid params")
		return
	}

	options := make([]agent.ApprovalOption, 0, len(req.Options))
	for _, o := range req.Options {
		options = append(options, agent.ApprovalOption{ID: o.OptionID, Name: o.Name, Kind: o.Kind})
	}
	rawID, _ := json.Marshal(id)
	approval := &agent.ToolApprovalRequest{
		ID:      strconv.FormatInt(id, 10),
		Name:    toolDisplayName(req.ToolCall.ToolName, req.ToolCall.Title, req.ToolCall.Kind),
		Input:   req.ToolCall.Input,
		Options: options,
		Raw:     rawID,
	}

	if req.ToolCall.Kind == "execute" || req.ToolCall.Kind == "shell" {
		var in struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(req.ToolCall.Input, &in); err == nil && in.Command != "" {
			approval.DisplayInput = in.Command
			approval.CommandPrefixes = cmdprefix.Prefixes(in.Command)
			if a.deps.Policy.AutoApproveCommand(in.Command) {
				if opt, ok := pickOption(options, true, ""); ok {
					approval.AutoApproved = true
					client.reply(id, permissionResponse{
						Outcome: permissionOutcome{Type: "selected", OptionID: opt},
					})
					sess.Emit(agent.AgentEvent{Type: agent.EventTypeToolApproval, Approval: approval})
					return
				}
			}
		}
	}

	sess.AddApproval(approval)
	sess.Emit(agent.AgentEvent{Type: agent.EventTypeToolApproval, Approval: approval})
}

// SendToolApproval answers a pending permission request. scope selects an
// agent-offered option: an explicit option id, or ScopeAlways to prefer
// the session-wide allow option.
func (a *Adapter) SendToolApproval(ctx context.Context, chatID, requestID string, approved bool, scope string) error {
	sess := a.sessions.Get(chatID)
	client := a.client(chatID)
	if sess == nil || client == nil {
		return agent.ErrNotRunning
	}
	pending, err := sess.TakeApproval(requestID)
	if err != nil {
		return err
	}
	var wireID int64
	if err := json.Unmarshal(pending.Raw, &wireID); err != nil {
		return fmt.Errorf("stored wire id corrupt: %w", err)
	}

	opt, ok := pickOption(pending.Options, approved, scope)
	if !ok {
		return client.reply(wireID, permissionResponse{
			Outcome: permissionOutcome{Type: "cancelled"},
		})
	}
	return client.reply(wireID, permissionResponse{
		Outcome: permissionOutcome{Type: "selected", OptionID: opt},
	})
}

// pickOption resolves the outcome option id. An explicit scope matching an
// option id wins; otherwise the decision maps onto the option kinds the
// agent offered.
func pickOption(options []agent.ApprovalOption, approved bool, scope string) (string, bool) {
	for _, o := range options {
		if scope != "" && scope == o.ID {
			return o.ID, true
		}
	}

	wanted := func(kinds ...string) (string, bool) {
		for _, k := range kinds {
			for _, o := range options {
				if o.Kind == k {
					return o.ID, true
				}
			}
		}
		return "", false
	}

	if approved {
		if scope == agent.ScopeAlways {
			if id, ok := wanted("allow_always", "allow_once"); ok {
				return id, true
			}
		}
		if id, ok := wanted("allow_once", "allow_always"); ok {
			return id, true
		}
		return "", false
	}
	return wanted("reject_once", "reject_always")
}

// StopChat cancels the turn via session/cancel best-effort, then kills
// the process unconditionally.
func (a *Adapter) StopChat(ctx context.Context, chatID string) error {
	sess := a.sessions.Get(chatID)
	if sess == nil {
		return nil
	}
	client := a.client(chatID)
	if client == nil && sess.Proc() == nil {
		return nil
	}
	sess.MarkStopped()

	if client != nil {
		// Best effort: the kill below does not depend on it.
		_ = client.notify(ctx, "session/cancel", cancelNotification{SessionID: sess.SessionID()})
		client.closePending()
	}
	a.setClient(chatID, nil)

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

func toolDisplayName(name, title, kind string) string {
	switch {
	case name != "":
		return name
	case title != "":
		return title
	case kind != "":
		return kind
	default:
		return "tool"
	}
}

func joinBlocks(blocks []contentBlock) string {
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func renderPlan(p *plan) string {
	var b strings.Builder
	b.WriteString("Plan:")
	for _, e := range p.Entries {
		b.WriteString("\n- ")
		b.WriteString(e.Title)
		if e.Status != "" {
			b.WriteString(" (" + e.Status + ")")
		}
	}
	return b.String()
}

// rpcClient is a minimal JSON-RPC 2.0 client over the subprocess pipe.
// Request ids are a client-owned monotonic counter; replies are routed to
// the waiting caller through a pending map.
type rpcClient struct {
	proc   *agent.ProcHandle
	nextID atomic.Int64

	onNotify  func(method string, params json.RawMessage)
	onRequest func(id int64, method string, params json.RawMessage)

	mu      sync.Mutex
	pending map[int64]chan *rpcFrame
	closed  bool
}

func newRPCClient(proc *agent.ProcHandle) *rpcClient {
	return &rpcClient{
		proc:    proc,
		pending: make(map[int64]chan *rpcFrame),
	}
}

// rpcFrame is a loosely-typed JSON-RPC frame used for both directions.
type rpcFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (c *rpcClient) call(ctx context.Context, method string, params, result any) error {
	id := c.nextID.Add(1)
	ch := make(chan *rpcFrame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return agent.ErrNotRunning
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, rpcFrame{JSONRPC: "2.0", ID: &id, Method: method, Params: mustMarshal(params)}); err != nil {
		return err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("%s: connection closed", method)
		}
		if resp.Error != nil {
			return fmt.Errorf("%s: %w", method, resp.Error)
		}
		if result != nil && resp.Result != nil {
			return json.Unmarshal(resp.Result, result)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *rpcClient) notify(ctx context.Context, method string, params any) error {
	return c.write(ctx, rpcFrame{JSONRPC: "2.0", Method: method, Params: mustMarshal(params)})
}

func (c *rpcClient) reply(id int64, result any) error {
	return c.write(context.Background(), rpcFrame{JSONRPC: "2.0", ID: &id, Result: mustMarshal(result)})
}

func (c *rpcClient) replyError(id int64, code int, message string) {
	frame := rpcFrame{JSONRPC: "2.0", ID: &id, Error: &rpcError{Code: code, Message: message}}
	_ = c.write(context.Background(), frame)
}

func (c *rpcClient) write(ctx context.Context, frame rpcFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.proc.WriteLine(ctx, string(data))
}

// handleLine routes one stdout line: a response to a waiting call, a
// server request, or a notification.
func (c *rpcClient) handleLine(line string) {
	var frame rpcFrame
	if err := json.Unmarshal([]byte(line), &frame); err != nil {
		return
	}

	switch {
	case frame.Method == "" && frame.ID != nil:
		c.mu.Lock()
		ch := c.pending[*frame.ID]
		c.mu.Unlock()
		if ch != nil {
			ch <- &frame
		}
	case frame.ID != nil:
		if c.onRequest != nil {
			c.onRequest(*frame.ID, frame.Method, frame.Params)
		}
	case frame.Method != "":
		if c.onNotify != nil {
			c.onNotify(frame.Method, frame.Params)
		}
	}
}

// closePending fails every waiting call; used on process exit and stop.
func (c *rpcClient) closePending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func mustMarshal(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal params: %v", err))
	}
	return data
}

// --- Wire types ---

type implementation struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type initializeRequest struct {
	ProtocolVersion int            `json:"protocolVersion"`
	ClientInfo      implementation `json:"clientInfo"`
}

type initializeResponse struct {
	ProtocolVersion int `json:"protocolVersion"`
}

type newSessionRequest struct {
	Cwd        string     `json:"cwd"`
	McpServers []struct{} `json:"mcpServers"`
}

type newSessionResponse struct {
	SessionID string `json:"sessionId"`
}

type loadSessionRequest struct {
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type promptRequest struct {
	SessionID string         `json:"sessionId"`
	Prompt    []contentBlock `json:"prompt"`
}

type promptResponse struct {
	StopReason string `json:"stopReason"`
}

type cancelNotification struct {
	SessionID string `json:"sessionId"`
}

type sessionNotification struct {
	SessionID string        `json:"sessionId"`
	Update    sessionUpdate `json:"update"`
}

type sessionUpdate struct {
	Type string `json:"sessionUpdate"`

	Content *contentBlock `json:"content,omitempty"`

	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Title      string          `json:"title,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Status     string          `json:"status,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`

	Result []contentBlock `json:"result,omitempty"`

	Plan *plan `json:"plan,omitempty"`
}

type plan struct {
	Entries []planEntry `json:"entries"`
}

type planEntry struct {
	Title  string `json:"title"`
	Status string `json:"status,omitempty"`
}

type permissionRequest struct {
	SessionID string             `json:"sessionId"`
	ToolCall  toolCallInfo       `json:"toolCall"`
	Options   []permissionOption `json:"options"`
}

type toolCallInfo struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName,omitempty"`
	Title      string          `json:"title,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Input      json.RawMessage `json:"input"`
}

type permissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
}

type permissionResponse struct {
	Outcome permissionOutcome `json:"outcome"`
}

type permissionOutcome struct {
	Type     string `json:"type"`
	OptionID string `json:"optionId,omitempty"`
}
