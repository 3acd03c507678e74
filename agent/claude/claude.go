// Package claude adapts the Claude CLI's stream-json protocol to the
// canonical agent event model. The CLI runs as one long-lived process per
// chat; prompts go in as user frames on stdin, permission handshakes come
// back as control_request frames that must be answered on the same pipe.
package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agentdeck/agentdeck/agent"
	"github.com/agentdeck/agentdeck/cmdprefix"
	"github.com/agentdeck/agentdeck/transport"
)

// Binary is the Claude CLI executable name.
const Binary = "claude"

// Adapter drives one Claude CLI process per chat.
type Adapter struct {
	deps     agent.Deps
	log      *slog.Logger
	sessions *agent.Sessions
}

func New(deps agent.Deps) *Adapter {
	return &Adapter{
		deps:     deps,
		log:      deps.Logger().With("adapter", "claude"),
		sessions: agent.NewSessions(),
	}
}

func (a *Adapter) Kind() agent.Kind { return agent.KindClaude }

// SendMessage spawns the CLI on the chat's first message, then writes the
// prompt as a stream-json user frame.
func (a *Adapter) SendMessage(ctx context.Context, chatID string, opts agent.SendOptions) error {
	sess := a.sessions.GetOrCreate(chatID)

	// Compose before spawning: an init frame racing in from the CLI must
	// not flip the first-message decision mid-send.
	prompt := sess.ComposePrompt(opts.InitPrompt, opts.Prompt)

	if sess.Proc() == nil {
		if err := a.start(ctx, sess, opts); err != nil {
			return err
		}
	}
	msg := userMessage{
		Type: "user",
		Message: userContent{
			Role:    "user",
			Content: []textBlock{{Type: "text", Text: prompt}},
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal user message: %w", err)
	}

	sess.SetRunning(true)
	if err := sess.Proc().WriteLine(ctx, string(data)); err != nil {
		sess.SetRunning(false)
		return err
	}
	return nil
}

func (a *Adapter) start(ctx context.Context, sess *agent.ChatSession, opts agent.SendOptions) error {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--permission-prompt-tool", "stdio",
		"--verbose",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if sid := sess.SessionID(); sid != "" {
		args = append(args, "--resume", sid)
	}

	spec := agent.ProcSpec{Command: Binary, Args: args, Dir: opts.WorkDir}
	h, err := agent.Spawn(ctx, a.deps.Transport, spec)
	if err != nil {
		return a.deps.Availability.WrapSpawnError(agent.KindClaude, err)
	}
	a.deps.Availability.MarkAvailable(agent.KindClaude)

	err = h.Attach(
		func(line string) { a.handleLine(sess, line) },
		func(line string) { a.log.Debug("claude stderr", "chat_id", sess.ChatID, "line", line) },
		func(code int, errMsg string) { a.handleExit(sess, code, errMsg) },
	)
	if err != nil {
		h.Kill(ctx)
		return err
	}
	sess.SetProc(h)

	// The CLI holds the first turn until it sees the initialize handshake.
	init := controlRequestOut{
		Type:      "control_request",
		RequestID: "req_" + sess.NextRequestID(),
		Request:   controlRequestBody{Subtype: "initialize"},
	}
	data, err := json.Marshal(init)
	if err != nil {
		return fmt.Errorf("marshal initialize request: %w", err)
	}
	return h.WriteLine(ctx, string(data))
}

func (a *Adapter) handleExit(sess *agent.ChatSession, code int, errMsg string) {
	sess.SetProc(nil)
	if sess.Stopped() {
		return
	}
	if code != 0 {
		if errMsg == "" {
			errMsg = fmt.Sprintf("claude exited with code %d", code)
		}
		sess.Emit(agent.AgentEvent{Type: agent.EventTypeMessage, Content: errMsg, IsInfo: true})
	}
	if sess.Running() {
		sess.EmitDone()
	}
}

func (a *Adapter) handleLine(sess *agent.ChatSession, line string) {
	var ev cliEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		a.log.Warn("dropping unparseable frame", "chat_id", sess.ChatID, "err", err)
		return
	}

	switch ev.Type {
	case "system":
		if ev.Subtype == "init" && sess.SetSessionID(ev.SessionID) {
			sess.Emit(agent.AgentEvent{Type: agent.EventTypeSessionID, SessionID: ev.SessionID})
		}
	case "assistant":
		a.handleAssistant(sess, ev)
	case "user":
		a.handleUser(sess, ev)
	case "result":
		a.handleResult(sess, ev)
	case "control_request":
		a.handleControlRequest(sess, []byte(line))
	case "control_response", "control_cancel_request":
		// Echoes of our own control traffic.
	default:
		a.log.Debug("unhandled frame type", "chat_id", sess.ChatID, "type", ev.Type)
	}
}

func (a *Adapter) handleAssistant(sess *agent.ChatSession, ev cliEvent) {
	if ev.Message == nil {
		return
	}
	var msg cliMessage
	if err := json.Unmarshal(ev.Message, &msg); err != nil {
		a.log.Warn("bad assistant message", "chat_id", sess.ChatID, "err", err)
		return
	}

	var textParts []string
	flushText := func() {
		if len(textParts) == 0 {
			return
		}
		sess.Emit(agent.AgentEvent{
			Type:    agent.EventTypeMessage,
			Content: strings.Join(textParts, ""),
		})
		textParts = nil
	}

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				textParts = append(textParts, block.Text)
			}
		case "tool_use", "server_tool_use":
			flushText()
			sess.Emit(agent.AgentEvent{
				Type:      agent.EventTypeMessage,
				ToolUseID: block.ID,
				ToolMeta:  &agent.ToolMeta{Name: block.Name, Input: block.Input},
			})
			// Task launches a subagent: until its result comes back, tool
			// activity belongs to it.
			if block.Name == "Task" {
				sess.BeginTask(block.ID)
			}
		}
	}
	flushText()
}

func (a *Adapter) handleUser(sess *agent.ChatSession, ev cliEvent) {
	if ev.Message == nil {
		return
	}
	var msg cliMessage
	if err := json.Unmarshal(ev.Message, &msg); err != nil {
		return
	}

	for _, block := range msg.Content {
		if block.Type != "tool_result" {
			continue
		}
		// Content is either a JSON string or structured blocks.
		var content string
		if err := json.Unmarshal(block.Content, &content); err != nil {
			content = string(block.Content)
		}
		sess.Emit(agent.AgentEvent{
			Type:      agent.EventTypeMessage,
			Content:   content,
			ToolUseID: block.ToolUseID,
			IsInfo:    true,
		})
		sess.EndTask(block.ToolUseID)
	}
}

func (a *Adapter) handleResult(sess *agent.ChatSession, ev cliEvent) {
	// A result frame racing a stop belongs to the cancelled turn.
	if sess.Stopped() {
		return
	}
	if sess.SetSessionID(ev.SessionID) {
		sess.Emit(agent.AgentEvent{Type: agent.EventTypeSessionID, SessionID: ev.SessionID})
	}
	sess.Emit(agent.AgentEvent{Type: agent.EventTypeTurnComplete})
	sess.EmitDone()
}

func (a *Adapter) handleControlRequest(sess *agent.ChatSession, line []byte) {
	var req controlRequestIn
	if err := json.Unmarshal(line, &req); err != nil {
		a.log.Warn("bad control_request", "chat_id", sess.ChatID, "err", err)
		return
	}
	if req.Request == nil || req.Request.Subtype != "can_use_tool" {
		return
	}

	switch req.Request.ToolName {
	case "AskUserQuestion":
		a.handleQuestion(sess, &req, line)
	case "ExitPlanMode":
		a.handlePlan(sess, &req, line)
	default:
		a.handleToolApproval(sess, &req, line)
	}
}

func (a *Adapter) handleQuestion(sess *agent.ChatSession, req *controlRequestIn, line []byte) {
	var input struct {
		Questions []agent.Question `json:"questions"`
	}
	if err := json.Unmarshal(req.Request.Input, &input); err != nil {
		a.log.Warn("bad AskUserQuestion input", "chat_id", sess.ChatID, "err", err)
		return
	}
	sess.AddApproval(&agent.ToolApprovalRequest{
		ID:   req.RequestID,
		Name: "AskUserQuestion",
		Raw:  line,
	})
	sess.Emit(agent.AgentEvent{
		Type:      agent.EventTypeQuestion,
		RequestID: req.RequestID,
		Questions: input.Questions,
	})
}

func (a *Adapter) handlePlan(sess *agent.ChatSession, req *controlRequestIn, line []byte) {
	var input struct {
		Plan string `json:"plan"`
	}
	if err := json.Unmarshal(req.Request.Input, &input); err != nil {
		a.log.Warn("bad ExitPlanMode input", "chat_id", sess.ChatID, "err", err)
		return
	}
	sess.AddApproval(&agent.ToolApprovalRequest{
		ID:   req.RequestID,
		Name: "ExitPlanMode",
		Raw:  line,
	})
	sess.Emit(agent.AgentEvent{
		Type: agent.EventTypePlanApproval,
		Plan: &agent.PlanApprovalRequest{ID: req.RequestID, Plan: input.Plan, Raw: line},
	})
}

func (a *Adapter) handleToolApproval(sess *agent.ChatSession, req *controlRequestIn, line []byte) {
	approval := &agent.ToolApprovalRequest{
		ID:    req.RequestID,
		Name:  req.Request.ToolName,
		Input: req.Request.Input,
		Raw:   line,
	}

	if req.Request.ToolName == "Bash" {
		var in struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(req.Request.Input, &in); err == nil && in.Command != "" {
			approval.DisplayInput = in.Command
			approval.CommandPrefixes = cmdprefix.Prefixes(in.Command)
			if a.deps.Policy.AutoApproveCommand(in.Command) {
				approval.AutoApproved = true
				if err := a.sendDecision(context.Background(), sess, req, true, ""); err != nil {
					a.log.Warn("auto-approve reply failed", "chat_id", sess.ChatID, "err", err)
				}
				sess.Emit(agent.AgentEvent{Type: agent.EventTypeToolApproval, Approval: approval})
				return
			}
		}
	} else if len(req.Request.Input) > 0 {
		approval.DisplayInput = string(req.Request.Input)
	}

	sess.AddApproval(approval)
	sess.Emit(agent.AgentEvent{Type: agent.EventTypeToolApproval, Approval: approval})
}

// SendToolApproval resolves one pending control_request. Answering the
// same request twice fails; the first decision discards the pending entry.
func (a *Adapter) SendToolApproval(ctx context.Context, chatID, requestID string, approved bool, scope string) error {
	sess := a.sessions.Get(chatID)
	if sess == nil || sess.Proc() == nil {
		return agent.ErrNotRunning
	}
	pending, err := sess.TakeApproval(requestID)
	if err != nil {
		return err
	}
	var req controlRequestIn
	if err := json.Unmarshal(pending.Raw, &req); err != nil {
		return fmt.Errorf("stored control_request corrupt: %w", err)
	}
	if pending.Name == "AskUserQuestion" {
		return a.sendQuestionAnswer(ctx, sess, &req, approved, scope)
	}
	return a.sendDecision(ctx, sess, &req, approved, scope)
}

func (a *Adapter) sendDecision(ctx context.Context, sess *agent.ChatSession, req *controlRequestIn, approved bool, scope string) error {
	var content responseContent
	if approved {
		content = responseContent{
			Behavior:     "allow",
			ToolUseID:    req.Request.ToolUseID,
			UpdatedInput: req.Request.Input,
		}
		if scope == agent.ScopeAlways && len(req.Request.PermissionSuggestions) > 0 {
			content.UpdatedPermissions = req.Request.PermissionSuggestions
		}
	} else {
		content = responseContent{
			Behavior:  "deny",
			Message:   "User denied permission",
			Interrupt: true,
			ToolUseID: req.Request.ToolUseID,
		}
	}
	return a.writeControlResponse(ctx, sess, req.RequestID, content)
}

// sendQuestionAnswer maps the selected option back into the CLI's
// answers-map shape. scope carries the chosen option text; a deny cancels
// the question.
func (a *Adapter) sendQuestionAnswer(ctx context.Context, sess *agent.ChatSession, req *controlRequestIn, approved bool, scope string) error {
	if !approved {
		return a.writeControlResponse(ctx, sess, req.RequestID, responseContent{
			Behavior:  "deny",
			Message:   "User cancelled the question",
			ToolUseID: req.Request.ToolUseID,
		})
	}

	var input struct {
		Questions []agent.Question `json:"questions"`
	}
	if err := json.Unmarshal(req.Request.Input, &input); err != nil || len(input.Questions) == 0 {
		return fmt.Errorf("stored question input corrupt")
	}
	answers := map[string]string{input.Questions[0].Question: scope}
	updated, err := json.Marshal(map[string]any{"answers": answers})
	if err != nil {
		return fmt.Errorf("marshal answers: %w", err)
	}
	return a.writeControlResponse(ctx, sess, req.RequestID, responseContent{
		Behavior:     "allow",
		ToolUseID:    req.Request.ToolUseID,
		UpdatedInput: updated,
	})
}

func (a *Adapter) writeControlResponse(ctx context.Context, sess *agent.ChatSession, requestID string, content responseContent) error {
	resp := controlResponse{
		Type: "control_response",
		Response: responsePayload{
			Subtype:   "success",
			RequestID: requestID,
			Response:  content,
		},
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal control_response: %w", err)
	}
	proc := sess.Proc()
	if proc == nil {
		return agent.ErrNotRunning
	}
	return proc.WriteLine(ctx, string(data))
}

// StopChat interrupts the current turn best-effort, then kills the
// process unconditionally. Trailing frames from the old turn are dropped.
func (a *Adapter) StopChat(ctx context.Context, chatID string) error {
	sess := a.sessions.Get(chatID)
	if sess == nil {
		return nil
	}
	proc := sess.Proc()
	if proc == nil {
		return nil
	}
	sess.MarkStopped()

	interrupt := controlRequestOut{
		Type:      "control_request",
		RequestID: "req_" + sess.NextRequestID(),
		Request:   controlRequestBody{Subtype: "interrupt"},
	}
	if data, err := json.Marshal(interrupt); err == nil {
		// Best effort: the kill below does not depend on it.
		_ = proc.WriteLine(ctx, string(data))
	}

	proc.Close()
	err := proc.Kill(ctx)
	sess.SetProc(nil)
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

// --- Wire types ---

type userMessage struct {
	Type    string      `json:"type"`
	Message userContent `json:"message"`
}

type userContent struct {
	Role    string      `json:"role"`
	Content []textBlock `json:"content"`
}

type textBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type cliEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
}

type cliMessage struct {
	Content []cliContentBlock `json:"content"`
}

type cliContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

type controlRequestIn struct {
	RequestID string          `json:"request_id"`
	Request   *controlPayload `json:"request"`
}

type controlPayload struct {
	Subtype               string          `json:"subtype"`
	ToolName              string          `json:"tool_name,omitempty"`
	Input                 json.RawMessage `json:"input,omitempty"`
	ToolUseID             string          `json:"tool_use_id,omitempty"`
	PermissionSuggestions json.RawMessage `json:"permission_suggestions,omitempty"`
}

type controlRequestOut struct {
	Type      string             `json:"type"`
	RequestID string             `json:"request_id"`
	Request   controlRequestBody `json:"request"`
}

type controlRequestBody struct {
	Subtype string `json:"subtype"`
}

type controlResponse struct {
	Type     string          `json:"type"`
	Response responsePayload `json:"response"`
}

type responsePayload struct {
	Subtype   string          `json:"subtype"`
	RequestID string          `json:"request_id"`
	Response  responseContent `json:"response"`
}

type responseContent struct {
	Behavior           string          `json:"behavior,omitempty"`
	Message            string          `json:"message,omitempty"`
	Interrupt          bool            `json:"interrupt,omitempty"`
	ToolUseID          string          `json:"toolUseID,omitempty"`
	UpdatedInput       json.RawMessage `json:"updatedInput,omitempty"`
	UpdatedPermissions json.RawMessage `json:"updatedPermissions,omitempty"`
}
