// Package cursor adapts the Cursor Agent CLI. The CLI speaks the same
// stream-json frame family as Claude, but runs one --print process per
// turn against a chat id minted by create-chat, and its print mode has no
// interactive permission handshake.
package cursor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agentdeck/agentdeck/agent"
	"github.com/agentdeck/agentdeck/transport"
)

// Binary is the Cursor Agent CLI executable name.
const Binary = "cursor-agent"

// ErrApprovalsUnsupported is returned for approval decisions: print mode
// runs without an interactive permission handshake.
var ErrApprovalsUnsupported = errors.New("cursor-agent print mode does not support tool approvals")

// Adapter drives one cursor-agent process per turn.
type Adapter struct {
	deps     agent.Deps
	log      *slog.Logger
	sessions *agent.Sessions
}

func New(deps agent.Deps) *Adapter {
	return &Adapter{
		deps:     deps,
		log:      deps.Logger().With("adapter", "cursor"),
		sessions: agent.NewSessions(),
	}
}

func (a *Adapter) Kind() agent.Kind { return agent.KindCursor }

// SendMessage mints the chat id on first use, then runs one print-mode
// process for the turn with the prompt as its argument.
func (a *Adapter) SendMessage(ctx context.Context, chatID string, opts agent.SendOptions) error {
	sess := a.sessions.GetOrCreate(chatID)
	if sess.Running() {
		return fmt.Errorf("another turn is already running")
	}
	prompt := sess.ComposePrompt(opts.InitPrompt, opts.Prompt)

	if sess.FirstMessage() {
		id, err := a.createChat(ctx, opts.WorkDir)
		if err != nil {
			return err
		}
		if sess.SetSessionID(id) {
			sess.Emit(agent.AgentEvent{Type: agent.EventTypeSessionID, SessionID: id})
		}
	}

	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--resume", sess.SessionID(),
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.PermissionMode == "yolo" {
		args = append(args, "--force")
	}
	args = append(args, prompt)

	spec := agent.ProcSpec{Command: Binary, Args: args, Dir: opts.WorkDir}
	h, err := agent.Spawn(ctx, a.deps.Transport, spec)
	if err != nil {
		return a.deps.Availability.WrapSpawnError(agent.KindCursor, err)
	}
	a.deps.Availability.MarkAvailable(agent.KindCursor)

	err = h.Attach(
		func(line string) { a.handleLine(sess, line) },
		func(line string) { a.log.Debug("cursor-agent stderr", "chat_id", sess.ChatID, "line", line) },
		func(code int, errMsg string) { a.handleExit(sess, code, errMsg) },
	)
	if err != nil {
		h.Kill(ctx)
		return err
	}
	sess.SetProc(h)
	sess.SetRunning(true)
	return nil
}

// createChat asks the CLI for a fresh chat id.
func (a *Adapter) createChat(ctx context.Context, workDir string) (string, error) {
	spec := agent.ProcSpec{Command: Binary, Args: []string{"create-chat"}, Dir: workDir}
	out, err := agent.RunCollect(ctx, a.deps.Transport, spec)
	if err != nil {
		return "", a.deps.Availability.WrapSpawnError(agent.KindCursor, err)
	}
	id := strings.TrimSpace(out)
	if id == "" {
		return "", fmt.Errorf("cursor-agent returned empty chat id")
	}
	a.deps.Availability.MarkAvailable(agent.KindCursor)
	return id, nil
}

func (a *Adapter) handleExit(sess *agent.ChatSession, code int, errMsg string) {
	sess.SetProc(nil)
	if sess.Stopped() {
		return
	}
	if code != 0 {
		if errMsg == "" {
			errMsg = fmt.Sprintf("cursor-agent exited with code %d", code)
		}
		sess.Emit(agent.AgentEvent{Type: agent.EventTypeMessage, Content: errMsg, IsInfo: true})
	}
	// The per-turn process ending is the turn boundary when no result
	// frame arrived.
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
	case "system", "progress", "thinking", "control_response", "control_cancel_request":
		// Noise in print mode.
	case "assistant":
		a.handleAssistant(sess, ev)
	case "user":
		a.handleUser(sess, ev)
	case "result":
		if sess.Stopped() {
			return
		}
		sess.Emit(agent.AgentEvent{Type: agent.EventTypeTurnComplete})
		sess.EmitDone()
	case "control_request":
		a.handleControlRequest(sess, []byte(line))
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
		sess.Emit(agent.AgentEvent{Type: agent.EventTypeMessage, Content: strings.Join(textParts, "")})
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
		}
	}
	flushText()
}

func (a *Adapter) handleUser(sess *agent.ChatSession, ev cliEvent) {
	if ev.Message == nil {
		return
	}
	var msg cliMessage
	if err := json.Unmarshal(ev.Message, &msg); err == nil {
		for _, block := range msg.Content {
			if block.Type != "tool_result" {
				continue
			}
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
		}
		return
	}

	// The CLI also sends user frames whose message content is a bare
	// string carrying host command output in pseudo-tags.
	var msgStr struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(ev.Message, &msgStr); err != nil {
		return
	}
	for _, out := range extractCommandOutput(msgStr.Content) {
		sess.Emit(agent.AgentEvent{Type: agent.EventTypeBashOutput, Output: out})
	}
}

// handleControlRequest surfaces permission asks for visibility even though
// print mode cannot answer them.
func (a *Adapter) handleControlRequest(sess *agent.ChatSession, line []byte) {
	var req struct {
		RequestID string `json:"request_id"`
		Request   *struct {
			Subtype  string          `json:"subtype"`
			ToolName string          `json:"tool_name,omitempty"`
			Input    json.RawMessage `json:"input,omitempty"`
		} `json:"request"`
	}
	if err := json.Unmarshal(line, &req); err != nil || req.Request == nil {
		return
	}
	if req.Request.Subtype != "can_use_tool" {
		return
	}
	a.log.Warn("permission request in print mode cannot be answered",
		"chat_id", sess.ChatID, "tool", req.Request.ToolName)
	sess.Emit(agent.AgentEvent{
		Type: agent.EventTypeToolApproval,
		Approval: &agent.ToolApprovalRequest{
			ID:    req.RequestID,
			Name:  req.Request.ToolName,
			Input: req.Request.Input,
			Raw:   line,
		},
	})
}

// extractCommandOutput pulls the contents of local-command output tags out
// of a user frame's text.
func extractCommandOutput(text string) []string {
	tags := []struct{ open, close string }{
		{"<local-command-stdout>", "</local-command-stdout>"},
		{"<local-command-stderr>", "</local-command-stderr>"},
	}
	var out []string
	remaining := text
	for len(remaining) > 0 {
		bestIdx := -1
		var bestTag struct{ open, close string }
		for _, tag := range tags {
			idx := strings.Index(remaining, tag.open)
			if idx != -1 && (bestIdx == -1 || idx < bestIdx) {
				bestIdx = idx
				bestTag = tag
			}
		}
		if bestIdx == -1 {
			break
		}
		endIdx := strings.Index(remaining[bestIdx:], bestTag.close)
		if endIdx == -1 {
			break
		}
		endIdx += bestIdx
		content := strings.TrimSpace(remaining[bestIdx+len(bestTag.open) : endIdx])
		if content != "" {
			out = append(out, content)
		}
		remaining = remaining[endIdx+len(bestTag.close):]
	}
	return out
}

// SendToolApproval always fails: print mode has no permission channel.
func (a *Adapter) SendToolApproval(ctx context.Context, chatID, requestID string, approved bool, scope string) error {
	return ErrApprovalsUnsupported
}

// StopChat kills the current per-turn process, if any.
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
