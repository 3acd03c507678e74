package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentdeck/agentdeck/agent"
	"github.com/agentdeck/agentdeck/transport/transporttest"
)

const chatID = "chat1"

type harness struct {
	fake *transporttest.Fake
	ad   *Adapter

	mu       sync.Mutex
	events   []agent.AgentEvent
	frames   []string
	promptID int64
	done     int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fake := transporttest.New()
	h := &harness{fake: fake}

	fake.HandleValue("proc.spawn", map[string]any{"id": "p1", "pid": 9})
	fake.HandleValue("proc.kill", struct{}{})
	fake.Handle("proc.write", func(args json.RawMessage) (json.RawMessage, error) {
		var w struct {
			Data string `json:"data"`
		}
		if err := json.Unmarshal(args, &w); err != nil {
			return nil, err
		}
		h.onStdin(strings.TrimSuffix(w.Data, "\n"))
		return json.Marshal(struct{}{})
	})

	h.ad = New(agent.Deps{
		Transport:    fake,
		Availability: agent.NewAvailability(),
		Policy:       agent.DefaultApprovalPolicy(),
	})
	h.ad.OnEvent(chatID, func(ev agent.AgentEvent) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	})
	h.ad.OnDone(chatID, func() {
		h.mu.Lock()
		h.done++
		h.mu.Unlock()
	})
	return h
}

// onStdin records the frame and plays the agent side of the handshake:
// initialize and session/new are answered immediately, session/prompt is
// held open until finishTurn.
func (h *harness) onStdin(frame string) {
	h.mu.Lock()
	h.frames = append(h.frames, frame)
	h.mu.Unlock()

	var req struct {
		ID     *int64 `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal([]byte(frame), &req); err != nil || req.ID == nil {
		return
	}
	switch req.Method {
	case "initialize":
		h.line(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"protocolVersion":1}}`, *req.ID))
	case "session/new":
		h.line(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"sessionId":"g-1"}}`, *req.ID))
	case "session/prompt":
		h.mu.Lock()
		h.promptID = *req.ID
		h.mu.Unlock()
	}
}

// line injects one stdout frame from the fake agent.
func (h *harness) line(s string) {
	h.fake.Emit("proc:p1:stdout", map[string]string{"line": s})
}

func (h *harness) finishTurn(stopReason string) {
	h.mu.Lock()
	id := h.promptID
	h.mu.Unlock()
	h.line(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"stopReason":%q}}`, id, stopReason))
}

func (h *harness) send(t *testing.T, opts agent.SendOptions) {
	t.Helper()
	if err := h.ad.SendMessage(context.Background(), chatID, opts); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
}

func (h *harness) collected() []agent.AgentEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]agent.AgentEvent(nil), h.events...)
}

func (h *harness) reset() {
	h.mu.Lock()
	h.events = nil
	h.mu.Unlock()
}

func (h *harness) frameContaining(substr string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, f := range h.frames {
		if strings.Contains(f, substr) {
			return f
		}
	}
	return ""
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestSessionEstablish(t *testing.T) {
	h := newHarness(t)
	h.send(t, agent.SendOptions{Prompt: "hello", WorkDir: "/work", InitPrompt: "Be terse."})

	if got := h.ad.SessionID(chatID); got != "g-1" {
		t.Errorf("SessionID = %q, want g-1", got)
	}
	if f := h.frameContaining(`"session/new"`); !strings.Contains(f, `"cwd":"/work"`) {
		t.Errorf("session/new frame wrong: %s", f)
	}

	waitFor(t, func() bool { return h.frameContaining(`"session/prompt"`) != "" })
	prompt := h.frameContaining(`"session/prompt"`)
	if !strings.Contains(prompt, `Be terse.\n\nhello`) {
		t.Errorf("init prompt not prepended: %s", prompt)
	}
	if !strings.Contains(prompt, `"sessionId":"g-1"`) {
		t.Errorf("prompt not bound to session: %s", prompt)
	}

	evs := h.collected()
	if len(evs) == 0 || !reflect.DeepEqual(evs[0], agent.AgentEvent{Type: agent.EventTypeSessionID, SessionID: "g-1"}) {
		t.Errorf("first event = %+v, want session_id g-1", evs)
	}
}

func TestStreamUpdates(t *testing.T) {
	h := newHarness(t)
	h.send(t, agent.SendOptions{Prompt: "hello"})
	waitFor(t, func() bool { return h.frameContaining(`"session/prompt"`) != "" })
	h.reset()

	h.line(`{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"g-1","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"Hi"}}}}`)
	h.line(`{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"g-1","update":{"sessionUpdate":"tool_call","toolCallId":"t1","toolName":"read_file","input":{"path":"main.go"}}}}`)
	h.line(`{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"g-1","update":{"sessionUpdate":"tool_call_result","toolCallId":"t1","result":[{"type":"text","text":"package main"}]}}}`)
	h.finishTurn("end_turn")

	waitFor(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.done == 1
	})

	want := []agent.AgentEvent{
		{Type: agent.EventTypeText, Delta: "Hi"},
		{
			Type:      agent.EventTypeMessage,
			ToolUseID: "t1",
			ToolMeta:  &agent.ToolMeta{Name: "read_file", Input: json.RawMessage(`{"path":"main.go"}`)},
		},
		{Type: agent.EventTypeMessage, Content: "package main", ToolUseID: "t1", IsInfo: true},
		{Type: agent.EventTypeTurnComplete},
	}
	if got := h.collected(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %+v, want %+v", got, want)
	}
	if h.ad.IsRunning(chatID) {
		t.Error("IsRunning = true after turn end")
	}
}

const permissionFrame = `{"jsonrpc":"2.0","id":99,"method":"session/request_permission","params":{"sessionId":"g-1","toolCall":{"toolCallId":"t2","kind":"execute","input":{"command":"rm -rf build"}},"options":[{"optionId":"opt-once","name":"Allow","kind":"allow_once"},{"optionId":"opt-always","name":"Always allow","kind":"allow_always"},{"optionId":"opt-no","name":"Deny","kind":"reject_once"}]}}`

func TestPermissionFlow(t *testing.T) {
	h := newHarness(t)
	h.send(t, agent.SendOptions{Prompt: "hello"})
	h.reset()

	h.line(permissionFrame)

	evs := h.collected()
	if len(evs) != 1 || evs[0].Type != agent.EventTypeToolApproval {
		t.Fatalf("events = %+v, want one tool_approval", evs)
	}
	appr := evs[0].Approval
	if appr.ID != "99" {
		t.Errorf("normalized id = %q, want 99", appr.ID)
	}
	if appr.AutoApproved {
		t.Error("rm must not auto-approve")
	}
	if len(appr.Options) != 3 || appr.Options[1].ID != "opt-always" {
		t.Errorf("options = %+v", appr.Options)
	}
	if want := []string{"rm"}; !reflect.DeepEqual(appr.CommandPrefixes, want) {
		t.Errorf("CommandPrefixes = %v, want %v", appr.CommandPrefixes, want)
	}

	if err := h.ad.SendToolApproval(context.Background(), chatID, "99", true, agent.ScopeAlways); err != nil {
		t.Fatalf("SendToolApproval: %v", err)
	}
	reply := h.frameContaining(`"optionId":"opt-always"`)
	if reply == "" || !strings.Contains(reply, `"id":99`) {
		t.Errorf("always-allow reply wrong: %s", reply)
	}

	err := h.ad.SendToolApproval(context.Background(), chatID, "99", true, "")
	if !errors.Is(err, agent.ErrAlreadyResolved) {
		t.Errorf("second resolve err = %v, want ErrAlreadyResolved", err)
	}
}

func TestPermissionDeny(t *testing.T) {
	h := newHarness(t)
	h.send(t, agent.SendOptions{Prompt: "hello"})

	h.line(permissionFrame)
	if err := h.ad.SendToolApproval(context.Background(), chatID, "99", false, ""); err != nil {
		t.Fatalf("SendToolApproval: %v", err)
	}
	if f := h.frameContaining(`"optionId":"opt-no"`); f == "" {
		t.Error("deny did not select reject option")
	}
}

func TestPermissionAutoApprove(t *testing.T) {
	h := newHarness(t)
	h.send(t, agent.SendOptions{Prompt: "hello"})
	h.reset()

	safe := strings.Replace(permissionFrame, "rm -rf build", "git status", 1)
	h.line(safe)

	evs := h.collected()
	if len(evs) != 1 || evs[0].Approval == nil || !evs[0].Approval.AutoApproved {
		t.Fatalf("events = %+v, want auto-approved tool_approval", evs)
	}
	if f := h.frameContaining(`"optionId":"opt-once"`); f == "" {
		t.Error("auto-approve did not select allow_once option")
	}
}

func TestStopChat(t *testing.T) {
	h := newHarness(t)
	h.send(t, agent.SendOptions{Prompt: "hello"})

	if err := h.ad.StopChat(context.Background(), chatID); err != nil {
		t.Fatalf("StopChat: %v", err)
	}
	if f := h.frameContaining(`"session/cancel"`); !strings.Contains(f, `"sessionId":"g-1"`) {
		t.Errorf("session/cancel frame wrong: %s", f)
	}
	if n := len(h.fake.Calls("proc.kill")); n != 1 {
		t.Errorf("proc.kill calls = %d, want 1", n)
	}
	if h.ad.IsRunning(chatID) {
		t.Error("IsRunning = true after stop")
	}
}

func TestSpawnNotFound(t *testing.T) {
	fake := transporttest.New()
	fake.Handle("proc.spawn", func(json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("spawn gemini: no such file or directory")
	})
	avail := agent.NewAvailability()
	ad := New(agent.Deps{Transport: fake, Availability: avail, Policy: agent.DefaultApprovalPolicy()})

	err := ad.SendMessage(context.Background(), chatID, agent.SendOptions{Prompt: "hi"})
	if err == nil || err.Error() != "Gemini CLI not found" {
		t.Fatalf("err = %v, want Gemini CLI not found", err)
	}
	if st, ok := avail.Get(agent.KindGemini); !ok || st.Available {
		t.Errorf("availability = %+v, want recorded unavailable", st)
	}
}
