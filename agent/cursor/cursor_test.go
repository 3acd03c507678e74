package cursor

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

	mu          sync.Mutex
	events      []agent.AgentEvent
	done        int
	spawnN      int
	chatCreates int
	turnProc    string
	turnSpecs   []spawnSpec
}

type spawnSpec struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Dir     string   `json:"dir"`
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fake := transporttest.New()
	h := &harness{fake: fake}

	fake.HandleValue("proc.kill", struct{}{})
	fake.HandleValue("proc.write", struct{}{})
	fake.Handle("proc.spawn", func(args json.RawMessage) (json.RawMessage, error) {
		var spec spawnSpec
		if err := json.Unmarshal(args, &spec); err != nil {
			return nil, err
		}
		h.mu.Lock()
		h.spawnN++
		id := fmt.Sprintf("p%d", h.spawnN)
		create := len(spec.Args) > 0 && spec.Args[0] == "create-chat"
		if create {
			h.chatCreates++
		} else {
			h.turnProc = id
			h.turnSpecs = append(h.turnSpecs, spec)
		}
		h.mu.Unlock()

		if create {
			// RunCollect attaches after spawn returns; deliver the chat id
			// once it is listening.
			go func() {
				time.Sleep(20 * time.Millisecond)
				fake.Emit("proc:"+id+":stdout", map[string]string{"line": "chat-xyz"})
				fake.Emit("proc:"+id+":exit", map[string]int{"code": 0})
			}()
		}
		return json.Marshal(map[string]any{"id": id, "pid": 1})
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

func (h *harness) send(t *testing.T, opts agent.SendOptions) {
	t.Helper()
	if err := h.ad.SendMessage(context.Background(), chatID, opts); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
}

// line injects one stdout frame from the current turn's process.
func (h *harness) line(s string) {
	h.mu.Lock()
	proc := h.turnProc
	h.mu.Unlock()
	h.fake.Emit("proc:"+proc+":stdout", map[string]string{"line": s})
}

func (h *harness) exit(code int) {
	h.mu.Lock()
	proc := h.turnProc
	h.mu.Unlock()
	h.fake.Emit("proc:"+proc+":exit", map[string]int{"code": code})
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

func TestCreateChatOnFirstMessage(t *testing.T) {
	h := newHarness(t)
	h.send(t, agent.SendOptions{Prompt: "hello", WorkDir: "/work"})

	if got := h.ad.SessionID(chatID); got != "chat-xyz" {
		t.Errorf("SessionID = %q, want chat-xyz", got)
	}
	if !h.ad.IsRunning(chatID) {
		t.Error("IsRunning = false after SendMessage")
	}

	h.mu.Lock()
	creates, specs := h.chatCreates, append([]spawnSpec(nil), h.turnSpecs...)
	h.mu.Unlock()
	if creates != 1 {
		t.Errorf("create-chat spawns = %d, want 1", creates)
	}
	if len(specs) != 1 {
		t.Fatalf("turn spawns = %d, want 1", len(specs))
	}
	args := strings.Join(specs[0].Args, " ")
	for _, want := range []string{"--print", "--output-format stream-json", "--resume chat-xyz"} {
		if !strings.Contains(args, want) {
			t.Errorf("turn args missing %q: %v", want, specs[0].Args)
		}
	}
	if specs[0].Args[len(specs[0].Args)-1] != "hello" {
		t.Errorf("prompt not passed as final arg: %v", specs[0].Args)
	}

	evs := h.collected()
	if len(evs) == 0 || !reflect.DeepEqual(evs[0], agent.AgentEvent{Type: agent.EventTypeSessionID, SessionID: "chat-xyz"}) {
		t.Errorf("first event = %+v, want session_id chat-xyz", evs)
	}
}

func TestStreamEvents(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []agent.AgentEvent
	}{
		{
			name:  "assistant text",
			input: `{"type":"assistant","message":{"content":[{"type":"text","text":"Hi"},{"type":"text","text":" there"}]}}`,
			expected: []agent.AgentEvent{{
				Type:    agent.EventTypeMessage,
				Content: "Hi there",
			}},
		},
		{
			name:  "assistant tool_use",
			input: `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"Edit","input":{"path":"a.go"}}]}}`,
			expected: []agent.AgentEvent{{
				Type:      agent.EventTypeMessage,
				ToolUseID: "t1",
				ToolMeta:  &agent.ToolMeta{Name: "Edit", Input: json.RawMessage(`{"path":"a.go"}`)},
			}},
		},
		{
			name:  "tool_result info",
			input: `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":"done"}]}}`,
			expected: []agent.AgentEvent{{
				Type:      agent.EventTypeMessage,
				Content:   "done",
				ToolUseID: "t1",
				IsInfo:    true,
			}},
		},
		{
			name:  "local command stdout",
			input: `{"type":"user","message":{"role":"user","content":"<local-command-stdout>On branch main</local-command-stdout>"}}`,
			expected: []agent.AgentEvent{{
				Type:   agent.EventTypeBashOutput,
				Output: "On branch main",
			}},
		},
		{
			name:  "stdout and stderr tags",
			input: `{"type":"user","message":{"role":"user","content":"<local-command-stdout>ok</local-command-stdout><local-command-stderr>warn</local-command-stderr>"}}`,
			expected: []agent.AgentEvent{
				{Type: agent.EventTypeBashOutput, Output: "ok"},
				{Type: agent.EventTypeBashOutput, Output: "warn"},
			},
		},
		{
			name:     "system init ignored",
			input:    `{"type":"system","subtype":"init","session_id":"x"}`,
			expected: nil,
		},
		{
			name:     "thinking ignored",
			input:    `{"type":"thinking"}`,
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.send(t, agent.SendOptions{Prompt: "hi"})
			h.reset()

			h.line(tt.input)

			if got := h.collected(); !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("events = %+v, want %+v", got, tt.expected)
			}
		})
	}
}

func TestResultEndsTurn(t *testing.T) {
	h := newHarness(t)
	h.send(t, agent.SendOptions{Prompt: "hi"})
	h.reset()

	h.line(`{"type":"result","subtype":"success"}`)
	h.exit(0)

	want := []agent.AgentEvent{{Type: agent.EventTypeTurnComplete}}
	if got := h.collected(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %+v, want %+v", got, want)
	}
	if h.ad.IsRunning(chatID) {
		t.Error("IsRunning = true after result")
	}
	h.mu.Lock()
	done := h.done
	h.mu.Unlock()
	if done != 1 {
		t.Errorf("done callbacks = %d, want 1", done)
	}
}

func TestSecondTurnSpawnsNewProcess(t *testing.T) {
	h := newHarness(t)
	h.send(t, agent.SendOptions{Prompt: "one"})
	h.line(`{"type":"result","subtype":"success"}`)
	h.exit(0)

	h.send(t, agent.SendOptions{Prompt: "two"})

	h.mu.Lock()
	creates, turns := h.chatCreates, len(h.turnSpecs)
	h.mu.Unlock()
	if creates != 1 {
		t.Errorf("create-chat spawns = %d, want 1 across turns", creates)
	}
	if turns != 2 {
		t.Errorf("turn spawns = %d, want 2", turns)
	}
}

func TestRunningGuard(t *testing.T) {
	h := newHarness(t)
	h.send(t, agent.SendOptions{Prompt: "one"})

	err := h.ad.SendMessage(context.Background(), chatID, agent.SendOptions{Prompt: "two"})
	if err == nil || !strings.Contains(err.Error(), "already running") {
		t.Errorf("err = %v, want already-running guard", err)
	}
}

func TestApprovalsUnsupported(t *testing.T) {
	h := newHarness(t)
	h.send(t, agent.SendOptions{Prompt: "hi"})
	h.reset()

	h.line(`{"type":"control_request","request_id":"r1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"}}}`)

	evs := h.collected()
	if len(evs) != 1 || evs[0].Type != agent.EventTypeToolApproval {
		t.Fatalf("events = %+v, want surfaced tool_approval", evs)
	}

	err := h.ad.SendToolApproval(context.Background(), chatID, "r1", true, "")
	if !errors.Is(err, ErrApprovalsUnsupported) {
		t.Errorf("err = %v, want ErrApprovalsUnsupported", err)
	}
}

func TestStopChatDropsTrailingResult(t *testing.T) {
	h := newHarness(t)
	h.send(t, agent.SendOptions{Prompt: "hi"})

	if err := h.ad.StopChat(context.Background(), chatID); err != nil {
		t.Fatalf("StopChat: %v", err)
	}
	if n := len(h.fake.Calls("proc.kill")); n != 1 {
		t.Errorf("proc.kill calls = %d, want 1", n)
	}

	h.reset()
	h.line(`{"type":"result","subtype":"success"}`)
	if got := h.collected(); len(got) != 0 {
		t.Errorf("events after stop = %+v, want none", got)
	}
}

func TestForceFlagInYoloMode(t *testing.T) {
	h := newHarness(t)
	h.send(t, agent.SendOptions{Prompt: "hi", PermissionMode: "yolo"})

	h.mu.Lock()
	spec := h.turnSpecs[0]
	h.mu.Unlock()
	if !strings.Contains(strings.Join(spec.Args, " "), "--force") {
		t.Errorf("yolo mode missing --force: %v", spec.Args)
	}
}

func TestSpawnNotFound(t *testing.T) {
	fake := transporttest.New()
	fake.Handle("proc.spawn", func(json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New(`exec: "cursor-agent": executable file not found in $PATH`)
	})
	avail := agent.NewAvailability()
	ad := New(agent.Deps{Transport: fake, Availability: avail, Policy: agent.DefaultApprovalPolicy()})

	err := ad.SendMessage(context.Background(), chatID, agent.SendOptions{Prompt: "hi"})
	if err == nil || err.Error() != "Cursor CLI not found" {
		t.Fatalf("err = %v, want Cursor CLI not found", err)
	}
	if st, ok := avail.Get(agent.KindCursor); !ok || st.Available {
		t.Errorf("availability = %+v, want recorded unavailable", st)
	}
}
