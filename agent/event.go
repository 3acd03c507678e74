// Package agent defines the canonical event vocabulary shared by every
// agent protocol adapter, the per-chat session state, and the supporting
// registries. Adapters translate their CLI's wire format into exactly this
// shape; nothing downstream knows which agent produced an event.
package agent

import "encoding/json"

// EventType discriminates AgentEvent variants.
type EventType string

const (
	// EventTypeText is a streaming text delta within the current turn.
	EventTypeText EventType = "text"

	// EventTypeMessage is a complete message or tool activity entry.
	EventTypeMessage EventType = "message"

	// EventTypeToolApproval asks the user to authorize a tool invocation.
	EventTypeToolApproval EventType = "tool_approval"

	// EventTypePlanApproval asks the user to accept a proposed plan.
	EventTypePlanApproval EventType = "plan_approval"

	// EventTypeQuestion carries agent-posed questions with options.
	EventTypeQuestion EventType = "question"

	// EventTypeSessionID reports the agent-assigned session/thread id.
	EventTypeSessionID EventType = "session_id"

	// EventTypeBashOutput is raw output of a host-side shell command.
	EventTypeBashOutput EventType = "bash_output"

	// EventTypeTurnComplete marks the end of the current turn.
	EventTypeTurnComplete EventType = "turn_complete"
)

// ToolMeta describes the tool behind a message event.
type ToolMeta struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// AgentEvent is the canonical, protocol-independent event shape. Exactly
// one variant's fields are populated, selected by Type.
type AgentEvent struct {
	Type EventType `json:"type"`

	// text
	Delta string `json:"delta,omitempty"`

	// message
	Content         string    `json:"content,omitempty"`
	ToolMeta        *ToolMeta `json:"tool_meta,omitempty"`
	ToolUseID       string    `json:"tool_use_id,omitempty"`
	ParentToolUseID string    `json:"parent_tool_use_id,omitempty"`
	IsInfo          bool      `json:"is_info,omitempty"`

	// tool_approval
	Approval *ToolApprovalRequest `json:"approval,omitempty"`

	// plan_approval
	Plan *PlanApprovalRequest `json:"plan,omitempty"`

	// question
	RequestID string     `json:"request_id,omitempty"`
	Questions []Question `json:"questions,omitempty"`

	// session_id
	SessionID string `json:"session_id,omitempty"`

	// bash_output
	Output string `json:"output,omitempty"`
}

// ToolApprovalRequest is a pending tool-authorization handshake. IDs are
// normalized to strings regardless of the wire protocol's numbering. Each
// request is resolved exactly once; ChatSession enforces that.
type ToolApprovalRequest struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Input           json.RawMessage  `json:"input,omitempty"`
	DisplayInput    string           `json:"display_input,omitempty"`
	CommandPrefixes []string         `json:"command_prefixes,omitempty"`
	Options         []ApprovalOption `json:"options,omitempty"`
	AutoApproved    bool             `json:"auto_approved,omitempty"`

	// Raw preserves the wire frame the reply must correlate with.
	Raw json.RawMessage `json:"-"`
}

// ApprovalOption is an agent-offered named choice for an approval.
type ApprovalOption struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind string `json:"kind,omitempty"`
}

// PlanApprovalRequest asks the user to accept or reject a plan before the
// agent starts executing it.
type PlanApprovalRequest struct {
	ID   string `json:"id"`
	Plan string `json:"plan"`

	Raw json.RawMessage `json:"-"`
}

// Question is one agent-posed question.
type Question struct {
	Question    string   `json:"question"`
	Header      string   `json:"header,omitempty"`
	Options     []string `json:"options,omitempty"`
	MultiSelect bool     `json:"multi_select,omitempty"`
}
