package agent

import (
	"context"
	"log/slog"

	"github.com/agentdeck/agentdeck/transport"
)

// Kind identifies one supported agent CLI.
type Kind string

const (
	KindClaude Kind = "claude"
	KindCodex  Kind = "codex"
	KindGemini Kind = "gemini"
	KindCursor Kind = "cursor"
)

// IsValid reports whether the kind is a known agent.
func (k Kind) IsValid() bool {
	switch k {
	case KindClaude, KindCodex, KindGemini, KindCursor:
		return true
	default:
		return false
	}
}

// DisplayName is the user-facing agent name used in error messages.
func (k Kind) DisplayName() string {
	switch k {
	case KindClaude:
		return "Claude Code"
	case KindCodex:
		return "Codex"
	case KindGemini:
		return "Gemini"
	case KindCursor:
		return "Cursor"
	default:
		return string(k)
	}
}

// SendOptions carries one user turn into an adapter.
type SendOptions struct {
	Prompt string

	// WorkDir is the workspace the agent process runs in.
	WorkDir string

	// LogDir, when set, is passed to CLIs that accept a log location.
	LogDir string

	// Model overrides the CLI's default model. Optional.
	Model string

	// PermissionMode selects the CLI's approval posture where supported
	// (e.g. "plan", "acceptEdits"). Optional.
	PermissionMode string

	// InitPrompt is prepended (blank-line separated) to the first message
	// of a brand-new session. It is never reapplied once a session id is
	// known, even if passed again.
	InitPrompt string
}

// ScopeAlways asks the agent to remember an allow decision for the rest
// of the session, where the protocol supports it.
const ScopeAlways = "always"

// Adapter is the capability contract every agent variant implements once.
// Selection happens at construction time through the factory registry, not
// through runtime kind checks at call sites.
type Adapter interface {
	// Kind identifies the agent variant.
	Kind() Kind

	// SendMessage routes a prompt into the chat's agent process, spawning
	// it on first use.
	SendMessage(ctx context.Context, chatID string, opts SendOptions) error

	// StopChat cancels the current turn best-effort, then terminates the
	// process unconditionally.
	StopChat(ctx context.Context, chatID string) error

	// SendToolApproval resolves one pending approval request. scope is the
	// protocol-specific refinement: an always-allow marker, or the id of
	// an agent-offered option. Resolving the same request twice fails with
	// ErrAlreadyResolved.
	SendToolApproval(ctx context.Context, chatID, requestID string, approved bool, scope string) error

	// OnEvent registers a canonical event callback for the chat.
	OnEvent(chatID string, fn func(AgentEvent)) transport.CancelFunc

	// OnDone registers a turn-completion callback for the chat.
	OnDone(chatID string, fn func()) transport.CancelFunc

	// IsRunning reports whether a turn is in flight for the chat.
	IsRunning(chatID string) bool

	// SessionID returns the agent-assigned session/thread id, or "" while
	// none has been observed.
	SessionID(chatID string) string

	// RemoveChat stops the chat if needed and discards its state.
	RemoveChat(ctx context.Context, chatID string)
}

// Deps bundles what every adapter needs: the transport to reach the
// execution backend, the shared availability registry, and the approval
// policy. Passed by reference; no ambient globals.
type Deps struct {
	Transport    transport.Transport
	Availability *Availability
	Policy       ApprovalPolicy
	Log          *slog.Logger
}

// Logger returns the configured logger or the default one.
func (d Deps) Logger() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}
