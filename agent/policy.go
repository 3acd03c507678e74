package agent

import (
	"github.com/agentdeck/agentdeck/cmdprefix"
)

// ApprovalPolicy decides which shell commands are safe enough to approve
// without asking the user. The rule set is configuration, not hard-coded
// protocol behavior; DefaultApprovalPolicy covers read-only status
// commands.
type ApprovalPolicy struct {
	SafePrefixes map[string]bool
}

// DefaultApprovalPolicy allows common read-only commands.
func DefaultApprovalPolicy() ApprovalPolicy {
	safe := []string{
		"git status", "git diff", "git log", "git branch", "git show",
		"ls", "pwd", "cat", "head", "tail", "wc", "which", "echo",
		"grep", "rg", "find",
	}
	m := make(map[string]bool, len(safe))
	for _, p := range safe {
		m[p] = true
	}
	return ApprovalPolicy{SafePrefixes: m}
}

// AutoApproveCommand reports whether every chained segment of command
// falls inside the safe set. Commands that parse to no prefixes are never
// auto-approved.
func (p ApprovalPolicy) AutoApproveCommand(command string) bool {
	prefixes := cmdprefix.Prefixes(command)
	if len(prefixes) == 0 {
		return false
	}
	for _, prefix := range prefixes {
		if !p.SafePrefixes[prefix] {
			return false
		}
	}
	return true
}
