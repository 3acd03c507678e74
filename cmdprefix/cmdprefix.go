// Package cmdprefix derives approval-scoping prefixes from shell command
// strings. A prefix is the piece of a command a user can grant a standing
// approval for ("git commit", "pnpm"), one per chained segment.
package cmdprefix

import "strings"

// subcommandTools are commands whose first argument is a subcommand, so the
// meaningful approval scope is the first two tokens rather than one.
var subcommandTools = map[string]bool{
	"git":     true,
	"npm":     true,
	"pnpm":    true,
	"yarn":    true,
	"bun":     true,
	"docker":  true,
	"kubectl": true,
	"brew":    true,
	"cargo":   true,
	"gh":      true,
	"go":      true,
	"pip":     true,
	"pip3":    true,
	"apt":     true,
	"apt-get": true,
	"systemctl": true,
}

// chain operators in match order; "&&" and "||" before their single-char forms.
var operators = []string{"&&", "||", ";", "|"}

// Prefixes returns the ordered approval prefixes for each chained segment of
// command. Empty input returns nil, distinguishable from a non-nil empty
// slice for a command that parses to no segments (e.g. a lone operator).
func Prefixes(command string) []string {
	if command == "" {
		return nil
	}

	prefixes := make([]string, 0, 4)
	for _, segment := range splitChain(command) {
		segment = strings.Join(strings.Fields(segment), " ")
		if segment == "" {
			continue
		}
		tokens := strings.Split(segment, " ")
		if subcommandTools[tokens[0]] && len(tokens) >= 2 {
			prefixes = append(prefixes, tokens[0]+" "+tokens[1])
		} else {
			prefixes = append(prefixes, tokens[0])
		}
	}
	return prefixes
}

// splitChain splits on chain operators outside of quoted regions. Quote
// handling only suppresses operator matches inside quotes; it does not
// interpret escapes or nesting beyond single and double quotes.
func splitChain(command string) []string {
	var segments []string
	var quote byte
	start := 0

	for i := 0; i < len(command); {
		c := command[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			i++
			continue
		}
		if c == '\'' || c == '"' {
			quote = c
			i++
			continue
		}
		matched := false
		for _, op := range operators {
			if strings.HasPrefix(command[i:], op) {
				segments = append(segments, command[start:i])
				i += len(op)
				start = i
				matched = true
				break
			}
		}
		if !matched {
			i++
		}
	}
	segments = append(segments, command[start:])
	return segments
}
