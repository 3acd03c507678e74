package cmdprefix

import (
	"reflect"
	"testing"
)

func TestPrefixes(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "empty input",
			input:    "",
			expected: nil,
		},
		{
			name:     "single plain command",
			input:    "ls -la",
			expected: []string{"ls"},
		},
		{
			name:     "subcommand tool takes two tokens",
			input:    "git commit -m 'msg'",
			expected: []string{"git commit"},
		},
		{
			name:     "chained commands",
			input:    "cd /foo && pnpm install && pnpm test",
			expected: []string{"cd", "pnpm install", "pnpm test"},
		},
		{
			name:     "semicolon and pipe",
			input:    "make build; cat out.log | grep error",
			expected: []string{"make", "cat", "grep"},
		},
		{
			name:     "or operator",
			input:    "npm test || npm run lint",
			expected: []string{"npm test", "npm run"},
		},
		{
			name:     "operator inside quotes is not split",
			input:    `echo "a && b" && ls`,
			expected: []string{"echo", "ls"},
		},
		{
			name:     "single quotes protect pipe",
			input:    "grep 'a|b' file.txt",
			expected: []string{"grep"},
		},
		{
			name:     "collapses internal whitespace",
			input:    "git   status   --short",
			expected: []string{"git status"},
		},
		{
			name:     "trailing dangling operator tolerated",
			input:    "ls &&",
			expected: []string{"ls"},
		},
		{
			name:     "leading whitespace segment",
			input:    "  docker ps -a",
			expected: []string{"docker ps"},
		},
		{
			name:     "subcommand tool without argument",
			input:    "git",
			expected: []string{"git"},
		},
		{
			name:     "lone operator yields empty list",
			input:    "&&",
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Prefixes(tt.input)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("Prefixes(%q) = %#v, want %#v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestPrefixesEmptyIsNil(t *testing.T) {
	if Prefixes("") != nil {
		t.Error("Prefixes(\"\") should be nil")
	}
	if Prefixes("&&") == nil {
		t.Error("Prefixes(\"&&\") should be an empty non-nil slice")
	}
}
