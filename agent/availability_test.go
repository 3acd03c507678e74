package agent

import (
	"errors"
	"testing"
)

func TestWrapSpawnError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		want    string
		wantSet bool
	}{
		{
			name: "exec not found",
			err:  errors.New(`exec: "claude": executable file not found in $PATH`),
			want: "Claude Code CLI not found",
		},
		{
			name: "enoent",
			err:  errors.New("fork/exec /usr/bin/claude: ENOENT"),
			want: "Claude Code CLI not found",
		},
		{
			name: "shell not found",
			err:  errors.New("sh: claude: command not found"),
			want: "Claude Code CLI not found",
		},
		{
			name: "other errors pass through",
			err:  errors.New("permission denied"),
			want: "permission denied",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAvailability()
			got := a.WrapSpawnError(KindClaude, tt.err)
			if got.Error() != tt.want {
				t.Errorf("WrapSpawnError = %q, want %q", got, tt.want)
			}
			st, ok := a.Get(KindClaude)
			if !ok || st.Available || st.Error != tt.want {
				t.Errorf("recorded status = %+v, want unavailable with %q", st, tt.want)
			}
		})
	}
}

func TestWrapSpawnErrorNil(t *testing.T) {
	a := NewAvailability()
	if err := a.WrapSpawnError(KindCodex, nil); err != nil {
		t.Fatalf("WrapSpawnError(nil) = %v", err)
	}
	st, ok := a.Get(KindCodex)
	if !ok || !st.Available {
		t.Errorf("status = %+v, want available", st)
	}
}

func TestAvailabilityFlips(t *testing.T) {
	a := NewAvailability()
	if _, ok := a.Get(KindGemini); ok {
		t.Fatal("status recorded before any spawn")
	}
	a.MarkUnavailable(KindGemini, errors.New("boom"))
	a.MarkAvailable(KindGemini)
	st, _ := a.Get(KindGemini)
	if !st.Available || st.Error != "" {
		t.Errorf("status = %+v, want clean available", st)
	}
}
