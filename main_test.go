package main

import (
	"strings"
	"testing"
)

func env(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		env     map[string]string
		want    config
		wantErr string
	}{
		{
			name: "flags win over env",
			args: []string{"--port", "9000", "--auth-token", "flag-tok"},
			env:  map[string]string{"AGENTDECK_PORT": "7000", "AGENTDECK_TOKEN": "env-tok"},
			want: config{port: "9000", token: "flag-tok"},
		},
		{
			name: "env fallbacks",
			args: nil,
			env:  map[string]string{"AGENTDECK_PORT": "7000", "AGENTDECK_TOKEN": "env-tok"},
			want: config{port: "7000", token: "env-tok"},
		},
		{
			name: "default port",
			args: []string{"--auth-token", "t"},
			want: config{port: "8080", token: "t"},
		},
		{
			name:    "missing token",
			args:    nil,
			wantErr: "auth token is required",
		},
		{
			name: "dev mode from env",
			args: []string{"--auth-token", "t"},
			env:  map[string]string{"AGENTDECK_DEV": "true"},
			want: config{port: "8080", token: "t", devMode: true},
		},
		{
			name: "dev mode from flag",
			args: []string{"--auth-token", "t", "--dev"},
			want: config{port: "8080", token: "t", devMode: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := loadConfig(tt.args, env(tt.env))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("loadConfig: %v", err)
			}
			if got.port != tt.want.port || got.token != tt.want.token || got.devMode != tt.want.devMode {
				t.Errorf("config = %+v, want %+v", got, tt.want)
			}
			if got.workDir == "" {
				t.Error("workDir not resolved")
			}
		})
	}
}

func TestLoadConfigWorkDirAbsolute(t *testing.T) {
	cfg, err := loadConfig([]string{"--auth-token", "t"}, env(map[string]string{"AGENTDECK_WORKDIR": "some/rel/dir"}))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(cfg.workDir, "some/rel/dir") || !strings.HasPrefix(cfg.workDir, "/") {
		t.Errorf("workDir = %q, want absolute path ending in some/rel/dir", cfg.workDir)
	}
}
