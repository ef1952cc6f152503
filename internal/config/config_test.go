package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfig_LoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "agentrun.toml")
	os.WriteFile(configPath, []byte(`
[llm]
provider = "anthropic"
model = "claude-sonnet-4-5"
max_tokens = 8192

[runtime]
max_steps = 40
max_retries = 3
generation_timeout = 120

[storage]
backend = "sqlite"
path = "/var/lib/agentrun/runs.db"

[events]
nats_url = "nats://localhost:4222"

[timeouts]
skill_call = 15

[env]
allow = ["GOPATH"]

[experts."writer@1.0"]
description = "Writes drafts"
instruction = "You write."
delegates = ["researcher"]

[experts."writer@1.0".skills.fs]
type = "mcpStdio"
command = "fs-server"
args = ["--root", "."]
required_env = ["FS_TOKEN"]
omit = ["delete"]
lazy_init = true

[experts."writer@1.0".skills.human]
type = "interactive"

[experts."writer@1.0".skills.human.tools.askUser]
description = "Ask the user"

[experts.researcher]
instruction = "You research."

[experts.researcher.skills.search]
type = "mcpSse"
url = "https://search.example.com/sse"
`), 0644)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}

	if cfg.LLM.Model != "claude-sonnet-4-5" || cfg.LLM.MaxTokens != 8192 {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.Runtime.MaxSteps != 40 || cfg.Runtime.MaxRetries != 3 {
		t.Errorf("runtime = %+v", cfg.Runtime)
	}
	if cfg.GenerationTimeout() != 2*time.Minute {
		t.Errorf("generation timeout = %v", cfg.GenerationTimeout())
	}
	if cfg.Runtime.MaxDelegationDepth != 8 {
		t.Errorf("default delegation depth lost: %d", cfg.Runtime.MaxDelegationDepth)
	}
	if cfg.Storage.Backend != "sqlite" || cfg.Events.NATSURL == "" || cfg.Events.NATSSubject != "agentrun.events" {
		t.Errorf("storage/events = %+v %+v", cfg.Storage, cfg.Events)
	}
	if cfg.SkillCallTimeout() != 15*time.Second || cfg.SkillInitTimeout() != 30*time.Second {
		t.Errorf("timeouts = %+v", cfg.Timeouts)
	}

	writer, ok := cfg.Experts["writer@1.0"]
	if !ok {
		t.Fatalf("experts = %v", cfg.Experts)
	}
	fs := writer.Skills["fs"]
	if fs.Type != SkillStdio || fs.Command != "fs-server" || !fs.LazyInit || len(fs.Omit) != 1 {
		t.Errorf("fs skill = %+v", fs)
	}
	if writer.Skills["human"].Tools["askUser"].Description != "Ask the user" {
		t.Errorf("interactive tools = %+v", writer.Skills["human"].Tools)
	}
	if cfg.Experts["researcher"].Skills["search"].URL == "" {
		t.Error("sse url missing")
	}
}

func TestConfig_LoadDefault(t *testing.T) {
	tmpDir := t.TempDir()
	oldWd, _ := os.Getwd()
	defer os.Chdir(oldWd)
	os.Chdir(tmpDir)

	os.WriteFile("agentrun.toml", []byte(`
[llm]
model = "gpt-4o"
`), 0644)

	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.LLM.Model != "gpt-4o" {
		t.Errorf("expected model 'gpt-4o', got %s", cfg.LLM.Model)
	}
	if cfg.Storage.Backend != "file" {
		t.Errorf("expected default backend 'file', got %s", cfg.Storage.Backend)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"backend", "[storage]\nbackend = \"s3\"\n", "unknown storage backend"},
		{"mysql dsn", "[storage]\nbackend = \"mysql\"\n", "requires dsn"},
		{"stdio command", "[experts.a.skills.x]\ntype = \"mcpStdio\"\n", "command is required"},
		{"sse url", "[experts.a.skills.x]\ntype = \"mcpSse\"\n", "url is required"},
		{"skill type", "[experts.a.skills.x]\ntype = \"ftp\"\n", "unknown type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "agentrun.toml")
			os.WriteFile(path, []byte(tt.body), 0644)
			_, err := LoadFile(path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := ExpandHome("~/runs"); got != filepath.Join(home, "runs") {
		t.Errorf("ExpandHome = %s", got)
	}
	if got := ExpandHome("/abs"); got != "/abs" {
		t.Errorf("ExpandHome(/abs) = %s", got)
	}
}

func TestDefaultAPIKeyEnv(t *testing.T) {
	if DefaultAPIKeyEnv("anthropic") != "ANTHROPIC_API_KEY" || DefaultAPIKeyEnv("unknown") != "" {
		t.Error("unexpected default api key env")
	}
}
