package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

const minimalYAML = `
main_group:
  jid: "123@g.us"
  name: "Ops"
agent:
  command: "claude-agent"
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
logging:
  level: "DEBUG"
data_dir: "/var/lib/nanoclaw"
queue:
  max_concurrent: 5
  exec_timeout: "15m"
scheduler:
  tick_interval: "30s"
  timezone: "Asia/Jakarta"
  stale_once_policy: "skip"
main_group:
  jid: "123@g.us"
  name: "Ops"
  trigger: "@bot"
agent:
  command: "claude-agent"
  args: ["--json"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Queue.MaxConcurrent != 5 {
		t.Fatalf("max_concurrent = %d", cfg.Queue.MaxConcurrent)
	}
	if cfg.Scheduler.Timezone != "Asia/Jakarta" || cfg.Scheduler.StaleOncePolicy != "skip" {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.MainGroup.Trigger != "@bot" {
		t.Fatalf("trigger = %q", cfg.MainGroup.Trigger)
	}
	if len(cfg.Agent.Args) != 1 || cfg.Agent.Args[0] != "--json" {
		t.Fatalf("agent args = %v", cfg.Agent.Args)
	}
	if got := cfg.StorePath(); got != filepath.Join("/var/lib/nanoclaw", "nanoclaw.db") {
		t.Fatalf("StorePath = %q", got)
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json",
		`{"main_group":{"jid":"123@g.us"},"agent":{"command":"run-agent"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.Command != "run-agent" {
		t.Fatalf("command = %q", cfg.Agent.Command)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", minimalYAML+`
typo_section:
  whatever: true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("accepted config with unknown section")
	}
}

func TestLoadValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantSub string
	}{
		{
			name:    "missing main group",
			yaml:    "agent:\n  command: \"x\"\n",
			wantSub: "main_group.jid",
		},
		{
			name:    "missing agent command",
			yaml:    "main_group:\n  jid: \"1@g.us\"\n",
			wantSub: "agent.command",
		},
		{
			name:    "bad stale policy",
			yaml:    minimalYAML + "scheduler:\n  stale_once_policy: \"maybe\"\n",
			wantSub: "stale_once_policy",
		},
		{
			name:    "bad timezone",
			yaml:    minimalYAML + "scheduler:\n  timezone: \"Mars/Olympus\"\n",
			wantSub: "timezone",
		},
		{
			name:    "bad duration",
			yaml:    minimalYAML + "queue:\n  exec_timeout: \"ten minutes\"\n",
			wantSub: "exec_timeout",
		},
		{
			name:    "negative duration",
			yaml:    minimalYAML + "mailbox:\n  poll_interval: \"-5s\"\n",
			wantSub: "poll_interval",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := writeConfig(t, "config.yaml", tt.yaml)
			_, err := Load(path)
			if err == nil {
				t.Fatal("invalid config accepted")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Fatalf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", minimalYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.DataDirOrDefault(); got != "data" {
		t.Fatalf("DataDirOrDefault = %q", got)
	}
	if got := cfg.StorePath(); got != filepath.Join("data", "nanoclaw.db") {
		t.Fatalf("StorePath = %q", got)
	}
	if !cfg.ConsoleEnabled() {
		t.Fatal("console logging should default on")
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 10*time.Second)
	if err != nil || d != 10*time.Second {
		t.Fatalf("empty = %v, %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "2m", 10*time.Second)
	if err != nil || d != 2*time.Minute {
		t.Fatalf("2m = %v, %v", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "soon", time.Second); err == nil {
		t.Fatal("accepted junk duration")
	}
}
