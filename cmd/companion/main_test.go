package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stellarlinkco/companion/internal/config"
	"github.com/stellarlinkco/companion/internal/presence"
	"github.com/stellarlinkco/companion/internal/thought"
)

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("COMPANION_HOME", home)
	for _, key := range []string{"COMPANION_API_KEY", "ANTHROPIC_API_KEY", "ANTHROPIC_AUTH_TOKEN", "OPENAI_API_KEY", "COMPANION_DATA_DIR"} {
		t.Setenv(key, "")
	}
	return home
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	userFlag = ""
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestWriteIfNotExists_NewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.txt")
	var out bytes.Buffer

	writeIfNotExists(&out, path, "test content")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile error: %v", err)
	}
	if string(data) != "test content" {
		t.Errorf("content = %q, want 'test content'", string(data))
	}
	if !strings.Contains(out.String(), "Created:") {
		t.Errorf("output = %q", out.String())
	}
}

func TestWriteIfNotExists_ExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.txt")
	os.WriteFile(path, []byte("original"), 0644)

	writeIfNotExists(&bytes.Buffer{}, path, "new content")

	data, _ := os.ReadFile(path)
	if string(data) != "original" {
		t.Errorf("content = %q, want 'original'", string(data))
	}
}

func TestMaskKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"", "not set"},
		{"short", "set"},
		{"sk-ant-1234567890", "sk-a...7890"},
	}
	for _, tt := range tests {
		if got := maskKey(tt.key); got != tt.want {
			t.Errorf("maskKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestProviderDisplay(t *testing.T) {
	if got := providerDisplay(""); got != "anthropic (default)" {
		t.Errorf("providerDisplay(\"\") = %q", got)
	}
	if got := providerDisplay("openai"); got != "openai" {
		t.Errorf("providerDisplay(openai) = %q", got)
	}
}

func TestRunOnboard(t *testing.T) {
	home := isolate(t)

	out, err := execute(t, "onboard")
	if err != nil {
		t.Fatalf("onboard error: %v", err)
	}
	if !strings.Contains(out, "Created config") {
		t.Errorf("output = %q", out)
	}
	for _, path := range []string{
		filepath.Join(home, "config.json"),
		filepath.Join(home, "workspace", "AGENTS.md"),
		filepath.Join(home, "workspace", "SOUL.md"),
		filepath.Join(home, "data"),
	} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("%s missing: %v", path, err)
		}
	}

	out, err = execute(t, "onboard")
	if err != nil {
		t.Fatalf("second onboard error: %v", err)
	}
	if !strings.Contains(out, "Config already exists") {
		t.Errorf("output = %q", out)
	}
}

func TestRunStatus_NoState(t *testing.T) {
	isolate(t)

	out, err := execute(t, "status")
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	for _, want := range []string{"API Key: not set", "Telegram: enabled=false", "State: not found"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunStatus_WithState(t *testing.T) {
	isolate(t)
	t.Setenv("COMPANION_API_KEY", "sk-abcdefghijkl")
	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	os.MkdirAll(cfg.DataDir(), 0755)

	store := presence.NewStore(cfg.PresencePath(), presence.Config{})
	store.RecordActivity(context.Background(), "telegram:1")

	ledger, err := thought.NewSQLiteLedger(cfg.ThoughtsDBPath(), 10)
	if err != nil {
		t.Fatal(err)
	}
	ledger.Add(thought.Thought{UserID: "telegram:1", AgentID: "sage", Content: "hi"})
	ledger.Add(thought.Thought{UserID: "telegram:1", AgentID: "sage", Content: "again"})
	ledger.Close()

	out, err := execute(t, "status")
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	for _, want := range []string{"API Key: sk-a...ijkl", "Users: 1 (active 1, away 0, dormant 0)", "Unshared thoughts: 2", "telegram:1: 2", "Triggers: 0 (0 enabled)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunGateway_NoAPIKey(t *testing.T) {
	isolate(t)

	_, err := execute(t, "gateway")
	if err == nil || !strings.Contains(err.Error(), "API key not set") {
		t.Errorf("err = %v", err)
	}
}

const triggersYAML = `triggers:
  - userId: telegram:1
    type: scheduled
    action: check_in
    cooldownMinutes: 60
    maxFiringsPerDay: 1
    conditions:
      - kind: schedule
        hour: 9
  - userId: telegram:2
    type: event
    action: celebrate
    conditions:
      - kind: event
        name: return
`

func TestTriggerCommands(t *testing.T) {
	home := isolate(t)
	file := filepath.Join(home, "triggers.yaml")
	os.WriteFile(file, []byte(triggersYAML), 0644)

	out, err := execute(t, "trigger", "import", file)
	if err != nil {
		t.Fatalf("import error: %v", err)
	}
	if strings.Count(out, "Imported ") != 2 {
		t.Fatalf("import output = %q", out)
	}

	out, err = execute(t, "trigger", "list", "--user", "telegram:1")
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if !strings.Contains(out, "check_in") || strings.Contains(out, "celebrate") {
		t.Errorf("filtered list = %q", out)
	}

	cfg, _ := config.LoadConfig()
	list := openEngine(cfg).List("telegram:1")
	if len(list) != 1 {
		t.Fatalf("stored triggers = %d", len(list))
	}
	id := list[0].ID

	out, err = execute(t, "trigger", "disable", id)
	if err != nil || !strings.Contains(out, "enabled=false") {
		t.Errorf("disable: %q, %v", out, err)
	}
	if got, _ := openEngine(cfg).Get(id); got.Enabled {
		t.Error("trigger still enabled")
	}

	out, err = execute(t, "trigger", "enable", id)
	if err != nil || !strings.Contains(out, "enabled=true") {
		t.Errorf("enable: %q, %v", out, err)
	}

	if _, err := execute(t, "trigger", "remove", id); err != nil {
		t.Fatalf("remove error: %v", err)
	}
	if _, err := execute(t, "trigger", "remove", id); err == nil {
		t.Error("expected error removing missing trigger")
	}

	out, err = execute(t, "trigger", "list", "--user", "telegram:1")
	if err != nil || !strings.Contains(out, "No triggers.") {
		t.Errorf("list after remove: %q, %v", out, err)
	}
}

func TestTriggerImport_BadFile(t *testing.T) {
	home := isolate(t)
	file := filepath.Join(home, "bad.yaml")
	os.WriteFile(file, []byte("triggers:\n  - type: event\n"), 0644)

	if _, err := execute(t, "trigger", "import", file); err == nil {
		t.Error("expected error for definition without userId")
	}
	if _, err := execute(t, "trigger", "import", filepath.Join(home, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
