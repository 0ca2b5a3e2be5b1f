package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
default_engine = "codex"
timezone = "Europe/Berlin"
log_level = "debug"

[telegram]
token = "123:abc"
allowlist = [111, 222]
ack_reaction = "👀"

[engines.claude]
skip_permissions = true

[engines.codex]
yolo = true

[heartbeat]
enabled = true
prompt = "check things"

[dnd]
enabled = true
start = "22:00"
end = "08:00"

[projects.web]
path = "/home/u/web"
worktrees_root = "/home/u/web-wt"
default_branch = "main"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DefaultEngine != "codex" {
		t.Errorf("default_engine = %q", cfg.DefaultEngine)
	}
	if cfg.Telegram.Token != "123:abc" || len(cfg.Telegram.Allowlist) != 2 {
		t.Errorf("telegram = %+v", cfg.Telegram)
	}
	if !cfg.Engines.Claude.SkipPermissions || !cfg.Engines.Codex.Yolo {
		t.Errorf("engines = %+v", cfg.Engines)
	}
	if !cfg.Heartbeat.Enabled || cfg.Heartbeat.Prompt != "check things" {
		t.Errorf("heartbeat = %+v", cfg.Heartbeat)
	}
	if p, ok := cfg.Projects["web"]; !ok || p.Path != "/home/u/web" {
		t.Errorf("projects = %+v", cfg.Projects)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if cfg.Location().String() != "Europe/Berlin" {
		t.Errorf("location = %s", cfg.Location())
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_BOB_TOKEN", "tok-from-env")
	path := writeConfig(t, `
[telegram]
token = "${TEST_BOB_TOKEN}"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "tok-from-env" {
		t.Errorf("token = %q", cfg.Telegram.Token)
	}
}

func TestLoad_UnknownKeysRejected(t *testing.T) {
	path := writeConfig(t, `
[telegram]
token = "x"
tokken = "typo"
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unknown keys") {
		t.Errorf("Load = %v, want unknown-keys error", err)
	}
}

func TestValidate_MissingToken(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Error("missing token passed validation")
	}
}

func TestValidate_BadDNDClock(t *testing.T) {
	cfg := Default()
	cfg.Telegram.Token = "x"
	cfg.DND.Enabled = true
	cfg.DND.Start = "25:00"
	cfg.DND.End = "08:00"
	if err := cfg.Validate(); err == nil {
		t.Error("bad clock passed validation")
	}
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"00:00", 0, false},
		{"08:30", 510, false},
		{"23:59", 1439, false},
		{"24:00", 0, true},
		{"8", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseClock(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseClock(%q) error = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseClock(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	if _, err := ParseLogLevel("trace"); err != nil {
		t.Errorf("trace: %v", err)
	}
	if _, err := ParseLogLevel("shouty"); err == nil {
		t.Error("unknown level accepted")
	}
}
