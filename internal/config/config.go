// Package config handles Bob configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.toml, ~/.config/bob/config.toml, <root>/config.toml.
func DefaultSearchPaths(root string) []string {
	paths := []string{"config.toml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "bob", "config.toml"))
	}

	if root != "" {
		paths = append(paths, filepath.Join(root, "config.toml"))
	}
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit, root string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths(root) {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths(root))
}

// Config holds all Bob configuration.
type Config struct {
	DefaultEngine string `toml:"default_engine"`
	Locale        string `toml:"locale"`
	Timezone      string `toml:"timezone"`
	LogLevel      string `toml:"log_level"`
	LogFile       string `toml:"log_file"`

	Telegram   TelegramConfig           `toml:"telegram"`
	Engines    EnginesConfig            `toml:"engines"`
	Heartbeat  HeartbeatConfig          `toml:"heartbeat"`
	DND        DNDConfig                `toml:"dnd"`
	Embeddings EmbeddingsConfig         `toml:"embeddings"`
	Mail       MailConfig               `toml:"mail"`
	MQTT       MQTTConfig               `toml:"mqtt"`
	Projects   map[string]ProjectConfig `toml:"projects"`
}

// TelegramConfig defines the chat transport settings. Token and
// allowlist are security relevant: they are never defaulted.
type TelegramConfig struct {
	Token       string  `toml:"token"`
	Allowlist   []int64 `toml:"allowlist"`
	AckReaction string  `toml:"ack_reaction"`
}

// EnginesConfig carries per-engine flags.
type EnginesConfig struct {
	Claude ClaudeEngineConfig `toml:"claude"`
	Codex  CodexEngineConfig  `toml:"codex"`
	API    APIEngineConfig    `toml:"api"`
}

// ClaudeEngineConfig configures the claude CLI engine.
type ClaudeEngineConfig struct {
	SkipPermissions bool `toml:"skip_permissions"`
}

// CodexEngineConfig configures the codex CLI engine.
type CodexEngineConfig struct {
	Yolo bool `toml:"yolo"`
}

// APIEngineConfig configures the direct Anthropic API engine.
type APIEngineConfig struct {
	APIKey string `toml:"api_key"`
	Model  string `toml:"model"`
}

// HeartbeatConfig controls the event-drain heartbeat.
type HeartbeatConfig struct {
	Enabled bool   `toml:"enabled"`
	Prompt  string `toml:"prompt"`
	File    string `toml:"file"`
}

// DNDConfig defines the scheduled do-not-disturb window.
// Start and End are wall-clock "HH:MM" in the configured timezone;
// Start > End means the window wraps past midnight.
type DNDConfig struct {
	Enabled bool   `toml:"enabled"`
	Start   string `toml:"start"`
	End     string `toml:"end"`
}

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	Enabled bool   `toml:"enabled"`
	Model   string `toml:"model"`
	BaseURL string `toml:"baseurl"`
}

// MailConfig defines the optional IMAP mail event source.
type MailConfig struct {
	Enabled  bool   `toml:"enabled"`
	Server   string `toml:"server"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	Mailbox  string `toml:"mailbox"`
	ChatID   int64  `toml:"chat_id"`
	PollSec  int    `toml:"poll_sec"`
}

// MQTTConfig defines the optional MQTT event source.
type MQTTConfig struct {
	Enabled  bool     `toml:"enabled"`
	Broker   string   `toml:"broker"`
	ClientID string   `toml:"client_id"`
	Username string   `toml:"username"`
	Password string   `toml:"password"`
	Topics   []string `toml:"topics"`
	ChatID   int64    `toml:"chat_id"`
}

// ProjectConfig binds a project alias to a working directory.
type ProjectConfig struct {
	Path          string `toml:"path"`
	WorktreesRoot string `toml:"worktrees_root"`
	DefaultBranch string `toml:"default_branch"`
	DefaultEngine string `toml:"default_engine"`
}

// Load reads configuration from a TOML file. Environment variables in
// the file body are expanded before decoding, so secrets can be kept
// out of the file itself (token = "${BOB_TELEGRAM_TOKEN}").
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	md, err := toml.Decode(expanded, cfg)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("parse %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	// Environment overrides for CLI-level context propagation.
	if tok := os.Getenv("BOB_TELEGRAM_TOKEN"); tok != "" {
		cfg.Telegram.Token = tok
	}
	if eng := os.Getenv("BOB_ENGINE"); eng != "" {
		cfg.DefaultEngine = eng
	}

	return cfg, nil
}

// Validate checks startup invariants. A missing transport token is
// fatal for the daemon; CLI-only commands skip validation.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if c.DND.Enabled {
		if _, err := ParseClock(c.DND.Start); err != nil {
			return fmt.Errorf("dnd.start: %w", err)
		}
		if _, err := ParseClock(c.DND.End); err != nil {
			return fmt.Errorf("dnd.end: %w", err)
		}
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
	}
	return nil
}

// Location resolves the configured timezone, defaulting to the system
// local zone when unset.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// ParseClock parses a wall-clock "HH:MM" string into minutes after
// midnight.
func ParseClock(s string) (int, error) {
	s = strings.TrimSpace(s)
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock %q (want HH:MM)", s)
	}
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid clock %q (want HH:MM)", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock %q out of range", s)
	}
	return h*60 + m, nil
}

// Default returns a default configuration. Security-relevant fields
// (token, allowlist) are deliberately left empty.
func Default() *Config {
	return &Config{
		DefaultEngine: "claude",
		Heartbeat: HeartbeatConfig{
			Prompt: "Process the queued events below. Decide whether the user " +
				"should be notified. If nothing needs their attention, reply " +
				"with exactly HEARTBEAT_OK.",
		},
		Embeddings: EmbeddingsConfig{
			Model:   "nomic-embed-text",
			BaseURL: "http://localhost:11434",
		},
		Mail: MailConfig{Mailbox: "INBOX", PollSec: 300},
	}
}
