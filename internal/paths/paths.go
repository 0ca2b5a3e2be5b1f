// Package paths resolves the fixed on-disk layout under the Bob user
// root. Every component that touches the filesystem goes through a
// single [Layout] built once at startup, so the directory shape lives
// in exactly one place.
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultRoot returns the user root, honoring BOB_ROOT and falling
// back to ~/.bob.
func DefaultRoot() string {
	if root := os.Getenv("BOB_ROOT"); root != "" {
		return expandHome(root)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bob"
	}
	return filepath.Join(home, ".bob")
}

// Layout maps logical names to absolute paths under the user root.
type Layout struct {
	Root string
}

// NewLayout builds a Layout rooted at dir (tilde-expanded).
func NewLayout(dir string) *Layout {
	return &Layout{Root: expandHome(dir)}
}

// EnsureDirs creates the directory skeleton. Safe to call repeatedly.
func (l *Layout) EnsureDirs() error {
	for _, dir := range []string{
		l.DataDir(),
		l.MemoryDir(),
		filepath.Join(l.MemoryDir(), "journal"),
		filepath.Join(l.MemoryDir(), "conversations"),
		l.ScriptsDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func (l *Layout) ConfigFile() string   { return filepath.Join(l.Root, "config.toml") }
func (l *Layout) DataDir() string      { return filepath.Join(l.Root, "data") }
func (l *Layout) MemoryDir() string    { return filepath.Join(l.Root, "memory") }
func (l *Layout) ScriptsDir() string   { return filepath.Join(l.Root, "scripts") }
func (l *Layout) SessionsFile() string { return filepath.Join(l.Root, "sessions.json") }

func (l *Layout) JobsDB() string     { return filepath.Join(l.DataDir(), "jobs.db") }
func (l *Layout) EventsDB() string   { return filepath.Join(l.DataDir(), "events.db") }
func (l *Layout) MessagesDB() string { return filepath.Join(l.DataDir(), "messages.db") }
func (l *Layout) RecallDB() string   { return filepath.Join(l.DataDir(), "bob.db") }

func (l *Layout) SchedulerPID() string  { return filepath.Join(l.DataDir(), "scheduler.pid") }
func (l *Layout) SchedulerLock() string { return filepath.Join(l.DataDir(), "scheduler.lock") }
func (l *Layout) OffsetFile() string    { return filepath.Join(l.DataDir(), "telegram-offset.json") }
func (l *Layout) DNDStateFile() string  { return filepath.Join(l.DataDir(), "dnd-state.json") }
func (l *Layout) LastExitFile() string  { return filepath.Join(l.DataDir(), "last_exit.json") }

// JournalFile returns memory/journal/YYYY/MM-DD.md for the given date
// components.
func (l *Layout) JournalFile(year string, monthDay string) string {
	return filepath.Join(l.MemoryDir(), "journal", year, monthDay+".md")
}

// ConversationFile returns memory/conversations/YYYY/MM-DD-<engine>.md.
func (l *Layout) ConversationFile(year, monthDay, engine string) string {
	return filepath.Join(l.MemoryDir(), "conversations", year, monthDay+"-"+engine+".md")
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}
